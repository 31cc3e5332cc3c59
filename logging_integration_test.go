package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// 日志目录不可创建时 check-config 仍应成功，日志退回 stdout。
func TestLoggingFallbackToStdout(t *testing.T) {
	dir := t.TempDir()
	// 普通文件占住目录位置，root 运行时同样会失败。
	blocked := filepath.Join(dir, "blocked")
	if err := os.WriteFile(blocked, []byte("x"), 0o644); err != nil {
		t.Fatalf("创建占位文件失败: %v", err)
	}

	configPath := writeConfigFile(t, fmt.Sprintf(`
LogLevel = "info"
LogFilePath = "%s"
StoragePath = "%s"

[[Location]]
Name = "central"
URI = "https://repo.maven.apache.org/maven2"
`, filepath.Join(blocked, "sub", "galley.log"), filepath.Join(dir, "storage")))

	_, errOut := captureCLI(t)
	if code := run(cliOptions{configPath: configPath, checkOnly: true}); code != 0 {
		t.Fatalf("日志 fallback 不应导致失败，得到 %d: %s", code, errOut.String())
	}
	if _, err := os.Stat(filepath.Join(blocked, "sub")); err == nil {
		t.Fatalf("不应在占位文件下创建目录")
	}
}
