package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/galley/internal/config"
)

func TestConfigureDefaultsToStdout(t *testing.T) {
	logger, err := InitLogger(config.GlobalConfig{LogLevel: "info"})
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("未指定文件时应输出到 stdout")
	}
}

func TestInitLoggerFallbackWhenDirUnavailable(t *testing.T) {
	dir := t.TempDir()
	blocked := filepath.Join(dir, "blocked")
	if err := os.WriteFile(blocked, []byte("not a dir"), 0o644); err != nil {
		t.Fatalf("创建占位文件失败: %v", err)
	}

	cfg := config.GlobalConfig{
		LogLevel:    "info",
		LogFilePath: filepath.Join(blocked, "sub", "galley.log"),
	}
	logger, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("初始化不应失败: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("fallback 时应退回 stdout")
	}
}

func TestInitLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := InitLogger(config.GlobalConfig{LogLevel: "chatty"}); err == nil {
		t.Fatalf("未知日志级别应报错")
	}
}

func TestTransferFieldsOmitEmptyURL(t *testing.T) {
	fields := TransferFields("central", "/a/b.jar", "")
	if _, ok := fields["url"]; ok {
		t.Fatalf("空 url 不应写入字段")
	}
	if fields["location"] != "central" || fields["path"] != "/a/b.jar" {
		t.Fatalf("字段不符: %v", fields)
	}
}

func TestConfigureCreatesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "galley.log")
	cfg := config.GlobalConfig{LogLevel: "debug", LogFilePath: path}
	logger, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	logger.Info("test")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("预期创建日志文件: %v", err)
	}
}

func TestInitLoggerTextFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "galley.log")
	logger, err := InitLogger(config.GlobalConfig{LogLevel: "info", LogFilePath: path, LogFormat: config.LogFormatText})
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	logger.WithField("location", "central").Info("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("读取日志失败: %v", err)
	}
	if !strings.Contains(string(data), "level=info") || !strings.Contains(string(data), "location=central") {
		t.Fatalf("text 格式输出不符: %s", data)
	}
}

func TestInitLoggerRejectsUnknownFormat(t *testing.T) {
	if _, err := InitLogger(config.GlobalConfig{LogLevel: "info", LogFormat: "xml"}); err == nil {
		t.Fatalf("未知日志格式应报错")
	}
}

func TestDiscardSwallowsOutput(t *testing.T) {
	l := Discard()
	if l.IsLevelEnabled(logrus.ErrorLevel) {
		t.Fatalf("Discard logger 不应启用 error 级别")
	}
}

func TestOrDiscardKeepsGivenLogger(t *testing.T) {
	given := logrus.New()
	if OrDiscard(given) != given {
		t.Fatalf("OrDiscard 应原样返回非 nil logger")
	}
	if l := OrDiscard(nil); l == nil || l.IsLevelEnabled(logrus.ErrorLevel) {
		t.Fatalf("OrDiscard(nil) 应返回 Discard logger")
	}
}
