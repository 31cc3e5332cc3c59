// Package version 保存构建时注入的版本信息。
package version

import (
	"fmt"
	"runtime"
)

// 通过 -ldflags "-X github.com/any-hub/galley/internal/version.Version=..." 注入。
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// Full 返回 CLI --version 输出的一行文本。
func Full() string {
	return fmt.Sprintf("galley %s (%s, %s)", Version, Commit, runtime.Version())
}

// UserAgent 是访问远端仓库时携带的 User-Agent。
func UserAgent() string {
	return "galley/" + Version
}
