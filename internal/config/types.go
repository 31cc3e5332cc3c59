package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/any-hub/galley/internal/resource"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 缓存后端类型。
const (
	BackendFile       = "file"
	BackendFastLocal  = "fastlocal"
	BackendPathMapped = "pathmapped"

	LogFormatJSON = "json"
	LogFormatText = "text"
)

// GlobalConfig 描述全局运行时行为，所有 Location 共享同一份参数。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`
	// LogMaxAge 是轮转文件保留天数，0 表示不按时间清理。
	LogMaxAge     int    `mapstructure:"LogMaxAge"`
	// LogFormat 取值 json（默认）或 text。
	LogFormat     string `mapstructure:"LogFormat"`

	StoragePath  string   `mapstructure:"StoragePath"`
	CacheBackend string   `mapstructure:"CacheBackend"`
	// DurablePath 是 fastlocal 后端的持久层（通常是 NFS 挂载点）。
	DurablePath  string   `mapstructure:"DurablePath"`
	NodeID       string   `mapstructure:"NodeID"`
	Checksums    []string `mapstructure:"Checksums"`

	Workers           int      `mapstructure:"Workers"`
	DefaultTimeout    Duration `mapstructure:"DefaultTimeout"`
	// JobTimeoutFactor 是共享下载/上传任务期限相对 Location 超时的倍数。
	JobTimeoutFactor  int      `mapstructure:"JobTimeoutFactor"`
	NFCTimeout        Duration `mapstructure:"NFCTimeout"`
	NFCSize           int      `mapstructure:"NFCSize"`
	TransferCacheSize int      `mapstructure:"TransferCacheSize"`
	TransferCacheTTL  Duration `mapstructure:"TransferCacheTTL"`
	ReclaimGrace      Duration `mapstructure:"ReclaimGrace"`
	ReclaimInterval   Duration `mapstructure:"ReclaimInterval"`

	MaxRetries     int      `mapstructure:"MaxRetries"`
	InitialBackoff Duration `mapstructure:"InitialBackoff"`
}

// LocationConfig 对应一个 [[Location]] 块。能力标记未填写时使用默认值：
// 允许下载、存储、正式版与删除，不允许发布与快照。
type LocationConfig struct {
	Name string `mapstructure:"Name"`
	URI  string `mapstructure:"URI"`

	AllowsDownloading *bool `mapstructure:"AllowsDownloading"`
	AllowsPublishing  *bool `mapstructure:"AllowsPublishing"`
	AllowsStoring     *bool `mapstructure:"AllowsStoring"`
	AllowsSnapshots   *bool `mapstructure:"AllowsSnapshots"`
	AllowsReleases    *bool `mapstructure:"AllowsReleases"`
	AllowsDeletion    *bool `mapstructure:"AllowsDeletion"`

	Timeout           Duration `mapstructure:"Timeout"`
	ConnectionTimeout Duration `mapstructure:"ConnectionTimeout"`
	CacheTimeout      Duration `mapstructure:"CacheTimeout"`
	AltStoragePath    string   `mapstructure:"AltStoragePath"`

	Username string `mapstructure:"Username"`
	Password string `mapstructure:"Password"`
	Proxy    string `mapstructure:"Proxy"`
}

// GroupConfig 对应一个 [[Group]] 块，按顺序组成虚拟资源。
type GroupConfig struct {
	Name      string   `mapstructure:"Name"`
	Locations []string `mapstructure:"Locations"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global    GlobalConfig     `mapstructure:",squash"`
	Locations []LocationConfig `mapstructure:"Location"`
	Groups    []GroupConfig    `mapstructure:"Group"`
}

// HasCredentials 表示当前 Location 是否配置了完整的上游凭证。
func (l LocationConfig) HasCredentials() bool {
	return l.Username != "" && l.Password != ""
}

// AuthMode 输出 `credentialed` 或 `anonymous`，供日志字段使用。
func (l LocationConfig) AuthMode() string {
	if l.HasCredentials() {
		return "credentialed"
	}
	return "anonymous"
}

// CredentialModes 返回所有 Location 的鉴权模式摘要，例如 central:anonymous。
func CredentialModes(locations []LocationConfig) []string {
	if len(locations) == 0 {
		return nil
	}
	result := make([]string, len(locations))
	for i, loc := range locations {
		result[i] = fmt.Sprintf("%s:%s", loc.Name, loc.AuthMode())
	}
	return result
}

func flag(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// Options 把配置转换为 resource.Options；未设置的超时回退到全局 DefaultTimeout。
func (l LocationConfig) Options(g GlobalConfig) resource.Options {
	timeout := l.Timeout.DurationValue()
	if timeout <= 0 {
		timeout = g.DefaultTimeout.DurationValue()
	}
	return resource.Options{
		Name:              l.Name,
		URI:               l.URI,
		AllowsDownloading: flag(l.AllowsDownloading, true),
		AllowsPublishing:  flag(l.AllowsPublishing, false),
		AllowsStoring:     flag(l.AllowsStoring, true),
		AllowsSnapshots:   flag(l.AllowsSnapshots, false),
		AllowsReleases:    flag(l.AllowsReleases, true),
		AllowsDeletion:    flag(l.AllowsDeletion, true),
		Timeout:           timeout,
		ConnectionTimeout: l.ConnectionTimeout.DurationValue(),
		CacheTimeout:      l.CacheTimeout.DurationValue(),
		AltStoragePath:    l.AltStoragePath,
		Username:          l.Username,
		Password:          l.Password,
		Proxy:             l.Proxy,
	}
}

// Location 按名称查找 Location 配置。
func (c *Config) Location(name string) (LocationConfig, bool) {
	for _, loc := range c.Locations {
		if loc.Name == name {
			return loc, true
		}
	}
	return LocationConfig{}, false
}
