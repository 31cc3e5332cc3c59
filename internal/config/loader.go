package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectInlineGroups(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Locations {
		applyLocationDefaults(&cfg.Locations[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage
	if cfg.Global.DurablePath != "" {
		absDurable, err := filepath.Abs(cfg.Global.DurablePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析持久层目录: %w", err)
		}
		cfg.Global.DurablePath = absDurable
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("LogMaxAge", 0)
	v.SetDefault("LogFormat", LogFormatJSON)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("CacheBackend", BackendFile)
	v.SetDefault("Workers", 8)
	v.SetDefault("DefaultTimeout", "30s")
	v.SetDefault("JobTimeoutFactor", 10)
	v.SetDefault("NFCTimeout", "5m")
	v.SetDefault("NFCSize", 10000)
	v.SetDefault("TransferCacheSize", 4096)
	v.SetDefault("TransferCacheTTL", "10m")
	v.SetDefault("ReclaimGrace", "1h")
	v.SetDefault("ReclaimInterval", "10m")
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("InitialBackoff", "1s")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.LogFormat = strings.ToLower(strings.TrimSpace(g.LogFormat))
	if g.LogFormat == "" {
		g.LogFormat = LogFormatJSON
	}
	g.CacheBackend = strings.ToLower(strings.TrimSpace(g.CacheBackend))
	if g.CacheBackend == "" {
		g.CacheBackend = BackendFile
	}
	if g.Workers == 0 {
		g.Workers = 8
	}
	if g.DefaultTimeout.DurationValue() == 0 {
		g.DefaultTimeout = Duration(30 * time.Second)
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	for i, alg := range g.Checksums {
		g.Checksums[i] = strings.ToLower(strings.TrimSpace(alg))
	}
}

func applyLocationDefaults(l *LocationConfig) {
	l.Name = strings.TrimSpace(l.Name)
	l.URI = strings.TrimSpace(l.URI)
	if l.CacheTimeout.DurationValue() < 0 {
		l.CacheTimeout = Duration(0)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// rejectInlineGroups 拒绝在 [[Location]] 中直接写 Locations 列表的旧写法，
// 虚拟资源必须通过 [[Group]] 声明。
func rejectInlineGroups(v *viper.Viper) error {
	raw := v.Get("Location")
	locations, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	for idx, entry := range locations {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		if _, exists := lookupFold(m, "Locations"); exists {
			name := fmt.Sprintf("#%d", idx)
			if rawName, ok := lookupFold(m, "Name"); ok {
				if s, ok := rawName.(string); ok && s != "" {
					name = s
				}
			}
			return newFieldError(locationField(name, "Locations"), "Location 不能包含成员列表，请改用 [[Group]]")
		}
	}

	return nil
}

// lookupFold 忽略大小写查找键，Viper 可能已把嵌套表的键转为小写。
func lookupFold(m map[string]interface{}, key string) (interface{}, bool) {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}
