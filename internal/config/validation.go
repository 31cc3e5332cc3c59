package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/any-hub/galley/internal/checksum"
)

var supportedBackends = map[string]struct{}{
	BackendFile:       {},
	BackendFastLocal:  {},
	BackendPathMapped: {},
}

const supportedBackendList = "file|fastlocal|pathmapped"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	if err := c.Global.validate(); err != nil {
		return err
	}

	if len(c.Locations) == 0 {
		return errors.New("至少需要配置一个 Location")
	}

	seenNames := map[string]struct{}{}
	for i := range c.Locations {
		loc := &c.Locations[i]
		if loc.Name == "" {
			return newFieldError("Location[].Name", "不能为空")
		}
		if _, exists := seenNames[loc.Name]; exists {
			return newFieldError(locationField(loc.Name, "Name"), "重复")
		}
		seenNames[loc.Name] = struct{}{}

		if err := validateURI(loc.URI); err != nil {
			return fmt.Errorf("%s: %w", locationField(loc.Name, "URI"), err)
		}
		if (loc.Username == "") != (loc.Password == "") {
			return newFieldError(locationField(loc.Name, "Username/Password"), "必须同时提供或同时留空")
		}
		if loc.Proxy != "" {
			if err := validateProxy(loc.Proxy); err != nil {
				return fmt.Errorf("%s: %w", locationField(loc.Name, "Proxy"), err)
			}
		}
		if loc.Timeout.DurationValue() < 0 {
			return newFieldError(locationField(loc.Name, "Timeout"), "不能为负数")
		}
	}

	for i := range c.Groups {
		group := &c.Groups[i]
		if group.Name == "" {
			return newFieldError("Group[].Name", "不能为空")
		}
		if _, exists := seenNames[group.Name]; exists {
			return newFieldError(groupField(group.Name, "Name"), "与其他 Location/Group 重名")
		}
		seenNames[group.Name] = struct{}{}
		if len(group.Locations) == 0 {
			return newFieldError(groupField(group.Name, "Locations"), "不能为空")
		}
		for _, member := range group.Locations {
			if _, ok := c.Location(member); !ok {
				return newFieldError(groupField(group.Name, "Locations"), fmt.Sprintf("未知 Location: %s", member))
			}
		}
	}

	return nil
}

func (g GlobalConfig) validate() error {
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedBackends[g.CacheBackend]; !ok {
		return newFieldError("Global.CacheBackend", "仅支持 "+supportedBackendList)
	}
	if g.CacheBackend == BackendFastLocal && g.DurablePath == "" {
		return newFieldError("Global.DurablePath", "fastlocal 后端必须配置持久层目录")
	}
	switch g.LogFormat {
	case "", LogFormatJSON, LogFormatText:
	default:
		return newFieldError("Global.LogFormat", "仅支持 json 或 text")
	}
	if g.LogMaxAge < 0 {
		return newFieldError("Global.LogMaxAge", "不能为负数")
	}
	if g.Workers < 0 {
		return newFieldError("Global.Workers", "不能为负数")
	}
	if g.DefaultTimeout.DurationValue() <= 0 {
		return newFieldError("Global.DefaultTimeout", "必须大于 0")
	}
	if g.JobTimeoutFactor < 0 {
		return newFieldError("Global.JobTimeoutFactor", "不能为负数")
	}
	if g.NFCSize < 0 {
		return newFieldError("Global.NFCSize", "不能为负数")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	for _, alg := range g.Checksums {
		if _, err := checksum.Parse(alg); err != nil {
			return newFieldError("Global.Checksums", fmt.Sprintf("不支持的算法: %s", alg))
		}
	}
	return nil
}

func validateURI(raw string) error {
	if raw == "" {
		return errors.New("缺少 URI")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		if parsed.Host == "" {
			return fmt.Errorf("URI 缺少 Host: %s", raw)
		}
	case "file":
		if parsed.Path == "" {
			return fmt.Errorf("file URI 缺少路径: %s", raw)
		}
	case "":
		return fmt.Errorf("URI 缺少协议: %s", raw)
	default:
		return fmt.Errorf("仅支持 http/https/file，URI: %s", raw)
	}
	return nil
}

func validateProxy(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("代理仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("代理缺少 Host: %s", raw)
	}
	return nil
}

// Group 按名称查找分组配置。
func (c *Config) Group(name string) (GroupConfig, bool) {
	for _, g := range c.Groups {
		if g.Name == name {
			return g, true
		}
	}
	return GroupConfig{}, false
}
