package cache

import (
	"net/url"
	"path/filepath"
	"strings"

	"github.com/any-hub/galley/internal/resource"
)

// PathGenerator 把资源映射为 root 下的本地路径。
type PathGenerator interface {
	FilePath(root string, r resource.ConcreteResource) string
}

// DefaultPathGenerator 生成 <root>/<scheme>/<host>/<uri-path>/<path>；
// Location 配置了 AltStoragePath 时改用 <alt>/<path>。
type DefaultPathGenerator struct{}

func (DefaultPathGenerator) FilePath(root string, r resource.ConcreteResource) string {
	rel := filepath.FromSlash(strings.TrimPrefix(r.Path(), "/"))
	loc := r.Location()
	if loc == nil {
		return filepath.Join(root, "_", rel)
	}
	if alt := loc.AltStoragePath(); alt != "" {
		return filepath.Join(alt, rel)
	}
	return filepath.Join(root, locationDir(loc.URL()), rel)
}

func locationDir(u *url.URL) string {
	if u == nil {
		return "_"
	}
	host := u.Host
	if host == "" {
		host = "_"
	}
	host = strings.NewReplacer(":", "_", "@", "_").Replace(strings.ToLower(host))
	p := strings.Trim(resource.Normalize(u.Path), "/")
	return filepath.Join(strings.ToLower(u.Scheme), host, filepath.FromSlash(p))
}
