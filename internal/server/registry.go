package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/any-hub/galley/internal/config"
	"github.com/any-hub/galley/internal/resource"
)

// Route 是 URL 中 `:name` 对应的目标：单个 Location 或按顺序组成的 Group。
type Route struct {
	// Name 是配置中的 Location 或 Group 名称。
	Name string
	// Group 为真时 Locations 是分组成员，请求作用于虚拟资源。
	Group bool
	// Locations 在构造 Registry 时创建完成，所有请求共享。
	Locations []*resource.Location
	// Config 仅在单个 Location 时有效，保留用户声明的原始字段供诊断输出。
	Config config.LocationConfig
}

// Resource 返回路径在该路由下的资源：Location 得到具体资源，Group 得到虚拟资源。
func (r *Route) Resource(path string) resource.Resource {
	if r.Group {
		return resource.NewVirtual(r.Locations, path)
	}
	return resource.NewConcrete(r.Locations[0], path)
}

// Registry 提供名称到 Route 的查询能力。
type Registry struct {
	routes  map[string]*Route
	ordered []*Route
}

// NewRegistry 根据配置构建 Location 与 Group。调用方应在启动阶段创建一次并复用。
func NewRegistry(cfg *config.Config) (*Registry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &Registry{
		routes: make(map[string]*Route, len(cfg.Locations)+len(cfg.Groups)),
	}

	locations := make(map[string]*resource.Location, len(cfg.Locations))
	for _, lc := range cfg.Locations {
		name := normalizeName(lc.Name)
		if name == "" {
			return nil, errors.New("location name is empty")
		}
		loc, err := resource.NewLocation(lc.Options(cfg.Global))
		if err != nil {
			return nil, err
		}
		locations[name] = loc
		if err := registry.add(&Route{Name: name, Locations: []*resource.Location{loc}, Config: lc}); err != nil {
			return nil, err
		}
	}

	for _, gc := range cfg.Groups {
		name := normalizeName(gc.Name)
		members := make([]*resource.Location, 0, len(gc.Locations))
		for _, member := range gc.Locations {
			loc, ok := locations[normalizeName(member)]
			if !ok {
				return nil, fmt.Errorf("group %s references unknown location %s", gc.Name, member)
			}
			members = append(members, loc)
		}
		if len(members) == 0 {
			return nil, fmt.Errorf("group %s has no locations", gc.Name)
		}
		if err := registry.add(&Route{Name: name, Group: true, Locations: members}); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

func (r *Registry) add(route *Route) error {
	if _, exists := r.routes[route.Name]; exists {
		return fmt.Errorf("duplicate location or group name %s", route.Name)
	}
	r.routes[route.Name] = route
	r.ordered = append(r.ordered, route)
	return nil
}

// Lookup 根据名称查找 Route。
func (r *Registry) Lookup(name string) (*Route, bool) {
	if r == nil {
		return nil, false
	}
	route, ok := r.routes[normalizeName(name)]
	return route, ok
}

// List 返回当前注册的 Route 列表（按配置定义的顺序，Location 在前），用于诊断输出。
func (r *Registry) List() []Route {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]Route, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

func normalizeName(name string) string {
	return strings.TrimSpace(name)
}
