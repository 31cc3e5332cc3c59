package resource

import (
	"fmt"
	"strings"
)

// Resource 是 ConcreteResource 与 VirtualResource 的封闭联合类型。
type Resource interface {
	Path() string
	IsRoot() bool
	AllowsDownloading() bool
	AllowsPublishing() bool
	AllowsStoring() bool
	AllowsSnapshots() bool
	AllowsReleases() bool
	AllowsDeletion() bool
	String() string

	sealed()
}

// ConcreteResource 将一个 Location 与规范化路径绑定，是缓存与锁的主键。
type ConcreteResource struct {
	location *Location
	path     string
}

// NewConcrete 拼接并规范化 parts 作为资源路径。
func NewConcrete(loc *Location, parts ...string) ConcreteResource {
	return ConcreteResource{location: loc, path: Normalize(parts...)}
}

func (ConcreteResource) sealed() {}

func (r ConcreteResource) Location() *Location { return r.location }
func (r ConcreteResource) Path() string        { return r.path }
func (r ConcreteResource) IsRoot() bool        { return r.path == Root }

// Key 由 Location 身份键与路径组成，供 map/锁表使用。
func (r ConcreteResource) Key() string {
	if r.location == nil {
		return "#" + r.path
	}
	return r.location.Key() + "#" + r.path
}

// Equal 比较 Location 身份与路径。
func (r ConcreteResource) Equal(other ConcreteResource) bool {
	return r.location.Equal(other.location) && r.path == other.path
}

// IsZero 表示未绑定 Location 的零值。
func (r ConcreteResource) IsZero() bool {
	return r.location == nil && r.path == ""
}

// Parent 返回父资源；根资源返回 false。
func (r ConcreteResource) Parent() (ConcreteResource, bool) {
	parent, ok := ParentPath(r.path)
	if !ok {
		return ConcreteResource{}, false
	}
	return ConcreteResource{location: r.location, path: parent}, true
}

// Child 返回同一 Location 下的子资源。
func (r ConcreteResource) Child(name string) ConcreteResource {
	return ConcreteResource{location: r.location, path: ChildPath(r.path, name)}
}

// Sibling 返回同目录下名为 name 的资源，根资源返回其子资源。
func (r ConcreteResource) Sibling(name string) ConcreteResource {
	if parent, ok := r.Parent(); ok {
		return parent.Child(name)
	}
	return r.Child(name)
}

func (r ConcreteResource) AllowsDownloading() bool { return r.location != nil && r.location.AllowsDownloading() }
func (r ConcreteResource) AllowsPublishing() bool  { return r.location != nil && r.location.AllowsPublishing() }
func (r ConcreteResource) AllowsStoring() bool     { return r.location != nil && r.location.AllowsStoring() }
func (r ConcreteResource) AllowsSnapshots() bool   { return r.location != nil && r.location.AllowsSnapshots() }
func (r ConcreteResource) AllowsReleases() bool    { return r.location != nil && r.location.AllowsReleases() }
func (r ConcreteResource) AllowsDeletion() bool    { return r.location != nil && r.location.AllowsDeletion() }

func (r ConcreteResource) String() string {
	if r.location == nil {
		return r.path
	}
	return fmt.Sprintf("%s:%s", r.location.Name(), r.path)
}

// VirtualResource 是按优先级排列的一组 Location 与同一路径。
type VirtualResource struct {
	locations []*Location
	path      string
}

// NewVirtual 复制 locations，保证调用方后续修改不会影响资源。
func NewVirtual(locations []*Location, parts ...string) VirtualResource {
	locs := make([]*Location, len(locations))
	copy(locs, locations)
	return VirtualResource{locations: locs, path: Normalize(parts...)}
}

func (VirtualResource) sealed() {}

// Locations 返回 Location 列表副本。
func (r VirtualResource) Locations() []*Location {
	locs := make([]*Location, len(r.locations))
	copy(locs, r.locations)
	return locs
}

func (r VirtualResource) Path() string { return r.path }
func (r VirtualResource) IsRoot() bool { return r.path == Root }

// Concretes 按 Location 顺序展开为具体资源。
func (r VirtualResource) Concretes() []ConcreteResource {
	out := make([]ConcreteResource, 0, len(r.locations))
	for _, loc := range r.locations {
		out = append(out, ConcreteResource{location: loc, path: r.path})
	}
	return out
}

// Parent 保持 Location 列表不变。
func (r VirtualResource) Parent() (VirtualResource, bool) {
	parent, ok := ParentPath(r.path)
	if !ok {
		return VirtualResource{}, false
	}
	return VirtualResource{locations: r.locations, path: parent}, true
}

func (r VirtualResource) Child(name string) VirtualResource {
	return VirtualResource{locations: r.locations, path: ChildPath(r.path, name)}
}

func (r VirtualResource) anyLocation(pred func(*Location) bool) bool {
	for _, loc := range r.locations {
		if loc != nil && pred(loc) {
			return true
		}
	}
	return false
}

func (r VirtualResource) AllowsDownloading() bool {
	return r.anyLocation((*Location).AllowsDownloading)
}

func (r VirtualResource) AllowsPublishing() bool {
	return r.anyLocation((*Location).AllowsPublishing)
}

func (r VirtualResource) AllowsStoring() bool {
	return r.anyLocation((*Location).AllowsStoring)
}

func (r VirtualResource) AllowsSnapshots() bool {
	return r.anyLocation((*Location).AllowsSnapshots)
}

func (r VirtualResource) AllowsReleases() bool {
	return r.anyLocation((*Location).AllowsReleases)
}

func (r VirtualResource) AllowsDeletion() bool {
	return r.anyLocation((*Location).AllowsDeletion)
}

func (r VirtualResource) String() string {
	names := make([]string, 0, len(r.locations))
	for _, loc := range r.locations {
		names = append(names, loc.Name())
	}
	return fmt.Sprintf("[%s]:%s", strings.Join(names, ","), r.path)
}
