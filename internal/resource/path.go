// Package resource models what is being transferred: Locations (configured
// repositories or storage endpoints) and resources addressed by a normalized
// path within one Location (concrete) or an ordered list of Locations
// (virtual). Every lock key, join key and cache key in galley is derived from
// the normalized form produced here.
package resource

import (
	"path"
	"strings"
)

// Root 是规范化路径的根。
const Root = "/"

// Normalize 拼接路径片段并折叠 "."、".." 与重复斜杠，结果总是以 "/" 开头且
// 不带末尾斜杠；越过根的 ".." 被截断在根上。对结果再次调用 Normalize 不会改变它。
func Normalize(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return path.Clean(Root + strings.Join(kept, "/"))
}

// IsRootPath 判断规范化后的路径是否为根。
func IsRootPath(p string) bool {
	return Normalize(p) == Root
}

// ParentPath 返回父路径；根没有父路径。
func ParentPath(p string) (string, bool) {
	clean := Normalize(p)
	if clean == Root {
		return "", false
	}
	return path.Dir(clean), true
}

// ChildPath 返回 p 下名为 name 的子路径。
func ChildPath(p, name string) string {
	return Normalize(p, name)
}

// BaseName 返回路径最后一段，根返回空字符串。
func BaseName(p string) string {
	clean := Normalize(p)
	if clean == Root {
		return ""
	}
	return path.Base(clean)
}
