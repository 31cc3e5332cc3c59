package resource

import (
	"path"
	"strings"
)

const snapshotSuffix = "-SNAPSHOT"

// ArtifactInfo 是从 Maven 布局路径中识别出的最小坐标信息，仅用于存储位置的
// release/snapshot 判定。
type ArtifactInfo struct {
	GroupPath  string
	ArtifactID string
	Version    string
	FileName   string
}

// IsSnapshot 判断版本是否为快照。
func (a ArtifactInfo) IsSnapshot() bool {
	return strings.HasSuffix(strings.ToUpper(a.Version), snapshotSuffix)
}

// ParseArtifactPath 识别 group/artifact/version/file 布局；文件名必须以
// "<artifactId>-<版本前缀>" 开头（快照文件可带时间戳）。
func ParseArtifactPath(p string) (ArtifactInfo, bool) {
	clean := strings.TrimPrefix(Normalize(p), Root)
	parts := strings.Split(clean, "/")
	if len(parts) < 4 {
		return ArtifactInfo{}, false
	}
	n := len(parts)
	info := ArtifactInfo{
		GroupPath:  strings.Join(parts[:n-3], "/"),
		ArtifactID: parts[n-3],
		Version:    parts[n-2],
		FileName:   parts[n-1],
	}

	base := info.Version
	if info.IsSnapshot() {
		base = base[:len(base)-len(snapshotSuffix)]
	}
	if !strings.HasPrefix(info.FileName, info.ArtifactID+"-"+base) {
		return ArtifactInfo{}, false
	}
	if path.Ext(info.FileName) == "" {
		return ArtifactInfo{}, false
	}
	return info, true
}

// IsSnapshotPath 只有可识别为制品且版本为快照时返回 true。
func IsSnapshotPath(p string) bool {
	info, ok := ParseArtifactPath(p)
	return ok && info.IsSnapshot()
}
