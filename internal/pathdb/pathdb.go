// Package pathdb defines the path-mapping database consumed by the
// content-addressed cache provider: (filesystem, path) keys map to directory
// markers or to content file ids, a reverse map counts the paths referencing
// each file id, and file ids that lose their last reference enter a reclaim
// table. Physical content is only removed after it stayed unreferenced for a
// grace period.
package pathdb

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound 表示路径没有映射。
var ErrNotFound = errors.New("pathdb: path not found")

// ErrNotDirectory 表示在文件映射下创建子路径。
var ErrNotDirectory = errors.New("pathdb: parent is not a directory")

// Entry 是一条路径映射；目录没有 FileID。
type Entry struct {
	FileSystem string    `json:"filesystem"`
	Path       string    `json:"path"`
	Dir        bool      `json:"dir"`
	FileID     string    `json:"file_id,omitempty"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
}

// Name 返回路径最后一段。
func (e Entry) Name() string {
	for i := len(e.Path) - 1; i >= 0; i-- {
		if e.Path[i] == '/' {
			return e.Path[i+1:]
		}
	}
	return e.Path
}

// Orphan 是一个已无引用、等待回收的内容文件。
type Orphan struct {
	FileID string    `json:"file_id"`
	Since  time.Time `json:"since"`
}

// DB 是路径映射库的契约。路径均为 resource.Normalize 之后的形式。
type DB interface {
	// Insert 写入文件映射并隐式创建父目录；覆盖已有映射时旧 FileID 失去一次引用。
	Insert(ctx context.Context, e Entry) error
	Get(ctx context.Context, fileSystem, path string) (Entry, error)
	// Delete 删除文件映射或整个目录子树，返回是否删除了任何映射。
	Delete(ctx context.Context, fileSystem, path string) (bool, error)
	// Copy 复制文件映射，两条路径共享同一个 FileID。
	Copy(ctx context.Context, fromFS, fromPath, toFS, toPath string) error
	List(ctx context.Context, fileSystem, path string) ([]Entry, error)
	MakeDirs(ctx context.Context, fileSystem, path string) error
	Exists(ctx context.Context, fileSystem, path string) (bool, error)
	// StorageFile 返回路径引用的 FileID。
	StorageFile(ctx context.Context, fileSystem, path string) (string, error)
	// References 返回引用 fileID 的路径数。
	References(ctx context.Context, fileID string) (int, error)
	// ListOrphanedFiles 返回无引用时长超过 grace 的 FileID。
	ListOrphanedFiles(ctx context.Context, grace time.Duration) ([]Orphan, error)
	// RemoveFromReclaim 把 fileID 移出回收表；仅当它仍然无引用时返回 true。
	RemoveFromReclaim(ctx context.Context, fileID string) (bool, error)
}
