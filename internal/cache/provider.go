package cache

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/any-hub/galley/internal/resource"
)

// ErrNotFound 表示缓存中不存在该资源，与 I/O 错误区分。
var ErrNotFound = errors.New("cache: resource not found")

// Writer 是 OpenOutputStream 返回的写入端：Close 提交，Abort 丢弃。
// Abort 之后的 Close 不再生效；Close 之后的 Abort 同样是空操作。
type Writer interface {
	io.WriteCloser
	Abort() error
}

// PathLocker 是按资源路径的读写锁原语，阻塞调用尊重 ctx。
type PathLocker interface {
	LockRead(ctx context.Context, r resource.ConcreteResource) error
	UnlockRead(r resource.ConcreteResource)
	LockWrite(ctx context.Context, r resource.ConcreteResource) error
	UnlockWrite(r resource.ConcreteResource)
	IsReadLocked(r resource.ConcreteResource) bool
	IsWriteLocked(r resource.ConcreteResource) bool
	WaitForReadUnlock(ctx context.Context, r resource.ConcreteResource) error
	WaitForWriteUnlock(ctx context.Context, r resource.ConcreteResource) error
}

// Provider 将 ConcreteResource 映射到本地存储。
//
// 读取不等待写入：并发读取看到的是写入开始前的完整内容，或者 ErrNotFound。
// 写入在 Close 返回前持有该路径的写锁。
type Provider interface {
	PathLocker

	OpenInputStream(ctx context.Context, r resource.ConcreteResource) (io.ReadCloser, error)
	OpenOutputStream(ctx context.Context, r resource.ConcreteResource) (Writer, error)

	Exists(r resource.ConcreteResource) bool
	IsDirectory(r resource.ConcreteResource) bool
	IsFile(r resource.ConcreteResource) bool
	// Delete 返回是否真的删除了内容；资源不存在时返回 false 且无错误。
	Delete(ctx context.Context, r resource.ConcreteResource) (bool, error)
	// List 返回目录下的子项名称，子目录以 "/" 结尾；不存在时返回 nil。
	List(r resource.ConcreteResource) ([]string, error)
	Mkdirs(r resource.ConcreteResource) error
	// Length 返回字节数，不存在时为 -1。
	Length(r resource.ConcreteResource) int64
	LastModified(r resource.ConcreteResource) time.Time

	// FilePath 返回资源对应的本地路径，不保证文件存在。
	FilePath(r resource.ConcreteResource) string
	// DetachedFile 返回一个可在锁外直接读取的本地文件路径。
	DetachedFile(ctx context.Context, r resource.ConcreteResource) (string, error)

	Copy(ctx context.Context, from, to resource.ConcreteResource) error
	// CreateAlias 让 to 拥有与 from 相同的内容；两者相同则为空操作。
	CreateAlias(ctx context.Context, from, to resource.ConcreteResource) error

	// Transfer 返回 r 的句柄，同一资源在缓存有效期内返回同一实例。
	Transfer(r resource.ConcreteResource) *Transfer

	Close() error
}

// CreateAlias 是 Provider.CreateAlias 的通用实现：相同资源直接返回，否则复制。
func CreateAlias(ctx context.Context, p Provider, from, to resource.ConcreteResource) error {
	if from.Equal(to) {
		return nil
	}
	return p.Copy(ctx, from, to)
}

// IsNotFound 判断 err 是否表示缓存缺失。
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
