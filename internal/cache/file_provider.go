package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/any-hub/galley/internal/resource"
)

const tempPrefix = ".galley-"

// FileOptions 配置单层磁盘 Provider。
type FileOptions struct {
	Root              string
	PathGenerator     PathGenerator
	Events            EventManager
	Decorator         Decorator
	TransferCacheSize int
	TransferCacheTTL  time.Duration
}

// FileProvider 以 Root 为根目录把资源保存为普通文件。
type FileProvider struct {
	root      string
	gen       PathGenerator
	locks     *PathLocks
	transfers *TransferCache
	events    EventManager
	decorator Decorator
}

var _ Provider = (*FileProvider)(nil)

// NewFileProvider 解析并创建根目录，整个进程通常只需要一个实例。
func NewFileProvider(opts FileOptions) (*FileProvider, error) {
	if opts.Root == "" {
		return nil, errors.New("storage path required")
	}
	abs, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	gen := opts.PathGenerator
	if gen == nil {
		gen = DefaultPathGenerator{}
	}
	return &FileProvider{
		root:      abs,
		gen:       gen,
		locks:     NewPathLocks(),
		transfers: NewTransferCache(opts.TransferCacheSize, opts.TransferCacheTTL),
		events:    eventsOrNoOp(opts.Events),
		decorator: decoratorOrNoOp(opts.Decorator),
	}, nil
}

// Root 返回存储根目录的绝对路径。
func (p *FileProvider) Root() string { return p.root }

func (p *FileProvider) FilePath(r resource.ConcreteResource) string {
	return p.gen.FilePath(p.root, r)
}

func (p *FileProvider) Transfer(r resource.ConcreteResource) *Transfer {
	return p.transfers.GetOrCreate(r.Key(), func() *Transfer {
		return NewTransfer(r, p, p.events, p.decorator)
	})
}

func (p *FileProvider) OpenInputStream(ctx context.Context, r resource.ConcreteResource) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filePath := p.FilePath(r)
	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}
	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

// OpenOutputStream 获取写锁后在目标目录创建临时文件；Close 时 rename 覆盖目标并释放写锁。
func (p *FileProvider) OpenOutputStream(ctx context.Context, r resource.ConcreteResource) (Writer, error) {
	key := r.Key()
	if err := p.locks.LockWrite(ctx, key); err != nil {
		return nil, err
	}
	w, err := newFileWriter(p.FilePath(r), func() { p.locks.UnlockWrite(key) })
	if err != nil {
		p.locks.UnlockWrite(key)
		return nil, err
	}
	return w, nil
}

func (p *FileProvider) Exists(r resource.ConcreteResource) bool {
	_, err := os.Stat(p.FilePath(r))
	return err == nil
}

func (p *FileProvider) IsDirectory(r resource.ConcreteResource) bool {
	info, err := os.Stat(p.FilePath(r))
	return err == nil && info.IsDir()
}

func (p *FileProvider) IsFile(r resource.ConcreteResource) bool {
	info, err := os.Stat(p.FilePath(r))
	return err == nil && info.Mode().IsRegular()
}

func (p *FileProvider) Delete(ctx context.Context, r resource.ConcreteResource) (bool, error) {
	key := r.Key()
	if err := p.locks.LockWrite(ctx, key); err != nil {
		return false, err
	}
	defer p.locks.UnlockWrite(key)
	return removePath(p.FilePath(r))
}

func (p *FileProvider) List(r resource.ConcreteResource) ([]string, error) {
	return listDir(p.FilePath(r))
}

func (p *FileProvider) Mkdirs(r resource.ConcreteResource) error {
	return os.MkdirAll(p.FilePath(r), 0o755)
}

func (p *FileProvider) Length(r resource.ConcreteResource) int64 {
	info, err := os.Stat(p.FilePath(r))
	if err != nil {
		return -1
	}
	return info.Size()
}

func (p *FileProvider) LastModified(r resource.ConcreteResource) time.Time {
	info, err := os.Stat(p.FilePath(r))
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// DetachedFile 直接返回存储路径：提交采用 rename，已打开的文件描述符不会被后续写入截断。
func (p *FileProvider) DetachedFile(ctx context.Context, r resource.ConcreteResource) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	filePath := p.FilePath(r)
	if _, err := os.Stat(filePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	return filePath, nil
}

// Copy 在 from 上持读锁、在 to 上持写锁，按键的字典序加锁以避免互相等待。
func (p *FileProvider) Copy(ctx context.Context, from, to resource.ConcreteResource) error {
	if from.Equal(to) {
		return nil
	}
	unlock, err := LockPair(ctx, p.locks, from.Key(), to.Key())
	if err != nil {
		return err
	}
	defer unlock()
	return copyFile(ctx, p.FilePath(from), p.FilePath(to))
}

func (p *FileProvider) CreateAlias(ctx context.Context, from, to resource.ConcreteResource) error {
	return CreateAlias(ctx, p, from, to)
}

func (p *FileProvider) LockRead(ctx context.Context, r resource.ConcreteResource) error {
	return p.locks.LockRead(ctx, r.Key())
}

func (p *FileProvider) UnlockRead(r resource.ConcreteResource) { p.locks.UnlockRead(r.Key()) }

func (p *FileProvider) LockWrite(ctx context.Context, r resource.ConcreteResource) error {
	return p.locks.LockWrite(ctx, r.Key())
}

func (p *FileProvider) UnlockWrite(r resource.ConcreteResource) { p.locks.UnlockWrite(r.Key()) }

func (p *FileProvider) IsReadLocked(r resource.ConcreteResource) bool {
	return p.locks.IsReadLocked(r.Key())
}

func (p *FileProvider) IsWriteLocked(r resource.ConcreteResource) bool {
	return p.locks.IsWriteLocked(r.Key())
}

func (p *FileProvider) WaitForReadUnlock(ctx context.Context, r resource.ConcreteResource) error {
	return p.locks.WaitForReadUnlock(ctx, r.Key())
}

func (p *FileProvider) WaitForWriteUnlock(ctx context.Context, r resource.ConcreteResource) error {
	return p.locks.WaitForWriteUnlock(ctx, r.Key())
}

func (p *FileProvider) Close() error {
	p.transfers.Purge()
	return nil
}

// LockPair 对 readKey 加读锁、对 writeKey 加写锁，按字典序获取。返回的函数释放两把锁。
func LockPair(ctx context.Context, locks *PathLocks, readKey, writeKey string) (func(), error) {
	lockRead := func() error { return locks.LockRead(ctx, readKey) }
	lockWrite := func() error { return locks.LockWrite(ctx, writeKey) }
	first, second := lockRead, lockWrite
	undoFirst := func() { locks.UnlockRead(readKey) }
	if writeKey < readKey {
		first, second = lockWrite, lockRead
		undoFirst = func() { locks.UnlockWrite(writeKey) }
	}
	if err := first(); err != nil {
		return nil, err
	}
	if err := second(); err != nil {
		undoFirst()
		return nil, err
	}
	return func() {
		locks.UnlockWrite(writeKey)
		locks.UnlockRead(readKey)
	}, nil
}

// fileWriter 写入目标目录下的临时文件，Close 时原子替换目标。
type fileWriter struct {
	tmp      *os.File
	target   string
	release  func()
	writeErr error
	done     bool
}

func newFileWriter(target string, release func()) (*fileWriter, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), tempPrefix+"*")
	if err != nil {
		return nil, err
	}
	return &fileWriter{tmp: tmp, target: target, release: release}, nil
}

func (w *fileWriter) Write(b []byte) (int, error) {
	if w.done {
		return 0, os.ErrClosed
	}
	n, err := w.tmp.Write(b)
	if err != nil && w.writeErr == nil {
		w.writeErr = err
	}
	return n, err
}

func (w *fileWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	defer w.release()

	tempName := w.tmp.Name()
	err := w.writeErr
	if closeErr := w.tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}
	if err := os.Rename(tempName, w.target); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (w *fileWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	defer w.release()
	w.tmp.Close()
	if err := os.Remove(w.tmp.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func removePath(filePath string) (bool, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if info.IsDir() {
		err = os.RemoveAll(filePath)
	} else {
		err = os.Remove(filePath)
	}
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func listDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			if info, statErr := os.Stat(dir); statErr == nil && !info.IsDir() {
				return nil, nil
			}
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, tempPrefix) {
			continue
		}
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// copyFile 以临时文件 + rename 复制内容，并保留源文件的修改时间。
func copyFile(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return ErrNotFound
	}

	w, err := newFileWriter(dst, func() {})
	if err != nil {
		return err
	}
	if _, err := CopyWithContext(ctx, w, in); err != nil {
		w.Abort()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	modTime := info.ModTime()
	return os.Chtimes(dst, modTime, modTime)
}

// CopyWithContext 分块复制并在每块之间检查 ctx。
func CopyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
