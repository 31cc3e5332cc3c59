package cache

import (
	"context"
	"io"
	"time"

	"github.com/any-hub/galley/internal/resource"
)

// Transfer 是单个资源在某个 Provider 上的操作句柄：打开流时应用装饰器链，
// 并在访问、存储、删除与出错时触发事件。出错时错误原样返回给调用方。
type Transfer struct {
	resource  resource.ConcreteResource
	provider  Provider
	events    EventManager
	decorator Decorator
}

// NewTransfer 构造句柄；events/decorator 为 nil 时使用空实现。
func NewTransfer(r resource.ConcreteResource, p Provider, events EventManager, decorator Decorator) *Transfer {
	return &Transfer{
		resource:  r,
		provider:  p,
		events:    eventsOrNoOp(events),
		decorator: decoratorOrNoOp(decorator),
	}
}

func (t *Transfer) Resource() resource.ConcreteResource { return t.resource }
func (t *Transfer) Location() *resource.Location        { return t.resource.Location() }
func (t *Transfer) Path() string                        { return t.resource.Path() }
func (t *Transfer) Provider() Provider                  { return t.provider }
func (t *Transfer) String() string                      { return t.resource.String() }

// FullPath 返回本地存储路径。
func (t *Transfer) FullPath() string { return t.provider.FilePath(t.resource) }

func (t *Transfer) Exists() bool            { return t.provider.Exists(t.resource) }
func (t *Transfer) IsDirectory() bool       { return t.provider.IsDirectory(t.resource) }
func (t *Transfer) IsFile() bool            { return t.provider.IsFile(t.resource) }
func (t *Transfer) Length() int64           { return t.provider.Length(t.resource) }
func (t *Transfer) LastModified() time.Time { return t.provider.LastModified(t.resource) }
func (t *Transfer) List() ([]string, error) { return t.provider.List(t.resource) }
func (t *Transfer) Mkdirs() error           { return t.provider.Mkdirs(t.resource) }
func (t *Transfer) IsWriteLocked() bool     { return t.provider.IsWriteLocked(t.resource) }
func (t *Transfer) IsReadLocked() bool      { return t.provider.IsReadLocked(t.resource) }
func (t *Transfer) UnlockWrite()            { t.provider.UnlockWrite(t.resource) }
func (t *Transfer) UnlockRead()             { t.provider.UnlockRead(t.resource) }

func (t *Transfer) LockWrite(ctx context.Context) error {
	return t.provider.LockWrite(ctx, t.resource)
}

func (t *Transfer) WaitForWriteUnlock(ctx context.Context) error {
	return t.provider.WaitForWriteUnlock(ctx, t.resource)
}

// DetachedFile 返回可在锁外读取的本地路径。
func (t *Transfer) DetachedFile(ctx context.Context) (string, error) {
	return t.provider.DetachedFile(ctx, t.resource)
}

// Parent 返回父目录句柄，根资源返回 false。
func (t *Transfer) Parent() (*Transfer, bool) {
	parent, ok := t.resource.Parent()
	if !ok {
		return nil, false
	}
	return t.provider.Transfer(parent), true
}

// Child 返回子资源句柄。
func (t *Transfer) Child(name string) *Transfer {
	return t.provider.Transfer(t.resource.Child(name))
}

// Sibling 返回同目录下名为 name 的资源句柄。
func (t *Transfer) Sibling(name string) *Transfer {
	return t.provider.Transfer(t.resource.Sibling(name))
}

// OpenInputStream 打开读取流。fireEvents 为 true 时成功触发 Access 事件；
// 任何失败（包括 ErrNotFound 之外的错误）都会触发 Error 事件。
func (t *Transfer) OpenInputStream(ctx context.Context, fireEvents bool) (io.ReadCloser, error) {
	if guard, ok := t.decorator.(ReadGuard); ok {
		release, err := guard.GuardRead(ctx, t)
		if err != nil {
			t.fireError(OpDownload, err)
			return nil, err
		}
		defer release()
	}
	raw, err := t.provider.OpenInputStream(ctx, t.resource)
	if err != nil {
		if !IsNotFound(err) {
			t.fireError(OpDownload, err)
		}
		return nil, err
	}
	rc, err := t.decorator.DecorateRead(t, raw)
	if err != nil {
		raw.Close()
		t.fireError(OpDownload, err)
		return nil, err
	}
	if fireEvents {
		t.events.Fire(Event{Type: EventAccess, Transfer: t, Resource: t.resource})
	}
	return rc, nil
}

// OpenOutputStream 打开写入流。Close 成功后触发 Storage 事件（fireEvents 为真时），
// 失败触发 Error 事件。
func (t *Transfer) OpenOutputStream(ctx context.Context, op Operation, fireEvents bool) (Writer, error) {
	raw, err := t.provider.OpenOutputStream(ctx, t.resource)
	if err != nil {
		t.fireError(op, err)
		return nil, err
	}
	w, err := t.decorator.DecorateWrite(t, op, raw)
	if err != nil {
		raw.Abort()
		t.fireError(op, err)
		return nil, err
	}
	return &transferWriter{Writer: w, transfer: t, op: op, fire: fireEvents}, nil
}

// Delete 删除缓存内容，真正删除时触发 Deletion 事件。
func (t *Transfer) Delete(ctx context.Context, fireEvents bool) (bool, error) {
	deleted, err := t.provider.Delete(ctx, t.resource)
	if err != nil {
		t.fireError(OpUpload, err)
		return deleted, err
	}
	if deleted && fireEvents {
		t.events.Fire(Event{Type: EventDeletion, Transfer: t, Resource: t.resource})
	}
	return deleted, nil
}

// CopyFrom 以流的方式把 other 的内容写入本句柄，两端的装饰器与事件都会生效。
func (t *Transfer) CopyFrom(ctx context.Context, other *Transfer) error {
	if other.resource.Equal(t.resource) && other.provider == t.provider {
		return nil
	}
	in, err := other.OpenInputStream(ctx, true)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := t.OpenOutputStream(ctx, OpUpload, true)
	if err != nil {
		return err
	}
	if _, err := CopyWithContext(ctx, out, in); err != nil {
		out.Abort()
		t.fireError(OpUpload, err)
		return err
	}
	return out.Close()
}

func (t *Transfer) fireError(op Operation, err error) {
	t.events.Fire(Event{Type: EventError, Transfer: t, Resource: t.resource, Operation: op, Err: err})
}

type transferWriter struct {
	Writer
	transfer *Transfer
	op       Operation
	fire     bool
	done     bool
}

func (w *transferWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	if err := w.Writer.Close(); err != nil {
		w.transfer.fireError(w.op, err)
		return err
	}
	if w.fire {
		w.transfer.events.Fire(Event{Type: EventStorage, Transfer: w.transfer, Resource: w.transfer.resource, Operation: w.op})
	}
	return nil
}

func (w *transferWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	return w.Writer.Abort()
}
