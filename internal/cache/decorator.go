package cache

import (
	"context"
	"io"
)

// Decorator 在每次打开流时包装读写端，例如计算校验和或记录进度。
type Decorator interface {
	DecorateRead(t *Transfer, r io.ReadCloser) (io.ReadCloser, error)
	DecorateWrite(t *Transfer, op Operation, w Writer) (Writer, error)
}

// ReadGuard 由需要把“打开内容”与“读取旁路元数据”作为一个整体的装饰器实现。
// Transfer 在打开读取流与 DecorateRead 期间持有 GuardRead 返回的保护，
// 装饰器在提交写入时以同一把锁排斥这段区间。
type ReadGuard interface {
	GuardRead(ctx context.Context, t *Transfer) (release func(), err error)
}

// NoOpDecorator 原样返回流。
type NoOpDecorator struct{}

func (NoOpDecorator) DecorateRead(_ *Transfer, r io.ReadCloser) (io.ReadCloser, error) {
	return r, nil
}

func (NoOpDecorator) DecorateWrite(_ *Transfer, _ Operation, w Writer) (Writer, error) {
	return w, nil
}

// Chain 按顺序应用多个装饰器，最后一个位于最外层。
type Chain []Decorator

func (c Chain) DecorateRead(t *Transfer, r io.ReadCloser) (io.ReadCloser, error) {
	var err error
	for _, d := range c {
		if d == nil {
			continue
		}
		if r, err = d.DecorateRead(t, r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (c Chain) DecorateWrite(t *Transfer, op Operation, w Writer) (Writer, error) {
	var err error
	for _, d := range c {
		if d == nil {
			continue
		}
		if w, err = d.DecorateWrite(t, op, w); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// GuardRead 依次获取成员的读保护，失败时释放已获取的部分。
func (c Chain) GuardRead(ctx context.Context, t *Transfer) (func(), error) {
	var releases []func()
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, d := range c {
		guard, ok := d.(ReadGuard)
		if !ok {
			continue
		}
		release, err := guard.GuardRead(ctx, t)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

func decoratorOrNoOp(d Decorator) Decorator {
	if d == nil {
		return NoOpDecorator{}
	}
	return d
}
