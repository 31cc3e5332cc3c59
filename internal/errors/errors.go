// Package errors defines the error taxonomy shared by the transfer core. Each
// error carries a Kind, the failing operation, the URL/location it concerns and
// a message template with arguments. Messages are rendered lazily every time
// Error is called, so the same value can be logged and returned repeatedly.
package errors

import (
	"context"
	goerrors "errors"
	"fmt"
	"strings"
)

// Kind 描述错误类别，调用方据此区分超时、配置错误与传输失败。
type Kind int

const (
	// Other 表示未归类的错误。
	Other Kind = iota
	// NotFound 表示资源不存在；检索未命中不会以错误形式返回，仅在显式要求时使用。
	NotFound
	// Transfer 表示网络/IO/远端上报的传输失败。
	Transfer
	// Timeout 表示等待进行中的操作超时。
	Timeout
	// Canceled 表示调用方主动取消。
	Canceled
	// Invalid 表示非法的 URL 或路径。
	Invalid
	// NotAllowed 表示 Location 的能力标记不允许该操作。
	NotAllowed
	// NoEligibleLocation 表示没有任何 Location 可以接收此次存储。
	NoEligibleLocation
	// Transaction 表示归属记录事务提交/回滚失败。
	Transaction
	// Partial 表示双层存储中仅一层成功。
	Partial

	maxKind
)

var kindNames = [maxKind]string{
	Other:              "error",
	NotFound:           "not found",
	Transfer:           "transfer failed",
	Timeout:            "timeout",
	Canceled:           "canceled",
	Invalid:            "invalid",
	NotAllowed:         "not allowed",
	NoEligibleLocation: "no eligible storage location",
	Transaction:        "transaction failed",
	Partial:            "partial failure",
}

// String 返回类别的可读描述。
func (k Kind) String() string {
	if k < 0 || k >= maxKind {
		return kindNames[Other]
	}
	return kindNames[k]
}

// Error 是传输核心对外暴露的错误类型。Format/Args 在 Error() 时才渲染。
type Error struct {
	Kind     Kind
	Op       string
	URL      string
	Location string
	Format   string
	Args     []interface{}
	Err      error
}

// E 以类别、操作名和消息模板构造错误。
func E(kind Kind, op string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Format: format, Args: args}
}

// Wrap 构造携带底层原因的错误；若 kind 为 Other 则尝试从 err 推断。
func Wrap(kind Kind, op string, err error, format string, args ...interface{}) *Error {
	e := E(kind, op, format, args...)
	e.Err = err
	if kind == Other {
		e.Kind = inferKind(err)
	}
	return e
}

// WithURL 记录出错的远端 URL。
func (e *Error) WithURL(url string) *Error {
	e.URL = url
	return e
}

// WithLocation 记录出错的 Location 名称。
func (e *Error) WithLocation(name string) *Error {
	e.Location = name
	return e
}

// Message 渲染模板部分，不包含 Op/URL/cause。
func (e *Error) Message() string {
	return Format(e.Format, e.Args...)
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
	}
	if e.Location != "" {
		pad(&b, " ")
		b.WriteString("[")
		b.WriteString(e.Location)
		b.WriteString("]")
	}
	if e.URL != "" {
		pad(&b, " ")
		b.WriteString(e.URL)
	}
	msg := e.Message()
	if msg == "" {
		msg = e.Kind.String()
	}
	pad(&b, ": ")
	b.WriteString(msg)
	if e.Err != nil {
		pad(&b, ": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap 支持 errors.Is/As 沿链查找。
func (e *Error) Unwrap() error {
	return e.Err
}

// Timeout 让 *Error 满足 net.Error 风格的超时探测。
func (e *Error) Timeout() bool {
	return e.Kind == Timeout
}

func pad(b *strings.Builder, sep string) {
	if b.Len() == 0 {
		return
	}
	b.WriteString(sep)
}

// Is 判断 err 链上是否存在指定类别的 *Error。context 的超时/取消也会被识别。
func Is(kind Kind, err error) bool {
	if err == nil {
		return false
	}
	switch kind {
	case Timeout:
		if goerrors.Is(err, context.DeadlineExceeded) {
			return true
		}
	case Canceled:
		if goerrors.Is(err, context.Canceled) {
			return true
		}
	}
	for err != nil {
		var e *Error
		if !goerrors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// Recover 将任意 error 转换为 *Error，非 *Error 会被包装为 Other。
func Recover(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if goerrors.As(err, &e) {
		return e
	}
	return Wrap(Other, "", err, "")
}

func inferKind(err error) Kind {
	switch {
	case err == nil:
		return Other
	case goerrors.Is(err, context.DeadlineExceeded):
		return Timeout
	case goerrors.Is(err, context.Canceled):
		return Canceled
	}
	var e *Error
	if goerrors.As(err, &e) {
		return e.Kind
	}
	if t, ok := err.(interface{ Timeout() bool }); ok && t.Timeout() {
		return Timeout
	}
	return Other
}

// New 与标准库 errors.New 等价，便于调用方只引入本包。
func New(text string) error {
	return goerrors.New(text)
}

// Errorf 与 fmt.Errorf 等价。
func Errorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
