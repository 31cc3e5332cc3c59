package cache

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/galley/internal/resource"
)

// Operation 描述一次写入的来源。
type Operation int

const (
	OpDownload Operation = iota
	OpUpload
	OpGenerate
)

func (o Operation) String() string {
	switch o {
	case OpDownload:
		return "download"
	case OpUpload:
		return "upload"
	case OpGenerate:
		return "generate"
	default:
		return "unknown"
	}
}

// EventType 标识 Transfer 触发的事件种类。
type EventType int

const (
	EventAccess EventType = iota
	EventStorage
	EventDeletion
	EventError
	EventNotFound
)

func (t EventType) String() string {
	switch t {
	case EventAccess:
		return "access"
	case EventStorage:
		return "storage"
	case EventDeletion:
		return "deletion"
	case EventError:
		return "error"
	case EventNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Event 是一次文件事件。NotFound 事件没有 Transfer，只携带被查询的 Resource。
type Event struct {
	Type      EventType
	Transfer  *Transfer
	Resource  resource.Resource
	Operation Operation
	Err       error
}

// EventManager 接收事件；实现必须可并发调用且不能阻塞太久。
type EventManager interface {
	Fire(Event)
}

// NoOpEvents 丢弃全部事件。
type NoOpEvents struct{}

func (NoOpEvents) Fire(Event) {}

// LoggingEvents 以 debug 级别记录事件，Error 事件提升为 warn。
type LoggingEvents struct {
	Logger *logrus.Logger
}

func (l LoggingEvents) Fire(ev Event) {
	if l.Logger == nil {
		return
	}
	fields := logrus.Fields{"event": ev.Type.String()}
	if ev.Transfer != nil {
		fields["resource"] = ev.Transfer.String()
	} else if ev.Resource != nil {
		fields["resource"] = ev.Resource.String()
	}
	if ev.Type == EventStorage || ev.Type == EventError {
		fields["operation"] = ev.Operation.String()
	}
	entry := l.Logger.WithFields(fields)
	if ev.Err != nil {
		entry.WithError(ev.Err).Warn("transfer_error")
		return
	}
	entry.Debug("transfer_event")
}

// MultiEvents 依次把事件分发给多个管理器。
type MultiEvents []EventManager

func (m MultiEvents) Fire(ev Event) {
	for _, em := range m {
		if em != nil {
			em.Fire(ev)
		}
	}
}

// EventRecorder 在内存中保留事件，供诊断与测试断言。
type EventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *EventRecorder) Fire(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events 返回已记录事件的副本。
func (r *EventRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count 统计某类事件的数量。
func (r *EventRecorder) Count(t EventType) int {
	n := 0
	for _, ev := range r.Events() {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func eventsOrNoOp(em EventManager) EventManager {
	if em == nil {
		return NoOpEvents{}
	}
	return em
}
