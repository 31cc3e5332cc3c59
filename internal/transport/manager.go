package transport

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	galleyerrors "github.com/any-hub/galley/internal/errors"
	"github.com/any-hub/galley/internal/resource"
)

// Manager 按注册顺序为 Location 选择 Transport，并按 Location 身份缓存选择结果。
type Manager struct {
	mu         sync.RWMutex
	transports []Transport
	names      map[string]struct{}

	selected *xsync.Map[string, Transport]
}

// NewManager 依次注册 transports，重名时 panic。
func NewManager(transports ...Transport) *Manager {
	m := &Manager{
		names:    make(map[string]struct{}),
		selected: xsync.NewMap[string, Transport](),
	}
	for _, t := range transports {
		m.MustRegister(t)
	}
	return m
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register 注册 Transport，重复名称返回错误。
func (m *Manager) Register(t Transport) error {
	if t == nil {
		return fmt.Errorf("transport is required")
	}
	name := normalizeName(t.Name())
	if name == "" {
		return fmt.Errorf("transport name is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.names[name]; exists {
		return fmt.Errorf("transport %s already registered", name)
	}
	m.names[name] = struct{}{}
	m.transports = append(m.transports, t)
	m.selected.Clear()
	return nil
}

// MustRegister 在注册失败时 panic，适合启动阶段调用。
func (m *Manager) MustRegister(t Transport) {
	if err := m.Register(t); err != nil {
		panic(err)
	}
}

// Transport 返回第一个声明能处理 loc 的 Transport。
func (m *Manager) Transport(loc *resource.Location) (Transport, error) {
	if loc == nil {
		return nil, galleyerrors.E(galleyerrors.Invalid, "transport.select", "location is required")
	}
	if t, ok := m.selected.Load(loc.Key()); ok {
		return t, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.transports {
		if t.Handles(loc) {
			m.selected.Store(loc.Key(), t)
			return t, nil
		}
	}
	return nil, galleyerrors.E(galleyerrors.Invalid, "transport.select", "no transport handles scheme %q", loc.Scheme()).
		WithLocation(loc.Name())
}

// Names 返回已注册 Transport 的名称，按字母排序，供诊断使用。
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.names))
	for name := range m.names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
