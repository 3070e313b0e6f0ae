package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore 以内存方式保存设备与脚本，主要用于测试与无数据库部署。
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]Device
	scripts map[string]Script
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[string]Device),
		scripts: make(map[string]Script),
	}
}

// CreateDevice 实现 Store 接口。
func (m *MemoryStore) CreateDevice(_ context.Context, d *Device) error {
	if err := prepareDevice(d); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[d.ID]; ok {
		return ErrConflict
	}
	for _, existing := range m.devices {
		if existing.Addr == d.Addr {
			return ErrConflict
		}
	}
	m.devices[d.ID] = *d
	return nil
}

// GetDevice 返回设备副本。
func (m *MemoryStore) GetDevice(_ context.Context, id string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

// ListDevices 按创建时间返回全部设备。
func (m *MemoryStore) ListDevices(_ context.Context) ([]Device, error) {
	m.mu.RLock()
	out := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out, nil
}

// DeleteDevice 删除设备。
func (m *MemoryStore) DeleteDevice(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[id]; !ok {
		return ErrNotFound
	}
	delete(m.devices, id)
	return nil
}

// CreateScript 实现 Store 接口。
func (m *MemoryStore) CreateScript(_ context.Context, s *Script) error {
	if err := prepareScript(s, true); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scripts[s.ID]; ok {
		return ErrConflict
	}
	m.scripts[s.ID] = *s
	return nil
}

// UpdateScript 覆盖名称、代码与描述，保留创建时间。
func (m *MemoryStore) UpdateScript(_ context.Context, s *Script) error {
	if err := prepareScript(s, false); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.scripts[s.ID]
	if !ok {
		return ErrNotFound
	}
	s.CreatedAt = existing.CreatedAt
	m.scripts[s.ID] = *s
	return nil
}

// GetScript 返回脚本副本。
func (m *MemoryStore) GetScript(_ context.Context, id string) (*Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scripts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

// ListScripts 按创建时间返回全部脚本。
func (m *MemoryStore) ListScripts(_ context.Context) ([]Script, error) {
	m.mu.RLock()
	out := make([]Script, 0, len(m.scripts))
	for _, s := range m.scripts {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out, nil
}

// DeleteScript 删除脚本。
func (m *MemoryStore) DeleteScript(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scripts[id]; !ok {
		return ErrNotFound
	}
	delete(m.scripts, id)
	return nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }
