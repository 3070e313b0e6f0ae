package relay

import (
	"context"
	"errors"
	"sync"
)

// MemoryPublisher 使用 channel 保存事件，主要用于测试与进程内消费。
type MemoryPublisher struct {
	ch     chan Envelope
	mu     sync.Mutex
	closed bool
}

var _ Publisher = (*MemoryPublisher)(nil)

// NewMemoryPublisher 创建内存发布器。
func NewMemoryPublisher(size int) *MemoryPublisher {
	if size <= 0 {
		size = 64
	}
	return &MemoryPublisher{ch: make(chan Envelope, size)}
}

// Name 实现 Publisher。
func (m *MemoryPublisher) Name() string { return "memory" }

// Publish 将事件放入 channel，满时等待 ctx。
func (m *MemoryPublisher) Publish(ctx context.Context, env Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("发布器已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case m.ch <- env:
		return nil
	}
}

// Envelopes 返回只读 channel。
func (m *MemoryPublisher) Envelopes() <-chan Envelope {
	return m.ch
}

// Close 关闭 channel。
func (m *MemoryPublisher) Close() error {
	m.mu.Lock()
	if !m.closed {
		close(m.ch)
		m.closed = true
	}
	m.mu.Unlock()
	return nil
}
