package module

import (
	"context"
	"sync"
)

// Func 是进程内实现的模块函数。
type Func func(ctx context.Context, args []any) (any, error)

// Table 是由函数表构成的进程内模块。
type Table struct {
	mu     sync.RWMutex
	funcs  map[string]Func
	sink   func(topic string, payload any)
	closed bool
}

var (
	_ Module      = (*Table)(nil)
	_ EventSource = (*Table)(nil)
)

// NewTable 创建函数表模块。
func NewTable(funcs map[string]Func) *Table {
	t := &Table{funcs: make(map[string]Func, len(funcs))}
	for name, fn := range funcs {
		t.funcs[name] = fn
	}
	return t
}

// Call 按名称调用函数。
func (t *Table) Call(ctx context.Context, fn string, args ...any) (any, error) {
	t.mu.RLock()
	f, ok := t.funcs[fn]
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, &CallError{Function: fn, Message: "函数未导出"}
	}
	return f(ctx, args)
}

// RegisterEventSink 实现 EventSource。
func (t *Table) RegisterEventSink(sink func(topic string, payload any)) error {
	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()
	return nil
}

// Emit 向已注册的事件接收方推送事件，未注册时返回 false。
func (t *Table) Emit(topic string, payload any) bool {
	t.mu.RLock()
	sink := t.sink
	t.mu.RUnlock()
	if sink == nil {
		return false
	}
	sink(topic, payload)
	return true
}

// Close 之后的调用返回 ErrClosed。
func (t *Table) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}
