package eventbus

import (
	"fmt"
	"log/slog"
	"sync"

	"bandburg/pkg/logger"
)

// Wildcard 订阅所有主题。
const Wildcard = "*"

// Event 是投递给订阅者的事件，Topic 为事件的原始主题。
type Event struct {
	Topic   string `json:"event"`
	Payload any    `json:"payload"`
}

// Cloner 由希望每个订阅者拿到独立副本的载荷实现。
type Cloner interface {
	Clone() any
}

// Handler 处理一次事件投递。
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Option 配置 Bus。
type Option func(*Bus)

// WithActivation 注册首次订阅时触发的回调，只触发一次。
func WithActivation(fn func()) Option {
	return func(b *Bus) { b.activate = fn }
}

// WithPublishHook 在每次发布时回调，用于指标统计。
func WithPublishHook(fn func(topic string, delivered int)) Option {
	return func(b *Bus) { b.onPublish = fn }
}

// WithLogger 替换默认日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.log = l
		}
	}
}

// Bus 是进程内的同步发布订阅总线。
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]subscription
	nextID uint64

	activate  func()
	armed     sync.Once
	onPublish func(topic string, delivered int)
	log       *slog.Logger
}

// New 创建事件总线。
func New(opts ...Option) *Bus {
	b := &Bus{topics: make(map[string][]subscription)}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	if b.log == nil {
		b.log = logger.Named("eventbus")
	}
	return b
}

// Subscribe 按注册顺序追加订阅，返回的函数用于取消订阅。
func (b *Bus) Subscribe(topic string, h Handler) (cancel func()) {
	if topic == "" || h == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], subscription{id: id, handler: h})
	b.mu.Unlock()

	if b.activate != nil {
		b.armed.Do(b.activate)
	}

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic, id) })
	}
}

func (b *Bus) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[topic]
	for i, s := range subs {
		if s.id != id {
			continue
		}
		next := make([]subscription, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(b.topics, topic)
		} else {
			b.topics[topic] = next
		}
		return
	}
}

// Publish 同步投递事件：先投递给主题订阅者，再投递给通配订阅者。
// 单个订阅者 panic 不影响其他订阅者。返回成功投递的数量。
func (b *Bus) Publish(topic string, payload any) int {
	if topic == "" {
		b.log.Warn("忽略空主题事件")
		return 0
	}

	b.mu.RLock()
	targets := make([]subscription, 0, len(b.topics[topic])+len(b.topics[Wildcard]))
	targets = append(targets, b.topics[topic]...)
	if topic != Wildcard {
		targets = append(targets, b.topics[Wildcard]...)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if b.deliver(s.handler, Event{Topic: topic, Payload: copyPayload(payload)}) {
			delivered++
		}
	}
	if b.onPublish != nil {
		b.onPublish(topic, delivered)
	}
	return delivered
}

func (b *Bus) deliver(h Handler, ev Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("事件回调执行失败",
				slog.String("topic", ev.Topic),
				slog.String("panic", fmt.Sprint(r)))
			ok = false
		}
	}()
	h(ev)
	return true
}

// Count 返回某主题当前的订阅数量。
func (b *Bus) Count(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func copyPayload(p any) any {
	if c, ok := p.(Cloner); ok {
		return c.Clone()
	}
	return p
}
