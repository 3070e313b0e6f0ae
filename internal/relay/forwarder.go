package relay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"bandburg/internal/eventbus"
	"bandburg/pkg/logger"
)

// Subscriber 提供事件订阅，eventbus.Bus 满足该接口。
type Subscriber interface {
	Subscribe(topic string, h eventbus.Handler) (cancel func())
}

// ForwarderOption 配置 Forwarder。
type ForwarderOption func(*Forwarder)

// WithBufferSize 设置缓冲区长度。
func WithBufferSize(n int) ForwarderOption {
	return func(f *Forwarder) {
		if n > 0 {
			f.size = n
		}
	}
}

// WithPublishTimeout 限制单次投递耗时。
func WithPublishTimeout(d time.Duration) ForwarderOption {
	return func(f *Forwarder) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithResultHook 在每次投递后回调，用于指标统计。
func WithResultHook(hook func(publisher string, err error)) ForwarderOption {
	return func(f *Forwarder) { f.hook = hook }
}

// WithForwarderLogger 指定日志输出。
func WithForwarderLogger(l *slog.Logger) ForwarderOption {
	return func(f *Forwarder) { f.log = l }
}

// Forwarder 订阅全部总线事件，经缓冲区异步投递给各发布器。
// 总线同步分发，缓冲区满时新事件被丢弃。
type Forwarder struct {
	pubs    []Publisher
	size    int
	timeout time.Duration
	hook    func(string, error)
	log     *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	closed  bool
	ch      chan Envelope
	dropped atomic.Int64
	cancel  func()
	wg      sync.WaitGroup
	once    sync.Once
}

// NewForwarder 创建 Forwarder。
func NewForwarder(pubs []Publisher, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		pubs:    pubs,
		size:    256,
		timeout: 5 * time.Second,
		log:     logger.Named("relay"),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	f.ch = make(chan Envelope, f.size)
	return f
}

// Start 订阅 sub 的通配符主题并启动投递协程。
// ctx 结束不会中断投递，协程在 Close 投递完缓冲区后退出。
func (f *Forwarder) Start(ctx context.Context, sub Subscriber) {
	f.cancel = sub.Subscribe(eventbus.Wildcard, f.enqueue)
	f.wg.Add(1)
	go f.run(context.WithoutCancel(ctx))
}

func (f *Forwarder) enqueue(ev eventbus.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	select {
	case f.ch <- NewEnvelope(ev, f.now()):
	default:
		n := f.dropped.Add(1)
		f.log.Warn("转发缓冲区已满，丢弃事件", slog.String("topic", ev.Topic), slog.Int64("dropped", n))
	}
}

// run 消费缓冲区直到 Close 将其关闭，每次投递单独受 timeout 限制。
func (f *Forwarder) run(ctx context.Context) {
	defer f.wg.Done()
	for env := range f.ch {
		f.deliver(ctx, env)
	}
}

func (f *Forwarder) deliver(ctx context.Context, env Envelope) {
	for _, p := range f.pubs {
		pctx, cancel := context.WithTimeout(ctx, f.timeout)
		err := p.Publish(pctx, env)
		cancel()
		if err != nil {
			f.log.Error("转发事件失败", slog.String("publisher", p.Name()), slog.String("topic", env.Topic), slog.Any("error", err))
		}
		if f.hook != nil {
			f.hook(p.Name(), err)
		}
	}
}

// Dropped 返回因缓冲区满而丢弃的事件数。
func (f *Forwarder) Dropped() int64 {
	return f.dropped.Load()
}

// Close 取消订阅，投递完缓冲区中的事件后关闭全部发布器。
func (f *Forwarder) Close() error {
	var firstErr error
	f.once.Do(func() {
		if f.cancel != nil {
			f.cancel()
		}
		f.mu.Lock()
		f.closed = true
		close(f.ch)
		f.mu.Unlock()
		f.wg.Wait()
		for _, p := range f.pubs {
			if err := p.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}
