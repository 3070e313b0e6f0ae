package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	xerrors "bandburg/internal/errors"
	"bandburg/internal/module"
	"bandburg/pkg/logger"
)

// State 是模块句柄的生命周期状态。
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Observer 接收调用与状态变化，用于指标统计。
type Observer interface {
	ObserveInvoke(operation string, code string, elapsed time.Duration)
	ObserveState(state string)
}

// Attacher 在模块首次就绪时挂接，重复调用必须无副作用。
type Attacher interface {
	Attach()
}

// Publisher 接收模块主动推送的事件。
type Publisher interface {
	Publish(topic string, payload any) int
}

// FacadeOption 配置 Facade。
type FacadeOption func(*Facade)

// WithModuleOptions 设置加载模块时传入的选项。
func WithModuleOptions(opts module.Options) FacadeOption {
	return func(f *Facade) { f.moduleOpts = opts }
}

// WithInitTimeout 限制单次初始化的耗时。
func WithInitTimeout(d time.Duration) FacadeOption {
	return func(f *Facade) {
		if d > 0 {
			f.initTimeout = d
		}
	}
}

// WithAttacher 设置模块首次就绪时挂接的日志拦截器。
func WithAttacher(a Attacher) FacadeOption {
	return func(f *Facade) { f.attacher = a }
}

// WithEventPublisher 设置模块原生事件的转发目标。
func WithEventPublisher(p Publisher) FacadeOption {
	return func(f *Facade) { f.events = p }
}

// WithObserver 设置指标观察者。
func WithObserver(o Observer) FacadeOption {
	return func(f *Facade) { f.observer = o }
}

// Facade 是调用计算模块的唯一入口：负责懒加载、参数归一化与错误分类。
type Facade struct {
	loader      module.Loader
	moduleOpts  module.Options
	initTimeout time.Duration
	attacher    Attacher
	events      Publisher
	observer    Observer
	log         *slog.Logger

	group     singleflight.Group
	readyOnce sync.Once
	attempts  atomic.Int64

	mu    sync.RWMutex
	state State
	mod   module.Module
}

// NewFacade 创建 Facade，模块在首次调用时才加载。
func NewFacade(loader module.Loader, opts ...FacadeOption) *Facade {
	f := &Facade{
		loader:      loader,
		initTimeout: 30 * time.Second,
		log:         logger.Named("bridge"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Invoke 校验参数后调用模块对应的导出函数，返回值原样透传。
// 未知操作与参数错误不会触发模块加载。
func (f *Facade) Invoke(ctx context.Context, operation string, args map[string]any) (result any, err error) {
	start := time.Now()
	defer func() {
		if f.observer != nil {
			code := "OK"
			if err != nil {
				code = string(xerrors.CodeOf(err))
			}
			f.observer.ObserveInvoke(operation, code, time.Since(start))
		}
	}()

	op, ok := Lookup(operation)
	if !ok {
		return nil, xerrors.New(CodeUnsupportedOperation, "不支持的命令: "+operation,
			xerrors.WithMetadata("operation", operation))
	}
	positional, err := op.Bind(args)
	if err != nil {
		return nil, err
	}

	m, err := f.ready(ctx)
	if err != nil {
		return nil, err
	}

	out, err := f.call(ctx, m, op, positional)
	if err != nil {
		f.log.Error("模块调用失败", slog.String("operation", operation), slog.Any("error", err))
		return nil, xerrors.Wrap(CodeModuleRuntime, err, fmt.Sprintf("调用 %s 失败", operation),
			xerrors.WithMetadata("operation", operation))
	}
	return out, nil
}

func (f *Facade) call(ctx context.Context, m module.Module, op Operation, args []any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("模块运行时异常: %v", r)
		}
	}()
	return m.Call(ctx, op.Function, args...)
}

// Init 主动完成初始化，可用于启动时预热。
func (f *Facade) Init(ctx context.Context) error {
	_, err := f.ready(ctx)
	return err
}

// ready 返回已就绪的模块。并发调用共享同一次初始化。
func (f *Facade) ready(ctx context.Context) (module.Module, error) {
	f.mu.RLock()
	if f.state == StateReady {
		m := f.mod
		f.mu.RUnlock()
		return m, nil
	}
	f.mu.RUnlock()

	ch := f.group.DoChan("module", func() (any, error) {
		return f.initialize()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(module.Module), nil
	case <-ctx.Done():
		return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待模块初始化被取消")
	}
}

func (f *Facade) initialize() (module.Module, error) {
	f.mu.Lock()
	if f.state == StateReady {
		m := f.mod
		f.mu.Unlock()
		return m, nil
	}
	f.state = StateInitializing
	f.mu.Unlock()
	f.observeState(StateInitializing)

	attempt := f.attempts.Add(1)
	f.log.Info("正在初始化计算模块", slog.Int64("attempt", attempt))

	ctx, cancel := context.WithTimeout(context.Background(), f.initTimeout)
	defer cancel()

	m, err := f.load(ctx)
	if err != nil {
		f.setState(StateFailed, nil)
		f.log.Error("计算模块初始化失败", slog.Int64("attempt", attempt), slog.Any("error", err))
		return nil, xerrors.Wrap(CodeModuleInitFailed, err, "计算模块初始化失败",
			xerrors.WithMetadata("attempt", strconv.FormatInt(attempt, 10)))
	}

	f.readyOnce.Do(func() { f.onFirstReady(m) })
	f.setState(StateReady, m)
	f.log.Info("计算模块已就绪", slog.Int64("attempt", attempt))
	return m, nil
}

func (f *Facade) load(ctx context.Context) (m module.Module, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("加载模块时异常: %v", r)
		}
	}()
	if f.loader == nil {
		return nil, fmt.Errorf("未配置模块加载器")
	}
	return f.loader.Load(ctx, f.moduleOpts)
}

func (f *Facade) onFirstReady(m module.Module) {
	if f.attacher != nil {
		f.attacher.Attach()
	}
	src, ok := m.(module.EventSource)
	if !ok || f.events == nil {
		return
	}
	err := src.RegisterEventSink(func(topic string, payload any) {
		f.log.Debug("收到模块事件", slog.String("topic", topic))
		f.events.Publish(topic, payload)
	})
	if err != nil {
		f.log.Warn("注册模块事件接收失败", slog.Any("error", err))
	}
}

func (f *Facade) setState(s State, m module.Module) {
	f.mu.Lock()
	f.state = s
	if m != nil {
		f.mod = m
	}
	f.mu.Unlock()
	f.observeState(s)
}

func (f *Facade) observeState(s State) {
	if f.observer != nil {
		f.observer.ObserveState(s.String())
	}
}

// State 返回当前生命周期状态。
func (f *Facade) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// Attempts 返回已发起的初始化次数。
func (f *Facade) Attempts() int64 {
	return f.attempts.Load()
}

// Close 关闭已加载的模块。
func (f *Facade) Close() error {
	f.mu.Lock()
	m := f.mod
	f.mu.Unlock()
	if m == nil {
		return nil
	}
	return m.Close()
}
