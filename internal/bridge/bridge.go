package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"bandburg/internal/classify"
	"bandburg/internal/device"
	"bandburg/internal/eventbus"
	"bandburg/internal/install"
	"bandburg/internal/interceptor"
	"bandburg/internal/module"
	"bandburg/pkg/logger"
)

// Option 配置 Bridge。
type Option func(*settings)

type settings struct {
	assetDir    string
	initTimeout time.Duration
	observer    Observer
	busOpts     []eventbus.Option
	icOpts      []interceptor.Option
}

// WithAssetDir 设置模块资源目录。
func WithAssetDir(dir string) Option {
	return func(s *settings) { s.assetDir = dir }
}

// WithModuleInitTimeout 限制模块初始化耗时。
func WithModuleInitTimeout(d time.Duration) Option {
	return func(s *settings) { s.initTimeout = d }
}

// WithMetrics 设置调用与状态观察者。
func WithMetrics(o Observer) Option {
	return func(s *settings) { s.observer = o }
}

// WithBusOptions 追加事件总线选项。
func WithBusOptions(opts ...eventbus.Option) Option {
	return func(s *settings) { s.busOpts = append(s.busOpts, opts...) }
}

// WithInterceptorOptions 追加日志拦截器选项。
func WithInterceptorOptions(opts ...interceptor.Option) Option {
	return func(s *settings) { s.icOpts = append(s.icOpts, opts...) }
}

// Bridge 组合事件总线、日志拦截、模块门面与安装编排。
type Bridge struct {
	bus         *eventbus.Bus
	interceptor *interceptor.Interceptor
	facade      *Facade
	installer   *install.Orchestrator
}

// New 组装桥接层。首次订阅事件或模块首次就绪时挂接日志拦截。
func New(loader module.Loader, opts ...Option) *Bridge {
	s := &settings{}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	b := &Bridge{}
	busOpts := append([]eventbus.Option{eventbus.WithActivation(func() { b.interceptor.Attach() })}, s.busOpts...)
	b.bus = eventbus.New(busOpts...)
	b.interceptor = interceptor.New(b.bus, s.icOpts...)

	moduleLog := logger.Named("module")
	var diagMu sync.Mutex
	diagnostics := func(line string) {
		diagMu.Lock()
		defer diagMu.Unlock()
		moduleLog.Debug(line, slog.String("source", "module"))
		b.interceptor.WriteLine(line)
	}

	b.facade = NewFacade(loader,
		WithModuleOptions(module.Options{AssetDir: s.assetDir, Diagnostics: diagnostics}),
		WithInitTimeout(s.initTimeout),
		WithAttacher(b.interceptor),
		WithEventPublisher(b.bus),
		WithObserver(s.observer),
	)
	b.installer = install.New(b.facade)
	return b
}

// Invoke 调用模块操作。
func (b *Bridge) Invoke(ctx context.Context, operation string, args map[string]any) (any, error) {
	return b.facade.Invoke(ctx, operation, args)
}

// Subscribe 订阅主题或通配符 "*"。
func (b *Bridge) Subscribe(topic string, h eventbus.Handler) (cancel func()) {
	return b.bus.Subscribe(topic, h)
}

// ClassifyFile 在本地判断文件的资源类型，不经过模块。
func (b *Bridge) ClassifyFile(data []byte, name string) classify.Result {
	return classify.Classify(data, name)
}

// InstallFile 执行一次完整安装。
func (b *Bridge) InstallFile(ctx context.Context, req install.Request, onProgress install.ProgressHandler) (*install.Result, error) {
	return b.installer.Install(ctx, req, onProgress)
}

// DeviceInfo 聚合设备的 info/status/storage 数据。
func (b *Bridge) DeviceInfo(ctx context.Context, addr string) (map[string]any, error) {
	return device.Info(ctx, b.facade, addr)
}

// Bus 返回事件总线。
func (b *Bridge) Bus() *eventbus.Bus { return b.bus }

// Interceptor 返回日志拦截器，也是模块诊断输出的去向。
func (b *Bridge) Interceptor() *interceptor.Interceptor { return b.interceptor }

// Facade 返回模块门面。
func (b *Bridge) Facade() *Facade { return b.facade }

// State 返回模块生命周期状态。
func (b *Bridge) State() State { return b.facade.State() }

// Close 关闭模块。
func (b *Bridge) Close() error { return b.facade.Close() }
