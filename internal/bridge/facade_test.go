package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "bandburg/internal/errors"
	"bandburg/internal/eventbus"
	"bandburg/internal/install"
	"bandburg/internal/interceptor"
	"bandburg/internal/module"
)

type recorder struct {
	mu    sync.Mutex
	calls map[string][][]any
}

func (r *recorder) fn(name string, out any) module.Func {
	return func(_ context.Context, args []any) (any, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.calls == nil {
			r.calls = make(map[string][][]any)
		}
		r.calls[name] = append(r.calls[name], args)
		return out, nil
	}
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls[name])
}

func (r *recorder) last(name string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.calls[name]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func newTable(r *recorder) *module.Table {
	funcs := map[string]module.Func{}
	for _, op := range Operations() {
		funcs[op.Function] = r.fn(op.Function, "ok:"+op.Function)
	}
	return module.NewTable(funcs)
}

func staticLoader(m module.Module, loads *atomic.Int32) module.Loader {
	return module.LoaderFunc(func(context.Context, module.Options) (module.Module, error) {
		loads.Add(1)
		return m, nil
	})
}

func TestUnsupportedOperationNeverTouchesModule(t *testing.T) {
	var loads atomic.Int32
	f := NewFacade(staticLoader(newTable(&recorder{}), &loads))

	_, err := f.Invoke(context.Background(), "format_device", map[string]any{"addr": "A"})

	require.Error(t, err)
	assert.Equal(t, CodeUnsupportedOperation, xerrors.CodeOf(err))
	assert.Contains(t, err.Error(), "不支持的命令")
	assert.True(t, IsValidationError(err))
	assert.Zero(t, loads.Load())
	assert.Equal(t, StateUninitialized, f.State())
}

func TestMissingRequiredArgumentUnderEveryAlias(t *testing.T) {
	rec := &recorder{}
	var loads atomic.Int32
	f := NewFacade(staticLoader(newTable(rec), &loads))
	base := map[string]any{
		"addr":         "AA",
		"watchface_id": "w1",
		"package_name": "com.x",
		"file":         []byte{1},
		"data":         []byte{1},
	}

	for _, op := range Operations() {
		for _, p := range op.Params {
			if !p.Required {
				continue
			}
			t.Run(op.Name+"/"+p.Name, func(t *testing.T) {
				args := map[string]any{}
				for k, v := range base {
					args[k] = v
				}
				for _, key := range p.Keys() {
					delete(args, key)
				}
				_, err := f.Invoke(context.Background(), op.Name, args)
				require.Error(t, err)
				assert.Equal(t, CodeMissingArgument, xerrors.CodeOf(err))
				assert.Equal(t, p.Name, xerrors.MetadataOf(err, "parameter"))
				assert.Contains(t, err.Error(), p.Name)
				assert.Zero(t, rec.count(op.Function))
			})
		}
	}
	assert.Zero(t, loads.Load())
}

func TestAliasResolutionAndDefaults(t *testing.T) {
	rec := &recorder{}
	var loads atomic.Int32
	f := NewFacade(staticLoader(newTable(rec), &loads))
	ctx := context.Background()

	out, err := f.Invoke(ctx, module.FnConnect, map[string]any{
		"addr":        "AA",
		"sar_version": 0,
		"sarVersion":  float64(3),
		"connectType": "",
	})
	require.NoError(t, err)
	assert.Equal(t, "ok:"+module.FnConnect, out)
	assert.Equal(t, []any{"", "AA", "", 3, "SPP"}, rec.last(module.FnConnect))

	_, err = f.Invoke(ctx, module.FnGetData, map[string]any{"addr": "AA", "data_type": "battery"})
	require.NoError(t, err)
	assert.Equal(t, []any{"AA", "battery"}, rec.last(module.FnGetData))

	_, err = f.Invoke(ctx, module.FnWatchfaceSetCurrent, map[string]any{"addr": "AA", "id": 7})
	require.NoError(t, err)
	assert.Equal(t, []any{"AA", "7"}, rec.last(module.FnWatchfaceSetCurrent))

	_, err = f.Invoke(ctx, module.FnInstall, map[string]any{"addr": "AA", "resType": "64", "data": []byte{9}, "packageName": "com.y"})
	require.NoError(t, err)
	assert.Equal(t, []any{"AA", 64, []byte{9}, "com.y", nil}, rec.last(module.FnInstall))
	assert.Equal(t, int32(1), loads.Load())
}

func TestBinaryTypeGuard(t *testing.T) {
	rec := &recorder{}
	var loads atomic.Int32
	f := NewFacade(staticLoader(newTable(rec), &loads))

	_, err := f.Invoke(context.Background(), module.FnFileType, map[string]any{"file": "not bytes", "name": "a.bin"})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidArgumentType, xerrors.CodeOf(err))
	assert.Equal(t, "file", xerrors.MetadataOf(err, "parameter"))

	_, err = f.Invoke(context.Background(), module.FnInstall, map[string]any{"addr": "A", "data": []byte{1}, "progress_cb": "nope"})
	assert.Equal(t, CodeInvalidArgumentType, xerrors.CodeOf(err))

	assert.Zero(t, loads.Load())
	assert.Zero(t, rec.count(module.FnFileType))
}

func TestConcurrentInvokeSharesSingleInitialization(t *testing.T) {
	rec := &recorder{}
	release := make(chan struct{})
	entered := make(chan struct{})
	var inits atomic.Int32
	loader := module.LoaderFunc(func(context.Context, module.Options) (module.Module, error) {
		if inits.Add(1) == 1 {
			close(entered)
		}
		<-release
		return newTable(rec), nil
	})
	f := NewFacade(loader)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.Invoke(context.Background(), module.FnConnectedDevices, nil)
		}(i)
	}

	<-entered
	assert.Equal(t, StateInitializing, f.State())
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), inits.Load())
	assert.Equal(t, int64(1), f.Attempts())
	assert.Equal(t, 2, rec.count(module.FnConnectedDevices))
	assert.Equal(t, StateReady, f.State())
}

func TestInitFailureThenRetry(t *testing.T) {
	rec := &recorder{}
	var calls atomic.Int32
	loader := module.LoaderFunc(func(context.Context, module.Options) (module.Module, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("asset missing")
		}
		return newTable(rec), nil
	})
	f := NewFacade(loader)

	_, err := f.Invoke(context.Background(), module.FnConnectedDevices, nil)
	require.Error(t, err)
	assert.Equal(t, CodeModuleInitFailed, xerrors.CodeOf(err))
	assert.True(t, xerrors.RetryableError(err))
	assert.Equal(t, StateFailed, f.State())

	_, err = f.Invoke(context.Background(), module.FnConnectedDevices, nil)
	require.NoError(t, err)
	assert.Equal(t, StateReady, f.State())
	assert.Equal(t, int64(2), f.Attempts())
}

func TestRuntimeErrorsCarryOperation(t *testing.T) {
	tbl := module.NewTable(map[string]module.Func{
		module.FnDisconnect: func(context.Context, []any) (any, error) { return nil, errors.New("not connected") },
		module.FnAppList:    func(context.Context, []any) (any, error) { panic("nil deref") },
	})
	var loads atomic.Int32
	f := NewFacade(staticLoader(tbl, &loads))

	_, err := f.Invoke(context.Background(), module.FnDisconnect, map[string]any{"addr": "A"})
	require.Error(t, err)
	assert.Equal(t, CodeModuleRuntime, xerrors.CodeOf(err))
	assert.Equal(t, module.FnDisconnect, xerrors.MetadataOf(err, "operation"))
	assert.Contains(t, err.Error(), "调用 miwear_disconnect 失败")
	assert.Contains(t, err.Error(), "not connected")
	assert.False(t, IsValidationError(err))

	_, err = f.Invoke(context.Background(), module.FnAppList, map[string]any{"addr": "A"})
	assert.Equal(t, CodeModuleRuntime, xerrors.CodeOf(err))
	assert.Contains(t, err.Error(), "nil deref")
}

type countingAttacher struct{ n atomic.Int32 }

func (c *countingAttacher) Attach() { c.n.Add(1) }

type observerStub struct {
	mu     sync.Mutex
	codes  []string
	states []string
}

func (o *observerStub) ObserveInvoke(_ string, code string, _ time.Duration) {
	o.mu.Lock()
	o.codes = append(o.codes, code)
	o.mu.Unlock()
}

func (o *observerStub) ObserveState(state string) {
	o.mu.Lock()
	o.states = append(o.states, state)
	o.mu.Unlock()
}

func TestFirstReadyAttachesAndForwardsNativeEvents(t *testing.T) {
	tbl := newTable(&recorder{})
	var loads atomic.Int32
	att := &countingAttacher{}
	bus := eventbus.New()
	obs := &observerStub{}
	f := NewFacade(staticLoader(tbl, &loads), WithAttacher(att), WithEventPublisher(bus), WithObserver(obs))

	var got []eventbus.Event
	bus.Subscribe(eventbus.Wildcard, func(ev eventbus.Event) { got = append(got, ev) })

	for i := 0; i < 3; i++ {
		_, err := f.Invoke(context.Background(), module.FnConnectedDevices, nil)
		require.NoError(t, err)
	}
	_, _ = f.Invoke(context.Background(), "nope", nil)
	require.True(t, tbl.Emit("battery_changed", map[string]any{"level": 50}))

	assert.Equal(t, int32(1), att.n.Load())
	require.Len(t, got, 1)
	assert.Equal(t, "battery_changed", got[0].Topic)
	assert.Equal(t, []string{"OK", "OK", "OK", string(CodeUnsupportedOperation)}, obs.codes)
	assert.Equal(t, []string{"initializing", "ready"}, obs.states)
}

func TestBridgeSynthesizesEventsFromModuleDiagnostics(t *testing.T) {
	var diag func(line string)
	tbl := module.NewTable(map[string]module.Func{
		module.FnConnect: func(_ context.Context, args []any) (any, error) {
			diag(fmt.Sprintf("[WASM] Device connected: %s", args[1]))
			return "connected", nil
		},
	})
	loader := module.LoaderFunc(func(_ context.Context, opts module.Options) (module.Module, error) {
		diag = opts.Diagnostics
		return tbl, nil
	})
	b := New(loader, WithInterceptorOptions(interceptor.WithHandlerWrapper(
		func(func(slog.Handler) slog.Handler) slog.Handler { return nil },
	)))

	var topics []string
	b.Subscribe(eventbus.Wildcard, func(ev eventbus.Event) { topics = append(topics, ev.Topic) })
	assert.True(t, b.Interceptor().Attached())

	out, err := b.Invoke(context.Background(), module.FnConnect, map[string]any{"addr": "AA:BB"})
	require.NoError(t, err)
	assert.Equal(t, "connected", out)
	assert.Equal(t, []string{interceptor.TopicDeviceConnected}, topics)
	assert.Equal(t, StateReady, b.State())
}

func TestBridgeKeepsSplitStderrLineWholeAcrossLogFrame(t *testing.T) {
	var diag func(line string)
	loader := module.LoaderFunc(func(_ context.Context, opts module.Options) (module.Module, error) {
		diag = opts.Diagnostics
		return module.NewTable(nil), nil
	})
	b := New(loader, WithInterceptorOptions(interceptor.WithHandlerWrapper(
		func(func(slog.Handler) slog.Handler) slog.Handler { return nil },
	)))

	var topics []string
	b.Subscribe(eventbus.Wildcard, func(ev eventbus.Event) { topics = append(topics, ev.Topic) })
	require.NoError(t, b.Facade().Init(context.Background()))
	require.NotNil(t, diag)

	stderr := interceptor.NewLineWriter(diag)
	_, _ = io.WriteString(stderr, "[WASM] Device conn")
	diag(`[WASM] on_pb_packet: {"a":1}`)
	_, _ = io.WriteString(stderr, "ected: AA\n")

	assert.Equal(t, []string{interceptor.TopicProtocolPacket, interceptor.TopicDeviceConnected}, topics)
}

func TestBridgeInstallFile(t *testing.T) {
	tbl := module.NewTable(map[string]module.Func{
		module.FnInstall: func(_ context.Context, args []any) (any, error) {
			cb := args[4].(module.ProgressFunc)
			cb(0.5)
			return map[string]any{"ok": true}, nil
		},
	})
	var loads atomic.Int32
	b := New(staticLoader(tbl, &loads))

	var percents []int
	res, err := b.InstallFile(context.Background(), install.Request{
		Addr: "AA", Name: "face.bin", Data: []byte("raw"),
	}, func(p install.Progress) { percents = append(percents, p.Percent) })

	require.NoError(t, err)
	assert.Equal(t, []int{50, 100}, percents)
	assert.Equal(t, 16, int(res.Kind))
	assert.Equal(t, 16, int(b.ClassifyFile([]byte("raw"), "face.bin").Kind))
}
