package script

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Shopify/go-lua"

	xerrors "bandburg/internal/errors"
	"bandburg/internal/eventbus"
	"bandburg/internal/storage"
	"bandburg/pkg/logger"
)

// CodeScriptError 表示脚本加载或执行失败。
const CodeScriptError xerrors.Code = "SCRIPT_ERROR"

func init() {
	xerrors.Register(CodeScriptError, xerrors.Attributes{Message: "脚本执行失败", Severity: xerrors.SeverityWarning})
}

const dispatchFunc = "__bandburg_dispatch"

// prelude 在 Lua 侧保存事件回调，Go 侧只负责订阅与排队。
const prelude = `
local handlers = {}
local subscribe = bridge.__subscribe
bridge.__subscribe = nil

function bridge.on(topic, fn)
  if type(topic) ~= "string" or type(fn) ~= "function" then
    error("bridge.on(topic, fn) 参数错误")
  end
  local list = handlers[topic]
  if list == nil then
    list = {}
    handlers[topic] = list
    subscribe(topic)
  end
  list[#list + 1] = fn
end

function ` + dispatchFunc + `(source, topic, payload)
  local list = handlers[source]
  if list == nil then
    return
  end
  for _, fn in ipairs(list) do
    local ok, err = pcall(fn, payload, topic)
    if not ok then
      log("事件回调失败: " .. tostring(err))
    end
  end
end
`

// 脚本环境中移除的全局变量。
var blockedGlobals = []string{"os", "io", "dofile", "loadfile", "require", "package", "debug"}

// Invoker 是脚本调用模块操作的入口。
type Invoker interface {
	Invoke(ctx context.Context, operation string, args map[string]any) (any, error)
}

// Subscriber 提供事件订阅。
type Subscriber interface {
	Subscribe(topic string, h eventbus.Handler) (cancel func())
}

// Option 配置 Runtime。
type Option func(*Runtime)

// WithDevice 设置脚本可见的当前设备，对应 bridge.device。
func WithDevice(d *storage.Device) Option {
	return func(r *Runtime) { r.device = d }
}

// WithLogSink 接收脚本 log(...) 的输出。
func WithLogSink(sink func(line string)) Option {
	return func(r *Runtime) { r.sink = sink }
}

// WithQueueSize 设置事件队列长度，队列满时丢弃新事件。
func WithQueueSize(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

type delivery struct {
	source string
	event  eventbus.Event
}

// Runtime 是单个脚本的 Lua 沙箱。Run、Drain、Listen 必须在同一 goroutine 上调用。
type Runtime struct {
	inv       Invoker
	sub       Subscriber
	device    *storage.Device
	sink      func(string)
	queueSize int
	log       *slog.Logger

	state   *lua.State
	ctx     context.Context
	queue   chan delivery
	cancels []func()
}

// New 创建脚本运行时。
func New(inv Invoker, sub Subscriber, opts ...Option) *Runtime {
	r := &Runtime{
		inv:       inv,
		sub:       sub,
		queueSize: 64,
		log:       logger.Named("script"),
		ctx:       context.Background(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.queue = make(chan delivery, r.queueSize)
	return r
}

// Run 在新的沙箱中执行脚本代码。
func (r *Runtime) Run(ctx context.Context, code string) error {
	if r.state != nil {
		return xerrors.New(CodeScriptError, "脚本运行时不可重复执行")
	}
	r.ctx = ctx
	r.state = r.newState()
	if err := lua.DoString(r.state, prelude); err != nil {
		return xerrors.Wrap(CodeScriptError, err, "初始化脚本环境失败")
	}
	if err := lua.LoadString(r.state, code); err != nil {
		return xerrors.Wrap(CodeScriptError, err, "脚本语法错误")
	}
	if err := r.state.ProtectedCall(0, 0, 0); err != nil {
		return xerrors.Wrap(CodeScriptError, err, "脚本执行失败")
	}
	return nil
}

// Subscriptions 返回脚本通过 bridge.on 订阅的主题数。
func (r *Runtime) Subscriptions() int {
	return len(r.cancels)
}

// Drain 分发已排队的事件，不阻塞，返回分发数量。
func (r *Runtime) Drain() int {
	n := 0
	for {
		select {
		case d := <-r.queue:
			r.dispatch(d)
			n++
		default:
			return n
		}
	}
}

// Listen 持续分发事件直到 ctx 结束。脚本没有订阅时立即返回。
func (r *Runtime) Listen(ctx context.Context) error {
	if r.state == nil || len(r.cancels) == 0 {
		return nil
	}
	r.ctx = ctx
	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-r.queue:
			r.dispatch(d)
		}
	}
}

// Close 取消全部订阅。
func (r *Runtime) Close() {
	for _, cancel := range r.cancels {
		cancel()
	}
	r.cancels = nil
}

func (r *Runtime) dispatch(d delivery) {
	l := r.state
	l.Global(dispatchFunc)
	if l.TypeOf(-1) != lua.TypeFunction {
		l.Pop(1)
		return
	}
	l.PushString(d.source)
	l.PushString(d.event.Topic)
	pushValue(l, d.event.Payload)
	if err := l.ProtectedCall(3, 0, 0); err != nil {
		r.log.Warn("分发脚本事件失败", slog.String("topic", d.event.Topic), slog.Any("error", err))
	}
}

func (r *Runtime) newState() *lua.State {
	l := lua.NewState()
	lua.OpenLibraries(l)
	for _, name := range blockedGlobals {
		l.PushNil()
		l.SetGlobal(name)
	}

	l.Register("log", r.luaLog)

	l.NewTable()
	lua.SetFunctions(l, []lua.RegistryFunction{
		{Name: "invoke", Function: r.luaInvoke},
		{Name: "bytes", Function: luaBytes},
		{Name: "__subscribe", Function: r.luaSubscribe},
	}, 0)
	r.pushDevice(l)
	l.SetField(-2, "device")
	l.SetGlobal("bridge")

	l.NewTable()
	lua.SetFunctions(l, []lua.RegistryFunction{
		{Name: "hex_to_bytes", Function: luaHexToBytes},
		{Name: "bytes_to_hex", Function: luaBytesToHex},
	}, 0)
	l.SetGlobal("utils")
	return l
}

func (r *Runtime) pushDevice(l *lua.State) {
	if r.device == nil {
		l.PushNil()
		return
	}
	pushValue(l, map[string]any{
		"id":          r.device.ID,
		"name":        r.device.Name,
		"addr":        r.device.Addr,
		"authkey":     r.device.AuthKey,
		"sarVersion":  r.device.SARVersion,
		"connectType": r.device.ConnectType,
	})
}

func (r *Runtime) luaLog(l *lua.State) int {
	n := l.Top()
	parts := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		parts = append(parts, fmt.Sprint(luaToGo(l, i)))
	}
	line := strings.Join(parts, " ")
	r.log.Info("[脚本] " + line)
	if r.sink != nil {
		r.sink(line)
	}
	return 0
}

// luaInvoke 实现 bridge.invoke(op, args)，失败时抛出 Lua 错误。
func (r *Runtime) luaInvoke(l *lua.State) int {
	op := lua.CheckString(l, 1)
	args := map[string]any{}
	if !l.IsNoneOrNil(2) {
		lua.CheckType(l, 2, lua.TypeTable)
		args = tableToMap(l, 2)
	}
	out, err := r.inv.Invoke(r.ctx, op, args)
	if err != nil {
		lua.Errorf(l, "%s", err.Error())
		return 0
	}
	pushValue(l, out)
	return 1
}

func (r *Runtime) luaSubscribe(l *lua.State) int {
	topic := lua.CheckString(l, 1)
	if r.sub == nil {
		lua.Errorf(l, "当前环境不支持事件订阅")
		return 0
	}
	cancel := r.sub.Subscribe(topic, func(ev eventbus.Event) {
		d := delivery{source: topic, event: eventbus.Event{Topic: ev.Topic, Payload: normalize(ev.Payload)}}
		select {
		case r.queue <- d:
		default:
			r.log.Warn("脚本事件队列已满，丢弃事件", slog.String("topic", ev.Topic))
		}
	})
	r.cancels = append(r.cancels, cancel)
	return 0
}

func luaBytes(l *lua.State) int {
	l.PushUserData([]byte(lua.CheckString(l, 1)))
	return 1
}

func luaHexToBytes(l *lua.State) int {
	raw, err := hex.DecodeString(strings.TrimSpace(lua.CheckString(l, 1)))
	if err != nil {
		lua.Errorf(l, "无效的十六进制字符串: %s", err.Error())
		return 0
	}
	l.PushUserData(raw)
	return 1
}

func luaBytesToHex(l *lua.State) int {
	switch l.TypeOf(1) {
	case lua.TypeUserData:
		b, ok := l.ToUserData(1).([]byte)
		if !ok {
			lua.ArgumentError(l, 1, "bytes expected")
			return 0
		}
		l.PushString(hex.EncodeToString(b))
	default:
		l.PushString(hex.EncodeToString([]byte(lua.CheckString(l, 1))))
	}
	return 1
}
