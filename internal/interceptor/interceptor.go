package interceptor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"bandburg/pkg/logger"
)

// 模块诊断输出中约定的行前缀，大小写敏感。
const (
	PrefixThirdPartyMessage = "[WASM] Received third-party app message from "
	PrefixProtocolPacket    = "[WASM] on_pb_packet: "
	PrefixConnected         = "[WASM] Device connected:"
	PrefixConnectedLocal    = "[WASM] 设备已连接:"
	PrefixDisconnected      = "[WASM] Device disconnected:"
	PrefixDisconnectedLocal = "[WASM] 设备已断开:"
	thirdPartyBodySeparator = ": "
)

// Publisher 是事件的去向，eventbus.Bus 满足该接口。
type Publisher interface {
	Publish(topic string, payload any) int
}

type matcher struct {
	prefixes []string
	parse    func(ic *Interceptor, line, rest string, at time.Time) (DomainEvent, bool)
}

// matchers 按顺序匹配，首个命中者生效。
var matchers = []matcher{
	{prefixes: []string{PrefixThirdPartyMessage}, parse: parseThirdParty},
	{prefixes: []string{PrefixProtocolPacket}, parse: parsePacket},
	{prefixes: []string{PrefixConnected, PrefixConnectedLocal}, parse: func(_ *Interceptor, line, _ string, at time.Time) (DomainEvent, bool) {
		return DeviceConnected{Message: line, Timestamp: at}, true
	}},
	{prefixes: []string{PrefixDisconnected, PrefixDisconnectedLocal}, parse: func(_ *Interceptor, line, _ string, at time.Time) (DomainEvent, bool) {
		return DeviceDisconnected{Message: line, Timestamp: at}, true
	}},
}

// Option 配置 Interceptor。
type Option func(*Interceptor)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(ic *Interceptor) { ic.now = now }
}

// WithHandlerWrapper 替换挂接进程日志的方式，默认使用 logger.Wrap。
func WithHandlerWrapper(wrap func(func(slog.Handler) slog.Handler) slog.Handler) Option {
	return func(ic *Interceptor) { ic.wrap = wrap }
}

// Interceptor 把诊断文本行还原为领域事件并发布。
type Interceptor struct {
	pub  Publisher
	now  func() time.Time
	wrap func(func(slog.Handler) slog.Handler) slog.Handler
	log  *slog.Logger

	once     sync.Once
	attached atomic.Bool
}

// New 创建拦截器，此时尚未挂接进程日志。
func New(pub Publisher, opts ...Option) *Interceptor {
	ic := &Interceptor{
		pub:  pub,
		now:  time.Now,
		wrap: logger.Wrap,
		log:  logger.Named("interceptor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ic)
		}
	}
	return ic
}

// Attach 挂接进程日志，重复调用无效果。
func (ic *Interceptor) Attach() {
	ic.once.Do(func() {
		ic.wrap(ic.Handler)
		ic.attached.Store(true)
		ic.log.Debug("已挂接日志拦截")
	})
}

// Attached 报告是否已经挂接。
func (ic *Interceptor) Attached() bool {
	return ic.attached.Load()
}

// WriteLine 分类一行诊断文本，命中时发布事件并返回 true。
func (ic *Interceptor) WriteLine(line string) bool {
	trimmed := strings.TrimLeft(line, " \t")
	trimmed = strings.TrimRight(trimmed, "\r\n")
	for _, m := range matchers {
		for _, prefix := range m.prefixes {
			rest, ok := strings.CutPrefix(trimmed, prefix)
			if !ok {
				continue
			}
			ev, ok := m.parse(ic, trimmed, rest, ic.now())
			if !ok {
				return false
			}
			ic.pub.Publish(ev.Tag(), ev)
			return true
		}
	}
	return false
}

func parseThirdParty(_ *Interceptor, line, rest string, at time.Time) (DomainEvent, bool) {
	pkg, body, found := strings.Cut(rest, thirdPartyBodySeparator)
	ev := ThirdPartyAppMessage{
		PackageID:  strings.TrimSpace(pkg),
		RawMessage: line,
		Timestamp:  at,
	}
	if !found {
		return ev, true
	}
	var decoded any
	if err := json.Unmarshal([]byte(body), &decoded); err != nil {
		ev.Data = body
	} else {
		ev.Data = decoded
	}
	return ev, true
}

func parsePacket(ic *Interceptor, line, rest string, at time.Time) (DomainEvent, bool) {
	var packet any
	if err := json.Unmarshal([]byte(rest), &packet); err != nil {
		ic.log.Warn("解析 pb_packet 失败", slog.Any("error", err), slog.String("line", line))
		return nil, false
	}
	return ProtocolPacket{Packet: packet, RawMessage: line, Timestamp: at}, true
}

// Writer 返回按行切分的 io.Writer，适合接收子进程的 stderr。
func (ic *Interceptor) Writer() io.Writer {
	return NewLineWriter(func(line string) { ic.WriteLine(line) })
}

// NewLineWriter 把写入的字节按换行切分后逐行交给 sink，不完整的行留待下次写入。
func NewLineWriter(sink func(line string)) io.Writer {
	return &lineWriter{sink: sink}
}

type lineWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	sink func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		data := w.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(data[:idx]), "\r")
		w.buf.Next(idx + 1)
		w.sink(line)
	}
	return len(p), nil
}

// Handler 包装 inner：记录照常交给 inner，info 级别的消息额外交给分类器。
func (ic *Interceptor) Handler(inner slog.Handler) slog.Handler {
	return &handler{inner: inner, ic: ic}
}

type handler struct {
	inner slog.Handler
	ic    *Interceptor
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	return level == slog.LevelInfo || h.inner.Enabled(ctx, level)
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if h.inner.Enabled(ctx, r.Level) {
		err = h.inner.Handle(ctx, r)
	}
	if r.Level == slog.LevelInfo {
		h.ic.WriteLine(r.Message)
	}
	return err
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &handler{inner: h.inner.WithAttrs(attrs), ic: h.ic}
}

func (h *handler) WithGroup(name string) slog.Handler {
	return &handler{inner: h.inner.WithGroup(name), ic: h.ic}
}
