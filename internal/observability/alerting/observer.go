package alerting

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"bandburg/internal/bridge"
	xerrors "bandburg/internal/errors"
	"bandburg/pkg/logger"
)

// Config 描述告警渠道。两个地址都为空时不启用告警。
type Config struct {
	SlackURL    string        `yaml:"slack_url" env:"SLACK_URL"`
	DingTalkURL string        `yaml:"dingtalk_url" env:"DINGTALK_URL"`
	Cooldown    time.Duration `yaml:"cooldown" env:"COOLDOWN"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// Enabled 报告是否配置了任何渠道。
func (c Config) Enabled() bool {
	return c.SlackURL != "" || c.DingTalkURL != ""
}

// NewDispatcher 根据配置创建通知器集合。
func NewDispatcher(cfg Config) *FanoutDispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	var notifiers []Notifier
	if cfg.SlackURL != "" {
		notifiers = append(notifiers, &SlackNotifier{Sender: NewSlackSender(cfg.SlackURL, client)})
	}
	if cfg.DingTalkURL != "" {
		notifiers = append(notifiers, &DingTalkNotifier{Sender: NewDingTalkSender(cfg.DingTalkURL, client)})
	}
	return NewFanout(notifiers...)
}

var _ bridge.Observer = (*Observer)(nil)

// Observer 在计算模块初始化失败时发出告警，并把所有观测转交给 next。
// 同一错误码在 cooldown 内只告警一次。
type Observer struct {
	next       bridge.Observer
	dispatcher Dispatcher
	cooldown   time.Duration
	now        func() time.Time
	log        *slog.Logger

	mu   sync.Mutex
	last map[xerrors.Code]time.Time
	wg   sync.WaitGroup
}

// ObserverOption 配置 Observer。
type ObserverOption func(*Observer)

// WithCooldown 设置重复告警的最短间隔。
func WithCooldown(d time.Duration) ObserverOption {
	return func(o *Observer) {
		if d > 0 {
			o.cooldown = d
		}
	}
}

// WithClock 替换时间来源，测试使用。
func WithClock(now func() time.Time) ObserverOption {
	return func(o *Observer) {
		if now != nil {
			o.now = now
		}
	}
}

// NewObserver 创建告警观察者。next 可以为 nil。
func NewObserver(next bridge.Observer, dispatcher Dispatcher, opts ...ObserverOption) *Observer {
	o := &Observer{
		next:       next,
		dispatcher: dispatcher,
		cooldown:   5 * time.Minute,
		now:        time.Now,
		log:        logger.Named("alerting"),
		last:       make(map[xerrors.Code]time.Time),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// ObserveInvoke 转发调用指标；初始化失败的调用触发告警。
func (o *Observer) ObserveInvoke(operation string, code string, elapsed time.Duration) {
	if o.next != nil {
		o.next.ObserveInvoke(operation, code, elapsed)
	}
	if xerrors.Code(code) != bridge.CodeModuleInitFailed {
		return
	}
	o.fire(Event{
		Code:      xerrors.Code(code),
		Message:   "计算模块初始化失败，调用被拒绝",
		Operation: operation,
		Metadata:  map[string]string{"elapsed": elapsed.String()},
	})
}

// ObserveState 转发状态变化；进入 failed 状态时触发告警。
func (o *Observer) ObserveState(state string) {
	if o.next != nil {
		o.next.ObserveState(state)
	}
	if state != bridge.StateFailed.String() {
		return
	}
	o.fire(Event{
		Code:    bridge.CodeModuleInitFailed,
		Message: "计算模块进入失败状态",
	})
}

// Wait 等待已发出的告警投递完成。
func (o *Observer) Wait() {
	o.wg.Wait()
}

func (o *Observer) fire(event Event) {
	if o.dispatcher == nil {
		return
	}
	now := o.now()
	o.mu.Lock()
	if last, ok := o.last[event.Code]; ok && now.Sub(last) < o.cooldown {
		o.mu.Unlock()
		return
	}
	o.last[event.Code] = now
	o.mu.Unlock()

	event.OccurredAt = now
	event.Severity = xerrors.AttributesOf(event.Code).Severity

	// 观测回调位于调用路径上，投递放到后台进行。
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := o.dispatcher.Notify(ctx, event); err != nil {
			o.log.Warn("发送告警失败", slog.String("code", string(event.Code)), slog.Any("error", err))
		}
	}()
}
