package install

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"bandburg/internal/classify"
	xerrors "bandburg/internal/errors"
	"bandburg/internal/module"
	"bandburg/pkg/logger"
)

const (
	// OperationInstall 是安装使用的桥接操作名。
	OperationInstall = module.FnInstall

	messageInstalling = "正在安装..."
	messageCompleted  = "安装完成"
)

// Invoker 是安装依赖的调用入口，bridge.Facade 满足该接口。
type Invoker interface {
	Invoke(ctx context.Context, operation string, args map[string]any) (any, error)
}

// Progress 是归一化后的进度。
type Progress struct {
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

// ProgressHandler 接收归一化进度，应尽快返回。
type ProgressHandler func(Progress)

// Report 是模块进度的结构化形态之一。
type Report struct {
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
}

// Request 描述一次安装。
type Request struct {
	Addr      string
	Name      string
	Data      []byte
	Kind      classify.Kind
	PackageID string
}

// Result 是一次成功安装的结果，Output 为模块原样返回的值。
type Result struct {
	Kind      classify.Kind `json:"type"`
	PackageID string        `json:"package_name,omitempty"`
	Output    any           `json:"output"`
}

// Option 配置 Orchestrator。
type Option func(*Orchestrator)

// WithClassifier 替换分类函数。
func WithClassifier(fn func(data []byte, name string) classify.Result) Option {
	return func(o *Orchestrator) { o.classify = fn }
}

// Orchestrator 负责一次完整的安装流程。
type Orchestrator struct {
	invoker  Invoker
	classify func(data []byte, name string) classify.Result
	log      *slog.Logger
}

// New 创建安装编排器。
func New(invoker Invoker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		invoker:  invoker,
		classify: classify.Classify,
		log:      logger.Named("install"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Install 解析资源类型与包名后调用模块安装。成功时进度恰好到达 100 一次；
// 失败时原样返回错误，不重试。
func (o *Orchestrator) Install(ctx context.Context, req Request, onProgress ProgressHandler) (*Result, error) {
	if strings.TrimSpace(req.Addr) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少设备地址")
	}
	if req.Data == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少安装文件")
	}

	kind, detectedID, err := o.resolveKind(req)
	if err != nil {
		return nil, err
	}
	packageID := detectedID
	if packageID == "" {
		packageID = strings.TrimSpace(req.PackageID)
	}

	relay := &relay{handler: onProgress, log: o.log}
	args := map[string]any{
		"addr":        req.Addr,
		"res_type":    int(kind),
		"data":        req.Data,
		"progress_cb": module.ProgressFunc(relay.report),
	}
	if packageID != "" {
		args["package_name"] = packageID
	}

	o.log.Info("开始安装",
		slog.String("addr", req.Addr),
		slog.String("name", req.Name),
		slog.String("type", kind.String()),
		slog.String("package_name", packageID),
		slog.Int("size", len(req.Data)))

	out, err := o.invoker.Invoke(ctx, OperationInstall, args)
	if err != nil {
		relay.finish(false)
		logger.Audit().Warn("install failed",
			slog.String("addr", req.Addr),
			slog.String("name", req.Name),
			slog.Any("error", err))
		return nil, err
	}
	relay.finish(true)
	logger.Audit().Info("install completed",
		slog.String("addr", req.Addr),
		slog.String("name", req.Name),
		slog.String("type", kind.String()),
		slog.String("package_name", packageID))

	return &Result{Kind: kind, PackageID: packageID, Output: out}, nil
}

func (o *Orchestrator) resolveKind(req Request) (kind classify.Kind, packageID string, err error) {
	if req.Kind != classify.KindAuto {
		if !req.Kind.Valid() {
			return 0, "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("无效的资源类型: %d", int(req.Kind)))
		}
		return req.Kind, "", nil
	}

	defer func() {
		if r := recover(); r != nil {
			o.log.Warn("文件类型检测失败，使用扩展名", slog.Any("panic", r))
			kind, packageID, err = classify.ByExtension(req.Name), "", nil
		}
	}()
	res := o.classify(req.Data, req.Name)
	if !res.Kind.Valid() {
		return classify.ByExtension(req.Name), "", nil
	}
	return res.Kind, res.PackageID, nil
}

// relay 把模块进度转成 Progress，保证 100 只在完成时报告一次。
type relay struct {
	mu      sync.Mutex
	handler ProgressHandler
	done    bool
	log     *slog.Logger
}

func (r *relay) report(raw any) {
	p := Normalize(raw)
	if p.Percent > 99 {
		p.Percent = 99
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.emit(p)
}

func (r *relay) finish(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	if ok {
		r.emit(Progress{Percent: 100, Message: messageCompleted})
	}
}

func (r *relay) emit(p Progress) {
	if r.handler == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("进度回调执行失败", slog.Any("panic", rec))
		}
	}()
	r.handler(p)
}

// Normalize 把模块上报的任意进度形态转为百分比和消息。
func Normalize(raw any) Progress {
	if f, ok := number(raw); ok {
		pct := percent(f)
		return Progress{Percent: pct, Message: defaultMessage(pct)}
	}

	var fraction any
	var message string
	switch v := raw.(type) {
	case Report:
		fraction, message = v.Progress, v.Message
	case *Report:
		if v == nil {
			return Progress{Message: messageInstalling}
		}
		fraction, message = v.Progress, v.Message
	case map[string]any:
		fraction = v["progress"]
		message, _ = v["message"].(string)
	default:
		return Progress{Message: messageInstalling}
	}

	pct := 0
	if f, ok := number(fraction); ok {
		pct = percent(f)
	}
	if message == "" {
		message = defaultMessage(pct)
	}
	return Progress{Percent: pct, Message: message}
}

func defaultMessage(pct int) string {
	return fmt.Sprintf("安装进度: %d%%", pct)
}

func percent(fraction float64) int {
	if math.IsNaN(fraction) {
		return 0
	}
	pct := math.Round(fraction * 100)
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return int(pct)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
