package module

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"bandburg/internal/interceptor"
	"bandburg/pkg/logger"
)

const maxFrameSize = 16 << 20

// ProcessLoader 启动一个通过 stdin/stdout 按行交换 JSON 的模块进程。
//
// 请求: {"id":1,"fn":"miwear_connect","args":[...],"progress":false}
// 应答: {"id":1,"result":...} 或 {"id":1,"error":"..."}
// 进度: {"id":1,"progress":...}
// 事件: {"event":"topic","payload":...}
// 日志: {"log":"..."}，stderr 的每一行同样视为诊断输出。
type ProcessLoader struct {
	Command      string
	Args         []string
	Dir          string
	Env          []string
	CloseTimeout time.Duration
}

var _ Loader = ProcessLoader{}

// Load 启动进程并发送 init 握手，参数为资源目录。
func (l ProcessLoader) Load(ctx context.Context, opts Options) (Module, error) {
	if l.Command == "" {
		return nil, errors.New("未指定模块可执行文件")
	}
	cmd := exec.Command(l.Command, l.Args...)
	if l.Dir != "" {
		cmd.Dir = l.Dir
	}
	cmd.Env = append(os.Environ(), l.Env...)

	diag := opts.Diagnostics
	if diag == nil {
		diag = func(string) {}
	}
	// stderr 由 exec 的复制协程写入，需要独立切分，不能与 stdout 帧共用缓冲。
	cmd.Stderr = interceptor.NewLineWriter(diag)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("创建模块 stdin 失败: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("创建模块 stdout 失败: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("启动模块进程失败: %w", err)
	}

	p := &Process{
		cmd:          cmd,
		stdin:        stdin,
		diag:         diag,
		pending:      make(map[uint64]*pendingCall),
		done:         make(chan struct{}),
		closeTimeout: l.CloseTimeout,
		log:          logger.Named("module"),
	}
	if p.closeTimeout <= 0 {
		p.closeTimeout = 5 * time.Second
	}
	go p.readLoop(stdout)

	if _, err := p.Call(ctx, FnInit, opts.AssetDir); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("模块握手失败: %w", err)
	}
	return p, nil
}

// ResolveCommand 把相对路径的可执行文件解析到 baseDir 下。
func ResolveCommand(baseDir, command string) string {
	if command == "" || filepath.IsAbs(command) || baseDir == "" {
		return command
	}
	if filepath.Base(command) == command {
		// 纯命令名交给 PATH 查找。
		return command
	}
	return filepath.Join(baseDir, command)
}

type request struct {
	ID       uint64 `json:"id"`
	Fn       string `json:"fn"`
	Args     []any  `json:"args"`
	Progress bool   `json:"progress,omitempty"`
}

type frame struct {
	ID       uint64          `json:"id"`
	Result   json.RawMessage `json:"result"`
	Error    string          `json:"error"`
	Progress json.RawMessage `json:"progress"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	Log      string          `json:"log"`
}

type pendingCall struct {
	fn       string
	progress ProgressFunc
	done     chan frame
}

// Process 是运行在子进程中的模块。
type Process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	diag  func(line string)
	log   *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*pendingCall
	sink    func(topic string, payload any)
	closed  bool

	done         chan struct{}
	exitErr      error
	closeTimeout time.Duration
}

var (
	_ Module      = (*Process)(nil)
	_ EventSource = (*Process)(nil)
)

// Call 发送一次调用并等待应答。进度回调在读取协程中同步执行。
func (p *Process) Call(ctx context.Context, fn string, args ...any) (any, error) {
	var progress ProgressFunc
	wire := make([]any, len(args))
	for i, arg := range args {
		switch v := arg.(type) {
		case ProgressFunc:
			progress = v
		case func(any):
			progress = v
		default:
			wire[i] = arg
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.nextID++
	id := p.nextID
	call := &pendingCall{fn: fn, progress: progress, done: make(chan frame, 1)}
	p.pending[id] = call
	p.mu.Unlock()

	line, err := json.Marshal(request{ID: id, Fn: fn, Args: wire, Progress: progress != nil})
	if err != nil {
		p.forget(id)
		return nil, fmt.Errorf("序列化调用 %s 失败: %w", fn, err)
	}
	p.writeMu.Lock()
	_, err = p.stdin.Write(append(line, '\n'))
	p.writeMu.Unlock()
	if err != nil {
		p.forget(id)
		return nil, fmt.Errorf("写入模块失败: %w", err)
	}

	select {
	case f := <-call.done:
		if f.Error != "" {
			return nil, &CallError{Function: fn, Message: f.Error}
		}
		return decodeRaw(f.Result)
	case <-ctx.Done():
		p.forget(id)
		return nil, ctx.Err()
	case <-p.done:
		return nil, p.exitError()
	}
}

// RegisterEventSink 实现 EventSource。
func (p *Process) RegisterEventSink(sink func(topic string, payload any)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.sink = sink
	return nil
}

// Close 关闭 stdin 并等待进程退出，超时后强制结束。
func (p *Process) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	_ = p.stdin.Close()
	select {
	case <-p.done:
	case <-time.After(p.closeTimeout):
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		<-p.done
	}
	return nil
}

// Done 在进程退出后关闭。
func (p *Process) Done() <-chan struct{} {
	return p.done
}

func (p *Process) forget(id uint64) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

func (p *Process) exitError() error {
	if p.exitErr != nil {
		return fmt.Errorf("%w: %v", ErrClosed, p.exitErr)
	}
	return ErrClosed
}

func (p *Process) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		p.dispatch(scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		p.log.Warn("读取模块输出失败", slog.Any("error", err))
	}
	p.exitErr = p.cmd.Wait()
	if p.exitErr != nil {
		p.log.Warn("模块进程退出", slog.Any("error", p.exitErr))
	}
	close(p.done)
}

func (p *Process) dispatch(line []byte) {
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		// 非 JSON 输出按诊断文本处理。
		p.writeDiag(string(line))
		return
	}
	switch {
	case f.Event != "":
		p.emit(f)
	case f.Log != "":
		p.writeDiag(f.Log)
	case f.ID != 0:
		p.settle(f)
	}
}

func (p *Process) writeDiag(line string) {
	p.diag(strings.TrimRight(line, "\r"))
}

func (p *Process) emit(f frame) {
	p.mu.Lock()
	sink := p.sink
	p.mu.Unlock()
	if sink == nil {
		p.log.Debug("未注册事件接收方，丢弃模块事件", slog.String("topic", f.Event))
		return
	}
	payload, err := decodeRaw(f.Payload)
	if err != nil {
		p.log.Warn("解析模块事件失败", slog.String("topic", f.Event), slog.Any("error", err))
		return
	}
	sink(f.Event, payload)
}

func (p *Process) settle(f frame) {
	p.mu.Lock()
	call, ok := p.pending[f.ID]
	if ok && len(f.Progress) == 0 {
		delete(p.pending, f.ID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	if len(f.Progress) > 0 {
		if call.progress == nil {
			return
		}
		value, err := decodeRaw(f.Progress)
		if err != nil {
			p.log.Warn("解析进度失败", slog.String("fn", call.fn), slog.Any("error", err))
			return
		}
		call.progress(value)
		return
	}
	call.done <- f
}

func decodeRaw(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("解析模块返回值失败: %w", err)
	}
	return v, nil
}
