package module

import (
	"context"
	"errors"
	"fmt"
)

// 计算模块导出的函数名。
const (
	FnInit                = "init"
	FnConnect             = "miwear_connect"
	FnDisconnect          = "miwear_disconnect"
	FnConnectedDevices    = "miwear_get_connected_devices"
	FnGetData             = "miwear_get_data"
	FnWatchfaceList       = "watchface_get_list"
	FnWatchfaceSetCurrent = "watchface_set_current"
	FnWatchfaceUninstall  = "watchface_uninstall"
	FnAppList             = "thirdpartyapp_get_list"
	FnAppSendMessage      = "thirdpartyapp_send_message"
	FnAppLaunch           = "thirdpartyapp_launch"
	FnAppUninstall        = "thirdpartyapp_uninstall"
	FnFileType            = "miwear_get_file_type"
	FnInstall             = "miwear_install"
)

// ErrClosed 表示模块已关闭或进程已退出。
var ErrClosed = errors.New("module closed")

// Module 是计算模块暴露的函数面，参数按位置传递，返回值不做解释。
type Module interface {
	Call(ctx context.Context, fn string, args ...any) (any, error)
	Close() error
}

// EventSource 由能主动推送结构化事件的模块实现。
type EventSource interface {
	RegisterEventSink(sink func(topic string, payload any)) error
}

// ProgressFunc 接收模块上报的原始进度，形状由模块决定。
type ProgressFunc func(progress any)

// Options 是加载模块时的外部资源。
type Options struct {
	// AssetDir 是模块读取二进制资源的目录。
	AssetDir string
	// Diagnostics 每次接收一整行诊断文本，不含换行符，可能被并发调用。
	// 各输出源在交给它之前自行切分行。
	Diagnostics func(line string)
}

// Loader 负责加载并启动计算模块。
type Loader interface {
	Load(ctx context.Context, opts Options) (Module, error)
}

// LoaderFunc 把函数适配为 Loader。
type LoaderFunc func(ctx context.Context, opts Options) (Module, error)

// Load 实现 Loader。
func (f LoaderFunc) Load(ctx context.Context, opts Options) (Module, error) {
	return f(ctx, opts)
}

// CallError 是模块自身报告的运行时错误。
type CallError struct {
	Function string
	Message  string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Function, e.Message)
}
