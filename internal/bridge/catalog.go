package bridge

import (
	"sort"

	"bandburg/internal/module"
)

// ValueKind 是参数期望的值类型。
type ValueKind int

const (
	KindString ValueKind = iota
	KindInt
	KindBytes
	KindAny
	KindCallback
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindBytes:
		return "bytes"
	case KindCallback:
		return "callback"
	default:
		return "any"
	}
}

// Param 描述一个位置参数。Name 为规范键名，Aliases 为历史拼写，按顺序尝试。
type Param struct {
	Name     string
	Aliases  []string
	Kind     ValueKind
	Required bool
	Default  any
}

// Keys 返回按优先级排列的所有可接受键名。
func (p Param) Keys() []string {
	return append([]string{p.Name}, p.Aliases...)
}

// Operation 是一个可调用的模块操作。Result 描述模块返回值的形状，桥接层不做解释。
type Operation struct {
	Name     string
	Function string
	Params   []Param
	Result   string
}

func addrParam() Param {
	return Param{Name: "addr", Kind: KindString, Required: true}
}

func packageNameParam() Param {
	return Param{Name: "package_name", Aliases: []string{"packageName"}, Kind: KindString, Required: true}
}

func watchfaceIDParam() Param {
	return Param{Name: "watchface_id", Aliases: []string{"watchfaceId", "id"}, Kind: KindString, Required: true}
}

var operations = []Operation{
	{
		Name: module.FnConnect,
		Params: []Param{
			{Name: "name", Kind: KindString, Default: ""},
			addrParam(),
			{Name: "authkey", Kind: KindString, Default: ""},
			{Name: "sar_version", Aliases: []string{"sarVersion"}, Kind: KindInt, Default: 2},
			{Name: "connect_type", Aliases: []string{"connectType"}, Kind: KindString, Default: "SPP"},
		},
		Result: "连接结果对象",
	},
	{Name: module.FnDisconnect, Params: []Param{addrParam()}, Result: "确认"},
	{Name: module.FnConnectedDevices, Result: "已连接设备数组"},
	{
		Name:   module.FnGetData,
		Params: []Param{addrParam(), {Name: "type", Aliases: []string{"data_type"}, Kind: KindString, Default: "info"}},
		Result: "数据对象",
	},
	{Name: module.FnWatchfaceList, Params: []Param{addrParam()}, Result: "表盘数组"},
	{Name: module.FnWatchfaceSetCurrent, Params: []Param{addrParam(), watchfaceIDParam()}, Result: "确认"},
	{Name: module.FnWatchfaceUninstall, Params: []Param{addrParam(), watchfaceIDParam()}, Result: "确认"},
	{Name: module.FnAppList, Params: []Param{addrParam()}, Result: "应用数组"},
	{
		Name:   module.FnAppSendMessage,
		Params: []Param{addrParam(), packageNameParam(), {Name: "data", Kind: KindAny, Default: ""}},
		Result: "确认",
	},
	{
		Name:   module.FnAppLaunch,
		Params: []Param{addrParam(), packageNameParam(), {Name: "page", Kind: KindString, Default: ""}},
		Result: "确认",
	},
	{Name: module.FnAppUninstall, Params: []Param{addrParam(), packageNameParam()}, Result: "确认"},
	{
		Name: module.FnFileType,
		Params: []Param{
			{Name: "file", Kind: KindBytes, Required: true},
			{Name: "name", Kind: KindString, Default: ""},
		},
		Result: "文件类型对象 {type, name}",
	},
	{
		Name: module.FnInstall,
		Params: []Param{
			addrParam(),
			{Name: "res_type", Aliases: []string{"resType"}, Kind: KindInt, Default: 0},
			{Name: "data", Kind: KindBytes, Required: true},
			{Name: "package_name", Aliases: []string{"packageName"}, Kind: KindString},
			{Name: "progress_cb", Aliases: []string{"progressCb"}, Kind: KindCallback},
		},
		Result: "安装结果",
	},
}

var index = func() map[string]Operation {
	m := make(map[string]Operation, len(operations))
	for _, op := range operations {
		if op.Function == "" {
			op.Function = op.Name
		}
		m[op.Name] = op
	}
	return m
}()

// Lookup 按名称查找操作。
func Lookup(name string) (Operation, bool) {
	op, ok := index[name]
	return op, ok
}

// Operations 返回按名称排序的全部操作。
func Operations() []Operation {
	out := make([]Operation, 0, len(index))
	for _, op := range index {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
