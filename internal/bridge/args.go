package bridge

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	xerrors "bandburg/internal/errors"
	"bandburg/internal/module"
)

// Bind 按参数表把参数包解析为位置参数。
// 空值（nil、空字符串、数值 0）视为未提供，继续尝试下一个别名，最终使用默认值。
func (op Operation) Bind(args map[string]any) ([]any, error) {
	out := make([]any, len(op.Params))
	for i, p := range op.Params {
		raw, key, found := resolve(args, p)
		if !found {
			if p.Required {
				return nil, xerrors.New(CodeMissingArgument, "缺少参数 "+p.Name,
					xerrors.WithMetadata("operation", op.Name),
					xerrors.WithMetadata("parameter", p.Name))
			}
			out[i] = p.Default
			continue
		}
		v, err := coerce(p.Kind, raw)
		if err != nil {
			return nil, xerrors.Wrap(CodeInvalidArgumentType, err,
				fmt.Sprintf("参数 %s 需要 %s 类型", p.Name, p.Kind),
				xerrors.WithMetadata("operation", op.Name),
				xerrors.WithMetadata("parameter", p.Name),
				xerrors.WithMetadata("key", key))
		}
		out[i] = v
	}
	return out, nil
}

func resolve(args map[string]any, p Param) (any, string, bool) {
	for _, key := range p.Keys() {
		v, ok := args[key]
		if ok && !blank(p.Kind, v) {
			return v, key, true
		}
	}
	return nil, "", false
}

func blank(kind ValueKind, v any) bool {
	if v == nil {
		return true
	}
	switch t := v.(type) {
	case []byte:
		return t == nil
	case module.ProgressFunc:
		return t == nil
	case func(any):
		return t == nil
	}
	if kind == KindBytes || kind == KindCallback {
		return false
	}
	switch t := v.(type) {
	case string:
		return t == ""
	case int:
		return t == 0
	case int64:
		return t == 0
	case float64:
		return t == 0
	case json.Number:
		return t == "" || t == "0"
	}
	return false
}

func coerce(kind ValueKind, v any) (any, error) {
	switch kind {
	case KindString:
		return toString(v)
	case KindInt:
		return toInt(v)
	case KindBytes:
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("期望字节数组，实际为 %T", v)
		}
		return b, nil
	case KindCallback:
		switch fn := v.(type) {
		case module.ProgressFunc:
			return fn, nil
		case func(any):
			return module.ProgressFunc(fn), nil
		}
		return nil, fmt.Errorf("期望回调函数，实际为 %T", v)
	default:
		return v, nil
	}
}

func toString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprint(t), nil
	}
	return "", fmt.Errorf("期望字符串，实际为 %T", v)
}

func toInt(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int8:
		return int(t), nil
	case int16:
		return int(t), nil
	case int32:
		return int(t), nil
	case int64:
		return int(t), nil
	case uint8:
		return int(t), nil
	case uint16:
		return int(t), nil
	case uint32:
		return int(t), nil
	case float32:
		return floatToInt(float64(t))
	case float64:
		return floatToInt(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return 0, err
		}
		return floatToInt(f)
	case string:
		return strconv.Atoi(strings.TrimSpace(t))
	}
	return 0, fmt.Errorf("期望整数，实际为 %T", v)
}

func floatToInt(f float64) (int, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("期望整数，实际为 %v", f)
	}
	return int(f), nil
}
