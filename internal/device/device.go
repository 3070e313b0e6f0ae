package device

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"bandburg/internal/module"
)

// InfoTypes 是聚合设备信息时查询的数据类型。
var InfoTypes = []string{"info", "status", "storage"}

// Invoker 是查询设备数据所需的调用入口。
type Invoker interface {
	Invoke(ctx context.Context, operation string, args map[string]any) (any, error)
}

// NormalizeAddr 把设备标识统一成大写、冒号分隔的 MAC 地址。
// 支持 6 字节的 base64 编码与短横线分隔的写法，其他输入原样返回。
func NormalizeAddr(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return id
	}
	if strings.Count(id, "-") == 5 {
		return strings.ToUpper(strings.ReplaceAll(id, "-", ":"))
	}
	if strings.Count(id, ":") == 5 {
		return strings.ToUpper(id)
	}
	raw, err := base64.StdEncoding.DecodeString(id)
	if err != nil || len(raw) != 6 {
		return id
	}
	parts := make([]string, len(raw))
	for i, b := range raw {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// Info 并发查询 info/status/storage 并合并为一个对象，键名带类型前缀。
// 单个类型失败时记录在 <type>_error 下，不影响其他类型。
func Info(ctx context.Context, inv Invoker, addr string) (map[string]any, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("设备地址为空")
	}

	var mu sync.Mutex
	merged := map[string]any{"addr": addr}
	g, gctx := errgroup.WithContext(ctx)
	for _, typ := range InfoTypes {
		g.Go(func() error {
			out, err := inv.Invoke(gctx, module.FnGetData, map[string]any{"addr": addr, "type": typ})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				merged[typ+"_error"] = err.Error()
				return nil
			}
			flatten(merged, typ, out)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return merged, nil
}

func flatten(dst map[string]any, prefix string, v any) {
	obj, ok := v.(map[string]any)
	if !ok {
		dst[prefix] = v
		return
	}
	for k, val := range obj {
		dst[prefix+"_"+k] = val
	}
}
