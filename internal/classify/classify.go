package classify

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/tidwall/gjson"

	"bandburg/pkg/logger"
)

// Kind 是可安装资源的类型码，数值与模块约定一致。
type Kind int

const (
	// KindAuto 只用于安装请求，表示交给分类器判断。
	KindAuto      Kind = 0
	KindWatchFace Kind = 16
	KindFirmware  Kind = 32
	KindMiniApp   Kind = 64
)

// Valid 报告 k 是否为三种具体资源类型之一。
func (k Kind) Valid() bool {
	return k == KindWatchFace || k == KindFirmware || k == KindMiniApp
}

func (k Kind) String() string {
	switch k {
	case KindAuto:
		return "auto"
	case KindWatchFace:
		return "watchface"
	case KindFirmware:
		return "firmware"
	case KindMiniApp:
		return "miniapp"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// ParseKind 解析名称或数值形式的资源类型。
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto", "0":
		return KindAuto, nil
	case "watchface", "watch_face", "face", "16":
		return KindWatchFace, nil
	case "firmware", "fw", "32":
		return KindFirmware, nil
	case "miniapp", "mini_app", "quickapp", "app", "rpk", "64":
		return KindMiniApp, nil
	}
	return KindAuto, fmt.Errorf("未知的资源类型: %q", s)
}

// Result 是一次分类的结果，PackageID 为空表示未推断出包名。
type Result struct {
	Kind      Kind   `json:"type"`
	PackageID string `json:"package_name,omitempty"`
}

// manifestIDFields 按优先级排列。
var manifestIDFields = []string{"package", "packageName", "id", "appId", "applicationId"}

const maxManifestSize = 1 << 20

// Classify 根据文件内容和文件名判断资源类型，任何异常都退回扩展名规则。
func Classify(data []byte, name string) (res Result) {
	log := logger.Named("classify")
	defer func() {
		if r := recover(); r != nil {
			log.Warn("文件类型检测异常，按扩展名处理", slog.String("name", name), slog.Any("panic", r))
			res = Result{Kind: ByExtension(name)}
		}
	}()

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{Kind: ByExtension(name)}
	}

	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !strings.HasSuffix(strings.ToLower(f.Name), "manifest.json") {
			continue
		}
		raw, err := readEntry(f)
		if err != nil {
			log.Warn("读取 manifest 失败", slog.String("entry", f.Name), slog.Any("error", err))
			return Result{Kind: KindMiniApp}
		}
		return Result{Kind: KindMiniApp, PackageID: manifestID(raw)}
	}
	return Result{Kind: KindWatchFace}
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, maxManifestSize))
}

func manifestID(raw []byte) string {
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	if !gjson.ValidBytes(raw) {
		logger.Named("classify").Warn("manifest 不是合法 JSON")
		return ""
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return ""
	}
	for _, field := range manifestIDFields {
		v := doc.Get(field)
		if truthy(v) {
			return v.String()
		}
	}
	return ""
}

func truthy(v gjson.Result) bool {
	switch v.Type {
	case gjson.String:
		return v.Str != ""
	case gjson.Number:
		return v.Num != 0
	case gjson.True:
		return true
	case gjson.JSON:
		return true
	default:
		return false
	}
}

// ByExtension 只按扩展名判断：.rpk 为快应用，其余（含 .bin）均视为表盘。
// 固件从不自动识别。
func ByExtension(name string) Kind {
	switch strings.ToLower(path.Ext(name)) {
	case ".rpk":
		return KindMiniApp
	default:
		return KindWatchFace
	}
}
