package api

import (
	"encoding/base64"
	"encoding/json"
	stdErrors "errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"bandburg/internal/bridge"
	"bandburg/internal/catalog"
	"bandburg/internal/classify"
	xerrors "bandburg/internal/errors"
	"bandburg/internal/install"
	"bandburg/internal/module"
)

type paramView struct {
	Name     string   `json:"name"`
	Aliases  []string `json:"aliases,omitempty"`
	Kind     string   `json:"kind"`
	Required bool     `json:"required"`
	Default  any      `json:"default,omitempty"`
}

type operationView struct {
	Name   string      `json:"name"`
	Params []paramView `json:"params"`
	Result string      `json:"result"`
}

func (s *Server) handleOperations(w http.ResponseWriter, _ *http.Request) {
	ops := bridge.Operations()
	out := make([]operationView, 0, len(ops))
	for _, op := range ops {
		view := operationView{Name: op.Name, Result: op.Result, Params: make([]paramView, 0, len(op.Params))}
		for _, p := range op.Params {
			view.Params = append(view.Params, paramView{
				Name:     p.Name,
				Aliases:  p.Aliases,
				Kind:     p.Kind.String(),
				Required: p.Required,
				Default:  p.Default,
			})
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleInvoke 以 JSON 对象作为参数调用模块操作。二进制参数接受 base64 字符串。
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	op := chi.URLParam(r, "op")
	args := map[string]any{}
	if err := decodeJSON(r, &args); err != nil && !stdErrors.Is(err, io.EOF) {
		writeError(w, err)
		return
	}
	if err := decodeBinaryArgs(op, args); err != nil {
		writeError(w, err)
		return
	}

	result, err := s.bridge.Invoke(r.Context(), op, args)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func decodeBinaryArgs(opName string, args map[string]any) error {
	op, ok := bridge.Lookup(opName)
	if !ok {
		return nil
	}
	for _, p := range op.Params {
		if p.Kind != bridge.KindBytes {
			continue
		}
		for _, key := range p.Keys() {
			raw, ok := args[key].(string)
			if !ok {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(raw)
			if err != nil {
				return xerrors.Wrap(bridge.CodeInvalidArgumentType, err, "二进制参数需要 base64 编码",
					xerrors.WithMetadata("param", key))
			}
			args[key] = data
		}
	}
	return nil
}

// handleClassify 判断上传文件的资源类型。source=module 时交给模块判断。
func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	data, name, err := readUpload(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if r.URL.Query().Get("source") == "module" {
		out, err := s.bridge.Invoke(r.Context(), module.FnFileType, map[string]any{"file": data, "name": name})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"result": out})
		return
	}
	writeJSON(w, http.StatusOK, s.bridge.ClassifyFile(data, name))
}

// progressLine 是安装接口 NDJSON 流中的一行。
type progressLine struct {
	Progress *install.Progress `json:"progress,omitempty"`
	Done     bool              `json:"done,omitempty"`
	Result   *install.Result   `json:"result,omitempty"`
	Error    *errorBody        `json:"error,omitempty"`
}

// handleInstall 安装上传的文件或 url 指向的远程资源，进度以 NDJSON 流式返回。
func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if strings.TrimSpace(q.Get("addr")) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少设备地址"))
		return
	}
	kind, err := classify.ParseKind(q.Get("type"))
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "资源类型无效"))
		return
	}

	var (
		data []byte
		name string
	)
	if remote := q.Get("url"); remote != "" {
		if s.market == nil {
			writeMessage(w, http.StatusServiceUnavailable, "UNAVAILABLE", "远程下载未配置")
			return
		}
		file, err := s.market.Download(r.Context(), remote)
		if err != nil {
			writeError(w, err)
			return
		}
		data, name = file.Data, file.Name
	} else {
		data, name, err = readUpload(r)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	req := install.Request{
		Addr:      q.Get("addr"),
		Name:      name,
		Data:      data,
		Kind:      kind,
		PackageID: q.Get("package_name"),
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	stream := newLineStream(w)
	result, err := s.bridge.InstallFile(r.Context(), req, func(p install.Progress) {
		stream.send(progressLine{Progress: &p})
	})
	if err != nil {
		s.log.Warn("安装失败", slog.String("name", name), slog.Any("error", err))
		body := bodyOf(err)
		stream.send(progressLine{Done: true, Error: &body})
		return
	}
	stream.send(progressLine{Done: true, Result: result})
}

// lineStream 串行写入 JSON 行并立即刷新。
type lineStream struct {
	mu  sync.Mutex
	rc  *http.ResponseController
	enc *json.Encoder
}

func newLineStream(w http.ResponseWriter) *lineStream {
	return &lineStream{rc: http.NewResponseController(w), enc: json.NewEncoder(w)}
}

func (l *lineStream) send(v any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enc.Encode(v); err != nil {
		return
	}
	_ = l.rc.Flush()
}

// readUpload 读取 multipart 的 file 字段，或把整个请求体当作文件，文件名取 name 参数。
func readUpload(r *http.Request) ([]byte, string, error) {
	body := http.MaxBytesReader(nil, r.Body, catalog.MaxDownloadBytes)
	name := r.URL.Query().Get("name")

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "multipart/") {
		r.Body = body
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "缺少上传文件")
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return nil, "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取上传文件失败")
		}
		if name == "" {
			name = header.Filename
		}
		return data, name, nil
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取请求体失败")
	}
	if len(data) == 0 {
		return nil, "", xerrors.New(xerrors.CodeInvalidArgument, "请求体为空")
	}
	return data, name, nil
}
