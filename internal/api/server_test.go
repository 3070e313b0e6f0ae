package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"bandburg/internal/auth"
	"bandburg/internal/bridge"
	"bandburg/internal/catalog"
	xerrors "bandburg/internal/errors"
	"bandburg/internal/eventbus"
	"bandburg/internal/interceptor"
	"bandburg/internal/module"
	"bandburg/internal/observability/metrics"
	"bandburg/internal/script"
	"bandburg/internal/storage"
)

type fixture struct {
	table   *module.Table
	bridge  *bridge.Bridge
	store   *storage.MemoryStore
	metrics *metrics.Metrics
	market  *fakeMarket
	handler http.Handler

	mu    sync.Mutex
	calls map[string][]any
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{calls: map[string][]any{}, market: &fakeMarket{}}

	funcs := map[string]module.Func{}
	for _, op := range bridge.Operations() {
		name := op.Function
		funcs[name] = func(_ context.Context, args []any) (any, error) {
			f.mu.Lock()
			f.calls[name] = args
			f.mu.Unlock()
			return "ok:" + name, nil
		}
	}
	funcs[module.FnInstall] = func(_ context.Context, args []any) (any, error) {
		f.mu.Lock()
		f.calls[module.FnInstall] = args
		f.mu.Unlock()
		cb := args[4].(module.ProgressFunc)
		cb(map[string]any{"progress": 0.5, "message": "sending"})
		return map[string]any{"installed": true}, nil
	}
	funcs[module.FnGetData] = func(_ context.Context, args []any) (any, error) {
		return map[string]any{"kind": args[1]}, nil
	}
	f.table = module.NewTable(funcs)

	loader := module.LoaderFunc(func(context.Context, module.Options) (module.Module, error) {
		return f.table, nil
	})
	f.metrics = metrics.New()
	f.bridge = bridge.New(loader,
		bridge.WithMetrics(f.metrics),
		bridge.WithInterceptorOptions(interceptor.WithHandlerWrapper(
			func(func(slog.Handler) slog.Handler) slog.Handler { return nil },
		)),
	)
	t.Cleanup(func() { _ = f.bridge.Close() })

	f.store = storage.NewMemoryStore()
	srv := NewServer(":0", f.bridge,
		WithStore(f.store),
		WithMarket(f.market),
		WithMetrics(f.metrics),
		WithScriptListenLimit(200*time.Millisecond),
	)
	f.handler = srv.Handler()
	return f
}

func (f *fixture) lastCall(fn string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[fn]
}

func (f *fixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type fakeMarket struct {
	scripts  []catalog.MarketScript
	download *catalog.File
}

func (m *fakeMarket) List(context.Context) ([]catalog.MarketScript, error) {
	return m.scripts, nil
}

func (m *fakeMarket) Install(ctx context.Context, store catalog.ScriptCreator, entry catalog.MarketScript) (*storage.Script, error) {
	sc := &storage.Script{Name: entry.Name, Code: "log('market')", Description: catalog.Describe(entry)}
	if err := store.CreateScript(ctx, sc); err != nil {
		return nil, err
	}
	return sc, nil
}

func (m *fakeMarket) Download(_ context.Context, rawURL string) (*catalog.File, error) {
	if m.download == nil {
		return nil, &catalog.APIError{StatusCode: http.StatusNotFound, URL: rawURL, Message: "missing"}
	}
	return m.download, nil
}

func TestHealthAndOperations(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	health := decode[map[string]string](t, rec)
	if health["module"] != bridge.StateUninitialized.String() {
		t.Fatalf("health should not initialize the module: %v", health)
	}

	ops := decode[[]operationView](t, f.do(t, http.MethodGet, "/api/v1/operations", nil))
	if len(ops) != len(bridge.Operations()) {
		t.Fatalf("expected %d operations, got %d", len(bridge.Operations()), len(ops))
	}
}

func TestInvokeUsesAliasesAndDefaults(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/invoke/miwear_connect",
		map[string]any{"addr": "AA:BB", "sarVersion": 1, "connectType": "BLE"})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	out := decode[map[string]string](t, rec)
	if out["result"] != "ok:miwear_connect" {
		t.Fatalf("unexpected result: %v", out)
	}

	args := f.lastCall(module.FnConnect)
	want := []any{"", "AA:BB", "", 1, "BLE"}
	if fmt.Sprint(args) != fmt.Sprint(want) {
		t.Fatalf("unexpected module args: %v", args)
	}
}

func TestInvokeErrorsMapToStatus(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name   string
		target string
		body   any
		status int
		code   xerrors.Code
	}{
		{"unsupported", "/api/v1/invoke/format_device", map[string]any{}, http.StatusNotFound, bridge.CodeUnsupportedOperation},
		{"missing", "/api/v1/invoke/miwear_disconnect", nil, http.StatusBadRequest, bridge.CodeMissingArgument},
		{"bad base64", "/api/v1/invoke/miwear_get_file_type", map[string]any{"file": "***"}, http.StatusBadRequest, bridge.CodeInvalidArgumentType},
		{"bad json", "/api/v1/invoke/miwear_disconnect", []byte("{"), http.StatusBadRequest, xerrors.CodeInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, tc.target, tc.body)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
			if got := decode[errorEnvelope](t, rec).Error.Code; got != string(tc.code) {
				t.Fatalf("expected code %s, got %s", tc.code, got)
			}
		})
	}
	if f.bridge.State() != bridge.StateUninitialized {
		t.Fatalf("validation errors must not initialize the module")
	}
}

func TestInvokeDecodesBase64Bytes(t *testing.T) {
	f := newFixture(t)
	payload := base64.StdEncoding.EncodeToString([]byte{0x50, 0x4b, 0x03})

	rec := f.do(t, http.MethodPost, "/api/v1/invoke/miwear_get_file_type",
		map[string]any{"file": payload, "name": "a.rpk"})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	args := f.lastCall(module.FnFileType)
	data, ok := args[0].([]byte)
	if !ok || !bytes.Equal(data, []byte{0x50, 0x4b, 0x03}) {
		t.Fatalf("expected decoded bytes, got %#v", args[0])
	}
}

func TestClassifyRawAndMultipart(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/classify?name=face.bin", []byte("raw"))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[map[string]any](t, rec)["type"]; got != float64(16) {
		t.Fatalf("expected watchface, got %v", got)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("file", "fw.bin")
	_, _ = part.Write([]byte("firmware"))
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/classify", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/api/v1/classify", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d", rec.Code)
	}
}

func TestInstallStreamsProgress(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/install?addr=AA&name=face.bin", []byte("raw"))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("unexpected content type %q", ct)
	}

	var lines []progressLine
	sc := bufio.NewScanner(rec.Body)
	for sc.Scan() {
		var line progressLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatalf("decode line %q: %v", sc.Text(), err)
		}
		lines = append(lines, line)
	}
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %s", len(lines), rec.Body.String())
	}
	if lines[0].Progress.Percent != 50 || lines[0].Progress.Message != "sending" {
		t.Fatalf("unexpected first progress: %+v", lines[0].Progress)
	}
	if lines[1].Progress.Percent != 100 {
		t.Fatalf("expected completion progress, got %+v", lines[1].Progress)
	}
	last := lines[2]
	if !last.Done || last.Error != nil || last.Result == nil || int(last.Result.Kind) != 16 {
		t.Fatalf("unexpected final line: %+v", last)
	}
}

func TestInstallRejectsBadRequests(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(t, http.MethodPost, "/api/v1/install?name=a.bin", []byte("raw")); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without addr, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/install?addr=AA&type=tarball", []byte("raw")); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", rec.Code)
	}
	rec := f.do(t, http.MethodPost, "/api/v1/install?addr=AA&url=http://example.invalid/x.bin", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for failed download, got %d", rec.Code)
	}
}

func TestInstallFromURL(t *testing.T) {
	f := newFixture(t)
	f.market.download = &catalog.File{Name: "app.rpk", Data: []byte("not a zip")}

	rec := f.do(t, http.MethodPost, "/api/v1/install?addr=AA&url=http://example.invalid/app.rpk&package_name=com.demo", nil)
	if !strings.Contains(rec.Body.String(), `"done":true`) {
		t.Fatalf("expected completed stream, got %s", rec.Body.String())
	}
	args := f.lastCall(module.FnInstall)
	if len(args) != 5 || args[1] != 64 || args[3] != "com.demo" {
		t.Fatalf("unexpected install args: %v", args)
	}
}

func TestDeviceLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/devices", map[string]any{
		"name": "Band 9", "addr": "aa-bb-cc-dd-ee-ff", "authkey": "k",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	d := decode[storage.Device](t, rec)
	if d.Addr != "AA:BB:CC:DD:EE:FF" || d.SARVersion != 2 || d.ConnectType != "SPP" {
		t.Fatalf("unexpected device: %+v", d)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/devices", map[string]any{
		"name": "dup", "addr": "AA:BB:CC:DD:EE:FF", "authkey": "k",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected conflict, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/devices/"+d.ID+"/connect", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("connect failed %d: %s", rec.Code, rec.Body.String())
	}
	if args := f.lastCall(module.FnConnect); fmt.Sprint(args) != fmt.Sprint([]any{"Band 9", d.Addr, "k", 2, "SPP"}) {
		t.Fatalf("unexpected connect args: %v", args)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/devices/"+d.ID+"/info", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("info failed %d: %s", rec.Code, rec.Body.String())
	}
	if info := decode[map[string]any](t, rec); info["addr"] != d.Addr {
		t.Fatalf("unexpected info: %v", info)
	}

	if rec := f.do(t, http.MethodDelete, "/api/v1/devices/"+d.ID, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete failed: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/devices/"+d.ID, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestScriptCRUDAndRun(t *testing.T) {
	f := newFixture(t)

	dev := storage.Device{Name: "Band", Addr: "AA", AuthKey: "k"}
	if err := f.store.CreateDevice(context.Background(), &dev); err != nil {
		t.Fatalf("create device: %v", err)
	}

	rec := f.do(t, http.MethodPost, "/api/v1/scripts", map[string]any{
		"name": "hello",
		"code": `log("hi", bridge.device.name)
local out = bridge.invoke("miwear_get_connected_devices")
log(out)`,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create script %d: %s", rec.Code, rec.Body.String())
	}
	sc := decode[storage.Script](t, rec)

	rec = f.do(t, http.MethodPost, "/api/v1/scripts/"+sc.ID+"/run?device="+dev.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("run %d: %s", rec.Code, rec.Body.String())
	}
	res := decode[runResult](t, rec)
	if strings.Join(res.Logs, "|") != "hi Band|ok:miwear_get_connected_devices" {
		t.Fatalf("unexpected logs: %v", res.Logs)
	}

	rec = f.do(t, http.MethodPut, "/api/v1/scripts/"+sc.ID, map[string]any{"name": "hello", "code": "log('before') error('boom')"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update %d: %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, http.MethodPost, "/api/v1/scripts/"+sc.ID+"/run", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
	res = decode[runResult](t, rec)
	if res.Error == nil || res.Error.Code != string(script.CodeScriptError) || len(res.Logs) != 1 {
		t.Fatalf("unexpected failed run: %+v", res)
	}

	if rec := f.do(t, http.MethodPost, "/api/v1/scripts/"+sc.ID+"/run?listen=soon", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad listen, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/api/v1/scripts/"+sc.ID, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete failed: %d", rec.Code)
	}
}

func TestScriptRunListensForEvents(t *testing.T) {
	f := newFixture(t)
	sc := storage.Script{Name: "listen", Code: `bridge.on("pb_packet", function(payload) log(payload.seq) end)`}
	if err := f.store.CreateScript(context.Background(), &sc); err != nil {
		t.Fatalf("create script: %v", err)
	}

	// Ready the module so its event sink is registered.
	if rec := f.do(t, http.MethodPost, "/api/v1/invoke/miwear_get_connected_devices", nil); rec.Code != http.StatusOK {
		t.Fatalf("invoke failed: %d", rec.Code)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
				f.table.Emit("pb_packet", map[string]any{"seq": 7})
			}
		}
	}()

	rec := f.do(t, http.MethodPost, "/api/v1/scripts/"+sc.ID+"/run?listen=5s", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("run %d: %s", rec.Code, rec.Body.String())
	}
	res := decode[runResult](t, rec)
	if res.Dispatched == 0 || len(res.Logs) == 0 || res.Logs[0] != "7" {
		t.Fatalf("expected dispatched events within the listen limit, got %+v", res)
	}
}

func TestMarketEndpoints(t *testing.T) {
	f := newFixture(t)
	f.market.scripts = []catalog.MarketScript{{Name: "battery", Author: "kim", URL: "http://example.invalid/b.lua"}}

	list := decode[[]catalog.MarketScript](t, f.do(t, http.MethodGet, "/api/v1/market", nil))
	if len(list) != 1 || list[0].Name != "battery" {
		t.Fatalf("unexpected market list: %+v", list)
	}

	rec := f.do(t, http.MethodPost, "/api/v1/market/install", list[0])
	if rec.Code != http.StatusCreated {
		t.Fatalf("market install %d: %s", rec.Code, rec.Body.String())
	}
	scripts, _ := f.store.ListScripts(context.Background())
	if len(scripts) != 1 || !strings.Contains(scripts[0].Description, "kim") {
		t.Fatalf("unexpected stored scripts: %+v", scripts)
	}
}

func TestStoreRoutesRequireStore(t *testing.T) {
	b := bridge.New(nil)
	h := NewServer(":0", b).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestEventsWebSocket(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodPost, "/api/v1/invoke/miwear_get_connected_devices", nil); rec.Code != http.StatusOK {
		t.Fatalf("invoke failed: %d", rec.Code)
	}

	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events?topic=pb_packet"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.bridge.Bus().Count("pb_packet") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription was not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.table.Emit("other", "ignored")
	f.table.Emit("pb_packet", map[string]any{"seq": 1})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev eventbus.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Topic != "pb_packet" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestMetricsEndpointUsesRoutePatterns(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/v1/invoke/miwear_get_connected_devices", nil)

	body := f.do(t, http.MethodGet, "/metrics", nil).Body.String()
	for _, want := range []string{
		`handler="/api/v1/invoke/{op}"`,
		`bandburg_invocations_total{code="OK",operation="miwear_get_connected_devices"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %s", want)
		}
	}
}

func TestStatusOf(t *testing.T) {
	cases := map[int]error{
		http.StatusNotFound:            storage.ErrNotFound,
		http.StatusConflict:            storage.ErrConflict,
		http.StatusServiceUnavailable:  xerrors.New(bridge.CodeModuleInitFailed, "init"),
		http.StatusBadGateway:          xerrors.New(bridge.CodeModuleRuntime, "call"),
		http.StatusGatewayTimeout:      fmt.Errorf("wait: %w", context.DeadlineExceeded),
		http.StatusInternalServerError: errors.New("plain"),
	}
	for want, err := range cases {
		if got := statusOf(err); got != want {
			t.Fatalf("statusOf(%v) = %d, want %d", err, got, want)
		}
	}
}

func TestAuthProtectsAPIButNotHealth(t *testing.T) {
	svc, err := auth.NewService(auth.Config{Tokens: []auth.TokenConfig{
		{Name: "viewer", Token: "v", Permissions: []string{auth.PermissionRead}},
	}})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	b := bridge.New(nil)
	h := NewServer(":0", b, WithAuth(svc), WithStore(storage.NewMemoryStore())).Handler()

	check := func(method, target, token string, want int) {
		t.Helper()
		req := httptest.NewRequest(method, target, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("%s %s: expected %d, got %d", method, target, want, rec.Code)
		}
	}
	check(http.MethodGet, "/healthz", "", http.StatusOK)
	check(http.MethodGet, "/api/v1/devices", "", http.StatusUnauthorized)
	check(http.MethodGet, "/api/v1/devices", "v", http.StatusOK)
	check(http.MethodPost, "/api/v1/invoke/miwear_disconnect", "v", http.StatusForbidden)
}
