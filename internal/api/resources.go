package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"bandburg/internal/catalog"
	"bandburg/internal/device"
	xerrors "bandburg/internal/errors"
	"bandburg/internal/module"
	"bandburg/internal/script"
	"bandburg/internal/storage"
)

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var d storage.Device
	if err := decodeJSON(r, &d); err != nil {
		writeError(w, err)
		return
	}
	d.Addr = device.NormalizeAddr(d.Addr)
	if err := s.store.CreateDevice(r.Context(), &d); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.GetDevice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteDevice(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleConnectDevice 使用保存的连接参数连接设备。
func (s *Server) handleConnectDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.GetDevice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := s.bridge.Invoke(r.Context(), module.FnConnect, map[string]any{
		"name":         d.Name,
		"addr":         d.Addr,
		"authkey":      d.AuthKey,
		"sar_version":  d.SARVersion,
		"connect_type": d.ConnectType,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": out})
}

func (s *Server) handleDeviceInfo(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.GetDevice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := s.bridge.DeviceInfo(r.Context(), d.Addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	scripts, err := s.store.ListScripts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scripts)
}

func (s *Server) handleCreateScript(w http.ResponseWriter, r *http.Request) {
	var sc storage.Script
	if err := decodeJSON(r, &sc); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.CreateScript(r.Context(), &sc); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

func (s *Server) handleGetScript(w http.ResponseWriter, r *http.Request) {
	sc, err := s.store.GetScript(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleUpdateScript(w http.ResponseWriter, r *http.Request) {
	var sc storage.Script
	if err := decodeJSON(r, &sc); err != nil {
		writeError(w, err)
		return
	}
	sc.ID = chi.URLParam(r, "id")
	if err := s.store.UpdateScript(r.Context(), &sc); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleDeleteScript(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteScript(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// runResult 是脚本运行接口的响应。
type runResult struct {
	Logs       []string   `json:"logs"`
	Dispatched int        `json:"dispatched"`
	Error      *errorBody `json:"error,omitempty"`
}

// handleRunScript 运行保存的脚本。device 指定 bridge.device，listen 指定
// 脚本订阅事件后继续分发的时长，受服务端上限约束。
func (s *Server) handleRunScript(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sc, err := s.store.GetScript(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	var listen time.Duration
	if raw := q.Get("listen"); raw != "" {
		listen, err = parseDuration(raw)
		if err != nil {
			writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "listen 参数无效"))
			return
		}
		listen = min(listen, s.maxListen)
	}

	res := runResult{Logs: []string{}}
	opts := []script.Option{script.WithLogSink(func(line string) { res.Logs = append(res.Logs, line) })}
	if id := q.Get("device"); id != "" {
		d, err := s.store.GetDevice(ctx, id)
		if err != nil {
			writeError(w, err)
			return
		}
		opts = append(opts, script.WithDevice(d))
	}

	rt := script.New(s.bridge, s.bridge, opts...)
	defer rt.Close()

	status := http.StatusOK
	if err := rt.Run(ctx, sc.Code); err != nil {
		body := bodyOf(err)
		res.Error = &body
		status = statusOf(err)
	} else {
		res.Dispatched = rt.Drain()
		if listen > 0 && rt.Subscriptions() > 0 {
			lctx, cancel := context.WithTimeout(ctx, listen)
			_ = rt.Listen(lctx)
			cancel()
			res.Dispatched += rt.Drain()
		}
	}
	writeJSON(w, status, res)
}

// parseDuration 接受 Go 时长写法或整数秒。
func parseDuration(raw string) (time.Duration, error) {
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(raw)
}

func (s *Server) handleMarketList(w http.ResponseWriter, r *http.Request) {
	if s.market == nil {
		writeMessage(w, http.StatusServiceUnavailable, "UNAVAILABLE", "脚本市场未配置")
		return
	}
	scripts, err := s.market.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scripts)
}

func (s *Server) handleMarketInstall(w http.ResponseWriter, r *http.Request) {
	if s.market == nil {
		writeMessage(w, http.StatusServiceUnavailable, "UNAVAILABLE", "脚本市场未配置")
		return
	}
	var entry catalog.MarketScript
	if err := decodeJSON(r, &entry); err != nil {
		writeError(w, err)
		return
	}
	sc, err := s.market.Install(r.Context(), s.store, entry)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}
