// Package api 本地控制接口：供脚本和其他工具启动、控制录制并管理录像库
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tabrec/internal/orchestrator"
	"tabrec/internal/protocol"
	"tabrec/internal/storage"
)

// Controller 录制控制，由 orchestrator.Orchestrator 实现
type Controller interface {
	Phase() orchestrator.Phase
	Preferences() protocol.Preferences
	Stats() (protocol.RecordingStats, bool)
	LastFinished() (protocol.RecordingFinished, bool)
	StartRecording(ctx context.Context, mode protocol.Mode, prefs *protocol.Preferences) error
	Command(ctx context.Context, cmd protocol.Command) error
	UpdatePreferences(p protocol.Preferences) error
	Toggle(t protocol.Type, enabled bool) error
}

// Library 录像库，由 storage.Library 实现
type Library interface {
	List(ctx context.Context, limit int) ([]storage.Recording, error)
	Get(ctx context.Context, id string) (storage.Recording, error)
	Load(ctx context.Context, id string) (storage.Recording, []byte, error)
	Delete(ctx context.Context, id string) error
}

// Config 服务配置
type Config struct {
	Addr       string
	Controller Controller
	Library    Library
	Logger     *slog.Logger
}

// Server 控制接口服务
type Server struct {
	cfg    Config
	router chi.Router
	logger *slog.Logger
	srv    *http.Server
}

// overlays URL 中的叠加层名称
var overlays = map[string]protocol.Type{
	"cursor":     protocol.TypeToggleCursor,
	"laser":      protocol.TypeToggleLaser,
	"zoom":       protocol.TypeToggleZoom,
	"click-zoom": protocol.TypeToggleElementZoom,
}

// New 创建服务并注册路由
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: cfg.Logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(loopbackOnly)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Route("/recording", func(r chi.Router) {
			r.Post("/start", s.handleStart)
			r.Post("/command", s.handleCommand)
			r.Get("/stats", s.handleStats)
		})

		r.Get("/preferences", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, 200, cfg.Controller.Preferences())
		})
		r.Put("/preferences", s.handlePreferences)
		r.Put("/overlays/{name}", s.handleOverlay)

		if cfg.Library != nil {
			r.Route("/recordings", func(r chi.Router) {
				r.Get("/", s.handleList)
				r.Get("/{id}", s.handleGet)
				r.Get("/{id}/file", s.handleFile)
				r.Delete("/{id}", s.handleDelete)
			})
		}
	})

	s.router = r
	return s
}

// Handler 返回路由，便于测试
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 开始监听，ctx 取消时关闭
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", s.cfg.Addr, err)
	}
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("api: listening", "addr", ln.Addr().String())

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api: server stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()
	return nil
}

// loopbackOnly 拒绝非本机请求
func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			writeJSON(w, 403, map[string]string{"error": "local requests only"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusResponse struct {
	Phase        string                      `json:"phase"`
	Preferences  protocol.Preferences        `json:"preferences"`
	Stats        *protocol.RecordingStats    `json:"stats,omitempty"`
	LastFinished *protocol.RecordingFinished `json:"lastFinished,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	c := s.cfg.Controller
	resp := statusResponse{Phase: c.Phase().String(), Preferences: c.Preferences()}
	if stats, ok := c.Stats(); ok {
		resp.Stats = &stats
	}
	if f, ok := c.LastFinished(); ok {
		resp.LastFinished = &f
	}
	writeJSON(w, 200, resp)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req protocol.StartRecording
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	if req.Mode == "" {
		req.Mode = protocol.ModeFullScreen
	}
	if req.Mode != protocol.ModeFullScreen && req.Mode != protocol.ModeArea {
		writeError(w, 400, fmt.Errorf("unknown recording mode %q", req.Mode))
		return
	}
	if err := s.cfg.Controller.StartRecording(r.Context(), req.Mode, req.Preferences); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, 202, map[string]string{"status": "starting", "phase": s.cfg.Controller.Phase().String()})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req protocol.RecordingCommand
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	cmd, err := protocol.ParseCommand(string(req.Command))
	if err != nil {
		writeError(w, 400, err)
		return
	}
	if err := s.cfg.Controller.Command(r.Context(), cmd); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, 200, map[string]string{"status": "ok", "phase": s.cfg.Controller.Phase().String()})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats, ok := s.cfg.Controller.Stats()
	if !ok {
		s.fail(w, orchestrator.ErrNotRecording)
		return
	}
	writeJSON(w, 200, stats)
}

func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	p := s.cfg.Controller.Preferences()
	// 缺失字段保留当前值
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, 400, err)
		return
	}
	if err := s.cfg.Controller.UpdatePreferences(p); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, 200, s.cfg.Controller.Preferences())
}

func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	t, ok := overlays[chi.URLParam(r, "name")]
	if !ok {
		writeJSON(w, 404, map[string]string{"error": "unknown overlay"})
		return
	}
	var req protocol.Toggle
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	if err := s.cfg.Controller.Toggle(t, req.Enabled); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, 200, s.cfg.Controller.Preferences())
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, 400, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}
	list, err := s.cfg.Library.List(r.Context(), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if list == nil {
		list = []storage.Recording{}
	}
	writeJSON(w, 200, list)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.cfg.Library.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, 200, rec)
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	rec, data, err := s.cfg.Library.Load(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", rec.MIMEType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.Filename))
	w.WriteHeader(200)
	_, _ = w.Write(data)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.cfg.Library.Delete(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info("api: recording deleted", "id", id)
	writeJSON(w, 200, map[string]string{"status": "deleted"})
}

// fail 按错误类型选择状态码
func (s *Server) fail(w http.ResponseWriter, err error) {
	var busy *orchestrator.BusyError
	var start *orchestrator.StartError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, 404, err)
	case errors.As(err, &busy), errors.Is(err, orchestrator.ErrNotRecording), errors.Is(err, orchestrator.ErrNotSelecting):
		writeError(w, 409, err)
	case errors.As(err, &start):
		writeError(w, 502, err)
	default:
		s.logger.Warn("api: request failed", "error", err)
		writeError(w, 500, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
