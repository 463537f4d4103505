package service

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"checkin-core/internal/config"

	"go.uber.org/zap"
)

// ReadinessCheck 返回 nil 表示依赖可用
type ReadinessCheck func(ctx context.Context) error

// Server 承载 API，并提供 /readyz 供负载均衡摘流
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger

	mu       sync.RWMutex
	checks   map[string]ReadinessCheck
	draining atomic.Bool
}

func NewServer(cfg config.HTTPConfig, api http.Handler, logger *zap.Logger) *Server {
	s := &Server{
		logger: logger,
		checks: map[string]ReadinessCheck{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /readyz", s.ready)
	mux.Handle("/", api)
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	return s
}

// AddCheck 注册就绪检查（postgres、redis）
func (s *Server) AddCheck(name string, check ReadinessCheck) {
	s.mu.Lock()
	s.checks[name] = check
	s.mu.Unlock()
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{"status": "ready"}
	if s.draining.Load() {
		status = http.StatusServiceUnavailable
		body["status"] = "draining"
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		failed := map[string]string{}
		s.mu.RLock()
		for name, check := range s.checks {
			if err := check(ctx); err != nil {
				failed[name] = err.Error()
			}
		}
		s.mu.RUnlock()
		if len(failed) > 0 {
			status = http.StatusServiceUnavailable
			body["status"] = "unavailable"
			body["failed"] = failed
			s.logger.Warn("Readiness check failed", zap.Any("failed", failed))
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) Start() error {
	s.mu.RLock()
	n := len(s.checks)
	s.mu.RUnlock()
	s.logger.Info("Starting checkin-core HTTP server",
		zap.String("addr", s.httpServer.Addr),
		zap.Int("readiness_checks", n),
	)
	return s.httpServer.ListenAndServe()
}

// Stop 先让 /readyz 返回 503，再等待进行中的请求结束
func (s *Server) Stop(ctx context.Context) error {
	s.draining.Store(true)
	s.logger.Info("Draining checkin-core HTTP server")
	return s.httpServer.Shutdown(ctx)
}
