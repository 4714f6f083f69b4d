// Package web 提供只读的诊断接口：活动连接、解析出的客户端身份以及 Prometheus 指标。
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wsgate/internal/core/session"
	"wsgate/internal/shared/logger"
	"wsgate/internal/types"
)

type Server struct {
	conf     types.WebConf
	handler  *Handler
	gatherer prometheus.Gatherer

	srv      *http.Server
	listener net.Listener
}

// NewServer 注册诊断路由。gatherer 为 nil 时不提供 /metrics。
func NewServer(conf types.WebConf, sessions *session.Registry, gatherer prometheus.Gatherer) *Server {
	return &Server{
		conf:     conf,
		handler:  NewHandler(sessions),
		gatherer: gatherer,
	}
}

// Routes 返回所有诊断路由的 HTTP handler。
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/connections", s.handler.HandleList)
	mux.HandleFunc("GET /api/connections/{id}", s.handler.HandleGet)
	mux.HandleFunc("GET /api/connections/{id}/report", s.handler.HandleReport)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start 监听 [web] listen 地址并在后台提供服务，地址为空时不启动。
func (s *Server) Start(wg *sync.WaitGroup) error {
	if s.conf.Listen == "" {
		logger.Info().Msg("[WebServer] Diagnostics endpoint is disabled ([web] listen is not set).")
		return nil
	}
	listener, err := net.Listen("tcp", s.conf.Listen)
	if err != nil {
		return fmt.Errorf("failed to start diagnostics endpoint on %s: %w", s.conf.Listen, err)
	}
	s.listener = listener
	s.srv = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info().Str("listen_addr", listener.Addr().String()).Msg(">>> Diagnostics endpoint is listening.")

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Web server error")
		}
		logger.Info().Msg("Web server stopped.")
	}()
	return nil
}

// Addr 返回启动后的监听地址。
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
