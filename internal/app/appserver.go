package app

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"wsgate/internal/bridge"
	"wsgate/internal/core/gateway"
	"wsgate/internal/core/health"
	"wsgate/internal/core/session"
	"wsgate/internal/shared/logger"
	"wsgate/internal/types"
	"wsgate/internal/web"
)

// Role 决定进程运行哪一种监听器。
type Role string

const (
	RoleGate   Role = "gate"
	RoleBridge Role = "bridge"
)

const shutdownTimeout = 5 * time.Second

// AppServer is the application's main struct.
type AppServer struct {
	cfg  *types.Config
	role Role

	sessions *session.Registry
	registry *prometheus.Registry

	gateway       *gateway.Gateway
	bridge        *bridge.Bridge
	web           *web.Server
	healthChecker *health.Checker

	ctx       context.Context
	cancel    context.CancelFunc

	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

// New 创建 role 所需的组件，Start 之前不会监听任何端口。
func New(cfg *types.Config, role Role) *AppServer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &AppServer{
		cfg:      cfg,
		role:     role,
		sessions: session.NewRegistry(),
		registry: prometheus.NewRegistry(),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.registry.MustRegister(collectors.NewGoCollector())

	switch role {
	case RoleBridge:
		s.bridge = bridge.New(cfg.BridgeConf, s.sessions)
	default:
		s.gateway = gateway.New(cfg.GateConf, s.sessions, gateway.NewMetrics(s.registry))
		if cfg.GateConf.HealthCheckInterval > 0 && cfg.GateConf.Backend != "" {
			s.healthChecker = health.New(cfg.GateConf.BackendDialTimeout, s.registry)
			s.healthChecker.SendProxyHeader = cfg.GateConf.SendProxyProtocol
		}
	}
	s.web = web.NewServer(cfg.WebConf, s.sessions, s.registry)
	return s
}

// Start 启动当前角色的监听器和诊断接口。
func (s *AppServer) Start() error {
	logger.Info().Str("role", string(s.role)).Msg("Starting server...")

	if s.gateway != nil {
		if err := s.gateway.Start(); err != nil {
			return err
		}
	}
	if s.bridge != nil {
		if err := s.bridge.Start(); err != nil {
			return err
		}
	}
	if s.healthChecker != nil {
		s.waitGroup.Add(1)
		go func() {
			defer s.waitGroup.Done()
			s.healthChecker.Run(s.ctx, []string{s.cfg.GateConf.Backend}, s.cfg.GateConf.HealthCheckInterval)
		}()
	}
	if err := s.web.Start(&s.waitGroup); err != nil {
		s.Stop()
		return err
	}
	return nil
}

// Sessions 返回活动连接的登记表。
func (s *AppServer) Sessions() *session.Registry {
	return s.sessions
}

// Web 返回诊断服务器。
func (s *AppServer) Web() *web.Server {
	return s.web
}

// Stop gracefully shuts down the server.
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		logger.Info().Msg("Stopping server...")
		s.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.web.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("Diagnostics endpoint did not shut down cleanly")
		}
		if s.gateway != nil {
			s.gateway.Close()
		}
		if s.bridge != nil {
			s.bridge.Close()
		}
		s.waitGroup.Wait()
		logger.Info().Msg("Server stopped.")
	})
}
