package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/juju/ratelimit"

	"wsgate/internal/core/session"
	"wsgate/internal/shared/logger"
	"wsgate/internal/types"
)

// Gateway accepts raw and WebSocket-tunneled connections on one port and
// relays each to the backend.
type Gateway struct {
	conf     types.GateConf
	sessions *session.Registry
	metrics  *Metrics
	dialer   *net.Dialer

	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	waitGroup sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// New returns a gateway. sessions and metrics may be shared with the
// diagnostics surface; a nil metrics gets unregistered collectors.
func New(conf types.GateConf, sessions *session.Registry, metrics *Metrics) *Gateway {
	if sessions == nil {
		sessions = session.NewRegistry()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if conf.BackendDialTimeout <= 0 {
		conf.BackendDialTimeout = types.DefaultBackendDialTimeout
	}
	if conf.MaxFramePayloadLength <= 0 {
		conf.MaxFramePayloadLength = types.DefaultMaxFramePayloadLength
	}
	if conf.MaxHandshakeContentLength <= 0 {
		conf.MaxHandshakeContentLength = types.DefaultMaxHandshakeContentLength
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		conf:     conf,
		sessions: sessions,
		metrics:  metrics,
		dialer:   &net.Dialer{Timeout: conf.BackendDialTimeout},
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[net.Conn]struct{}),
	}
}

func (g *Gateway) Start() error {
	listener, err := net.Listen("tcp", g.conf.Listen)
	if err != nil {
		return fmt.Errorf("gateway failed to listen on %s: %w", g.conf.Listen, err)
	}
	g.listener = listener
	logger.Info().
		Str("listen_addr", listener.Addr().String()).
		Str("backend", g.conf.Backend).
		Bool("proxy_protocol", g.conf.ProxyProtocol).
		Bool("disable_vanilla_tcp", g.conf.DisableVanillaTCP).
		Str("ws_endpoint", g.conf.WsEndpoint).
		Msg(">>> Gateway is listening on unified port.")

	g.waitGroup.Add(1)
	go g.acceptLoop()
	return nil
}

// Addr returns the listening address once started.
func (g *Gateway) Addr() net.Addr {
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Sessions returns the registry of live connections.
func (g *Gateway) Sessions() *session.Registry {
	return g.sessions
}

func (g *Gateway) acceptLoop() {
	defer g.waitGroup.Done()

	var bucket *ratelimit.Bucket
	if g.conf.ConnRateLimit > 0 {
		bucket = ratelimit.NewBucketWithRate(float64(g.conf.ConnRateLimit), int64(g.conf.ConnRateLimit*2))
	}

	for {
		if bucket != nil {
			select {
			case <-g.ctx.Done():
				return
			case <-time.After(bucket.Take(1)):
			}
		}
		conn, err := g.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				logger.Info().Msg("Gateway listener is closing.")
				return
			}
			logger.Warn().Err(err).Msg("Gateway failed to accept connection")
			continue
		}
		if !g.track(conn) {
			_ = conn.Close()
			return
		}
		g.waitGroup.Add(1)
		go func() {
			defer g.waitGroup.Done()
			defer g.untrack(conn)
			g.handleConnection(conn)
		}()
	}
}

func (g *Gateway) track(conn net.Conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conns == nil {
		return false
	}
	g.conns[conn] = struct{}{}
	return true
}

func (g *Gateway) untrack(conn net.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, conn)
}

// Close stops accepting, closes every open connection and waits for their
// handlers to return.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		g.cancel()
		if g.listener != nil {
			g.listener.Close()
		}
		g.mu.Lock()
		for conn := range g.conns {
			conn.Close()
		}
		g.conns = nil
		g.mu.Unlock()
		g.waitGroup.Wait()
		logger.Info().Msg("Gateway has been shut down")
	})
}
