// Package bridge 在本地暴露一个原始 TCP 端口，
// 并将每个连接隧道转发到配置的目标，通常是通过 ws:// 或 wss:// 访问的 wsgate 网关。
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"wsgate/internal/core/session"
	"wsgate/internal/shared/logger"
	"wsgate/internal/types"
)

type Bridge struct {
	conf     types.BridgeConf
	dialer   *Dialer
	sessions *session.Registry

	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	waitGroup sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// New 创建一个 Bridge，sessions 可以与诊断接口共享。
func New(conf types.BridgeConf, sessions *session.Registry) *Bridge {
	if sessions == nil {
		sessions = session.NewRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		conf:     conf,
		dialer:   NewDialer(conf),
		sessions: sessions,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[net.Conn]struct{}),
	}
}

func (b *Bridge) Start() error {
	listener, err := net.Listen("tcp", b.conf.Listen)
	if err != nil {
		return fmt.Errorf("bridge failed to listen on %s: %w", b.conf.Listen, err)
	}
	b.listener = listener
	logger.Info().
		Str("listen_addr", listener.Addr().String()).
		Str("target", b.conf.Target).
		Msg(">>> Bridge is listening.")

	b.waitGroup.Add(1)
	go b.acceptLoop()
	return nil
}

// Addr 返回启动后的监听地址。
func (b *Bridge) Addr() net.Addr {
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

func (b *Bridge) acceptLoop() {
	defer b.waitGroup.Done()
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				logger.Info().Msg("Bridge listener is closing.")
				return
			}
			logger.Warn().Err(err).Msg("Bridge failed to accept connection")
			continue
		}
		b.mu.Lock()
		if b.conns == nil {
			b.mu.Unlock()
			_ = conn.Close()
			return
		}
		b.conns[conn] = struct{}{}
		b.mu.Unlock()

		b.waitGroup.Add(1)
		go func() {
			defer b.waitGroup.Done()
			defer func() {
				b.mu.Lock()
				delete(b.conns, conn)
				b.mu.Unlock()
			}()
			b.handleConnection(conn)
		}()
	}
}

func (b *Bridge) handleConnection(client net.Conn) {
	defer client.Close()

	s := session.New(client.RemoteAddr())
	b.sessions.Add(s)
	defer b.sessions.Remove(s.ID())

	log := logger.With().
		Str("conn_id", s.ID()).
		Str("remote_addr", client.RemoteAddr().String()).
		Logger()

	ctx, cancel := context.WithTimeout(b.ctx, b.dialer.conf.HandshakeTimeout)
	upstream, t, err := b.dialer.Dial(ctx, b.conf.Target)
	cancel()
	if err != nil {
		log.Error().Err(err).Str("target", b.conf.Target).Msg("Bridge: failed to connect upstream")
		return
	}

	if t != nil {
		s.SetTarget(t)
		s.SetMode(session.ModeWebSocket)
		log.Info().Str("uri", t.URI()).Str("sni", t.SNI()).Str("host", t.HTTPHostname()).
			Msg("Bridge: tunnel established")
	} else {
		s.SetMode(session.ModeRaw)
		log.Info().Str("target", b.conf.Target).Msg("Bridge: raw upstream connected")
	}
	relay(client, upstream, &log)
}

// relay 双向拷贝数据，任一方向结束后关闭两端。
func relay(client, upstream net.Conn, log *zerolog.Logger) {
	var wg sync.WaitGroup
	wg.Add(2)

	pipe := func(dst, src net.Conn, direction string) {
		defer wg.Done()
		n, _ := io.Copy(dst, src)
		_ = dst.Close()
		_ = src.Close()
		log.Debug().Str("direction", direction).Int64("bytes", n).Msg("Pipe finished")
	}
	go pipe(upstream, client, "Client -> Upstream")
	go pipe(client, upstream, "Upstream -> Client")
	wg.Wait()
}

// Close 停止接受新连接，关闭所有已打开的连接并等待其处理协程退出。
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.cancel()
		if b.listener != nil {
			b.listener.Close()
		}
		b.mu.Lock()
		for conn := range b.conns {
			conn.Close()
		}
		b.conns = nil
		b.mu.Unlock()
		b.waitGroup.Wait()
		logger.Info().Msg("Bridge has been shut down")
	})
}
