package gateway

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/pires/go-proxyproto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"wsgate/internal/core/handshake"
	"wsgate/internal/core/pipeline"
	"wsgate/internal/core/proxyinfo"
	"wsgate/internal/core/session"
	"wsgate/internal/core/sniff"
	"wsgate/internal/core/wsframe"
	"wsgate/internal/shared/errors"
)

// connection is the pipeline tail of one accepted connection: it owns the
// backend side.
type connection struct {
	g       *Gateway
	client  net.Conn
	session *session.Conn
	log     zerolog.Logger
	p       *pipeline.Pipeline

	backend     net.Conn
	backendDone sync.WaitGroup
	// dialBackend is set by the Established event; the dial itself runs
	// after the pipeline lock is released.
	dialBackend bool
	// pending holds application bytes that reached the tail during one
	// FireRead; they are written to the backend after the pipeline lock is
	// released.
	pending [][]byte
}

func (g *Gateway) handleConnection(client net.Conn) {
	defer client.Close()

	s := session.New(client.RemoteAddr())
	g.sessions.Add(s)
	defer g.sessions.Remove(s.ID())
	g.metrics.ActiveConnections.Inc()
	defer g.metrics.ActiveConnections.Dec()

	c := &connection{
		g:       g,
		client:  client,
		session: s,
		log: log.With().
			Str("conn_id", s.ID()).
			Str("remote_addr", client.RemoteAddr().String()).
			Logger(),
	}
	c.log.Debug().Msg("Gateway: accepted connection")

	p, err := g.newPipeline(client, c)
	if err != nil {
		c.log.Error().Err(err).Msg("Gateway: failed to build pipeline")
		return
	}
	c.p = p

	c.readLoop()

	// unblocks a backend pipe stuck writing to the client under the
	// pipeline lock
	_ = client.Close()
	_ = p.Close()
	if c.backend != nil {
		_ = c.backend.Close()
	}
	c.backendDone.Wait()
	c.log.Debug().Str("mode", s.Mode().String()).Msg("Gateway: connection closed")
}

// newPipeline lays out the stages every accepted connection starts with.
func (g *Gateway) newPipeline(client net.Conn, c *connection) (*pipeline.Pipeline, error) {
	p := pipeline.New(client, c)
	if g.conf.ProxyProtocol {
		if err := p.AddLast(proxyinfo.DecoderName, proxyinfo.NewDecoder()); err != nil {
			return nil, err
		}
		if err := p.AddLast(proxyinfo.HandlerName, proxyinfo.NewHandler(c.session, &c.log)); err != nil {
			return nil, err
		}
	}
	branch := handshake.Branch(handshake.Config{
		Endpoint:         g.conf.WsEndpoint,
		MaxContentLength: g.conf.MaxHandshakeContentLength,
		MaxFramePayload:  g.conf.MaxFramePayloadLength,
		Frames:           wsframe.Options{Debug: g.conf.Debug, DumpBytes: g.conf.DumpBytes},
		OnHandshake:      c.onHandshake,
		Log:              &c.log,
	})
	if err := p.AddLast(sniff.Name, sniff.New(g.conf.DisableVanillaTCP, branch, &c.log)); err != nil {
		return nil, err
	}
	return p, nil
}

// onHandshake records the upgrade request and, unless a PROXY preamble
// already did, the identity carried in its headers.
func (c *connection) onHandshake(req *http.Request) {
	c.session.CaptureHandshake(req)
	if c.session.ProxyInfo() == nil {
		c.session.AttachProxyInfo(proxyinfo.FromHeaders(req.Header))
	}
}

func (c *connection) readLoop() {
	size := c.g.conf.BufferSize
	if size <= 0 {
		size = 32 * 1024
	}
	buf := make([]byte, size)
	for {
		n, err := c.client.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if ferr := c.p.FireRead(data); ferr != nil {
				c.fail(ferr)
				return
			}
			if c.dialBackend {
				c.dialBackend = false
				if derr := c.connectBackend(); derr != nil {
					c.fail(derr)
					return
				}
			}
			if werr := c.flush(); werr != nil {
				c.fail(werr)
				return
			}
		}
		if err != nil {
			if !stderrors.Is(err, io.EOF) && !stderrors.Is(err, net.ErrClosed) {
				c.log.Debug().Err(err).Msg("Gateway: client read failed")
			}
			return
		}
	}
}

func (c *connection) fail(err error) {
	var e *errors.Error
	if stderrors.As(err, &e) {
		c.g.metrics.Errors.WithLabelValues(e.Kind().String()).Inc()
		c.log.Warn().Err(err).Msg("Gateway: closing connection")
		return
	}
	c.g.metrics.Errors.WithLabelValues("io").Inc()
	c.log.Debug().Err(err).Msg("Gateway: closing connection")
}

// Read receives the application bytes that passed every stage.
func (c *connection) Read(msg any) error {
	data, ok := msg.([]byte)
	if !ok {
		c.log.Debug().Msgf("Gateway: dropping %T at pipeline tail", msg)
		return nil
	}
	if c.backend == nil && !c.dialBackend {
		return errors.State("application bytes arrived before the connection was established")
	}
	c.pending = append(c.pending, data)
	return nil
}

func (c *connection) flush() error {
	for i, data := range c.pending {
		c.pending[i] = nil
		if _, err := c.backend.Write(data); err != nil {
			c.pending = c.pending[:0]
			return err
		}
		c.g.metrics.Bytes.WithLabelValues("client_to_backend").Add(float64(len(data)))
	}
	c.pending = c.pending[:0]
	return nil
}

// Event records the branch decision. The backend is dialed by the read loop
// once the pipeline is unlocked; bytes that arrive meanwhile stay pending.
func (c *connection) Event(event any) error {
	est, ok := event.(sniff.Established)
	if !ok {
		return nil
	}
	mode := session.ModeRaw
	if est.Mode == sniff.ModeWebSocket {
		mode = session.ModeWebSocket
	}
	c.session.SetMode(mode)
	c.g.metrics.Connections.WithLabelValues(mode.String()).Inc()

	info := c.session.ProxyInfo()
	ev := c.log.Info().Str("mode", mode.String())
	if info != nil && info.IsBehindProxy() {
		ip, _ := info.ClientIP()
		ev = ev.Str("client_ip", ip).Str("proxy_source", info.Source().String())
		c.g.metrics.ProxyInfo.WithLabelValues(info.Source().String()).Inc()
	}
	ev.Msg("Gateway: connection established")

	c.dialBackend = true
	return nil
}

func (c *connection) connectBackend() error {
	ctx, cancel := context.WithTimeout(c.g.ctx, c.g.conf.BackendDialTimeout)
	defer cancel()
	backend, err := c.g.dialer.DialContext(ctx, "tcp", c.g.conf.Backend)
	if err != nil {
		c.g.metrics.Errors.WithLabelValues("backend").Inc()
		c.log.Error().Err(err).Str("backend", c.g.conf.Backend).Msg("Gateway: failed to dial backend")
		return err
	}

	if c.g.conf.SendProxyProtocol {
		header := proxyHeader(c.session, backend.RemoteAddr())
		if _, err := header.WriteTo(backend); err != nil {
			c.log.Error().Err(err).
				Stringer("client_addr", header.SourceAddr).
				Stringer("dest_addr", header.DestinationAddr).
				Msg("Gateway: failed to write PROXY header")
			_ = backend.Close()
			return err
		}
	}

	c.backend = backend
	c.backendDone.Add(1)
	go c.pipeBackend()
	return nil
}

// pipeBackend writes backend bytes through the pipeline until either side
// closes.
func (c *connection) pipeBackend() {
	defer c.backendDone.Done()
	size := c.g.conf.BufferSize
	if size <= 0 {
		size = 32 * 1024
	}
	buf := make([]byte, size)
	var total int64
	for {
		n, err := c.backend.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if werr := c.p.Write(data); werr != nil {
				c.log.Debug().Err(werr).Msg("Gateway: client write failed")
				break
			}
			total += int64(n)
			c.g.metrics.Bytes.WithLabelValues("backend_to_client").Add(float64(n))
		}
		if err != nil {
			break
		}
	}
	c.log.Debug().Str("direction", "Backend -> Client").Int64("bytes", total).Msg("Pipe finished")
	_ = c.p.Close()
}

// proxyHeader describes the real client to the backend. The source is the
// resolved client ip when the connection came through a proxy, else the
// socket peer.
func proxyHeader(s *session.Conn, backendAddr net.Addr) *proxyproto.Header {
	src := &net.TCPAddr{}
	if tcp, ok := s.RemoteAddr().(*net.TCPAddr); ok {
		src.IP, src.Port = tcp.IP, tcp.Port
	}
	if ip := net.ParseIP(s.ClientAddr()); ip != nil && !ip.Equal(src.IP) {
		// the proxied client port is not known
		src = &net.TCPAddr{IP: ip}
	}
	if src.IP == nil {
		src.IP = net.IPv4zero
	}

	dst := &net.TCPAddr{}
	if tcp, ok := backendAddr.(*net.TCPAddr); ok {
		dst.IP, dst.Port = tcp.IP, tcp.Port
	} else if host, port, err := net.SplitHostPort(backendAddr.String()); err == nil {
		dst.IP = net.ParseIP(host)
		dst.Port, _ = strconv.Atoi(port)
	}

	transport := proxyproto.TCPv4
	if src.IP.To4() == nil {
		transport = proxyproto.TCPv6
		if dst.IP == nil || dst.IP.To4() != nil {
			dst = &net.TCPAddr{IP: net.IPv6zero, Port: dst.Port}
		}
	} else {
		src.IP = src.IP.To4()
		if v4 := dst.IP.To4(); v4 != nil {
			dst.IP = v4
		} else {
			dst = &net.TCPAddr{IP: net.IPv4zero.To4(), Port: dst.Port}
		}
	}

	return &proxyproto.Header{
		Version:           2,
		Command:           proxyproto.PROXY,
		TransportProtocol: transport,
		SourceAddr:        src,
		DestinationAddr:   dst,
	}
}
