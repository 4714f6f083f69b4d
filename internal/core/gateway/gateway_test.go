package gateway

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pires/go-proxyproto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wsgate/internal/core/pipeline"
	"wsgate/internal/core/proxyinfo"
	"wsgate/internal/core/session"
	"wsgate/internal/core/sniff"
	"wsgate/internal/shared/errors"
	"wsgate/internal/types"
)

// echoBackend accepts connections and echoes everything back. When
// expectHeader is set it first parses a PROXY header and publishes it.
func echoBackend(t *testing.T, expectHeader bool) (string, <-chan *proxyproto.Header) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	headers := make(chan *proxyproto.Header, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				r := bufio.NewReader(conn)
				if expectHeader {
					h, err := proxyproto.Read(r)
					if err != nil {
						return
					}
					headers <- h
				}
				_, _ = io.Copy(conn, r)
			}(conn)
		}
	}()
	return ln.Addr().String(), headers
}

func startGateway(t *testing.T, conf types.GateConf) *Gateway {
	t.Helper()
	conf.Listen = "127.0.0.1:0"
	g := New(conf, nil, nil)
	require.NoError(t, g.Start())
	t.Cleanup(g.Close)
	return g
}

func TestRawPassthrough(t *testing.T) {
	backend, _ := echoBackend(t, false)
	g := startGateway(t, types.GateConf{Backend: backend})

	conn, err := net.Dial("tcp", g.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	// handshake packet for a game client, shorter than the sniff window first
	_, err = conn.Write([]byte{0x10})
	require.NoError(t, err)
	_, err = conn.Write([]byte{0x00, 0xF2, 0x05})
	require.NoError(t, err)

	got := make([]byte, 4)
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x10, 0x00, 0xF2, 0x05}, got)

	list := g.Sessions().List()
	require.Len(t, list, 1)
	assert.Equal(t, session.ModeRaw, list[0].Mode())
}

func TestWebSocketTunnel(t *testing.T) {
	backend, _ := echoBackend(t, false)
	g := startGateway(t, types.GateConf{Backend: backend, WsEndpoint: "/mc"})

	url := fmt.Sprintf("ws://%s/mc", g.Addr())
	ws, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"X-Real-IP": {"198.51.100.20"}})
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte("hello backend")))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	kind, payload, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, "hello backend", string(payload))

	list := g.Sessions().List()
	require.Len(t, list, 1)
	s := list[0]
	assert.Equal(t, session.ModeWebSocket, s.Mode())
	require.NotNil(t, s.HandshakeRequest())
	assert.Equal(t, "/mc", s.HandshakeRequest().URL.Path)
	assert.Equal(t, proxyinfo.SourceHTTPHeaders, s.ProxyInfo().Source())
	assert.Equal(t, "198.51.100.20", s.ClientAddr())
}

func TestWrongEndpointIsRejected(t *testing.T) {
	backend, _ := echoBackend(t, false)
	g := startGateway(t, types.GateConf{Backend: backend, WsEndpoint: "/mc"})

	_, resp, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/other", g.Addr()), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestVanillaDisabled(t *testing.T) {
	backend, _ := echoBackend(t, false)
	g := startGateway(t, types.GateConf{Backend: backend, DisableVanillaTCP: true})

	conn, err := net.Dial("tcp", g.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = conn.Write([]byte{0x10, 0x00, 0xF2, 0x05})
	require.NoError(t, err)
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestPreambleBeforeWebSocket(t *testing.T) {
	backend, headers := echoBackend(t, true)
	g := startGateway(t, types.GateConf{
		Backend:           backend,
		ProxyProtocol:     true,
		SendProxyProtocol: true,
	})

	conn, err := net.Dial("tcp", g.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Write([]byte("PROXY TCP4 198.51.100.7 203.0.113.1 40000 25565\r\n"))
	require.NoError(t, err)

	// run the upgrade over the connection that already carried the preamble
	dialer := websocket.Dialer{
		NetDialContext: func(context.Context, string, string) (net.Conn, error) { return conn, nil },
	}
	ws, _, err := dialer.Dial(fmt.Sprintf("ws://%s/", g.Addr()), http.Header{"X-Real-IP": {"9.9.9.9"}})
	require.NoError(t, err)

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	_, payload, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, payload)

	select {
	case h := <-headers:
		src, ok := h.SourceAddr.(*net.TCPAddr)
		require.True(t, ok)
		assert.Equal(t, "198.51.100.7", src.IP.String())
	case <-time.After(5 * time.Second):
		t.Fatal("backend did not receive a PROXY header")
	}

	list := g.Sessions().List()
	require.Len(t, list, 1)
	assert.Equal(t, proxyinfo.SourceProxyProtocolV1, list[0].ProxyInfo().Source())
}

func TestProxyHeader(t *testing.T) {
	backend := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 25565}

	direct := session.New(&net.TCPAddr{IP: net.IPv4(192, 0, 2, 4), Port: 50000})
	h := proxyHeader(direct, backend)
	assert.Equal(t, proxyproto.TCPv4, h.TransportProtocol)
	assert.Equal(t, "192.0.2.4:50000", h.SourceAddr.String())
	assert.Equal(t, "10.0.0.2:25565", h.DestinationAddr.String())

	proxied := session.New(&net.TCPAddr{IP: net.IPv4(192, 0, 2, 4), Port: 50000})
	proxied.AttachProxyInfo((&proxyinfo.Builder{
		ClientIP: "2001:db8::1",
		Chain:    []string{"2001:db8::1"},
		Source:   proxyinfo.SourceHTTPHeaders,
	}).Build())
	h = proxyHeader(proxied, backend)
	assert.Equal(t, proxyproto.TCPv6, h.TransportProtocol)
	assert.Equal(t, "2001:db8::1", h.SourceAddr.(*net.TCPAddr).IP.String())
	assert.Equal(t, 25565, h.DestinationAddr.(*net.TCPAddr).Port)
}

func TestBackendIsDialedAfterEvent(t *testing.T) {
	backend, _ := echoBackend(t, false)
	g := New(types.GateConf{Backend: backend}, nil, nil)
	t.Cleanup(g.Close)

	client, peer := net.Pipe()
	defer peer.Close()
	c := &connection{g: g, client: client, session: session.New(client.RemoteAddr()), log: zerolog.Nop()}
	c.p = pipeline.New(client, c)

	err := c.Read([]byte("too early"))
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindState))

	require.NoError(t, c.Event(sniff.Established{Mode: sniff.ModeRaw}))
	assert.Nil(t, c.backend, "the event only schedules the dial")
	assert.True(t, c.dialBackend)
	require.NoError(t, c.Read([]byte("early")))
	assert.Len(t, c.pending, 1)

	require.NoError(t, c.connectBackend())
	require.NoError(t, c.flush())
	assert.Empty(t, c.pending)

	require.NoError(t, peer.SetDeadline(time.Now().Add(5*time.Second)))
	got := make([]byte, 5)
	_, err = io.ReadFull(peer, got)
	require.NoError(t, err)
	assert.Equal(t, []byte("early"), got)

	_ = client.Close()
	_ = c.backend.Close()
	c.backendDone.Wait()
}
