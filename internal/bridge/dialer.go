package bridge

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	utls "github.com/refraction-networking/utls"

	"wsgate/internal/core/argslot"
	"wsgate/internal/core/target"
	"wsgate/internal/shared"
	"wsgate/internal/shared/errors"
	"wsgate/internal/types"
)

// Dialer 负责建立桥接连接的上游：ws:// 和 wss:// 目标走 WebSocket 隧道，
// 其他地址直接使用 TCP。
type Dialer struct {
	conf types.BridgeConf
	tcp  *net.Dialer
	ws   *websocket.Dialer
}

// NewDialer 根据 [bridge] 配置创建 Dialer。
func NewDialer(conf types.BridgeConf) *Dialer {
	if conf.HandshakeTimeout <= 0 {
		conf.HandshakeTimeout = types.DefaultBridgeHandshakeTimeout
	}
	d := &Dialer{
		conf: conf,
		tcp:  &net.Dialer{Timeout: conf.HandshakeTimeout},
	}
	// 钩子的签名是固定的，目标通过 dial context 中的 argslot 传入
	d.ws = &websocket.Dialer{
		HandshakeTimeout:  conf.HandshakeTimeout,
		ReadBufferSize:    conf.BufferSize,
		WriteBufferSize:   conf.BufferSize,
		NetDialContext:    d.dialPlain,
		NetDialTLSContext: d.dialTLS,
	}
	return d
}

// Dial 连接到 raw。raw 不是 WebSocket URI 时返回的 target 为 nil，连接为普通 TCP。
func (d *Dialer) Dial(ctx context.Context, raw string) (net.Conn, *target.ConnectionTarget, error) {
	t, ok := target.Parse(raw)
	if !ok {
		conn, err := d.tcp.DialContext(ctx, "tcp", target.RawAddress(raw))
		return conn, nil, err
	}
	conn, err := d.DialTarget(ctx, t)
	return conn, t, err
}

// DialTarget 与 t 完成 WebSocket 握手，并以字节流的形式返回隧道。
func (d *Dialer) DialTarget(ctx context.Context, t *target.ConnectionTarget) (net.Conn, error) {
	slot := argslot.NewNonNull[*target.ConnectionTarget]()
	if err := slot.Push(t); err != nil {
		return nil, err
	}
	defer slot.Cleanup()

	header := http.Header{}
	header.Set("Host", t.HTTPHostname())
	ws, resp, err := d.ws.DialContext(argslot.NewContext(ctx, slot), t.URI(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake with %s failed (%s): %w", t.URI(), resp.Status, err)
		}
		return nil, fmt.Errorf("websocket handshake with %s failed: %w", t.URI(), err)
	}
	return shared.NewWebSocketConn(ws), nil
}

func (d *Dialer) dialPlain(ctx context.Context, network, _ string) (net.Conn, error) {
	t, err := popTarget(ctx)
	if err != nil {
		return nil, err
	}
	return d.tcp.DialContext(ctx, network, t.Authority().String())
}

func (d *Dialer) dialTLS(ctx context.Context, network, _ string) (net.Conn, error) {
	t, err := popTarget(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := d.tcp.DialContext(ctx, network, t.Authority().String())
	if err != nil {
		return nil, err
	}
	conn := utls.UClient(raw, &utls.Config{
		ServerName:         t.SNI(),
		InsecureSkipVerify: d.conf.InsecureSkipVerify,
	}, helloID(d.conf.TLSFingerprint))
	if err := conn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("tls handshake with %s (sni %q) failed: %w", t.Authority(), t.SNI(), err)
	}
	return conn, nil
}

func popTarget(ctx context.Context) (*target.ConnectionTarget, error) {
	slot, ok := argslot.FromContext[*target.ConnectionTarget](ctx)
	if !ok {
		return nil, errors.State("dial hook invoked without a connection target")
	}
	t, _, err := slot.Pop()
	return t, err
}

// helloID 将 tls_fingerprint 映射为 ClientHello。
// 升级请求需要 HTTP/1.1，因此只使用不带 ALPN 的指纹。
func helloID(name string) utls.ClientHelloID {
	switch strings.ToLower(name) {
	case "golang":
		return utls.HelloGolang
	default:
		return utls.HelloRandomizedNoALPN
	}
}
