// Package session holds the per-connection record shared by the pipeline
// stages and read by the diagnostics surface.
package session

import (
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"wsgate/internal/core/proxyinfo"
	"wsgate/internal/core/target"
)

// Mode is the branch a connection took after sniffing.
type Mode int32

const (
	ModePending Mode = iota
	ModeRaw
	ModeWebSocket
)

func (m Mode) String() string {
	switch m {
	case ModeRaw:
		return "raw"
	case ModeWebSocket:
		return "websocket"
	default:
		return "pending"
	}
}

// MarshalText renders the mode name in JSON output.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Conn is the extension record of one accepted connection. Every optional
// field is set at most once; the first writer wins.
type Conn struct {
	id       string
	remote   net.Addr
	accepted time.Time

	mode      atomic.Int32
	handshake atomic.Pointer[http.Request]
	proxy     atomic.Pointer[proxyinfo.Info]
	target    atomic.Pointer[target.ConnectionTarget]
}

// New returns a record for a connection from remote.
func New(remote net.Addr) *Conn {
	return &Conn{
		id:       uuid.New().String(),
		remote:   remote,
		accepted: time.Now(),
	}
}

func (c *Conn) ID() string            { return c.id }
func (c *Conn) RemoteAddr() net.Addr  { return c.remote }
func (c *Conn) AcceptedAt() time.Time { return c.accepted }

// Mode returns the current branch.
func (c *Conn) Mode() Mode {
	return Mode(c.mode.Load())
}

// SetMode moves a pending connection to m. It reports false if the branch
// was already decided.
func (c *Conn) SetMode(m Mode) bool {
	return c.mode.CompareAndSwap(int32(ModePending), int32(m))
}

// HandshakeRequest returns the captured WebSocket upgrade request, or nil.
// The body is never read from it.
func (c *Conn) HandshakeRequest() *http.Request {
	return c.handshake.Load()
}

// CaptureHandshake stores req unless a request is already stored.
func (c *Conn) CaptureHandshake(req *http.Request) bool {
	return c.handshake.CompareAndSwap(nil, req)
}

// ProxyInfo returns the resolved client identity, or nil when none has been
// attached.
func (c *Conn) ProxyInfo() *proxyinfo.Info {
	return c.proxy.Load()
}

// AttachProxyInfo stores info unless one is already attached.
func (c *Conn) AttachProxyInfo(info *proxyinfo.Info) bool {
	if info == nil {
		return false
	}
	return c.proxy.CompareAndSwap(nil, info)
}

// Target returns the resolved connection target, or nil.
func (c *Conn) Target() *target.ConnectionTarget {
	return c.target.Load()
}

// SetTarget stores t unless a target is already stored.
func (c *Conn) SetTarget(t *target.ConnectionTarget) bool {
	if t == nil {
		return false
	}
	return c.target.CompareAndSwap(nil, t)
}

// ClientAddr is the best known address of the real client: the proxied
// client ip when behind a proxy, else the socket peer.
func (c *Conn) ClientAddr() string {
	if info := c.ProxyInfo(); info != nil && info.IsBehindProxy() {
		ip, _ := info.ClientIP()
		return ip
	}
	if tcp, ok := c.remote.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	if c.remote == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(c.remote.String())
	if err != nil {
		return c.remote.String()
	}
	return host
}

// Registry tracks the live connections.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Add registers c.
func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()
}

// Remove drops the connection with id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

// Get returns the connection with id.
func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// List returns the live connections, oldest first.
func (r *Registry) List() []*Conn {
	r.mu.RLock()
	list := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		list = append(list, c)
	}
	r.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool {
		return list[i].accepted.Before(list[j].accepted)
	})
	return list
}
