package web

import (
	"encoding/json"
	"net/http"
	"time"

	"wsgate/internal/core/proxyinfo"
	"wsgate/internal/core/session"
	"wsgate/internal/shared/logger"
)

type Handler struct {
	sessions *session.Registry
}

func NewHandler(sessions *session.Registry) *Handler {
	return &Handler{sessions: sessions}
}

// API Models
type ConnectionView struct {
	ID            string       `json:"id"`
	RemoteAddr    string       `json:"remote_addr"`
	ClientAddr    string       `json:"client_addr"`
	Mode          session.Mode `json:"mode"`
	AcceptedAt    time.Time    `json:"accepted_at"`
	HandshakePath string       `json:"handshake_path,omitempty"`
	HandshakeHost string       `json:"handshake_host,omitempty"`
	Target        string       `json:"target,omitempty"`
	Proxy         *ProxyView   `json:"proxy,omitempty"`
}

type ProxyView struct {
	ClientIP string              `json:"client_ip"`
	Chain    []string            `json:"chain"`
	Source   proxyinfo.Source    `json:"source"`
	Geo      *proxyinfo.GeoInfo  `json:"geo,omitempty"`
	Metadata *proxyinfo.Metadata `json:"metadata,omitempty"`
}

func newConnectionView(c *session.Conn) ConnectionView {
	v := ConnectionView{
		ID:         c.ID(),
		ClientAddr: c.ClientAddr(),
		Mode:       c.Mode(),
		AcceptedAt: c.AcceptedAt(),
	}
	if addr := c.RemoteAddr(); addr != nil {
		v.RemoteAddr = addr.String()
	}
	if req := c.HandshakeRequest(); req != nil {
		v.HandshakePath = req.URL.RequestURI()
		v.HandshakeHost = req.Host
	}
	if t := c.Target(); t != nil {
		v.Target = t.URI()
	}
	if info := c.ProxyInfo(); info != nil && info.IsBehindProxy() {
		ip, _ := info.ClientIP()
		v.Proxy = &ProxyView{
			ClientIP: ip,
			Chain:    info.ProxyChain(),
			Source:   info.Source(),
			Geo:      info.Geo(),
			Metadata: info.Metadata(),
		}
	}
	return v
}

// HandleList 处理 GET /api/connections。
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	conns := h.sessions.List()
	views := make([]ConnectionView, 0, len(conns))
	for _, c := range conns {
		views = append(views, newConnectionView(c))
	}
	writeJSON(w, views)
}

// HandleGet 处理 GET /api/connections/{id}。
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	c, ok := h.sessions.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "Connection not found", http.StatusNotFound)
		return
	}
	writeJSON(w, newConnectionView(c))
}

// HandleReport 以纯文本形式处理 GET /api/connections/{id}/report。
func (h *Handler) HandleReport(w http.ResponseWriter, r *http.Request) {
	c, ok := h.sessions.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "Connection not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(Report(c)))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("[WebServer] failed to encode response")
	}
}
