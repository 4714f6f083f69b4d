package web

import (
	"fmt"
	"strings"

	"wsgate/internal/core/proxyinfo"
	"wsgate/internal/core/session"
)

// Report 生成连接详情文本，用于排查连接背后的真实客户端。
func Report(c *session.Conn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== connection %s ===\n", c.ID())

	if req := c.HandshakeRequest(); req != nil {
		b.WriteString("Connection type: WebSocket\n")
		if uri := req.URL.RequestURI(); uri != "" {
			fmt.Fprintf(&b, "Handshake path: %s\n", uri)
		}
	} else if c.Mode() == session.ModeWebSocket {
		b.WriteString("Connection type: WebSocket\n")
	} else {
		b.WriteString("Connection type: Vanilla TCP\n")
	}
	if t := c.Target(); t != nil {
		fmt.Fprintf(&b, "Tunnel target: %s\n", t.URI())
	}

	info := c.ProxyInfo()
	if info == nil || !info.IsBehindProxy() {
		remote := "unknown"
		if addr := c.RemoteAddr(); addr != nil {
			remote = addr.String()
		}
		fmt.Fprintf(&b, "Remote address: %s\n", remote)
		b.WriteString("(no proxy information detected)\n")
		b.WriteString("==================")
		return b.String()
	}

	if ip, ok := info.ClientIP(); ok {
		fmt.Fprintf(&b, "Real IP: %s\n", ip)
	}
	if chain := info.ProxyChain(); len(chain) > 0 {
		fmt.Fprintf(&b, "Proxy chain: %s\n", strings.Join(chain, " → "))
	}
	if geo := info.Geo(); geo != nil {
		if loc := location(geo); loc != "" {
			fmt.Fprintf(&b, "Location: %s\n", loc)
		}
	}
	if info.Source() != proxyinfo.SourceNone {
		fmt.Fprintf(&b, "Proxy source: %s\n", info.Source())
	}
	if md := info.Metadata(); md != nil {
		if md.Protocol != "" {
			fmt.Fprintf(&b, "Original protocol: %s\n", md.Protocol)
		}
		if md.Host != "" {
			b.WriteString("Original host: " + md.Host)
			if md.Port != 0 {
				fmt.Fprintf(&b, ":%d", md.Port)
			}
			b.WriteString("\n")
		}
	}
	b.WriteString("==================")
	return b.String()
}

// location 按国家、地区、城市的顺序拼接。
func location(g *proxyinfo.GeoInfo) string {
	var parts []string
	for _, p := range []string{g.CountryCode, g.RegionCode, g.CityName} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}
