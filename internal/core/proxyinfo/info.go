// Package proxyinfo resolves who the real client of a connection is when it
// arrives through a reverse proxy, a CDN or a load balancer speaking the
// PROXY protocol.
package proxyinfo

import (
	"strconv"
	"strings"
)

// Source tells where an Info came from.
type Source int

const (
	SourceNone Source = iota
	SourceHTTPHeaders
	SourceProxyProtocolV1
	SourceProxyProtocolV2
)

func (s Source) String() string {
	switch s {
	case SourceHTTPHeaders:
		return "HTTP Headers"
	case SourceProxyProtocolV1:
		return "PROXY Protocol v1"
	case SourceProxyProtocolV2:
		return "PROXY Protocol v2"
	default:
		return "None"
	}
}

// MarshalText renders the source name in JSON output.
func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// GeoInfo carries the CDN geolocation headers. Each field may be empty.
type GeoInfo struct {
	CountryCode string `json:"country_code,omitempty"`
	RegionCode  string `json:"region_code,omitempty"`
	CityName    string `json:"city_name,omitempty"`
}

func (g *GeoInfo) String() string {
	var parts []string
	for _, p := range []string{g.CityName, g.RegionCode, g.CountryCode} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// Metadata describes the connection as the proxy received it. Port is 0 when
// unknown.
type Metadata struct {
	Protocol string `json:"protocol,omitempty"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
}

// Info is an immutable snapshot of the client identity behind a proxy.
type Info struct {
	clientIP string
	chain    []string
	geo      *GeoInfo
	source   Source
	metadata *Metadata
}

var none = &Info{source: SourceNone}

// None is the "no proxy information" result.
func None() *Info {
	return none
}

// ClientIP returns the resolved client address.
func (i *Info) ClientIP() (string, bool) {
	return i.clientIP, i.clientIP != ""
}

// ProxyChain returns the addresses between the client and this server,
// nearest to the client first. The slice is a copy.
func (i *Info) ProxyChain() []string {
	out := make([]string, len(i.chain))
	copy(out, i.chain)
	return out
}

// ImmediateProxy returns the last chain entry, the hop that connected to us.
func (i *Info) ImmediateProxy() (string, bool) {
	if len(i.chain) == 0 {
		return "", false
	}
	return i.chain[len(i.chain)-1], true
}

// Geo returns the geolocation, or nil.
func (i *Info) Geo() *GeoInfo {
	if i.geo == nil {
		return nil
	}
	g := *i.geo
	return &g
}

// Metadata returns the original connection metadata, or nil.
func (i *Info) Metadata() *Metadata {
	if i.metadata == nil {
		return nil
	}
	m := *i.metadata
	return &m
}

// Source returns where the information came from.
func (i *Info) Source() Source {
	return i.source
}

// IsBehindProxy reports whether a client address and a chain are known.
func (i *Info) IsBehindProxy() bool {
	return i.clientIP != "" && len(i.chain) > 0
}

func (i *Info) String() string {
	if !i.IsBehindProxy() {
		return "ProxyInfo{none}"
	}
	var b strings.Builder
	b.WriteString("ProxyInfo{clientIp=")
	b.WriteString(i.clientIP)
	b.WriteString(", chain=[")
	b.WriteString(strings.Join(i.chain, ", "))
	b.WriteString("], source=")
	b.WriteString(i.source.String())
	if i.geo != nil {
		b.WriteString(", geo=")
		b.WriteString(i.geo.String())
	}
	if i.metadata != nil {
		b.WriteString(", protocol=")
		b.WriteString(i.metadata.Protocol)
		if i.metadata.Host != "" {
			b.WriteString(", host=")
			b.WriteString(i.metadata.Host)
			if i.metadata.Port > 0 {
				b.WriteString(":")
				b.WriteString(strconv.Itoa(i.metadata.Port))
			}
		}
	}
	b.WriteString("}")
	return b.String()
}

// Builder accumulates the fields of one Info. It is meant to live in a single
// function and be dropped after Build.
type Builder struct {
	ClientIP string
	Chain    []string
	Geo      *GeoInfo
	Source   Source
	Metadata *Metadata
}

// Build freezes the accumulated fields.
func (b *Builder) Build() *Info {
	info := &Info{
		clientIP: b.ClientIP,
		source:   b.Source,
	}
	if len(b.Chain) > 0 {
		info.chain = make([]string, len(b.Chain))
		copy(info.chain, b.Chain)
	}
	if b.Geo != nil {
		g := *b.Geo
		info.geo = &g
	}
	if b.Metadata != nil {
		m := *b.Metadata
		info.metadata = &m
	}
	return info
}
