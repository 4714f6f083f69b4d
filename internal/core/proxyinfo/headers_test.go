package proxyinfo

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func headers(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i < len(kv); i += 2 {
		h.Add(kv[i], kv[i+1])
	}
	return h
}

func TestRealIPWinsButChainComesFromXFF(t *testing.T) {
	info := FromHeaders(headers(
		"X-Real-IP", "9.9.9.9",
		"X-Forwarded-For", "1.1.1.1, 2.2.2.2",
	))
	ip, ok := info.ClientIP()
	require.True(t, ok)
	assert.Equal(t, "9.9.9.9", ip)
	assert.Equal(t, []string{"1.1.1.1", "2.2.2.2"}, info.ProxyChain())
	assert.Equal(t, SourceHTTPHeaders, info.Source())
	assert.True(t, info.IsBehindProxy())
}

func TestXFFOnly(t *testing.T) {
	info := FromHeaders(headers("X-Forwarded-For", "1.1.1.1, 2.2.2.2,3.3.3.3"))
	ip, _ := info.ClientIP()
	assert.Equal(t, "1.1.1.1", ip)
	assert.Equal(t, []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"}, info.ProxyChain())

	last, ok := info.ImmediateProxy()
	require.True(t, ok)
	assert.Equal(t, "3.3.3.3", last)
}

func TestXFFAcrossHeaderLines(t *testing.T) {
	info := FromHeaders(headers(
		"X-Forwarded-For", "1.1.1.1",
		"X-Forwarded-For", "2.2.2.2",
	))
	assert.Equal(t, []string{"1.1.1.1", "2.2.2.2"}, info.ProxyChain())
}

func TestClientIPPriority(t *testing.T) {
	tests := []struct {
		name string
		h    http.Header
		want string
	}{
		{"cloudflare", headers("CF-Connecting-IP", "4.4.4.4", "True-Client-IP", "5.5.5.5", "X-Forwarded-For", "6.6.6.6"), "4.4.4.4"},
		{"akamai", headers("True-Client-IP", "5.5.5.5", "X-Forwarded-For", "6.6.6.6"), "5.5.5.5"},
		{"forwarded", headers("Forwarded", `For="[2001:db8:cafe::17]:4711";proto=https`), "2001:db8:cafe::17"},
		{"forwarded lower", headers("Forwarded", "for=192.0.2.60;proto=http;by=203.0.113.43"), "192.0.2.60"},
		{"blank real ip skipped", headers("X-Real-IP", "  ", "CF-Connecting-IP", "4.4.4.4"), "4.4.4.4"},
		{"malformed real ip skipped", headers("X-Real-IP", "[::1", "True-Client-IP", "5.5.5.5"), "5.5.5.5"},
		{"port stripped", headers("X-Real-IP", "10.1.2.3:5555"), "10.1.2.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := FromHeaders(tt.h)
			ip, ok := info.ClientIP()
			require.True(t, ok)
			assert.Equal(t, tt.want, ip)
			assert.Equal(t, []string{tt.want}, info.ProxyChain(), "chain falls back to the client ip")
		})
	}
}

func TestNoClientIPIsNone(t *testing.T) {
	for _, h := range []http.Header{
		{},
		headers("X-Forwarded-Proto", "https", "CF-IPCountry", "DE"),
		headers("X-Forwarded-For", " , [bad]"),
		headers("Forwarded", "proto=https"),
	} {
		info := FromHeaders(h)
		assert.Same(t, None(), info)
		assert.False(t, info.IsBehindProxy())
		assert.Equal(t, SourceNone, info.Source())
	}
}

func TestIsBehindProxyInvariant(t *testing.T) {
	inputs := []http.Header{
		{},
		headers("X-Real-IP", "1.2.3.4"),
		headers("X-Forwarded-For", "1.2.3.4"),
		headers("X-Forwarded-For", "[::1"),
		headers("Forwarded", "for=unknown"),
		headers("CF-City", "Berlin"),
	}
	for _, h := range inputs {
		info := FromHeaders(h)
		_, hasIP := info.ClientIP()
		assert.Equal(t, hasIP && len(info.ProxyChain()) > 0, info.IsBehindProxy(), "%v", h)
	}
}

func TestMetadataAndGeo(t *testing.T) {
	info := FromHeaders(headers(
		"X-Real-IP", "1.2.3.4",
		"X-Forwarded-Proto", "https",
		"X-Forwarded-Host", "play.example.com",
		"X-Forwarded-Port", "443",
		"CF-IPCountry", "NL",
		"CF-City", "Amsterdam",
	))
	md := info.Metadata()
	require.NotNil(t, md)
	assert.Equal(t, Metadata{Protocol: "https", Host: "play.example.com", Port: 443}, *md)

	geo := info.Geo()
	require.NotNil(t, geo)
	assert.Equal(t, GeoInfo{CountryCode: "NL", CityName: "Amsterdam"}, *geo)
	assert.Equal(t, "Amsterdam, NL", geo.String())
}

func TestMetadataFallsBackToForwarded(t *testing.T) {
	info := FromHeaders(headers(
		"X-Real-IP", "1.2.3.4",
		"Forwarded", `for=1.2.3.4;Proto=wss;HOST="mc.example.org"`,
		"X-Forwarded-Port", "not-a-port",
	))
	md := info.Metadata()
	require.NotNil(t, md)
	assert.Equal(t, "wss", md.Protocol)
	assert.Equal(t, "mc.example.org", md.Host)
	assert.Zero(t, md.Port, "invalid port is dropped")
	assert.Nil(t, info.Geo())
}

func TestNoMetadataWithoutHeaders(t *testing.T) {
	info := FromHeaders(headers("X-Real-IP", "1.2.3.4"))
	assert.Nil(t, info.Metadata())
	assert.Nil(t, info.Geo())
}

func TestZeroPortKeepsMetadata(t *testing.T) {
	info := FromHeaders(headers("X-Real-IP", "1.2.3.4", "X-Forwarded-Port", "0"))
	md := info.Metadata()
	require.NotNil(t, md)
	assert.Equal(t, Metadata{}, *md)
}

func TestForwardedParametersNeedBoundary(t *testing.T) {
	tests := []struct {
		name      string
		forwarded string
		ip        string
		proto     string
		host      string
	}{
		{"prefixed for", "by=10.0.0.1;xfor=9.9.9.9", "", "", ""},
		{"prefixed for then real", "xfor=9.9.9.9;for=8.8.8.8", "8.8.8.8", "", ""},
		{"second element", "for=7.7.7.7, for=6.6.6.6;proto=https", "7.7.7.7", "https", ""},
		{"prefixed proto and host", "for=5.5.5.5;xproto=ftp;vhost=evil.example", "5.5.5.5", "", ""},
		{"space separated", "for=4.4.4.4; host=mc.example.org", "4.4.4.4", "", "mc.example.org"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := FromHeaders(headers("Forwarded", tt.forwarded))
			ip, ok := info.ClientIP()
			if tt.ip == "" {
				assert.False(t, ok)
				assert.Same(t, None(), info)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.ip, ip)
			md := info.Metadata()
			if tt.proto == "" && tt.host == "" {
				assert.Nil(t, md)
				return
			}
			require.NotNil(t, md)
			assert.Equal(t, tt.proto, md.Protocol)
			assert.Equal(t, tt.host, md.Host)
		})
	}
}

func TestCleanIP(t *testing.T) {
	tests := map[string]string{
		"[::1]:8080":        "::1",
		"[::1]":             "::1",
		"[::1":              "",
		"[1.2.3.4]":         "",
		"  1.2.3.4  ":       "1.2.3.4",
		"1.2.3.4:80":        "1.2.3.4",
		"1.2.3.4:http":      "1.2.3.4:http",
		"1.2.3.4:":          "1.2.3.4:",
		"2001:db8::1":       "2001:db8::1",
		"fe80::1:443":       "fe80::1:443",
		"":                  "",
		"not-an-ip":         "not-an-ip",
		"[2001:db8::1]:443": "2001:db8::1",
	}
	for in, want := range tests {
		assert.Equal(t, want, cleanIP(in), "cleanIP(%q)", in)
	}
}

func TestChainIsCopied(t *testing.T) {
	info := FromHeaders(headers("X-Forwarded-For", "1.1.1.1, 2.2.2.2"))
	chain := info.ProxyChain()
	chain[0] = "tampered"
	assert.Equal(t, []string{"1.1.1.1", "2.2.2.2"}, info.ProxyChain())
}

func TestString(t *testing.T) {
	assert.Equal(t, "ProxyInfo{none}", None().String())
	info := FromHeaders(headers("X-Forwarded-For", "1.1.1.1, 2.2.2.2", "X-Forwarded-Proto", "https"))
	assert.Equal(t, "ProxyInfo{clientIp=1.1.1.1, chain=[1.1.1.1, 2.2.2.2], source=HTTP Headers, protocol=https}", info.String())
}
