package proxyinfo

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"wsgate/internal/shared/logger"
)

// Headers consulted for the client address, highest priority first. The
// X-Forwarded-For and Forwarded fallbacks follow these.
var clientIPHeaders = []string{
	"X-Real-IP",
	"CF-Connecting-IP",
	"True-Client-IP",
}

// RFC 7239 parameters, matched case-insensitively and only at a parameter
// boundary.
var (
	forwardedFor   = regexp.MustCompile(`(?i)(?:^|[;,\s])for="?([^\s,;"]+)`)
	forwardedProto = regexp.MustCompile(`(?i)(?:^|[;,\s])proto=([^\s,;]+)`)
	forwardedHost  = regexp.MustCompile(`(?i)(?:^|[;,\s])host="?([^\s,;"]+)`)
)

// FromHeaders resolves the client identity from the headers of a handshake
// request. It never fails: when no client address can be found it returns
// None().
func FromHeaders(h http.Header) *Info {
	b := Builder{Source: SourceHTTPHeaders}

	for _, name := range clientIPHeaders {
		if ip := cleanIP(h.Get(name)); ip != "" {
			b.ClientIP = ip
			logger.Debug().Str("header", name).Str("ip", ip).Msg("Proxy: client ip resolved")
			break
		}
	}

	xff := strings.Join(h.Values("X-Forwarded-For"), ",")
	var chain []string
	if strings.TrimSpace(xff) != "" {
		chain = parseChain(xff)
	}
	if b.ClientIP == "" && len(chain) > 0 {
		b.ClientIP = chain[0]
		logger.Debug().Strs("chain", chain).Msg("Proxy: client ip resolved from X-Forwarded-For")
	}

	forwarded := strings.Join(h.Values("Forwarded"), ",")
	if b.ClientIP == "" && forwarded != "" {
		if ip := cleanIP(findToken(forwarded, forwardedFor)); ip != "" {
			b.ClientIP = ip
			logger.Debug().Str("ip", ip).Msg("Proxy: client ip resolved from Forwarded")
		}
	}

	if b.ClientIP == "" {
		return None()
	}

	if len(chain) > 0 {
		b.Chain = chain
	} else {
		b.Chain = []string{b.ClientIP}
	}

	b.Metadata = parseMetadata(h, forwarded)

	country, region, city := h.Get("CF-IPCountry"), h.Get("CF-Region"), h.Get("CF-City")
	if country != "" || region != "" || city != "" {
		b.Geo = &GeoInfo{CountryCode: country, RegionCode: region, CityName: city}
	}

	return b.Build()
}

func parseMetadata(h http.Header, forwarded string) *Metadata {
	proto := strings.TrimSpace(h.Get("X-Forwarded-Proto"))
	if proto == "" && forwarded != "" {
		proto = findToken(forwarded, forwardedProto)
	}
	host := strings.TrimSpace(h.Get("X-Forwarded-Host"))
	if host == "" && forwarded != "" {
		host = findToken(forwarded, forwardedHost)
	}
	port, hasPort := 0, false
	if raw := strings.TrimSpace(h.Get("X-Forwarded-Port")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			logger.Warn().Str("value", raw).Msg("Invalid X-Forwarded-Port, ignored")
		} else {
			port, hasPort = parsed, true
		}
	}
	if proto == "" && host == "" && !hasPort {
		return nil
	}
	return &Metadata{Protocol: proto, Host: host, Port: port}
}

func findToken(value string, re *regexp.Regexp) string {
	if m := re.FindStringSubmatch(value); m != nil {
		return m[1]
	}
	return ""
}

// parseChain splits an X-Forwarded-For value into cleaned addresses,
// dropping entries that clean to nothing.
func parseChain(xff string) []string {
	var chain []string
	for _, token := range strings.Split(xff, ",") {
		if ip := cleanIP(token); ip != "" {
			chain = append(chain, ip)
		}
	}
	return chain
}

// cleanIP strips brackets and ports from an address token. Only the bracket
// and port syntax is checked; any other string is returned as given.
func cleanIP(raw string) string {
	ip := strings.TrimSpace(raw)
	if ip == "" {
		return ""
	}

	if strings.HasPrefix(ip, "[") {
		end := strings.IndexByte(ip, ']')
		if end < 0 {
			logger.Warn().Str("value", ip).Msg("Malformed IPv6 address (unclosed bracket)")
			return ""
		}
		inner := ip[1:end]
		if !strings.Contains(inner, ":") {
			logger.Warn().Str("value", ip).Msg("Invalid IPv6 format with brackets (missing colons)")
			return ""
		}
		return inner
	}

	if i := strings.IndexByte(ip, ':'); i > 0 && i == strings.LastIndexByte(ip, ':') && i < len(ip)-1 {
		if _, err := strconv.Atoi(ip[i+1:]); err == nil {
			return ip[:i]
		}
	}
	return ip
}
