// Package principal identifies the client behind a webhook or media-stream
// request so limits can be keyed per caller platform egress address.
package principal

import (
	"net"
	"net/http"
	"strings"

	"github.com/vango-go/callbridge/pkg/gateway/ratelimit"
)

type Kind string

const (
	KindIP   Kind = "ip"
	KindAnon Kind = "anonymous"
)

// Source names where a client address came from.
const (
	SourceRemoteAddr = "remote_addr"
	SourceNone       = "none"
)

const anonymousKey = "anonymous"

// Client is the resolved caller of one request.
type Client struct {
	Kind Kind
	// IP is the client address. Log it only at debug level.
	IP string
	// Key is a hashed identifier for limiter maps.
	Key string
	// Source is the header name or SourceRemoteAddr the address was read from.
	Source string
}

// proxyHeaders are consulted in order when the bridge sits behind a trusted
// proxy. Each value is reduced to its first address.
var proxyHeaders = []string{
	"CF-Connecting-IP",
	"X-Real-IP",
	"X-Forwarded-For",
}

// Resolve identifies the calling client. Proxy headers are honored only when
// trustProxyHeaders is set; otherwise the TCP peer is the client.
func Resolve(r *http.Request, trustProxyHeaders bool) Client {
	if r == nil {
		return anonymous()
	}
	if trustProxyHeaders {
		for _, name := range proxyHeaders {
			if ip := firstIP(r.Header.Get(name)); ip != "" {
				return fromIP(ip, name)
			}
		}
	}
	if ip := parseIP(r.RemoteAddr); ip != "" {
		return fromIP(ip, SourceRemoteAddr)
	}
	return anonymous()
}

func anonymous() Client {
	return Client{Kind: KindAnon, Key: anonymousKey, Source: SourceNone}
}

func fromIP(ip, source string) Client {
	return Client{Kind: KindIP, IP: ip, Key: ratelimit.ClientKeyFromIP(ip), Source: source}
}

// firstIP takes the left-most entry of a comma separated header such as
// "client, proxy1, proxy2".
func firstIP(raw string) string {
	first, _, _ := strings.Cut(raw, ",")
	return parseIP(first)
}

// parseIP accepts a bare address or host:port and returns the canonical form.
func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return ""
	}
	return ip.String()
}
