package security

import (
	"net/http"
	"net/netip"
	"strings"
)

// ClientIPResolver extracts the caller's address from a request.
//
// Forwarding headers are only honoured when TrustProxy is set. In
// X-Forwarded-For the rightmost TrustedProxyCount entries belong to proxies
// we operate; the entry just left of them is the client.
type ClientIPResolver struct {
	TrustProxy        bool
	TrustedProxyCount int
}

// Resolve returns the client IP for r, or the raw RemoteAddr when it cannot
// be parsed.
func (c ClientIPResolver) Resolve(r *http.Request) string {
	if c.TrustProxy {
		if ip := c.fromForwardedFor(r.Header.Get("X-Forwarded-For")); ip != "" {
			return ip
		}
		if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return fromRemoteAddr(r.RemoteAddr)
}

// GetClientIP is shorthand for ClientIPResolver{...}.Resolve(r).
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	return ClientIPResolver{TrustProxy: trustProxy, TrustedProxyCount: trustedProxyCount}.Resolve(r)
}

func (c ClientIPResolver) fromForwardedFor(xff string) string {
	if xff == "" {
		return ""
	}

	hops := strings.Split(xff, ",")
	proxies := c.TrustedProxyCount
	if proxies <= 0 {
		proxies = 1
	}

	idx := len(hops) - proxies - 1
	if idx < 0 {
		idx = 0
	}
	return parseIP(hops[idx])
}

func parseIP(s string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}

func fromRemoteAddr(remoteAddr string) string {
	if ap, err := netip.ParseAddrPort(remoteAddr); err == nil {
		return ap.Addr().Unmap().String()
	}
	if ip := parseIP(remoteAddr); ip != "" {
		return ip
	}
	return remoteAddr
}
