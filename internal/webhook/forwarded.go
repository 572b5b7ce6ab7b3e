package webhook

import (
	"net"
	"net/http"
	"strings"
)

// ProxyTrust controls when forwarded headers participate in signature
// URL reconstruction. Signed-webhook schemes hash the external URL, so a
// spoofable Host/X-Forwarded-* header must never be trusted blindly.
type ProxyTrust struct {
	// TrustedProxies lists source IPs or CIDRs whose forwarded headers
	// are honoured.
	TrustedProxies []string
	// PublicHostnames allowlists hostnames that may appear in forwarded
	// Host headers regardless of source IP.
	PublicHostnames []string
}

// ExternalURL reconstructs the URL the provider signed. Forwarded
// headers are used only from a trusted proxy or for an allowlisted
// hostname; otherwise the request's own host and scheme are used.
func (p ProxyTrust) ExternalURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host

	fwdProto := r.Header.Get("X-Forwarded-Proto")
	fwdHost := r.Header.Get("X-Forwarded-Host")
	if fwdHost != "" || fwdProto != "" {
		if p.fromTrustedProxy(remoteIPOf(r)) || p.hostAllowed(fwdHost) {
			if fwdProto != "" {
				scheme = fwdProto
			}
			if fwdHost != "" {
				host = fwdHost
			}
		}
	}

	return scheme + "://" + host + r.URL.RequestURI()
}

func (p ProxyTrust) fromTrustedProxy(ip string) bool {
	addr := net.ParseIP(ip)
	for _, entry := range p.TrustedProxies {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, cidr, err := net.ParseCIDR(entry)
			if err == nil && addr != nil && cidr.Contains(addr) {
				return true
			}
			continue
		}
		if entry == ip {
			return true
		}
	}
	return false
}

func (p ProxyTrust) hostAllowed(host string) bool {
	if host == "" {
		return false
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	for _, allowed := range p.PublicHostnames {
		if strings.EqualFold(strings.TrimSpace(allowed), host) {
			return true
		}
	}
	return false
}
