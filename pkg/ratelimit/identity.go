package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// Anonymous is the identity used when no client address can be derived.
const Anonymous = "anonymous"

// forwardedHeaders is checked in order; the first usable address wins.
var forwardedHeaders = []string{
	"CF-Connecting-IP",
	"True-Client-IP",
	"X-Real-IP",
	"X-Forwarded-For",
}

// IdentityResolver derives the actor key for throttling and lockout.
// Forwarded headers are honored only when the direct peer is a trusted proxy
// or TrustForwarded is set (deployments where every request crosses a CDN).
type IdentityResolver struct {
	Trusted        []*net.IPNet
	TrustForwarded bool
}

func (ir *IdentityResolver) Resolve(r *http.Request) string {
	remote := parseIP(r.RemoteAddr)
	if ir != nil && (ir.TrustForwarded || ir.isTrusted(remote)) {
		for _, name := range forwardedHeaders {
			raw := strings.TrimSpace(r.Header.Get(name))
			if raw == "" {
				continue
			}
			if name == "X-Forwarded-For" {
				raw = strings.TrimSpace(strings.Split(raw, ",")[0])
			}
			if ip := parseIP(raw); ip != "" {
				return ip
			}
		}
	}
	if remote == "" {
		return Anonymous
	}
	return remote
}

func (ir *IdentityResolver) isTrusted(ip string) bool {
	if ip == "" || len(ir.Trusted) == 0 {
		return false
	}
	parsed := net.ParseIP(ip)
	for _, cidr := range ir.Trusted {
		if cidr.Contains(parsed) {
			return true
		}
	}
	return false
}

func parseIP(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	ip := net.ParseIP(strings.Trim(raw, "[]"))
	if ip == nil {
		return ""
	}
	return ip.String()
}

// ParseCIDRs reads a comma-separated list of CIDRs or bare addresses.
func ParseCIDRs(raw string) []*net.IPNet {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]*net.IPNet, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			if _, cidr, err := net.ParseCIDR(part); err == nil {
				out = append(out, cidr)
			}
			continue
		}
		ip := net.ParseIP(part)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}
