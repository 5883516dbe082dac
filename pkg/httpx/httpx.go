package httpx

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

var (
	corsMethods = "GET, POST, OPTIONS"
	corsHeaders = "Authorization, Content-Type, X-Admin-Token"
	corsExpose  = "Retry-After"
)

// SecurityHeaders sets the response headers every settlement API reply
// carries. Nothing served here is meant to be framed, cached or sniffed.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Cross-Origin-Resource-Policy", "same-site")
		h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// Origins is an allow-list of scheme://host origins, compared
// case-insensitively and without a trailing slash.
type Origins struct {
	set      map[string]struct{}
	wildcard bool
}

// ParseOrigins reads a comma-separated list. "*" admits every origin.
func ParseOrigins(raw string) Origins {
	o := Origins{set: map[string]struct{}{}}
	for _, part := range strings.Split(raw, ",") {
		origin := normalizeOrigin(part)
		switch origin {
		case "":
		case "*":
			o.wildcard = true
		default:
			o.set[origin] = struct{}{}
		}
	}
	return o
}

func normalizeOrigin(v string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(v), "/"))
}

func (o Origins) Allows(origin string) bool {
	origin = normalizeOrigin(origin)
	if origin == "" {
		return false
	}
	if o.wildcard {
		return true
	}
	_, ok := o.set[origin]
	return ok
}

// Hosts returns the allowed hosts without scheme, the form websocket origin
// checks expect.
func (o Origins) Hosts() []string {
	if o.wildcard {
		return []string{"*"}
	}
	out := make([]string, 0, len(o.set))
	for origin := range o.set {
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			out = append(out, u.Host)
		}
	}
	return out
}

// RequestOrigin reports the caller's origin, taken from Origin or derived
// from Referer. ok is false only when a Referer is present but unusable.
func RequestOrigin(r *http.Request) (origin string, ok bool) {
	if origin = strings.TrimSpace(r.Header.Get("Origin")); origin != "" {
		return origin, true
	}
	ref := strings.TrimSpace(r.Header.Get("Referer"))
	if ref == "" {
		return "", true
	}
	u, err := url.Parse(ref)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return u.Scheme + "://" + u.Host, true
}

// CORS answers browser callers from allowed origins. Preflights from any
// other origin are refused; simple requests pass through without CORS
// headers so the browser blocks the response.
func CORS(allowed Origins) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !allowed.Allows(origin) {
				if preflight {
					Error(w, http.StatusForbidden, "origin not allowed")
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Expose-Headers", corsExpose)
			if preflight {
				h.Add("Vary", "Access-Control-Request-Method")
				h.Set("Access-Control-Allow-Methods", corsMethods)
				h.Set("Access-Control-Allow-Headers", corsHeaders)
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func Error(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}
