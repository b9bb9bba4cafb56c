package server

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/codeck/daemon/internal/auth"
)

type ctxKey int

const sessionCtxKey ctxKey = iota

// authedSession carries both the session record and the raw bearer token,
// since SessionData deliberately never exposes the token (it is a one-time
// secret handed to the client at login) but ticket issuance needs it.
type authedSession struct {
	data  *auth.SessionData
	token string
}

// requireSession enforces bearer-token or ?token= session auth on every
// protected HTTP route. A missing or invalid session yields 401 with
// needsAuth so the frontend knows to show the login screen rather than a
// generic error.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		sess := s.sessions.Validate(token)
		if sess == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"error":     "authentication required",
				"needsAuth": true,
			})
			return
		}
		ctx := context.WithValue(r.Context(), sessionCtxKey, &authedSession{data: sess, token: token})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFromContext(r *http.Request) *auth.SessionData {
	as, _ := r.Context().Value(sessionCtxKey).(*authedSession)
	if as == nil {
		return nil
	}
	return as.data
}

func tokenFromContext(r *http.Request) string {
	as, _ := r.Context().Value(sessionCtxKey).(*authedSession)
	if as == nil {
		return ""
	}
	return as.token
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// withCORS applies the same origin policy used for the WebSocket upgrade to
// plain HTTP requests, since the UI and the daemon may be served from
// different origins (e.g. behind the mDNS domain).
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.isOriginAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isOriginAllowed validates an Origin header against the configured
// allowlist: exact matches, a bare "*" for development, and wildcard
// subdomain patterns such as "https://*.<mdns-domain>".
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if strings.Contains(allowed, "*") && matchWildcardOrigin(origin, allowed) {
			return true
		}
	}
	return isLocalhostOrigin(origin)
}

// matchWildcardOrigin checks origin against a "scheme://*.suffix" pattern,
// rejecting any match whose subdomain portion contains a path separator.
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix, suffix := parts[0], parts[1]
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return !strings.Contains(middle, "/")
}

func isLocalhostOrigin(origin string) bool {
	return strings.HasPrefix(origin, "http://localhost:") ||
		strings.HasPrefix(origin, "https://localhost:") ||
		strings.HasPrefix(origin, "http://127.0.0.1:") ||
		strings.Contains(origin, "://localhost") ||
		strings.Contains(origin, "://127.0.0.1")
}

// clientIP derives the request's IP for brute-force tracking, honoring
// X-Forwarded-For/X-Real-IP only when the daemon is explicitly configured
// to sit behind a trusted proxy (gateway-proxy mode).
func (s *Server) clientIP(r *http.Request) string {
	if s.cfg.TrustedProxyHeaders {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			parts := strings.SplitN(fwd, ",", 2)
			return strings.TrimSpace(parts[0])
		}
		if real := r.Header.Get("X-Real-IP"); real != "" {
			return real
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// internalSecretOK reports whether the request carries the configured
// gateway-proxy shared secret, used to bypass session auth for the internal
// PTY channel and for requests forwarded by a trusted front door. Accepted
// on the "_internal" query parameter per the trusted-proxy protocol, or the
// equivalent header for transports that can't carry it in the URL.
func (s *Server) internalSecretOK(r *http.Request) bool {
	if s.cfg.InternalSharedSecret == "" {
		return false
	}
	if r.URL.Query().Get("_internal") == s.cfg.InternalSharedSecret {
		return true
	}
	return r.Header.Get("X-Internal-Secret") == s.cfg.InternalSharedSecret
}
