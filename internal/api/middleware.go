package api

import (
	"context"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/pkg/httputil"
)

const headerAPIKey = "X-API-Key"

type apiKeyContextKey struct{}

// apiKeyFrom returns the authenticated key stored by the auth middleware.
func apiKeyFrom(ctx context.Context) *domain.APIKey {
	k, _ := ctx.Value(apiKeyContextKey{}).(*domain.APIKey)
	return k
}

// authenticate verifies the X-API-Key header. Failed attempts count
// toward a per-IP lockout; a locked address gets 429 before any lookup.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		addr := clientAddr(r)

		locked, err := s.auth.Locked(ctx, addr)
		if err != nil {
			log.Printf("[API] Lockout check for %s: %v", addr, err)
		}
		if locked {
			w.Header().Set("Retry-After", strconv.Itoa(int(s.lockout.Seconds())))
			httputil.Error(w, http.StatusTooManyRequests, "too many failed authentication attempts")
			return
		}

		key, err := s.auth.Authenticate(ctx, r.Header.Get(headerAPIKey))
		if err != nil {
			if rerr := s.auth.RecordFailure(ctx, addr); rerr != nil {
				log.Printf("[API] Failure record for %s: %v", addr, rerr)
			}
			httputil.DomainError(w, err)
			return
		}
		if cerr := s.auth.ClearFailures(ctx, addr); cerr != nil {
			log.Printf("[API] Failure reset for %s: %v", addr, cerr)
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, apiKeyContextKey{}, key)))
	})
}

// authorize enforces the role model: admin routes need an admin key,
// writes need at least ingest, reads accept any role.
func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := apiKeyFrom(r.Context())
		if key == nil {
			httputil.Error(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !key.Allows(requiredRole(r)) {
			httputil.Error(w, http.StatusForbidden, "insufficient role for this endpoint")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requiredRole maps a request to the weakest role that may perform it.
func requiredRole(r *http.Request) domain.APIKeyRole {
	if strings.HasPrefix(r.URL.Path, "/api/admin") {
		return domain.RoleAdmin
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		return domain.RoleReadOnly
	}
	return domain.RoleIngest
}

// rateLimit applies the per-key sliding window. A Redis failure admits
// the request.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := apiKeyFrom(r.Context())
		if key == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, retryAfter, err := s.limiter.Allow(r.Context(), key.ID)
		if err != nil {
			log.Printf("[API] Rate limit check for key %s: %v", key.ID, err)
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
			httputil.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// enforceJSON rejects POST/PUT bodies that are not declared JSON.
// Bodyless action posts (activate, pause, replay) pass through.
func (s *Server) enforceJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut:
			if r.ContentLength > 0 {
				ct, _, _ := strings.Cut(r.Header.Get("Content-Type"), ";")
				if strings.TrimSpace(ct) != "application/json" {
					httputil.Error(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// observe times every request against the matched chi route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		s.metrics.HTTPDuration.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}

// clientAddr extracts the client IP; RealIP middleware has already
// resolved proxy headers into RemoteAddr.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
