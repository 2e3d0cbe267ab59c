package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/ignite/outreach-engine/internal/pkg/httputil"
)

const headerCSRFToken = "X-CSRF-Token"

// issueCSRFToken hands a browser client a double-submit token: the same
// random value goes out as a cookie and in the response body, and
// state-changing requests must echo it in X-CSRF-Token.
func (s *Server) issueCSRFToken(w http.ResponseWriter, r *http.Request) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		httputil.Error(w, http.StatusInternalServerError, "token generation failed")
		return
	}
	token := hex.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     s.csrfCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   12 * 3600,
		Secure:   r.TLS != nil,
		HttpOnly: false, // the client script reads it back to echo the header
		SameSite: http.SameSiteLaxMode,
	})
	httputil.JSON(w, http.StatusOK, map[string]string{"csrf_token": token})
}

// csrfGuard enforces the double-submit check on state-changing requests
// that arrive with the CSRF cookie and no API key. API clients and
// requests with no browser session pass through untouched.
func (s *Server) csrfGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get(headerAPIKey) != "" {
			next.ServeHTTP(w, r)
			return
		}
		cookie, err := r.Cookie(s.csrfCookie)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get(headerCSRFToken)
		if token == "" || subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(token)) != 1 {
			httputil.Error(w, http.StatusForbidden, "csrf token missing or mismatched")
			return
		}
		next.ServeHTTP(w, r)
	})
}
