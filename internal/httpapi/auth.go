package httpapi

import (
	"crypto/hmac"
	"net/http"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeBearer compares in constant time. Browsers cannot set headers on
// websocket upgrades, so the stream endpoint may pass the token as a query
// parameter instead.
func authorizeBearer(authHeader, queryToken, expected string) *authError {
	if expected == "" {
		return nil
	}
	var presented string
	switch {
	case strings.HasPrefix(authHeader, "Bearer "):
		presented = strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	case queryToken != "":
		presented = queryToken
	default:
		return &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	if !hmac.Equal([]byte(presented), []byte(expected)) {
		return &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "bearer token mismatch",
		}
	}
	return nil
}

func (s *Server) requireStatusToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queryToken := ""
		if strings.HasSuffix(r.URL.Path, "/stream") {
			queryToken = r.URL.Query().Get("token")
		}
		if authErr := authorizeBearer(r.Header.Get("Authorization"), queryToken, s.cfg.StatusToken); authErr != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="casebridge"`)
			writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
			return
		}
		next.ServeHTTP(w, r)
	})
}
