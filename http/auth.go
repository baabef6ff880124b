package http

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"golang.org/x/net/websocket"
)

// GetAccessTokenFromHTTPRequest extracts the bearer token from the
// Authorization header, falling back to the access_token query parameter
// for websocket clients that cannot set headers.
func GetAccessTokenFromHTTPRequest(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}

func verifyAccessToken(r *http.Request, token string) error {
	got := GetAccessTokenFromHTTPRequest(r)
	if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
		return errors.New("access token mismatch").
			WithTag("remote_addr", r.RemoteAddr)
	}
	return nil
}

// VerifyAccessToken is a websocket handshake check that rejects clients
// without the configured access token. An empty token disables the check.
func VerifyAccessToken(token string) func(*websocket.Config, *http.Request) error {
	return func(c *websocket.Config, r *http.Request) error {
		if token == "" {
			return nil
		}
		if err := verifyAccessToken(r, token); err != nil {
			logs.Error(err)
			return err
		}
		return nil
	}
}

// VerifyAccessTokenHandler wraps an HTTP handler with the access token
// check. An empty token disables the check.
func VerifyAccessTokenHandler(token string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token != "" {
			if err := verifyAccessToken(r, token); err != nil {
				logs.Error(err)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	}
}
