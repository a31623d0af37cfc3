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

// authorizeRequest checks the shared token the UI shell was handed at daemon
// startup. The control surface listens on loopback; the token keeps other
// local processes out. Comparison is constant time. An empty configured
// token disables auth.
func authorizeRequest(r *http.Request, token string) *authError {
	if token == "" {
		return nil
	}
	presented := bearerToken(r)
	if presented == "" {
		// websocket clients cannot always set headers
		presented = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if presented == "" {
		return &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing bearer token",
		}
	}
	if !hmac.Equal([]byte(presented), []byte(token)) {
		return &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "invalid token",
		}
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
