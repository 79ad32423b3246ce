package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/harun/sandesh/internal/observability"
)

// AuthHandler checks the shared secret on API requests.
type AuthHandler struct {
	digest [sha256.Size]byte
	open   bool
}

// NewAuthHandler creates a new authentication handler. An empty secret
// disables authentication.
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		digest: sha256.Sum256([]byte(sharedSecret)),
		open:   sharedSecret == "",
	}
}

// VerifyToken compares token with the shared secret in constant time.
// Both sides are hashed first so the comparison does not leak the length.
func (a *AuthHandler) VerifyToken(token string) bool {
	if a.open {
		return true
	}
	got := sha256.Sum256([]byte(token))
	return subtle.ConstantTimeCompare(got[:], a.digest[:]) == 1
}

// tokenFromRequest reads a bearer token from the Authorization header or,
// for browser websocket clients that cannot set headers, the token query
// parameter.
func tokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Middleware rejects requests without a valid token.
func (a *AuthHandler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.VerifyToken(tokenFromRequest(r)) {
			observability.RecordSecurityAudit(r.Context(), "gateway_auth", r.RemoteAddr, "failure",
				map[string]interface{}{"path": r.URL.Path})
			w.Header().Set("WWW-Authenticate", `Bearer realm="sandesh"`)
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
