package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/punchamoorthee/commitfund/internal/domain"
)

// CallerHeader carries the caller address in dev mode.
const CallerHeader = "X-Caller-Address"

// Middleware attaches the caller to the request context. Requests without
// credentials pass through anonymously; the registry rejects anonymous
// mutations. Invalid credentials are rejected here with 401.
func Middleware(mode Mode, verifier *Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch mode {
			case ModeDev:
				if addr := strings.TrimSpace(r.Header.Get(CallerHeader)); addr != "" {
					r = r.WithContext(WithCaller(r.Context(), domain.Address(addr)))
				}
			case ModeJWT:
				header := r.Header.Get("Authorization")
				if header == "" {
					break
				}
				token, ok := strings.CutPrefix(header, "Bearer ")
				if !ok || verifier == nil {
					unauthorized(w, "malformed authorization header")
					return
				}
				addr, err := verifier.Verify(token)
				if err != nil {
					logger.Debug("bearer token rejected", "path", r.URL.Path, "error", err)
					unauthorized(w, err.Error())
					return
				}
				r = r.WithContext(WithCaller(r.Context(), addr))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": "unauthenticated"})
}
