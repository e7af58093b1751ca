// Package relay serves documents to remote clients: a JSON API for metadata
// and a websocket per document that relays updates, presence and activity
// between connections while persisting every update.
package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mesh-intelligence/docsync/internal/transport"
)

// AuthMiddleware returns middleware that validates a Bearer token.
// An empty token disables the check.
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != token {
				writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

func errorBody(msg string) transport.ErrorResponse {
	return transport.ErrorResponse{Error: msg}
}
