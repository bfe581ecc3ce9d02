package middleware

import (
	"context"
	"net/http"

	"github.com/pliu/chatty-dm/internal/auth"
	"github.com/pliu/chatty-dm/internal/models"
)

type contextKey string

const IdentityKey contextKey = "identity"

// Verifier resolves a session token to the identity it was issued for.
type Verifier interface {
	Verify(token string) (models.Identity, error)
}

// AuthMiddleware rejects requests without a valid session token and puts
// the caller's identity in the request context.
func AuthMiddleware(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := auth.TokenFromRequest(r)
			if token == "" {
				unauthorized(w, "unauthorized: no token provided")
				return
			}

			id, err := v.Verify(token)
			if err != nil {
				unauthorized(w, "unauthorized: invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func WithIdentity(ctx context.Context, id models.Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, id)
}

// IdentityFrom returns the authenticated identity, or "" outside
// AuthMiddleware.
func IdentityFrom(ctx context.Context) models.Identity {
	id, _ := ctx.Value(IdentityKey).(models.Identity)
	return id
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"message":"` + msg + `"}`))
}
