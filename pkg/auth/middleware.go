package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/lamb-project/lamb/pkg/apperr"
)

type contextKey string

const authContextKey contextKey = "lamb.authcontext"

// Middleware builds the AuthContext for every request and stores it
// on the request context. Account-disabled failures carry the
// out-of-band X-Account-Status header.
func (b *Builder) Middleware(writeError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, r, apperr.New(apperr.KindUnauthenticated, "missing Authorization header"))
				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")
			if token == authHeader {
				writeError(w, r, apperr.New(apperr.KindUnauthenticated, "invalid Authorization format, expected: Bearer <token>"))
				return
			}

			authCtx, err := b.Build(r.Context(), token)
			if err != nil {
				if apperr.KindOf(err) == apperr.KindAccountDisabled {
					w.Header().Set("X-Account-Status", "disabled")
				}
				writeError(w, r, err)
				return
			}

			ctx := context.WithValue(r.Context(), authContextKey, authCtx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// FromContext returns the request's AuthContext, or nil when the
// request skipped the auth middleware.
func FromContext(ctx context.Context) *AuthContext {
	if authCtx, ok := ctx.Value(authContextKey).(*AuthContext); ok {
		return authCtx
	}
	return nil
}

// WithContext injects an AuthContext. Test helper and internal
// dispatch use only.
func WithContext(ctx context.Context, authCtx *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, authCtx)
}
