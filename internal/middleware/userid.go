package middleware

import (
	"context"
	"net/http"
)

// UserID pulls the caller identity from the X-User-ID header into the request
// context. Identity is established upstream by the gateway; requests without
// the header pass through and are rejected by handlers that need an owner.
func UserID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if uid := r.Header.Get("X-User-ID"); uid != "" {
			r = r.WithContext(context.WithValue(r.Context(), userIDKey, uid))
		}
		next.ServeHTTP(w, r)
	})
}

func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}
