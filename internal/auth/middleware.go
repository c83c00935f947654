package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey struct{}

// WithSubject returns a copy of ctx carrying the authenticated subject.
func WithSubject(ctx context.Context, subjectID string) context.Context {
	return context.WithValue(ctx, contextKey{}, subjectID)
}

// SubjectFromContext returns the subject attached by Middleware.
func SubjectFromContext(ctx context.Context) (string, bool) {
	subjectID, ok := ctx.Value(contextKey{}).(string)
	return subjectID, ok && subjectID != ""
}

// BearerToken extracts the credential from an Authorization header.
func BearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
}

// HandshakeToken extracts the credential presented when opening a
// realtime connection: the Authorization header if present, otherwise
// the "token" query parameter.
func HandshakeToken(r *http.Request) string {
	if token := BearerToken(r); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// Middleware rejects requests without a valid bearer token and attaches
// the subject to the request context.
func Middleware(verifier Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subjectID, err := verifier.Verify(BearerToken(r))
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subjectID)))
		})
	}
}
