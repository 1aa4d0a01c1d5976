// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Extracts JWT from Authorization header and adds the caller's identity to context

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/coven-chat/internal/store"
)

// ProfileLookup resolves a verified token subject to a profile
type ProfileLookup interface {
	GetProfile(ctx context.Context, id string) (*store.Profile, error)
}

// errLookupFailed marks profile lookups that failed for a reason other than
// a missing profile. Callers report it as unavailable, not unauthenticated.
var errLookupFailed = errors.New("profile lookup failed")

// authenticate verifies token and resolves its subject to a profile. On
// failure it also returns a reason for the auth failure log.
func authenticate(ctx context.Context, profiles ProfileLookup, tokens TokenVerifier, token string) (*AuthContext, string, error) {
	userID, err := tokens.Verify(token)
	if err != nil {
		return nil, "token_verification_failed", err
	}

	profile, err := profiles.GetProfile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, "profile_not_found", fmt.Errorf("profile %s: %w", userID, err)
	}
	if err != nil {
		return nil, "profile_lookup_failed", fmt.Errorf("%w: %s: %v", errLookupFailed, userID, err)
	}

	return &AuthContext{UserID: profile.ID, Username: profile.Username}, "", nil
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// logHTTPAuthFailure logs an authentication failure with structured context.
func logHTTPAuthFailure(logger *slog.Logger, r *http.Request, reason string, attrs ...any) {
	if logger == nil {
		return
	}
	baseAttrs := []any{"reason", reason, "path", r.URL.Path, "remote_addr", r.RemoteAddr}
	baseAttrs = append(baseAttrs, attrs...)
	logger.Warn("http auth failure", baseAttrs...)
}

// HTTPAuthMiddleware creates an HTTP middleware that extracts and validates JWT tokens.
// It looks up the profile and adds AuthContext to the request context using the same
// WithAuth/FromContext pattern as the gRPC interceptor.
// The optional logger enables auth failure logging.
func HTTPAuthMiddleware(profiles ProfileLookup, verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				logHTTPAuthFailure(logger, r, "token_extraction_failed", "detail", errMsg)
				writeAuthError(w, http.StatusUnauthorized, errMsg)
				return
			}

			authCtx, reason, err := authenticate(r.Context(), profiles, verifier, token)
			if err != nil {
				logHTTPAuthFailure(logger, r, reason, "error", err.Error())
				if errors.Is(err, errLookupFailed) {
					writeAuthError(w, http.StatusServiceUnavailable, "profile lookup failed")
					return
				}
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}` + "\n"))
}
