// ABOUTME: gRPC interceptors that authenticate calls with JWT bearer tokens
// ABOUTME: Reads the authorization metadata and attaches the caller's profile to the context

package auth

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// UnaryInterceptor authenticates unary calls. A nil logger disables failure logs.
func UnaryInterceptor(profiles ProfileLookup, tokens TokenVerifier, logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		authCtx, err := authenticateRPC(ctx, profiles, tokens, logger)
		if err != nil {
			return nil, err
		}
		return handler(WithAuth(ctx, authCtx), req)
	}
}

// StreamInterceptor authenticates streaming calls such as LiveUpdates/Watch.
// The check runs once when the stream opens.
func StreamInterceptor(profiles ProfileLookup, tokens TokenVerifier, logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		authCtx, err := authenticateRPC(ss.Context(), profiles, tokens, logger)
		if err != nil {
			return err
		}
		return handler(srv, &authedStream{ServerStream: ss, ctx: WithAuth(ss.Context(), authCtx)})
	}
}

// authenticateRPC maps authenticate onto gRPC status codes: Unauthenticated
// for anything the caller can fix, Unavailable when the profile store failed.
func authenticateRPC(ctx context.Context, profiles ProfileLookup, tokens TokenVerifier, logger *slog.Logger) (*AuthContext, error) {
	var header string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get("authorization"); len(values) > 0 {
			header = values[0]
		}
	}

	token, errMsg := extractBearerToken(header)
	if errMsg != "" {
		logRPCAuthFailure(logger, ctx, "token_extraction_failed", "detail", errMsg)
		return nil, status.Error(codes.Unauthenticated, errMsg)
	}

	authCtx, reason, err := authenticate(ctx, profiles, tokens, token)
	if err != nil {
		logRPCAuthFailure(logger, ctx, reason, "error", err.Error())
		if errors.Is(err, errLookupFailed) {
			return nil, status.Error(codes.Unavailable, "profile lookup failed")
		}
		return nil, status.Error(codes.Unauthenticated, "invalid or expired token")
	}
	return authCtx, nil
}

func logRPCAuthFailure(logger *slog.Logger, ctx context.Context, reason string, attrs ...any) {
	if logger == nil {
		return
	}
	base := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		base = append(base, "peer_addr", p.Addr.String())
	}
	logger.Warn("grpc auth failure", append(base, attrs...)...)
}

// authedStream carries the authenticated context into stream handlers.
type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedStream) Context() context.Context { return s.ctx }
