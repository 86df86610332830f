// ABOUTME: gRPC interceptors admitting loopback callers or bearer sessions
// ABOUTME: Extracts auth from peer address and metadata and populates context for handlers

package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(logger *slog.Logger, ctx context.Context, reason string, attrs ...any) {
	if logger == nil {
		return
	}
	// Extract peer address if available
	baseAttrs := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		baseAttrs = append(baseAttrs, "peer_addr", p.Addr.String())
	}
	baseAttrs = append(baseAttrs, attrs...)
	logger.Warn("auth failure", baseAttrs...)
}

// UnaryInterceptor returns a gRPC unary interceptor that authenticates requests.
func UnaryInterceptor(m *Manager, logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ctx, err := extractAuth(ctx, m, logger)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor returns a gRPC stream interceptor that authenticates requests.
func StreamInterceptor(m *Manager, logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx, err := extractAuth(ss.Context(), m, logger)
		if err != nil {
			return err
		}

		wrapped := &wrappedServerStream{
			ServerStream: ss,
			ctx:          ctx,
		}
		return handler(srv, wrapped)
	}
}

// wrappedServerStream wraps a grpc.ServerStream with a custom context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

// extractAuth admits a caller on a loopback address without credentials, and
// anyone else with a valid bearer session in the authorization metadata.
func extractAuth(ctx context.Context, m *Manager, logger *slog.Logger) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	authHeaders := md.Get("authorization")

	if len(authHeaders) == 0 {
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil && IsLoopback(p.Addr.String()) {
			return WithLocal(ctx), nil
		}
		logAuthFailure(logger, ctx, "missing_authorization")
		return nil, status.Error(codes.Unauthenticated, "missing authorization header")
	}

	authHeader := authHeaders[0]
	if !strings.HasPrefix(authHeader, "Bearer ") {
		logAuthFailure(logger, ctx, "bad_authorization_format")
		return nil, status.Error(codes.Unauthenticated, "invalid authorization header format")
	}

	sess, err := m.Validate(ctx, strings.TrimPrefix(authHeader, "Bearer "))
	if err != nil {
		logAuthFailure(logger, ctx, "session_invalid", "error", err.Error())
		if errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrExpiredToken) ||
			errors.Is(err, ErrMissingClaim) || errors.Is(err, ErrSessionNotFound) {
			return nil, status.Error(codes.Unauthenticated, "invalid or expired session")
		}
		return nil, status.Errorf(codes.Unavailable, "session lookup failed: %v", err)
	}
	return WithSession(ctx, sess), nil
}
