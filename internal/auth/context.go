// ABOUTME: Authentication context for tracking the caller through request handlers
// ABOUTME: Provides WithSession/FromContext for propagating sessions via context

package auth

import (
	"context"
)

// sessionContextKey is the key type for storing a Session in context.Context.
type sessionContextKey struct{}

// localContextKey marks requests from the local machine.
type localContextKey struct{}

// WithSession returns a new context with the session attached.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, s)
}

// FromContext retrieves the session from the context, returning nil if not present.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionContextKey{}).(*Session)
	return s
}

// WithLocal marks the context as belonging to a loopback caller.
func WithLocal(ctx context.Context) context.Context {
	return context.WithValue(ctx, localContextKey{}, true)
}

// IsLocal reports whether the request came from the local machine.
func IsLocal(ctx context.Context) bool {
	local, _ := ctx.Value(localContextKey{}).(bool)
	return local
}
