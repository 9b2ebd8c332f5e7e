// ABOUTME: End-user identity context for webchat request handling
// ABOUTME: Provides WithEndUser/EndUserFromContext for propagating verified users via context

package auth

import (
	"context"
)

// endUserContextKey is the key type for storing EndUser in context.Context.
type endUserContextKey struct{}

// WithEndUser returns a new context with the verified end user attached.
func WithEndUser(ctx context.Context, u *EndUser) context.Context {
	return context.WithValue(ctx, endUserContextKey{}, u)
}

// EndUserFromContext retrieves the EndUser from the context, returning nil if not present.
func EndUserFromContext(ctx context.Context) *EndUser {
	u, _ := ctx.Value(endUserContextKey{}).(*EndUser)
	return u
}
