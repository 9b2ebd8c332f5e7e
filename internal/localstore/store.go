// ABOUTME: Key/value persistence for end-user unlock tokens and chat session ids
// ABOUTME: Keys are partitioned by a deterministic per-context string

package localstore

import "context"

// Store is a small durable key/value store. Writes are last-write-wins.
type Store interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

const (
	unlockPrefix  = "onduty_unlock:"
	sessionPrefix = "on_duty_session_id:"

	// PublicContext is used when neither an agent nor a tenant slug is known.
	PublicContext = "public"
)

// ContextKey derives the conversation context: agent slug, else tenant slug,
// else PublicContext.
func ContextKey(agentSlug, tenantSlug string) string {
	switch {
	case agentSlug != "":
		return agentSlug
	case tenantSlug != "":
		return tenantSlug
	default:
		return PublicContext
	}
}

// UnlockKey is the storage key for a context's unlock token.
func UnlockKey(contextKey string) string {
	return unlockPrefix + contextKey
}

// SessionKey is the storage key for a context's chat session id.
func SessionKey(contextKey string) string {
	return sessionPrefix + contextKey
}
