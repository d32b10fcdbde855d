package http

import "context"

type contextKey string

const (
	conversationContextKey contextKey = "conversation_id"
	handleIDContextKey     contextKey = "calendar_handle_id"
	providerContextKey     contextKey = "provider"
)

// ContextWithConversationID injects the conversation identifier resolved from
// the request path.
func ContextWithConversationID(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, conversationContextKey, conversationID)
}

// ConversationIDFromContext extracts a conversation identifier previously
// associated with the context.
func ConversationIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(conversationContextKey).(string)
	return id, ok
}

// ContextWithHandleID injects the calendar handle identifier resolved from
// the request path.
func ContextWithHandleID(ctx context.Context, handleID string) context.Context {
	return context.WithValue(ctx, handleIDContextKey, handleID)
}

// HandleIDFromContext extracts a calendar handle identifier previously
// associated with the context.
func HandleIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(handleIDContextKey).(string)
	return id, ok
}

// ContextWithProvider injects the provider name resolved from the request path.
func ContextWithProvider(ctx context.Context, provider string) context.Context {
	return context.WithValue(ctx, providerContextKey, provider)
}

// ProviderFromContext extracts a provider name previously associated with the
// context.
func ProviderFromContext(ctx context.Context) (string, bool) {
	provider, ok := ctx.Value(providerContextKey).(string)
	return provider, ok
}
