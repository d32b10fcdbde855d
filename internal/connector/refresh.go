package connector

import "context"

// RefreshSink receives credentials an adapter renewed in the middle of a
// call, so the caller can reseal and store them instead of repeating the
// exchange on the next call.
type RefreshSink func(provider ProviderKind, creds Credentials)

type refreshSinkKey struct{}

// WithRefreshSink attaches a sink to the context. Adapters that refresh
// reactively, on a 401 mid-call, deliver the new credentials through it.
func WithRefreshSink(ctx context.Context, sink RefreshSink) context.Context {
	return context.WithValue(ctx, refreshSinkKey{}, sink)
}

// NotifyRefresh hands refreshed credentials to the context's sink, if any.
func NotifyRefresh(ctx context.Context, provider ProviderKind, creds Credentials) {
	if sink, ok := ctx.Value(refreshSinkKey{}).(RefreshSink); ok && sink != nil {
		sink(provider, creds)
	}
}
