package types

import (
	"context"
)

// Context Keys
type contextKey string

const (
	accountKey   contextKey = "account"
	requestIDKey contextKey = "request_id"
)

// WithAccount stores the authenticated Account in the context.
// Set by the bearer-auth middleware after a successful API key lookup.
func WithAccount(ctx context.Context, account Account) context.Context {
	return context.WithValue(ctx, accountKey, account)
}

// GetAccount retrieves the authenticated Account from the context.
func GetAccount(ctx context.Context) (Account, bool) {
	account, ok := ctx.Value(accountKey).(Account)
	return account, ok
}

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
