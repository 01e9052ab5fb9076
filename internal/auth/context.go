package auth

import "context"

type ctxKey struct{}

// WithLogin marks the request as authenticated as login.
func WithLogin(ctx context.Context, login string) context.Context {
	return context.WithValue(ctx, ctxKey{}, login)
}

// LoginFromContext returns the authenticated login, or "".
func LoginFromContext(ctx context.Context) string {
	l, _ := ctx.Value(ctxKey{}).(string)
	return l
}
