package auth

import (
	"context"
	"strings"
)

// Anonymous is the actor recorded when no identity is attached.
const Anonymous = "anonymous"

type Identity struct {
	Subject string
	Email   string
	Roles   []string
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return v, ok
}

// ActorFromContext returns the subject to journal as the acting user.
func ActorFromContext(ctx context.Context) string {
	identity, ok := IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.Subject) == "" {
		return Anonymous
	}
	return strings.TrimSpace(identity.Subject)
}
