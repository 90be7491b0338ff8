package auth

import (
	"context"
	"net/http"
	"strings"
)

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

type DevAuthenticator struct {
	identity Identity
}

func NewDevAuthenticator(cfg Config) *DevAuthenticator {
	return &DevAuthenticator{
		identity: Identity{
			Subject: cfg.DevSubject,
			Email:   cfg.DevEmail,
			Roles:   cfg.DevRoles,
		},
	}
}

func (a *DevAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	return a.identity, nil
}

// HeaderAuthenticator trusts a caller-supplied actor header. Every caller is
// an admin; use it only behind a trusted boundary.
type HeaderAuthenticator struct {
	header string
}

func NewHeaderAuthenticator(header string) *HeaderAuthenticator {
	if strings.TrimSpace(header) == "" {
		header = DefaultActorHeader
	}
	return &HeaderAuthenticator{header: header}
}

func (a *HeaderAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	subject := strings.TrimSpace(r.Header.Get(a.header))
	if subject == "" {
		subject = Anonymous
	}
	return Identity{Subject: subject, Roles: []string{RoleAdmin}}, nil
}
