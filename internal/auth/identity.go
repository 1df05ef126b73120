// Package auth resolves the caller of an operation. HTTP middleware places
// the verified address in the request context; ContextIdentity reads it back
// for the registry.
package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/punchamoorthee/commitfund/internal/domain"
)

type ctxKeyCaller struct{}

// WithCaller returns a context carrying addr as the caller.
func WithCaller(ctx context.Context, addr domain.Address) context.Context {
	return context.WithValue(ctx, ctxKeyCaller{}, addr)
}

// CallerFromContext returns the caller placed by WithCaller.
func CallerFromContext(ctx context.Context) (domain.Address, bool) {
	addr, ok := ctx.Value(ctxKeyCaller{}).(domain.Address)
	if !ok || addr == "" {
		return "", false
	}
	return addr, true
}

// ContextIdentity implements registry.CallerIdentity over request contexts.
type ContextIdentity struct{}

func (ContextIdentity) Current(ctx context.Context) (domain.Address, error) {
	addr, ok := CallerFromContext(ctx)
	if !ok {
		return "", domain.ErrCallerRequired
	}
	return addr, nil
}

// Mode selects how callers prove their identity.
type Mode string

const (
	// ModeDev trusts the X-Caller-Address header. Local use only.
	ModeDev Mode = "dev"
	// ModeJWT requires a signed bearer token whose subject is the address.
	ModeJWT Mode = "jwt"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeDev:
		return ModeDev, nil
	case ModeJWT:
		return ModeJWT, nil
	}
	return "", fmt.Errorf("unknown auth mode %q", s)
}
