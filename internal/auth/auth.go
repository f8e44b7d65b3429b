// Package auth carries the calling principal through a context and checks it
// against the principal an operation requires.
package auth

import (
	"context"

	"github.com/pkg/errors"

	"github.com/fluxora/streamledger/internal/domain"
)

type callerKey struct{}

// WithCaller returns a context whose calls are authorized by p.
func WithCaller(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, callerKey{}, p)
}

// CallerFrom returns the caller stored by WithCaller.
func CallerFrom(ctx context.Context) (domain.Principal, bool) {
	p, ok := ctx.Value(callerKey{}).(domain.Principal)
	return p, ok && p != ""
}

// ContextAuthorizer authorizes a call when the context caller equals the
// required principal. It implements app.Authorizer.
type ContextAuthorizer struct{}

// RequireCaller implements app.Authorizer.
func (ContextAuthorizer) RequireCaller(ctx context.Context, p domain.Principal) error {
	caller, ok := CallerFrom(ctx)
	if !ok {
		return errors.Wrap(domain.ErrUnauthorized, "no caller")
	}
	if p == "" || caller != p {
		return errors.Wrapf(domain.ErrUnauthorized, "caller %q is not %q", caller, p)
	}
	return nil
}
