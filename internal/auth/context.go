package auth

import "context"

// Identity is the verified caller of an operator endpoint.
type Identity struct {
	OperatorID string
	Role       string
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity set by RequireAccessToken. ok is false
// for unauthenticated requests and for identities without a role.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	if !ok || id.OperatorID == "" || id.Role == "" {
		return Identity{}, false
	}
	return id, true
}
