// Package cont carries the authenticated identity through request contexts.
package cont

import (
	"context"

	"LiveDesk/entity"
)

type contextKey string

const identityKey contextKey = "identity"

func PutIdentity(ctx context.Context, identity *entity.Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

func GetIdentity(ctx context.Context) *entity.Identity {
	identity, ok := ctx.Value(identityKey).(*entity.Identity)
	if !ok {
		return nil
	}
	return identity
}
