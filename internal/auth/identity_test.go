package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdentityContextRoundTrip(t *testing.T) {
	ctx := ContextWithIdentity(context.Background(), testIdentity())

	identity, ok := IdentityFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, testIdentity(), identity)

	_, ok = IdentityFromContext(context.Background())
	require.False(t, ok)

	_, ok = IdentityFromContext(ContextWithIdentity(context.Background(), Identity{}))
	require.False(t, ok, "identity without subject must not count as authenticated")
}

func TestIdentityHasRole(t *testing.T) {
	identity := testIdentity()
	require.True(t, identity.HasRole("editor", "author"))
	require.False(t, identity.HasRole("admin"))
	require.False(t, identity.HasRole())
}
