package perm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"partyjournal/api/internal/docstore"
)

func TestEmailToDocID(t *testing.T) {
	cases := map[string]string{
		"DM@Example.com":      "dm@example_com",
		"a.b#c$d[e]f@x.io":    "a_b_c_d_e_f@x_io",
		" padded@example.com": "padded@example_com",
	}
	for in, want := range cases {
		assert.Equal(t, want, emailToDocID(in), "emailToDocID(%q)", in)
	}
}

func TestUpsertLookupRemove(t *testing.T) {
	ctx := context.Background()
	svc := NewService(docstore.NewMemory(), nil, "")

	require.NoError(t, svc.Upsert(ctx, "Player@Example.com", "editor", "dm@example.com"))

	rec, err := svc.Lookup(ctx, "player@example.com")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "player@example.com", rec.Email)
	assert.Equal(t, "editor", rec.Role)
	assert.Equal(t, "dm@example.com", rec.AddedBy)

	// Upsert overwrites the role in place.
	require.NoError(t, svc.Upsert(ctx, "player@example.com", "admin", "dm@example.com"))
	list, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "admin", list[0].Role)

	require.NoError(t, svc.Remove(ctx, "player@example.com"))
	rec, err = svc.Lookup(ctx, "player@example.com")
	require.NoError(t, err)
	assert.Nil(t, rec)

	// Removing again is a no-op.
	require.NoError(t, svc.Remove(ctx, "player@example.com"))
}

func TestUpsertRejectsUnknownRole(t *testing.T) {
	svc := NewService(docstore.NewMemory(), nil, "")
	assert.Error(t, svc.Upsert(context.Background(), "x@example.com", "superuser", ""))
	assert.Error(t, svc.Upsert(context.Background(), "", "editor", ""))
}

func TestFetchPermissionsRecord(t *testing.T) {
	ctx := context.Background()
	svc := NewService(docstore.NewMemory(), nil, "")
	require.NoError(t, svc.Upsert(ctx, "editor@example.com", "editor", ""))
	require.NoError(t, svc.Upsert(ctx, "admin@example.com", "admin", ""))
	require.NoError(t, svc.Upsert(ctx, "viewer@example.com", "viewer", ""))

	got, err := svc.FetchPermissions(ctx, "editor@example.com")
	require.NoError(t, err)
	assert.True(t, got.IsAllowed)
	assert.True(t, got.CanEdit)
	assert.False(t, got.IsAdmin)
	require.NotNil(t, got.Role)
	assert.Equal(t, "editor", *got.Role)

	got, err = svc.FetchPermissions(ctx, "admin@example.com")
	require.NoError(t, err)
	assert.True(t, got.CanEdit)
	assert.True(t, got.IsAdmin)

	got, err = svc.FetchPermissions(ctx, "viewer@example.com")
	require.NoError(t, err)
	assert.True(t, got.IsAllowed)
	assert.False(t, got.CanEdit)
	assert.False(t, got.IsAdmin)
}

func TestFetchPermissionsUnknownUserDenied(t *testing.T) {
	svc := NewService(docstore.NewMemory(), nil, "")
	got, err := svc.FetchPermissions(context.Background(), "stranger@example.com")
	require.NoError(t, err)
	assert.False(t, got.IsAllowed)
	assert.Nil(t, got.Role)
}

func TestFetchPermissionsAllowList(t *testing.T) {
	ctx := context.Background()
	svc := NewService(docstore.NewMemory(), []string{
		"Guest@Example.com",
		"dm@example.com:admin",
		"Scribe@Example.com:editor",
		"odd@example.com:superuser",
		" ",
	}, "")

	// A bare email defaults to viewer.
	got, err := svc.FetchPermissions(ctx, "guest@example.com")
	require.NoError(t, err)
	assert.True(t, got.IsAllowed)
	assert.False(t, got.CanEdit)
	require.NotNil(t, got.Role)
	assert.Equal(t, "viewer", *got.Role)

	// email:role pairs honor the declared role.
	got, err = svc.FetchPermissions(ctx, "dm@example.com")
	require.NoError(t, err)
	assert.True(t, got.IsAllowed)
	assert.True(t, got.CanEdit)
	assert.True(t, got.IsAdmin)
	require.NotNil(t, got.Role)
	assert.Equal(t, "admin", *got.Role)

	got, err = svc.FetchPermissions(ctx, "scribe@example.com")
	require.NoError(t, err)
	assert.True(t, got.CanEdit)
	assert.False(t, got.IsAdmin)

	// Unknown roles fall back to viewer instead of denying.
	got, err = svc.FetchPermissions(ctx, "odd@example.com")
	require.NoError(t, err)
	assert.True(t, got.IsAllowed)
	assert.False(t, got.CanEdit)
}

func TestAllowListRecordTakesPrecedence(t *testing.T) {
	ctx := context.Background()
	svc := NewService(docstore.NewMemory(), []string{"player@example.com:admin"}, "")
	require.NoError(t, svc.Upsert(ctx, "player@example.com", "viewer", "dm@example.com"))

	got, err := svc.FetchPermissions(ctx, "player@example.com")
	require.NoError(t, err)
	assert.True(t, got.IsAllowed)
	assert.False(t, got.IsAdmin, "stored record wins over the allow-list role")
	require.NotNil(t, got.Role)
	assert.Equal(t, "viewer", *got.Role)
}

func TestFetchPermissionsDevAdmin(t *testing.T) {
	svc := NewService(docstore.NewMemory(), nil, "DM@Example.com")
	got, err := svc.FetchPermissions(context.Background(), "dm@example.com")
	require.NoError(t, err)
	assert.True(t, got.IsAllowed)
	assert.True(t, got.CanEdit)
	assert.True(t, got.IsAdmin)

	isAdmin, err := svc.IsAdmin(context.Background(), "dm@example.com")
	require.NoError(t, err)
	assert.True(t, isAdmin)
}
