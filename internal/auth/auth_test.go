package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"acctsync/internal/schema"
	"acctsync/internal/storage"
)

func seedUsers(t *testing.T) *storage.MemoryStore {
	t.Helper()
	store := storage.NewMemoryStore(schema.NewRegistry())
	ctx := context.Background()

	users := []schema.Record{
		{"id": int64(1), "email": "solo@example.com", "api_key": "key-1", "api_secret": "sec-1", "is_sub_account": false, "active": true},
		{"id": int64(2), "email": "master@example.com", "api_key": "key-2", "api_secret": "sec-2", "is_sub_account": true, "active": true},
		{"id": int64(3), "email": "gone@example.com", "api_key": "key-3", "api_secret": "sec-3", "is_sub_account": false, "active": false},
	}
	for _, u := range users {
		require.NoError(t, store.Insert(ctx, schema.TableUsers, u, storage.InsertOpts{}))
	}

	subs := []schema.Record{
		{"id": int64(10), "master_user_id": int64(2), "email": "sub-a@example.com", "api_key": "sub-key-a", "api_secret": "sub-sec-a"},
		{"id": int64(11), "master_user_id": int64(2), "email": "sub-b@example.com", "api_key": "sub-key-b", "api_secret": "sub-sec-b"},
	}
	for _, s := range subs {
		require.NoError(t, store.Insert(ctx, schema.TableSubUsers, s, storage.InsertOpts{}))
	}
	return store
}

func TestUserByAPIKey(t *testing.T) {
	authn := NewAuthenticator(seedUsers(t))
	ctx := context.Background()

	user, err := authn.UserByAPIKey(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), user.ID)
	assert.Equal(t, "solo@example.com", user.Email)
	assert.False(t, user.IsSubAccount)
	assert.Empty(t, user.SubUsers)
}

func TestUserByAPIKeyIgnoresInactive(t *testing.T) {
	authn := NewAuthenticator(seedUsers(t))

	_, err := authn.UserByAPIKey(context.Background(), "key-3")
	require.Error(t, err)

	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)
}

func TestSubAccountHydratesSubUsers(t *testing.T) {
	authn := NewAuthenticator(seedUsers(t))

	user, err := authn.UserByID(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, user.IsSubAccount)
	require.Len(t, user.SubUsers, 2)
	assert.Equal(t, int64(10), user.SubUsers[0].ID)
	assert.Equal(t, "sub-key-b", user.SubUsers[1].APIKey)
}

func TestSubAccountWithoutSubUsersFails(t *testing.T) {
	store := storage.NewMemoryStore(schema.NewRegistry())
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, schema.TableUsers, schema.Record{
		"id": int64(5), "email": "m@example.com", "api_key": "k", "api_secret": "s",
		"is_sub_account": true, "active": true,
	}, storage.InsertOpts{}))

	_, err := NewAuthenticator(store).UserByID(ctx, 5)
	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)
}

func TestActiveUsers(t *testing.T) {
	authn := NewAuthenticator(seedUsers(t))

	users, err := authn.ActiveUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, int64(1), users[0].ID)
	assert.Equal(t, int64(2), users[1].ID)
}
