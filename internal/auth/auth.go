// Package auth resolves the synced account from the local users tables. A
// sync run operates on behalf of one resolved user; sub-account users carry
// the credentials of each linked sub-user so private collections can be
// synced per sub-user.
package auth

import (
	"context"
	"fmt"

	"acctsync/internal/schema"
	"acctsync/internal/storage"
)

// SubUser is one account linked under a sub-account master.
type SubUser struct {
	ID        int64
	Email     string
	APIKey    string
	APISecret string
}

// User is the resolved account a sync run works on.
type User struct {
	ID           int64
	Email        string
	APIKey       string
	APISecret    string
	IsSubAccount bool
	SubUsers     []SubUser
}

// AuthError reports a failed account resolution.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: %s", e.Reason)
}

// Authenticator resolves users against the local store.
type Authenticator struct {
	store storage.Gateway
}

func NewAuthenticator(store storage.Gateway) *Authenticator {
	return &Authenticator{store: store}
}

// UserByAPIKey resolves the active user holding the given key, including its
// sub-users when it is a sub-account.
func (a *Authenticator) UserByAPIKey(ctx context.Context, apiKey string) (*User, error) {
	rec, err := a.store.GetElem(ctx, schema.TableUsers,
		storage.Filter{"api_key": apiKey, "active": true}, nil)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &AuthError{Reason: "no active user for api key"}
	}
	return a.hydrate(ctx, rec)
}

// UserByID resolves a user by its local id.
func (a *Authenticator) UserByID(ctx context.Context, id int64) (*User, error) {
	rec, err := a.store.GetElem(ctx, schema.TableUsers, storage.Filter{"id": id}, nil)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &AuthError{Reason: fmt.Sprintf("no user with id %d", id)}
	}
	return a.hydrate(ctx, rec)
}

// ActiveUsers resolves every active user, for scheduled sync-all runs.
func (a *Authenticator) ActiveUsers(ctx context.Context) ([]*User, error) {
	recs, err := a.store.GetElems(ctx, schema.TableUsers, storage.Query{
		Filter: storage.Filter{"active": true},
		Sort:   []schema.SortOrder{{Field: "id", Dir: schema.Asc}},
	})
	if err != nil {
		return nil, err
	}
	users := make([]*User, 0, len(recs))
	for _, rec := range recs {
		u, err := a.hydrate(ctx, rec)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

func (a *Authenticator) hydrate(ctx context.Context, rec schema.Record) (*User, error) {
	u := &User{
		ID:           asInt64(rec["id"]),
		Email:        asString(rec["email"]),
		APIKey:       asString(rec["api_key"]),
		APISecret:    asString(rec["api_secret"]),
		IsSubAccount: asBool(rec["is_sub_account"]),
	}

	if !u.IsSubAccount {
		return u, nil
	}

	subRecs, err := a.store.GetElems(ctx, schema.TableSubUsers, storage.Query{
		Filter: storage.Filter{"master_user_id": u.ID},
		Sort:   []schema.SortOrder{{Field: "id", Dir: schema.Asc}},
	})
	if err != nil {
		return nil, err
	}
	if len(subRecs) == 0 {
		return nil, &AuthError{Reason: fmt.Sprintf("sub-account %d has no sub-users", u.ID)}
	}
	for _, sr := range subRecs {
		u.SubUsers = append(u.SubUsers, SubUser{
			ID:        asInt64(sr["id"]),
			Email:     asString(sr["email"]),
			APIKey:    asString(sr["api_key"]),
			APISecret: asString(sr["api_secret"]),
		})
	}
	return u, nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case int64:
		return b != 0
	case float64:
		return b != 0
	}
	return false
}
