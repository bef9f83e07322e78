// Package supabase implements store.AuthorizationFacade over a Postgres
// table accessed through supabase-go, using its From/Select/Insert/
// Update/Eq/ExecuteTo query style with one row struct per table.
package supabase

import (
	"context"
	"fmt"
	"os"
	"time"

	supa "github.com/supabase-community/supabase-go"

	"github.com/ocx/broker/internal/mb/mberr"
	"github.com/ocx/broker/internal/store"
)

// grantRow mirrors the authorization_grants table.
type grantRow struct {
	IdentityString string `json:"identity_string"`
	Resource       string `json:"resource"`
	Allowed        bool   `json:"allowed"`
	ExpiryMicros   *int64 `json:"expiry_micros"`
}

// Facade persists authorization grants in a Postgres table reached through
// Supabase's PostgREST API.
type Facade struct {
	client *supa.Client
}

// New wraps an already-constructed supabase-go client.
func New(client *supa.Client) *Facade {
	return &Facade{client: client}
}

// NewFromEnv builds a client from SUPABASE_URL / SUPABASE_SERVICE_KEY.
func NewFromEnv() (*Facade, error) {
	url := os.Getenv("SUPABASE_URL")
	key := os.Getenv("SUPABASE_SERVICE_KEY")
	if url == "" || key == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}
	client, err := supa.NewClient(url, key, &supa.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &Facade{client: client}, nil
}

func (f *Facade) IsAuthorized(ctx context.Context, identityString, resource string) (bool, error) {
	var rows []grantRow
	_, err := f.client.From("authorization_grants").
		Select("*", "", false).
		Eq("identity_string", identityString).
		Eq("resource", resource).
		ExecuteTo(&rows)
	if err != nil {
		return false, mberr.Wrap(mberr.Unspecified, err, "is_authorized query")
	}
	if len(rows) == 0 {
		return false, nil
	}
	row := rows[0]
	if !row.Allowed {
		return false, nil
	}
	if row.ExpiryMicros != nil && *row.ExpiryMicros <= time.Now().UnixMicro() {
		return false, nil
	}
	return true, nil
}

func (f *Facade) AnyAuthorized(ctx context.Context, resource string) (bool, error) {
	var rows []grantRow
	_, err := f.client.From("authorization_grants").
		Select("identity_string", "", false).
		Eq("resource", resource).
		Eq("allowed", "true").
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return false, mberr.Wrap(mberr.Unspecified, err, "any_authorized query")
	}
	return len(rows) > 0, nil
}

func (f *Facade) Grant(ctx context.Context, identityString, resource string, expiryMicros *int64) error {
	row := grantRow{IdentityString: identityString, Resource: resource, Allowed: true, ExpiryMicros: expiryMicros}
	var result []grantRow
	_, err := f.client.From("authorization_grants").
		Upsert(row, "identity_string,resource", "", "").
		ExecuteTo(&result)
	if err != nil {
		return mberr.Wrap(mberr.Unspecified, err, "grant upsert")
	}
	return nil
}

func (f *Facade) Deny(ctx context.Context, identityString, resource string, expiryMicros *int64) error {
	row := grantRow{IdentityString: identityString, Resource: resource, Allowed: false, ExpiryMicros: expiryMicros}
	var result []grantRow
	_, err := f.client.From("authorization_grants").
		Upsert(row, "identity_string,resource", "", "").
		ExecuteTo(&result)
	if err != nil {
		return mberr.Wrap(mberr.Unspecified, err, "deny upsert")
	}
	return nil
}

var _ store.AuthorizationFacade = (*Facade)(nil)
