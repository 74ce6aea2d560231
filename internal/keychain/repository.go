package keychain

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when no keychain entry matches the lookup key.
var ErrNotFound = errors.New("keychain: entry not found")

// Repository persists keychain entries, grounded on the teacher's
// credential.Repository sqlx get/upsert idiom.
type Repository struct {
	db *sqlx.DB
}

// NewRepository constructs a Repository.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Get looks up an entry by its full key. executionID is required for
// local/shared scope and ignored for global.
func (r *Repository) Get(ctx context.Context, catalogID int64, name string, scope Scope, executionID *int64) (*Entry, error) {
	var entry Entry
	var err error
	if scope == ScopeGlobal {
		err = r.db.GetContext(ctx, &entry,
			`SELECT * FROM keychain WHERE catalog_id = $1 AND keychain_name = $2 AND scope = $3`,
			catalogID, name, scope)
	} else {
		err = r.db.GetContext(ctx, &entry,
			`SELECT * FROM keychain WHERE catalog_id = $1 AND keychain_name = $2 AND scope = $3 AND execution_id = $4`,
			catalogID, name, scope, executionID)
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &entry, nil
}

// Upsert inserts or replaces an entry for its key, used both on first
// request/declaration and on auto_renew refresh.
func (r *Repository) Upsert(ctx context.Context, e *Entry) error {
	query := `
		INSERT INTO keychain (
			catalog_id, keychain_name, scope, execution_id,
			encrypted_data, encrypted_key, expires_at, auto_renew, renew_config, created_at
		) VALUES (
			:catalog_id, :keychain_name, :scope, :execution_id,
			:encrypted_data, :encrypted_key, :expires_at, :auto_renew, :renew_config, :created_at
		)
		ON CONFLICT (catalog_id, keychain_name, scope, execution_id)
		DO UPDATE SET
			encrypted_data = EXCLUDED.encrypted_data,
			encrypted_key = EXCLUDED.encrypted_key,
			expires_at = EXCLUDED.expires_at,
			auto_renew = EXCLUDED.auto_renew,
			renew_config = EXCLUDED.renew_config
	`
	_, err := r.db.NamedExecContext(ctx, query, e)
	return err
}

// Delete removes all entries for a catalog_id, used on catalog removal
// (spec.md §3.3: "deleted on catalog removal").
func (r *Repository) Delete(ctx context.Context, catalogID int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM keychain WHERE catalog_id = $1`, catalogID)
	return err
}
