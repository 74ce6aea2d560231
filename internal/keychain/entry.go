// Package keychain implements the keychain/credential resolver (C9):
// on-demand, cached retrieval of secrets by logical name, scoped to
// local/shared/global and cached for a short TTL; entries past their
// expiry are not refreshed here. Envelope
// encryption and secret masking are adapted from the teacher's
// internal/credential package rather than reimplemented.
package keychain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Scope narrows where a keychain entry is visible (spec.md §3.1).
type Scope string

const (
	ScopeLocal  Scope = "local"  // visible only within one execution
	ScopeShared Scope = "shared" // visible across sibling executions sharing a root
	ScopeGlobal Scope = "global" // visible catalog-wide
)

// JSONMap stores an open JSON object in a jsonb column, duplicated from
// events.JSONMap/queuemgr.JSONMap rather than shared across packages —
// each owns its own persistence boundary, matching how the teacher
// itself repeats this exact Valuer/Scanner pair per package instead of
// factoring out a shared jsonb helper type.
type JSONMap map[string]interface{}

func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(j)
}

func (j *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.New("keychain: unsupported type for JSONMap")
	}
	if len(data) == 0 {
		*j = JSONMap{}
		return nil
	}
	return json.Unmarshal(data, j)
}

// Entry is a keychain row (spec.md §3.1): keyed by
// (catalog_id, keychain_name[, execution_id for local/shared]).
type Entry struct {
	CatalogID     int64     `db:"catalog_id"`
	KeychainName  string    `db:"keychain_name"`
	Scope         Scope     `db:"scope"`
	ExecutionID   *int64    `db:"execution_id"`
	EncryptedData []byte    `db:"encrypted_data"`
	EncryptedKey  []byte    `db:"encrypted_key"`
	ExpiresAt     *time.Time `db:"expires_at"`
	AutoRenew     bool      `db:"auto_renew"`
	RenewConfig   JSONMap   `db:"renew_config"`
	CreatedAt     time.Time `db:"created_at"`
}
