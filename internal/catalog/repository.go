package catalog

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmoiron/sqlx"

	"github.com/noetl/noetl/internal/ids"
)

// ErrNotFound is returned when no catalog entry matches the lookup.
var ErrNotFound = errors.New("catalog: entry not found")

// ErrVersionExists is returned by Register when (path, version) is
// already taken; catalog entries are immutable (spec.md §3.1).
var ErrVersionExists = errors.New("catalog: (path, version) already registered")

// Entry is an immutable catalog row.
type Entry struct {
	CatalogID int64     `db:"catalog_id"`
	Path      string    `db:"path"`
	Version   string    `db:"version"`
	Content   []byte    `db:"content"`
	CreatedAt time.Time `db:"created_at"`
}

// Repository is the content-addressed playbook store (C3). Playbook
// parses a catalog entry's content on its first read and memoizes the
// result in a small LRU keyed by catalog_id, matching the "in-memory playbook
// cache (LRU with version-key eviction)" of spec.md §5 — parsing is not
// required to be cached, but permitted, and the broker reparsing a hot
// playbook on every route_event call would dominate latency.
type Repository struct {
	db     *sqlx.DB
	gen    *ids.Generator
	logger *slog.Logger
	cache  *lru.Cache[int64, *Playbook]
}

// NewRepository constructs a Repository with a playbook parse cache of
// cacheSize entries.
func NewRepository(db *sqlx.DB, gen *ids.Generator, logger *slog.Logger, cacheSize int) (*Repository, error) {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	cache, err := lru.New[int64, *Playbook](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Repository{db: db, gen: gen, logger: logger, cache: cache}, nil
}

// Register stores a new immutable catalog entry, enforcing
// (path, version) uniqueness.
func (r *Repository) Register(ctx context.Context, path, version string, content []byte) (int64, error) {
	if version == "latest" {
		return 0, errors.New("catalog: \"latest\" is a resolution alias, not a registrable version")
	}

	var existing int64
	err := r.db.GetContext(ctx, &existing,
		`SELECT catalog_id FROM catalog WHERE path = $1 AND version = $2`, path, version)
	if err == nil {
		return 0, ErrVersionExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	catalogID := r.gen.Next()
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO catalog (catalog_id, path, version, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
		catalogID, path, version, content, time.Now())
	if err != nil {
		return 0, err
	}
	return catalogID, nil
}

// Get fetches an entry by catalog_id.
func (r *Repository) Get(ctx context.Context, catalogID int64) (*Entry, error) {
	var e Entry
	err := r.db.GetContext(ctx, &e, `SELECT * FROM catalog WHERE catalog_id = $1`, catalogID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// GetByPathVersion fetches an entry by (path, version); version ==
// "latest" resolves to the newest entry for path.
func (r *Repository) GetByPathVersion(ctx context.Context, path, version string) (*Entry, error) {
	if version == "latest" || version == "" {
		return r.GetLatest(ctx, path)
	}
	var e Entry
	err := r.db.GetContext(ctx, &e,
		`SELECT * FROM catalog WHERE path = $1 AND version = $2`, path, version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// GetLatest resolves (path, "latest") to the newest entry.
func (r *Repository) GetLatest(ctx context.Context, path string) (*Entry, error) {
	var e Entry
	err := r.db.GetContext(ctx, &e,
		`SELECT * FROM catalog WHERE path = $1 ORDER BY catalog_id DESC LIMIT 1`, path)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// Playbook returns the parsed playbook for catalog_id, using the LRU
// parse cache. Catalog entries are immutable, so a cache entry never
// goes stale.
func (r *Repository) Playbook(ctx context.Context, catalogID int64) (*Playbook, error) {
	if pb, ok := r.cache.Get(catalogID); ok {
		return pb, nil
	}

	entry, err := r.Get(ctx, catalogID)
	if err != nil {
		return nil, err
	}
	pb, err := Parse(entry.Content)
	if err != nil {
		return nil, err
	}
	r.cache.Add(catalogID, pb)
	return pb, nil
}
