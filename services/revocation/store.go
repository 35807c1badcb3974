package revocation

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/macula-io/macula-marketplace/pkg/db"
)

// Store persists revocation entries in the revoked_licenses table. The index
// on revoked_at keeps sweep scans and replay cursors cheap.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store over the provided pool.
func NewStore(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	return &Store{pool: pool}, nil
}

// Add inserts an entry, ignoring duplicates of the same identifier.
func (s *Store) Add(ctx context.Context, e Entry) error {
	_, err := db.Exec(ctx, s.pool, `
INSERT INTO revoked_licenses (license_cid, revoked_at, created_at)
VALUES ($1, $2, now())
ON CONFLICT (license_cid) DO NOTHING
`, e.LicenseCID, e.RevokedAt)
	return err
}

// List returns every entry revoked after newerThan.
func (s *Store) List(ctx context.Context, newerThan time.Time) ([]Entry, error) {
	var entries []Entry
	err := db.Select(ctx, s.pool, &entries, `
SELECT license_cid, revoked_at
FROM revoked_licenses
WHERE revoked_at > $1
`, newerThan)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// ListSince returns entries revoked at or after since, oldest first.
func (s *Store) ListSince(ctx context.Context, since time.Time, limit int) ([]Entry, error) {
	if limit < 1 {
		limit = 100
	}

	var entries []Entry
	err := db.Select(ctx, s.pool, &entries, `
SELECT license_cid, revoked_at
FROM revoked_licenses
WHERE revoked_at >= $1
ORDER BY revoked_at ASC
LIMIT $2
`, since, limit)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// DeleteOlderThan removes entries revoked before cutoff and reports how many
// rows went away.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.Exec(ctx, s.pool, `
DELETE FROM revoked_licenses
WHERE revoked_at < $1
`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
