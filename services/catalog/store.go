package catalog

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the durable, queryable projection of the artifact catalog. All
// mutations run inside a transaction holding a row lock on the affected
// (artifact_id, version) pair, so concurrent writers serialize per record.
type Store struct {
	orm *gorm.DB
}

// NewStore creates a Store over the provided GORM handle.
func NewStore(orm *gorm.DB) (*Store, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &Store{orm: orm}, nil
}

// Upsert inserts the record on first sight of its (artifact_id, version)
// pair and otherwise replaces the manifest-derived fields with the incoming
// values. Lifecycle status (revocation, deprecation) is preserved across
// upserts. A replay of an already-applied manifest is a no-op, and a
// manifest older than the stored published_at is ignored so reordered
// duplicates cannot roll the row back.
func (s *Store) Upsert(ctx context.Context, rec Record) (Record, error) {
	if err := Validate(rec); err != nil {
		return Record{}, err
	}

	var out Record
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m artifactModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("artifact_id = ? AND version = ?", rec.ArtifactID, rec.Version).
			First(&m).Error

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			m = artifactModel{ID: uuid.New()}
			m.applyManifest(rec)
			if err := tx.Create(&m).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if rec.PublishedAt.Before(m.PublishedAt) {
				// Stale duplicate from replay or reordering; keep the newer row.
				out = m.toRecord()
				return nil
			}
			before := m.toRecord()
			m.applyManifest(rec)
			if !sameManifest(before, m.toRecord()) {
				if err := tx.Save(&m).Error; err != nil {
					return err
				}
			}
		}

		out = m.toRecord()
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return out, nil
}

// MarkRevoked sets the revocation status on an existing record. The earliest
// observed revocation timestamp wins; marking an already-revoked record is a
// no-op. Returns ErrNotFound when the pair has never been seen.
func (s *Store) MarkRevoked(ctx context.Context, artifactID, version, reason, advisoryURL string, revokedAt time.Time) (Record, error) {
	if revokedAt.IsZero() {
		revokedAt = time.Now().UTC()
	}

	var out Record
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m artifactModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("artifact_id = ? AND version = ?", artifactID, version).
			First(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if m.RevokedAt == nil {
			m.RevokedAt = &revokedAt
			m.RevokedReason = reason
			m.AdvisoryURL = advisoryURL
			if err := tx.Model(&m).Updates(map[string]any{
				"revoked_at":     m.RevokedAt,
				"revoked_reason": m.RevokedReason,
				"advisory_url":   m.AdvisoryURL,
			}).Error; err != nil {
				return err
			}
		}

		out = m.toRecord()
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return out, nil
}

// MarkDeprecated sets the deprecation status on an existing record,
// independent of any revocation. Idempotent in the same way as MarkRevoked.
func (s *Store) MarkDeprecated(ctx context.Context, artifactID, version, reason, replacementID string, deprecatedAt time.Time) (Record, error) {
	if deprecatedAt.IsZero() {
		deprecatedAt = time.Now().UTC()
	}

	var out Record
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m artifactModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("artifact_id = ? AND version = ?", artifactID, version).
			First(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if m.DeprecatedAt == nil {
			m.DeprecatedAt = &deprecatedAt
			m.DeprecatedReason = reason
			m.ReplacementID = replacementID
			if err := tx.Model(&m).Updates(map[string]any{
				"deprecated_at":     m.DeprecatedAt,
				"deprecated_reason": m.DeprecatedReason,
				"replacement_id":    m.ReplacementID,
			}).Error; err != nil {
				return err
			}
		}

		out = m.toRecord()
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return out, nil
}

// Get fetches the record for an exact (artifact_id, version) pair.
func (s *Store) Get(ctx context.Context, artifactID, version string) (Record, error) {
	var m artifactModel
	err := s.orm.WithContext(ctx).
		Where("artifact_id = ? AND version = ?", artifactID, version).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return m.toRecord(), nil
}

// GetLatest returns the most recently published non-revoked version of an
// artifact.
func (s *Store) GetLatest(ctx context.Context, artifactID string) (Record, error) {
	var m artifactModel
	err := s.orm.WithContext(ctx).
		Where("artifact_id = ? AND revoked_at IS NULL", artifactID).
		Order("published_at DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return m.toRecord(), nil
}

// ListVersions returns the version history of an artifact, newest first,
// revoked versions included.
func (s *Store) ListVersions(ctx context.Context, artifactID string) ([]VersionSummary, error) {
	var versions []VersionSummary
	err := s.orm.WithContext(ctx).
		Model(&artifactModel{}).
		Select("version", "published_at", "revoked_at").
		Where("artifact_id = ?", artifactID).
		Order("published_at DESC").
		Find(&versions).Error
	if err != nil {
		return nil, err
	}
	return versions, nil
}

// Search runs a case-insensitive substring match over display names and
// descriptions, narrowed by the filters, newest first.
func (s *Store) Search(ctx context.Context, text string, f Filters, p Page) (PageResult, error) {
	q := s.filtered(ctx, f)

	text = strings.TrimSpace(text)
	if text != "" {
		pattern := "%" + escapeLike(strings.ToLower(text)) + "%"
		q = q.Where("(LOWER(display_name) LIKE ? OR LOWER(description) LIKE ?)", pattern, pattern)
	}

	return s.paginate(q, p)
}

// ListAll returns records matching the filters with the same sort and
// pagination contract as Search, without a text predicate.
func (s *Store) ListAll(ctx context.Context, f Filters, p Page) (PageResult, error) {
	return s.paginate(s.filtered(ctx, f), p)
}

// CountByType returns the number of non-revoked records per artifact type.
func (s *Store) CountByType(ctx context.Context) (map[ArtifactType]int64, error) {
	var rows []struct {
		Type  string
		Count int64
	}
	err := s.orm.WithContext(ctx).
		Model(&artifactModel{}).
		Select("type, COUNT(*) AS count").
		Where("revoked_at IS NULL").
		Group("type").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[ArtifactType]int64, len(rows))
	for _, row := range rows {
		counts[ArtifactType(row.Type)] = row.Count
	}
	return counts, nil
}

// ListChangedSince returns records touched at or after the cursor, oldest
// change first, revoked records included. The refresh responder uses it to
// replay missed events to reconnecting peers.
func (s *Store) ListChangedSince(ctx context.Context, since time.Time, limit int) ([]Record, error) {
	if limit < 1 {
		limit = defaultPageSize
	}

	q := s.orm.WithContext(ctx).Model(&artifactModel{})
	if !since.IsZero() {
		q = q.Where("updated_at >= ?", since)
	}

	var models []artifactModel
	if err := q.Order("updated_at ASC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(models))
	for _, m := range models {
		records = append(records, m.toRecord())
	}
	return records, nil
}

func (s *Store) filtered(ctx context.Context, f Filters) *gorm.DB {
	q := s.orm.WithContext(ctx).Model(&artifactModel{})
	if !f.IncludeRevoked {
		q = q.Where("revoked_at IS NULL")
	}
	if f.Type != "" {
		q = q.Where("type = ?", string(f.Type))
	}
	return q
}

func (s *Store) paginate(q *gorm.DB, p Page) (PageResult, error) {
	p = p.normalize()

	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return PageResult{}, err
	}

	var models []artifactModel
	err := q.Order("published_at DESC").
		Offset(p.offset()).
		Limit(p.Size).
		Find(&models).Error
	if err != nil {
		return PageResult{}, err
	}

	records := make([]Record, 0, len(models))
	for _, m := range models {
		records = append(records, m.toRecord())
	}

	return PageResult{
		Records:  records,
		Page:     p.Number,
		PageSize: p.Size,
		Total:    total,
	}, nil
}

func escapeLike(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(s)
}

// sameManifest reports whether two records carry the same manifest-derived
// fields. Timestamps are compared as instants; a DB round trip can change a
// time's location or strip its monotonic reading without the value moving,
// and that must not count as a change (a spurious re-save bumps updated_at,
// which the replay cursor keys on).
func sameManifest(a, b Record) bool {
	return a.ArtifactID == b.ArtifactID &&
		a.Version == b.Version &&
		a.Type == b.Type &&
		a.DisplayName == b.DisplayName &&
		a.Description == b.Description &&
		a.License == b.License &&
		a.Homepage == b.Homepage &&
		a.SourceRepo == b.SourceRepo &&
		slices.Equal(a.Keywords, b.Keywords) &&
		a.Registry == b.Registry &&
		a.ImageDigest == b.ImageDigest &&
		slices.Equal(a.Platforms, b.Platforms) &&
		a.DownloadURL == b.DownloadURL &&
		a.DownloadSize == b.DownloadSize &&
		a.Checksum == b.Checksum &&
		a.PublisherDID == b.PublisherDID &&
		a.Signature == b.Signature &&
		a.PublishedAt.Equal(b.PublishedAt) &&
		sameMetadata(a.Metadata, b.Metadata)
}

func sameMetadata(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
