package catalog

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestSameManifestComparesInstants(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := validRecord(TypeONNXModel)
	a.PublishedAt = at

	b := a
	b.PublishedAt = at.In(time.FixedZone("CET", 3600))
	if !sameManifest(a, b) {
		t.Fatal("timestamp location change treated as a manifest change")
	}

	b = a
	b.PublishedAt = at.Round(0) // monotonic reading stripped
	if !sameManifest(a, b) {
		t.Fatal("monotonic clock reading treated as a manifest change")
	}

	b = a
	a.Keywords = []string{}
	b.Keywords = nil
	if !sameManifest(a, b) {
		t.Fatal("nil and empty keyword slices treated as different")
	}

	b = a
	b.Checksum = "feedface"
	if sameManifest(a, b) {
		t.Fatal("checksum change not detected")
	}

	b = a
	b.PublishedAt = at.Add(time.Second)
	if sameManifest(a, b) {
		t.Fatal("published_at change not detected")
	}
}

// testStore opens the store against TEST_DB_DSN. The query semantics under
// test live in SQL, so these tests need a real database; without one they
// skip.
func testStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("TEST_DB_DSN not set")
	}

	orm, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	if err := orm.AutoMigrate(&artifactModel{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := orm.Exec("TRUNCATE artifact_records").Error; err != nil {
		t.Fatalf("truncate: %v", err)
	}

	store, err := NewStore(orm)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return store, orm
}

func seedRecord(artifactID, version, name, desc string, at time.Time) Record {
	r := validRecord(TypeONNXModel)
	r.ArtifactID = artifactID
	r.Version = version
	r.DisplayName = name
	r.Description = desc
	r.PublishedAt = at
	return r
}

func TestStoreUpsertReplayIsNoOp(t *testing.T) {
	store, orm := testStore(t)
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := seedRecord("acme/resnet50", "1.0.0", "ResNet-50", "image classifier", at)
	if _, err := store.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	var before artifactModel
	if err := orm.Where("artifact_id = ? AND version = ?", rec.ArtifactID, rec.Version).First(&before).Error; err != nil {
		t.Fatalf("load row: %v", err)
	}

	// Replaying the identical manifest must not rewrite the row even though
	// the stored timestamp comes back from the database in a different
	// representation; a rewrite bumps updated_at, which the replay cursor
	// keys on.
	if _, err := store.Upsert(ctx, rec); err != nil {
		t.Fatalf("replayed Upsert() error = %v", err)
	}

	var after artifactModel
	if err := orm.Where("artifact_id = ? AND version = ?", rec.ArtifactID, rec.Version).First(&after).Error; err != nil {
		t.Fatalf("reload row: %v", err)
	}
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("replay bumped updated_at from %v to %v", before.UpdatedAt, after.UpdatedAt)
	}

	// A stale duplicate must not roll the row back.
	stale := rec
	stale.Description = "older text"
	stale.PublishedAt = at.Add(-time.Hour)
	out, err := store.Upsert(ctx, stale)
	if err != nil {
		t.Fatalf("stale Upsert() error = %v", err)
	}
	if out.Description != "image classifier" {
		t.Fatalf("stale duplicate rolled the row back: %+v", out)
	}
}

func TestStoreSearch(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seeds := []Record{
		seedRecord("acme/trainer", "1.0.0", "Neural Net Trainer", "", at),
		seedRecord("acme/resnet50", "1.0.0", "ResNet-50", "a neural network for image classification", at.Add(time.Minute)),
		seedRecord("acme/weather", "1.0.0", "Weather Dataset", "hourly observations", at.Add(2*time.Minute)),
	}
	for _, r := range seeds {
		if _, err := store.Upsert(ctx, r); err != nil {
			t.Fatalf("seed %s: %v", r.ArtifactID, err)
		}
	}
	if _, err := store.MarkRevoked(ctx, "acme/trainer", "1.0.0", "malware", "", at.Add(time.Hour)); err != nil {
		t.Fatalf("seed revocation: %v", err)
	}

	tests := []struct {
		name string
		text string
		f    Filters
		want int
	}{
		{"case insensitive over name and description", "NEURAL", Filters{}, 1},
		{"revoked included on request", "neural", Filters{IncludeRevoked: true}, 2},
		{"no match", "zzz", Filters{}, 0},
		{"type filter", "neural", Filters{Type: TypeONNXModel, IncludeRevoked: true}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := store.Search(ctx, tt.text, tt.f, Page{})
			if err != nil {
				t.Fatalf("Search(%q) error = %v", tt.text, err)
			}
			if len(res.Records) != tt.want || res.Total != int64(tt.want) {
				t.Fatalf("Search(%q) returned %d records (total %d), want %d", tt.text, len(res.Records), res.Total, tt.want)
			}
		})
	}
}

func TestStoreListAllExcludesRevokedByDefault(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, r := range []Record{
		seedRecord("acme/resnet50", "1.0.0", "ResNet-50", "", at),
		seedRecord("acme/whisper", "1.0.0", "Whisper", "", at.Add(time.Minute)),
	} {
		if _, err := store.Upsert(ctx, r); err != nil {
			t.Fatalf("seed %s: %v", r.ArtifactID, err)
		}
	}
	if _, err := store.MarkRevoked(ctx, "acme/whisper", "1.0.0", "key compromise", "", at.Add(time.Hour)); err != nil {
		t.Fatalf("seed revocation: %v", err)
	}

	res, err := store.ListAll(ctx, Filters{}, Page{})
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if len(res.Records) != 1 || res.Records[0].ArtifactID != "acme/resnet50" {
		t.Fatalf("default listing = %+v, want only the non-revoked record", res.Records)
	}

	res, err = store.ListAll(ctx, Filters{IncludeRevoked: true}, Page{})
	if err != nil {
		t.Fatalf("ListAll(IncludeRevoked) error = %v", err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("IncludeRevoked listing returned %d records, want 2", len(res.Records))
	}
}

func TestStoreGetLatestSkipsRevoked(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, r := range []Record{
		seedRecord("acme/resnet50", "1.0.0", "ResNet-50", "", at),
		seedRecord("acme/resnet50", "2.0.0", "ResNet-50", "", at.Add(time.Hour)),
	} {
		if _, err := store.Upsert(ctx, r); err != nil {
			t.Fatalf("seed %s: %v", r.Version, err)
		}
	}
	if _, err := store.MarkRevoked(ctx, "acme/resnet50", "2.0.0", "bad weights", "", at.Add(2*time.Hour)); err != nil {
		t.Fatalf("seed revocation: %v", err)
	}

	rec, err := store.GetLatest(ctx, "acme/resnet50")
	if err != nil {
		t.Fatalf("GetLatest() error = %v", err)
	}
	if rec.Version != "1.0.0" {
		t.Fatalf("GetLatest() = %s, want the newest non-revoked version 1.0.0", rec.Version)
	}

	if _, err := store.MarkRevoked(ctx, "acme/resnet50", "1.0.0", "bad weights", "", at.Add(3*time.Hour)); err != nil {
		t.Fatalf("seed revocation: %v", err)
	}
	if _, err := store.GetLatest(ctx, "acme/resnet50"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetLatest() with every version revoked = %v, want ErrNotFound", err)
	}
}

func TestStoreMarkRevokedEarliestWins(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if _, err := store.Upsert(ctx, seedRecord("acme/resnet50", "1.0.0", "ResNet-50", "", at)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	first := at.Add(time.Hour)
	if _, err := store.MarkRevoked(ctx, "acme/resnet50", "1.0.0", "key compromise", "", first); err != nil {
		t.Fatalf("MarkRevoked() error = %v", err)
	}
	rec, err := store.MarkRevoked(ctx, "acme/resnet50", "1.0.0", "other reason", "", first.Add(time.Hour))
	if err != nil {
		t.Fatalf("repeated MarkRevoked() error = %v", err)
	}
	if rec.RevokedAt == nil || !rec.RevokedAt.Equal(first) {
		t.Fatalf("RevokedAt = %v, want the first observed %v", rec.RevokedAt, first)
	}
	if rec.RevokedReason != "key compromise" {
		t.Fatalf("RevokedReason = %q, want the first observed reason", rec.RevokedReason)
	}
}
