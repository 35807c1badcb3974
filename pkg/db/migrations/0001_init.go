package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type ArtifactRecord struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey"`

	ArtifactID string `gorm:"type:text;not null;index;uniqueIndex:idx_artifact_version"`
	Version    string `gorm:"type:text;not null;uniqueIndex:idx_artifact_version"`
	Type       string `gorm:"type:text;not null;index"`

	DisplayName string                      `gorm:"type:text;not null"`
	Description string                      `gorm:"type:text"`
	License     string                      `gorm:"type:text"`
	Homepage    string                      `gorm:"type:text"`
	SourceRepo  string                      `gorm:"type:text"`
	Keywords    datatypes.JSONSlice[string] `gorm:"type:jsonb"`

	Registry    string                      `gorm:"type:text"`
	ImageDigest string                      `gorm:"type:text"`
	Platforms   datatypes.JSONSlice[string] `gorm:"type:jsonb"`

	DownloadURL  string `gorm:"type:text"`
	DownloadSize int64  `gorm:"type:bigint"`
	Checksum     string `gorm:"type:text"`

	PublisherDID string    `gorm:"type:text;not null;index"`
	Signature    string    `gorm:"type:text"`
	PublishedAt  time.Time `gorm:"type:timestamptz;not null;index"`

	RevokedAt     *time.Time `gorm:"type:timestamptz"`
	RevokedReason string     `gorm:"type:text"`
	AdvisoryURL   string     `gorm:"type:text"`

	DeprecatedAt     *time.Time `gorm:"type:timestamptz"`
	DeprecatedReason string     `gorm:"type:text"`
	ReplacementID    string     `gorm:"type:text"`

	Metadata datatypes.JSONMap `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (ArtifactRecord) TableName() string { return "artifact_records" }

type RevokedLicense struct {
	LicenseCID string    `gorm:"type:text;primaryKey"`
	RevokedAt  time.Time `gorm:"type:timestamptz;not null;index"`
	CreatedAt  time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (RevokedLicense) TableName() string { return "revoked_licenses" }

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).AutoMigrate(
		&ArtifactRecord{},
		&RevokedLicense{},
	)
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&RevokedLicense{},
		&ArtifactRecord{},
	)
}
