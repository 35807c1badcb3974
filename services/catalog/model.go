package catalog

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type artifactModel struct {
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

func (artifactModel) TableName() string { return "artifact_records" }

func (m artifactModel) toRecord() Record {
	return Record{
		ArtifactID:       m.ArtifactID,
		Version:          m.Version,
		Type:             ArtifactType(m.Type),
		DisplayName:      m.DisplayName,
		Description:      m.Description,
		License:          m.License,
		Homepage:         m.Homepage,
		SourceRepo:       m.SourceRepo,
		Keywords:         []string(m.Keywords),
		Registry:         m.Registry,
		ImageDigest:      m.ImageDigest,
		Platforms:        []string(m.Platforms),
		DownloadURL:      m.DownloadURL,
		DownloadSize:     m.DownloadSize,
		Checksum:         m.Checksum,
		PublisherDID:     m.PublisherDID,
		Signature:        m.Signature,
		PublishedAt:      m.PublishedAt,
		RevokedAt:        m.RevokedAt,
		RevokedReason:    m.RevokedReason,
		AdvisoryURL:      m.AdvisoryURL,
		DeprecatedAt:     m.DeprecatedAt,
		DeprecatedReason: m.DeprecatedReason,
		ReplacementID:    m.ReplacementID,
		Metadata:         map[string]any(m.Metadata),
	}
}

// applyManifest replaces the descriptive, location, and provenance fields
// with the incoming record's values. Lifecycle status fields are not touched
// here; revocation and deprecation survive republished manifests.
func (m *artifactModel) applyManifest(r Record) {
	m.ArtifactID = r.ArtifactID
	m.Version = r.Version
	m.Type = string(r.Type)
	m.DisplayName = r.DisplayName
	m.Description = r.Description
	m.License = r.License
	m.Homepage = r.Homepage
	m.SourceRepo = r.SourceRepo
	m.Keywords = datatypes.NewJSONSlice(r.Keywords)
	m.Registry = r.Registry
	m.ImageDigest = r.ImageDigest
	m.Platforms = datatypes.NewJSONSlice(r.Platforms)
	m.DownloadURL = r.DownloadURL
	m.DownloadSize = r.DownloadSize
	m.Checksum = r.Checksum
	m.PublisherDID = r.PublisherDID
	m.Signature = r.Signature
	m.PublishedAt = r.PublishedAt
	m.Metadata = datatypes.JSONMap(r.Metadata)
}
