package catalog

import (
	"fmt"
	"time"
)

// ArtifactType classifies what a catalog record points at and which location
// fields it must carry.
type ArtifactType string

const (
	TypeContainer    ArtifactType = "container"
	TypeONNXModel    ArtifactType = "onnx_model"
	TypeTWEANNGenome ArtifactType = "tweann_genome"
	TypeDataset      ArtifactType = "dataset"
	TypeBEAMRelease  ArtifactType = "beam_release"
	TypeHelmChart    ArtifactType = "helm_chart"
)

// ParseArtifactType validates a wire-format type string.
func ParseArtifactType(s string) (ArtifactType, error) {
	switch t := ArtifactType(s); t {
	case TypeContainer, TypeONNXModel, TypeTWEANNGenome, TypeDataset, TypeBEAMRelease, TypeHelmChart:
		return t, nil
	default:
		return "", fmt.Errorf("unknown artifact type %q", s)
	}
}

// Record is the read-model row for one (artifact_id, version) pair. It is
// derived from signed mesh events and never authoritative.
type Record struct {
	ArtifactID string       `json:"artifact_id"`
	Version    string       `json:"version"`
	Type       ArtifactType `json:"type"`

	DisplayName string   `json:"display_name"`
	Description string   `json:"description,omitempty"`
	License     string   `json:"license,omitempty"`
	Homepage    string   `json:"homepage,omitempty"`
	SourceRepo  string   `json:"source_repo,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`

	Registry    string   `json:"registry,omitempty"`
	ImageDigest string   `json:"image_digest,omitempty"`
	Platforms   []string `json:"platforms,omitempty"`

	DownloadURL  string `json:"download_url,omitempty"`
	DownloadSize int64  `json:"download_size,omitempty"`
	Checksum     string `json:"checksum,omitempty"`

	PublisherDID string    `json:"publisher_did"`
	Signature    string    `json:"signature,omitempty"`
	PublishedAt  time.Time `json:"published_at"`

	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	RevokedReason string     `json:"revoked_reason,omitempty"`
	AdvisoryURL   string     `json:"advisory_url,omitempty"`

	DeprecatedAt     *time.Time `json:"deprecated_at,omitempty"`
	DeprecatedReason string     `json:"deprecated_reason,omitempty"`
	ReplacementID    string     `json:"replacement_id,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Revoked reports whether the record carries a revocation status.
func (r Record) Revoked() bool { return r.RevokedAt != nil }

// VersionSummary is one entry in a per-artifact version history listing.
type VersionSummary struct {
	Version     string     `json:"version"`
	PublishedAt time.Time  `json:"published_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// Filters narrows list and search queries.
type Filters struct {
	Type           ArtifactType
	IncludeRevoked bool
}

// Page selects one page of a listing. Zero values fall back to the first
// page with the default size.
type Page struct {
	Number int
	Size   int
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func (p Page) normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = defaultPageSize
	}
	if p.Size > maxPageSize {
		p.Size = maxPageSize
	}
	return p
}

func (p Page) offset() int { return (p.Number - 1) * p.Size }

// PageResult carries one page of records plus the total match count.
type PageResult struct {
	Records  []Record `json:"records"`
	Page     int      `json:"page"`
	PageSize int      `json:"page_size"`
	Total    int64    `json:"total"`
}
