// Package events defines the wire envelopes carried on the marketplace mesh
// topics and the strict decoders applied to inbound payloads. Unknown fields
// and malformed shapes are rejected outright; nothing is coerced.
package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/macula-io/macula-marketplace/services/catalog"
)

// Event kinds, also the last segment of their mesh topic names.
const (
	KindArtifactPublished  = "artifact_published"
	KindArtifactUpdated    = "artifact_updated"
	KindArtifactDeprecated = "artifact_deprecated"
	KindArtifactRevoked    = "artifact_revoked"
	KindLicenseRevoked     = "license_revoked"
)

// DefaultNamespace is the versioned topic prefix shared by all marketplace
// events.
const DefaultNamespace = "macula.market.v1"

// Topic returns the full mesh topic for an event kind under ns.
func Topic(ns, kind string) string {
	if ns == "" {
		ns = DefaultNamespace
	}
	return ns + "." + kind
}

// Kinds lists every event kind the dispatcher subscribes to.
func Kinds() []string {
	return []string{
		KindArtifactPublished,
		KindArtifactUpdated,
		KindArtifactDeprecated,
		KindArtifactRevoked,
		KindLicenseRevoked,
	}
}

// DecodeError wraps a payload that could not be decoded for a topic.
type DecodeError struct {
	Kind string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("events: decode %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Manifest is the signed artifact description nested in publish and update
// envelopes.
type Manifest struct {
	ArtifactID  string   `json:"artifact_id"`
	Version     string   `json:"version"`
	Type        string   `json:"type"`
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

	Metadata map[string]any `json:"metadata,omitempty"`
}

// ToRecord converts the wire manifest into a catalog record.
func (m Manifest) ToRecord() catalog.Record {
	return catalog.Record{
		ArtifactID:   m.ArtifactID,
		Version:      m.Version,
		Type:         catalog.ArtifactType(m.Type),
		DisplayName:  m.DisplayName,
		Description:  m.Description,
		License:      m.License,
		Homepage:     m.Homepage,
		SourceRepo:   m.SourceRepo,
		Keywords:     m.Keywords,
		Registry:     m.Registry,
		ImageDigest:  m.ImageDigest,
		Platforms:    m.Platforms,
		DownloadURL:  m.DownloadURL,
		DownloadSize: m.DownloadSize,
		Checksum:     m.Checksum,
		PublisherDID: m.PublisherDID,
		Signature:    m.Signature,
		PublishedAt:  m.PublishedAt,
		Metadata:     m.Metadata,
	}
}

// ManifestFromRecord builds the wire manifest for a catalog record, used
// when replaying stored records to reconnecting peers.
func ManifestFromRecord(r catalog.Record) Manifest {
	return Manifest{
		ArtifactID:   r.ArtifactID,
		Version:      r.Version,
		Type:         string(r.Type),
		DisplayName:  r.DisplayName,
		Description:  r.Description,
		License:      r.License,
		Homepage:     r.Homepage,
		SourceRepo:   r.SourceRepo,
		Keywords:     r.Keywords,
		Registry:     r.Registry,
		ImageDigest:  r.ImageDigest,
		Platforms:    r.Platforms,
		DownloadURL:  r.DownloadURL,
		DownloadSize: r.DownloadSize,
		Checksum:     r.Checksum,
		PublisherDID: r.PublisherDID,
		Signature:    r.Signature,
		PublishedAt:  r.PublishedAt,
		Metadata:     r.Metadata,
	}
}

// ArtifactEnvelope carries artifact_published and artifact_updated events.
type ArtifactEnvelope struct {
	Type      string    `json:"type"`
	Manifest  Manifest  `json:"manifest"`
	Timestamp time.Time `json:"timestamp"`
}

// DeprecationEnvelope carries artifact_deprecated events.
type DeprecationEnvelope struct {
	Type          string    `json:"type"`
	ArtifactID    string    `json:"artifact_id"`
	Version       string    `json:"version"`
	Reason        string    `json:"reason"`
	ReplacementID string    `json:"replacement_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// RevocationEnvelope carries artifact_revoked events.
type RevocationEnvelope struct {
	Type        string    `json:"type"`
	ArtifactID  string    `json:"artifact_id"`
	Version     string    `json:"version"`
	Reason      string    `json:"reason"`
	AdvisoryURL string    `json:"advisory_url,omitempty"`
	RevokedAt   time.Time `json:"revoked_at"`
	Timestamp   time.Time `json:"timestamp"`
}

// LicenseRevokedEnvelope carries license_revoked events.
type LicenseRevokedEnvelope struct {
	LicenseCID string    `json:"license_cid"`
	RevokedAt  time.Time `json:"revoked_at"`
}

// DecodeArtifact parses a publish or update payload.
func DecodeArtifact(kind string, data []byte) (ArtifactEnvelope, error) {
	var env ArtifactEnvelope
	if err := decodeStrict(data, &env); err != nil {
		return ArtifactEnvelope{}, &DecodeError{Kind: kind, Err: err}
	}
	if env.Manifest.ArtifactID == "" {
		return ArtifactEnvelope{}, &DecodeError{Kind: kind, Err: fmt.Errorf("manifest.artifact_id missing")}
	}
	return env, nil
}

// DecodeDeprecation parses an artifact_deprecated payload.
func DecodeDeprecation(data []byte) (DeprecationEnvelope, error) {
	var env DeprecationEnvelope
	if err := decodeStrict(data, &env); err != nil {
		return DeprecationEnvelope{}, &DecodeError{Kind: KindArtifactDeprecated, Err: err}
	}
	if env.ArtifactID == "" || env.Version == "" {
		return DeprecationEnvelope{}, &DecodeError{Kind: KindArtifactDeprecated, Err: fmt.Errorf("artifact_id and version are required")}
	}
	return env, nil
}

// DecodeRevocation parses an artifact_revoked payload.
func DecodeRevocation(data []byte) (RevocationEnvelope, error) {
	var env RevocationEnvelope
	if err := decodeStrict(data, &env); err != nil {
		return RevocationEnvelope{}, &DecodeError{Kind: KindArtifactRevoked, Err: err}
	}
	if env.ArtifactID == "" || env.Version == "" {
		return RevocationEnvelope{}, &DecodeError{Kind: KindArtifactRevoked, Err: fmt.Errorf("artifact_id and version are required")}
	}
	return env, nil
}

// DecodeLicenseRevoked parses a license_revoked payload.
func DecodeLicenseRevoked(data []byte) (LicenseRevokedEnvelope, error) {
	var env LicenseRevokedEnvelope
	if err := decodeStrict(data, &env); err != nil {
		return LicenseRevokedEnvelope{}, &DecodeError{Kind: KindLicenseRevoked, Err: err}
	}
	if env.LicenseCID == "" {
		return LicenseRevokedEnvelope{}, &DecodeError{Kind: KindLicenseRevoked, Err: fmt.Errorf("license_cid is required")}
	}
	return env, nil
}

func decodeStrict(data []byte, dest any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return err
	}
	// Trailing garbage after the envelope is as malformed as a bad envelope.
	if dec.More() {
		return fmt.Errorf("trailing data after payload")
	}
	return nil
}
