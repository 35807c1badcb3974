package publisher

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/macula-io/macula-marketplace/services/events"
)

// ManifestFile is the yaml document marketctl reads when publishing an
// artifact. It mirrors the wire manifest plus an optional local file path
// whose blob gets uploaded before publication.
type ManifestFile struct {
	ArtifactID  string   `yaml:"artifact_id"`
	Version     string   `yaml:"version"`
	Type        string   `yaml:"type"`
	DisplayName string   `yaml:"display_name"`
	Description string   `yaml:"description,omitempty"`
	License     string   `yaml:"license,omitempty"`
	Homepage    string   `yaml:"homepage,omitempty"`
	SourceRepo  string   `yaml:"source_repo,omitempty"`
	Keywords    []string `yaml:"keywords,omitempty"`

	Registry    string   `yaml:"registry,omitempty"`
	ImageDigest string   `yaml:"image_digest,omitempty"`
	Platforms   []string `yaml:"platforms,omitempty"`

	DownloadURL  string `yaml:"download_url,omitempty"`
	DownloadSize int64  `yaml:"download_size,omitempty"`
	Checksum     string `yaml:"checksum,omitempty"`

	PublisherDID string         `yaml:"publisher_did"`
	Metadata     map[string]any `yaml:"metadata,omitempty"`

	// ArtifactPath points at a local blob to upload before publishing; the
	// upload fills download_url, download_size, and checksum.
	ArtifactPath string `yaml:"artifact_path,omitempty"`
}

// LoadManifestFile parses path strictly; unknown yaml keys are rejected.
func LoadManifestFile(path string) (ManifestFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return ManifestFile{}, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var mf ManifestFile
	if err := dec.Decode(&mf); err != nil {
		return ManifestFile{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return mf, nil
}

// ToManifest converts the file form into the wire manifest.
func (f ManifestFile) ToManifest() events.Manifest {
	return events.Manifest{
		ArtifactID:   f.ArtifactID,
		Version:      f.Version,
		Type:         f.Type,
		DisplayName:  f.DisplayName,
		Description:  f.Description,
		License:      f.License,
		Homepage:     f.Homepage,
		SourceRepo:   f.SourceRepo,
		Keywords:     f.Keywords,
		Registry:     f.Registry,
		ImageDigest:  f.ImageDigest,
		Platforms:    f.Platforms,
		DownloadURL:  f.DownloadURL,
		DownloadSize: f.DownloadSize,
		Checksum:     f.Checksum,
		PublisherDID: f.PublisherDID,
		Metadata:     f.Metadata,
	}
}
