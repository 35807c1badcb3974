package catalog

import "strings"

// Validate enforces the type-dependent required-field set. Container records
// are located by registry; every other type is fetched from a download URL
// and must carry a checksum so consumers can verify the payload.
func Validate(r Record) error {
	if strings.TrimSpace(r.ArtifactID) == "" {
		return invalid("artifact_id", "required")
	}
	if strings.TrimSpace(r.Version) == "" {
		return invalid("version", "required")
	}
	if _, err := ParseArtifactType(string(r.Type)); err != nil {
		return invalid("type", err.Error())
	}
	if strings.TrimSpace(r.DisplayName) == "" {
		return invalid("display_name", "required")
	}
	if strings.TrimSpace(r.PublisherDID) == "" {
		return invalid("publisher_did", "required")
	}
	if r.PublishedAt.IsZero() {
		return invalid("published_at", "missing or malformed timestamp")
	}

	switch r.Type {
	case TypeContainer:
		if strings.TrimSpace(r.Registry) == "" {
			return invalid("registry", "required for container artifacts")
		}
	default:
		if strings.TrimSpace(r.DownloadURL) == "" {
			return invalid("download_url", "required for downloadable artifacts")
		}
		if strings.TrimSpace(r.Checksum) == "" {
			return invalid("checksum", "required for downloadable artifacts")
		}
	}

	return nil
}
