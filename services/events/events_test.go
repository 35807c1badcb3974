package events

import (
	"errors"
	"testing"
	"time"
)

func TestTopic(t *testing.T) {
	tests := []struct {
		name string
		ns   string
		kind string
		want string
	}{
		{name: "default namespace", ns: "", kind: KindArtifactPublished, want: "macula.market.v1.artifact_published"},
		{name: "custom namespace", ns: "macula.staging.v1", kind: KindLicenseRevoked, want: "macula.staging.v1.license_revoked"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Topic(tt.ns, tt.kind); got != tt.want {
				t.Fatalf("Topic(%q, %q) = %q, want %q", tt.ns, tt.kind, got, tt.want)
			}
		})
	}
}

func TestDecodeArtifact(t *testing.T) {
	valid := `{
		"type": "artifact_published",
		"manifest": {
			"artifact_id": "acme/resnet50",
			"version": "1.4.0",
			"type": "onnx_model",
			"display_name": "ResNet-50",
			"publisher_did": "did:key:abc",
			"published_at": "2026-03-01T12:00:00Z"
		},
		"timestamp": "2026-03-01T12:00:01Z"
	}`

	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{name: "valid", payload: valid},
		{name: "unknown top-level field", payload: `{"type":"artifact_published","manifest":{"artifact_id":"a","version":"1"},"timestamp":"2026-03-01T12:00:01Z","extra":true}`, wantErr: true},
		{name: "unknown manifest field", payload: `{"type":"artifact_published","manifest":{"artifact_id":"a","version":"1","surprise":1},"timestamp":"2026-03-01T12:00:01Z"}`, wantErr: true},
		{name: "missing artifact id", payload: `{"type":"artifact_published","manifest":{"version":"1"},"timestamp":"2026-03-01T12:00:01Z"}`, wantErr: true},
		{name: "not json", payload: `push the button`, wantErr: true},
		{name: "trailing data", payload: valid + `{"again":true}`, wantErr: true},
		{name: "wrong shape", payload: `["a","b"]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeArtifact(KindArtifactPublished, []byte(tt.payload))
			if tt.wantErr {
				var derr *DecodeError
				if !errors.As(err, &derr) {
					t.Fatalf("DecodeArtifact() error = %v, want *DecodeError", err)
				}
				if derr.Kind != KindArtifactPublished {
					t.Fatalf("DecodeError.Kind = %q, want %q", derr.Kind, KindArtifactPublished)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeArtifact() error = %v", err)
			}
			if env.Manifest.ArtifactID != "acme/resnet50" || env.Manifest.Version != "1.4.0" {
				t.Fatalf("unexpected manifest: %+v", env.Manifest)
			}
		})
	}
}

func TestDecodeRevocation(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{
			name:    "valid",
			payload: `{"type":"artifact_revoked","artifact_id":"acme/resnet50","version":"1.4.0","reason":"key compromise","revoked_at":"2026-03-02T00:00:00Z","timestamp":"2026-03-02T00:00:01Z"}`,
		},
		{
			name:    "missing version",
			payload: `{"type":"artifact_revoked","artifact_id":"acme/resnet50","reason":"oops","revoked_at":"2026-03-02T00:00:00Z","timestamp":"2026-03-02T00:00:01Z"}`,
			wantErr: true,
		},
		{
			name:    "unknown field",
			payload: `{"type":"artifact_revoked","artifact_id":"a","version":"1","reason":"x","severity":"high","revoked_at":"2026-03-02T00:00:00Z","timestamp":"2026-03-02T00:00:01Z"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRevocation([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeRevocation() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecodeDeprecation(t *testing.T) {
	env, err := DecodeDeprecation([]byte(`{"type":"artifact_deprecated","artifact_id":"acme/resnet50","version":"1.0.0","reason":"superseded","replacement_id":"acme/resnet152","timestamp":"2026-03-02T00:00:00Z"}`))
	if err != nil {
		t.Fatalf("DecodeDeprecation() error = %v", err)
	}
	if env.ReplacementID != "acme/resnet152" {
		t.Fatalf("ReplacementID = %q, want %q", env.ReplacementID, "acme/resnet152")
	}

	if _, err := DecodeDeprecation([]byte(`{"type":"artifact_deprecated","reason":"superseded","timestamp":"2026-03-02T00:00:00Z"}`)); err == nil {
		t.Fatal("DecodeDeprecation() accepted payload without artifact id")
	}
}

func TestDecodeLicenseRevoked(t *testing.T) {
	env, err := DecodeLicenseRevoked([]byte(`{"license_cid":"bafyrei123","revoked_at":"2026-03-02T00:00:00Z"}`))
	if err != nil {
		t.Fatalf("DecodeLicenseRevoked() error = %v", err)
	}
	if env.LicenseCID != "bafyrei123" {
		t.Fatalf("LicenseCID = %q", env.LicenseCID)
	}

	if _, err := DecodeLicenseRevoked([]byte(`{"revoked_at":"2026-03-02T00:00:00Z"}`)); err == nil {
		t.Fatal("DecodeLicenseRevoked() accepted payload without license_cid")
	}
}

func TestManifestRecordRoundTrip(t *testing.T) {
	m := Manifest{
		ArtifactID:   "acme/resnet50",
		Version:      "1.4.0",
		Type:         "onnx_model",
		DisplayName:  "ResNet-50",
		Keywords:     []string{"vision", "classification"},
		DownloadURL:  "s3://artifacts/acme/resnet50/1.4.0/model.onnx",
		Checksum:     "deadbeef",
		PublisherDID: "did:key:abc",
		PublishedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	got := ManifestFromRecord(m.ToRecord())
	if got.ArtifactID != m.ArtifactID || got.Version != m.Version || got.Type != m.Type {
		t.Fatalf("round trip changed identity: %+v", got)
	}
	if got.DownloadURL != m.DownloadURL || got.Checksum != m.Checksum {
		t.Fatalf("round trip changed location fields: %+v", got)
	}
}
