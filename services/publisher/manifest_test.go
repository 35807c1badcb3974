package publisher

import (
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestLoadManifestFile(t *testing.T) {
	path := writeManifest(t, `
artifact_id: acme/resnet50
version: 1.4.0
type: onnx_model
display_name: ResNet-50
publisher_did: did:key:abc
keywords:
  - vision
  - classification
artifact_path: ./model.onnx
`)

	mf, err := LoadManifestFile(path)
	if err != nil {
		t.Fatalf("LoadManifestFile() error = %v", err)
	}
	if mf.ArtifactID != "acme/resnet50" || mf.Version != "1.4.0" {
		t.Fatalf("loaded manifest = %+v", mf)
	}
	if mf.ArtifactPath != "./model.onnx" {
		t.Fatalf("ArtifactPath = %q", mf.ArtifactPath)
	}

	m := mf.ToManifest()
	if m.ArtifactID != mf.ArtifactID || m.Type != mf.Type || len(m.Keywords) != 2 {
		t.Fatalf("ToManifest() = %+v", m)
	}
}

func TestLoadManifestFileRejectsUnknownKeys(t *testing.T) {
	path := writeManifest(t, `
artifact_id: acme/resnet50
version: 1.4.0
colour: green
`)

	if _, err := LoadManifestFile(path); err == nil {
		t.Fatal("LoadManifestFile() accepted an unknown key")
	}
}

func TestLoadManifestFileMissing(t *testing.T) {
	if _, err := LoadManifestFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("LoadManifestFile() succeeded on a missing file")
	}
}

func TestNewSignerFromEnv(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}

	t.Setenv(envAgeSecretKey, identity.String())
	t.Setenv(envAgePublicKey, "")

	s, err := NewSignerFromEnv()
	if err != nil {
		t.Fatalf("NewSignerFromEnv() error = %v", err)
	}
	if s.Recipient() != identity.Recipient().String() {
		t.Fatalf("Recipient() = %q, want %q", s.Recipient(), identity.Recipient().String())
	}

	payload := []byte("manifest bytes")
	sig, err := s.Sign(payload)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if err := s.Verify(payload, sig); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	// A verify-only signer built from the exported public key accepts the
	// same signature but cannot sign.
	t.Setenv(envAgeSecretKey, "")
	t.Setenv(envAgePublicKey, s.PublicKeyBase64())

	verifier, err := NewSignerFromEnv()
	if err != nil {
		t.Fatalf("NewSignerFromEnv() error = %v", err)
	}
	if err := verifier.Verify(payload, sig); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if _, err := verifier.Sign(payload); err == nil {
		t.Fatal("Sign() succeeded without a private key")
	}
}

func TestNewSignerFromEnvUnset(t *testing.T) {
	t.Setenv(envAgeSecretKey, "")
	t.Setenv(envAgePublicKey, "")

	if _, err := NewSignerFromEnv(); err == nil {
		t.Fatal("NewSignerFromEnv() succeeded with no keys configured")
	}
}
