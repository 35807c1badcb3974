package publisher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	gos3 "github.com/macula-io/macula-marketplace/pkg/s3"
	"github.com/macula-io/macula-marketplace/services/events"
)

// UploadArtifact pushes the blob at mf.ArtifactPath to object storage and
// fills the manifest's download fields from the upload. The returned
// manifest is ready to publish.
func UploadArtifact(ctx context.Context, client *gos3.Client, bucket string, mf ManifestFile) (events.Manifest, error) {
	m := mf.ToManifest()

	if mf.ArtifactPath == "" {
		return m, errors.New("manifest has no artifact_path to upload")
	}
	if client == nil {
		return m, errors.New("object storage client not configured")
	}
	if bucket == "" {
		return m, errors.New("artifact bucket is required")
	}

	f, err := os.Open(mf.ArtifactPath)
	if err != nil {
		return m, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return m, err
	}

	digest := sha256.New()
	if _, err := io.Copy(digest, f); err != nil {
		return m, fmt.Errorf("hash %s: %w", mf.ArtifactPath, err)
	}
	checksum := hex.EncodeToString(digest.Sum(nil))

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return m, err
	}

	key := fmt.Sprintf("artifacts/%s/%s/%s", mf.ArtifactID, mf.Version, path.Base(mf.ArtifactPath))
	if err := client.PutObject(ctx, bucket, key, f, info.Size(), checksum); err != nil {
		return m, fmt.Errorf("upload %s: %w", key, err)
	}

	m.DownloadURL = fmt.Sprintf("s3://%s/%s", bucket, key)
	m.DownloadSize = info.Size()
	m.Checksum = checksum
	return m, nil
}
