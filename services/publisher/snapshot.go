package publisher

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/macula-io/macula-marketplace/services/catalog"
	"github.com/macula-io/macula-marketplace/services/revocation"
)

// Snapshot is a portable, compressed dump of the local projection, used to
// seed air-gapped nodes that cannot reach any mesh peer.
type Snapshot struct {
	ExportedAt  time.Time          `json:"exported_at"`
	Records     []catalog.Record   `json:"records"`
	Revocations []revocation.Entry `json:"revocations"`
}

// WriteSnapshot streams snap to w as zstd-compressed JSON.
func WriteSnapshot(w io.Writer, snap Snapshot) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}

	if err := json.NewEncoder(zw).Encode(snap); err != nil {
		zw.Close()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return zw.Close()
}

// ReadSnapshot parses a snapshot previously written with WriteSnapshot.
func ReadSnapshot(r io.Reader) (Snapshot, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return Snapshot{}, err
	}
	defer zr.Close()

	var snap Snapshot
	if err := json.NewDecoder(zr).Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
