// Package checksum fingerprints input files so runs can be traced back to
// the exact bytes they ingested.
package checksum

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

// File returns the hex-encoded xxhash64 digest of the file at path.
func File(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from configuration or a resolved run
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	return Reader(f)
}

// Reader returns the hex-encoded xxhash64 digest of everything read from r.
func Reader(r io.Reader) (string, error) {
	h := xxhash.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash input: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
