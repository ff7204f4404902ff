// Package sha256 fingerprints scraped page bodies.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Hasher implements scan.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// BlobPath lays content out as <prefix>/<job_id>/<digest>.html. An empty prefix is omitted.
func BlobPath(prefix, jobID, digest string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", jobID, digest)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, jobID, digest)
}
