// Package contenthash derives content-addressed identifiers for build inputs.
package contenthash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// TagLength is the number of hex characters of the digest used as an image tag.
const TagLength = 16

// Digest is the lowercase hex SHA-256 of some content.
type Digest string

// Sum returns the digest of data.
func Sum(data []byte) Digest {
	sum := sha256.Sum256(data)
	return Digest(hex.EncodeToString(sum[:]))
}

// File returns the digest of the file at path.
func File(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return Digest(hex.EncodeToString(h.Sum(nil))), nil
}

// Tag returns the image tag for the digest.
func (d Digest) Tag() string {
	if len(d) <= TagLength {
		return string(d)
	}
	return string(d[:TagLength])
}

func (d Digest) String() string { return string(d) }
