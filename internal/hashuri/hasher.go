package hashuri

import (
	"crypto/sha256"
	"encoding/base64"
	"io"
)

// KeyLength is the length of every hash key produced by Hash and HashReader.
const KeyLength = 16

const keyBytes = 12

func encodeKey(sum [sha256.Size]byte) string {
	return base64.RawURLEncoding.EncodeToString(sum[:keyBytes])
}

// Hash returns a fixed-length, URL-safe fingerprint of data. The same bytes
// always produce the same key.
func Hash(data []byte) string {
	return encodeKey(sha256.Sum256(data))
}

// HashReader consumes r and returns the fingerprint of everything read.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	return encodeKey(sum), nil
}
