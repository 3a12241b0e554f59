package model

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// NewContentHasher returns the digest used for Ad.ContentHash.
func NewContentHasher() hash.Hash { return sha256.New() }

// HashBytes computes the content hash of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashReader consumes r and returns its content hash and length.
func HashReader(r io.Reader) (string, int64, error) {
	h := NewContentHasher()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
