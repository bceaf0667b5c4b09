package store

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const hashPrefix = "sha256:"

// ContentHash computes the content-addressable hash of a transferred
// file. It covers the whole file, so it matches the digest the device
// reports for the same bytes.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return DigestHash(sum[:])
}

// DigestHash formats a raw SHA-256 digest as a content hash.
func DigestHash(digest []byte) string {
	return hashPrefix + hex.EncodeToString(digest)
}

// ShortHash returns a shortened version of the hash for display purposes.
func ShortHash(fullHash string) string {
	h := strings.TrimPrefix(fullHash, hashPrefix)
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// hashToFilename converts a full hash to a safe filename.
func hashToFilename(hash string) string {
	return strings.TrimPrefix(hash, hashPrefix)
}
