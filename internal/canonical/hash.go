package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefix for page-content hashes. The version suffix allows a future
// canonicalization change to invalidate all stored hashes at once instead of
// silently mixing algorithms.
const domainPage = "sitemapsync/page/v1"

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data); the null byte prevents
// domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// PageHash canonicalizes a fetched JSON payload and returns its content
// hash. Identical content with permuted keys or different normalization
// yields the same hash.
func PageHash(raw []byte) (string, error) {
	c, err := JSON(raw)
	if err != nil {
		return "", fmt.Errorf("page hash: %w", err)
	}
	return hashWithDomain(domainPage, c), nil
}
