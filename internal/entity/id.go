package entity

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// idAlphabet is the compact alphanumeric radix for the random ID suffix.
const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// IDLength is the length of the random suffix. Ten base-36 characters give
// roughly 3.6e15 values; by the birthday bound a store of a million entities
// has a collision probability around 1e-4, and collisions are detected and
// retried at write time anyway.
const IDLength = 10

// NewID generates an entity ID of the form "<prefix>-<random>". The suffix
// is drawn from a cryptographically secure source, never from time or
// content, so IDs are unpredictable and leak no metadata.
func NewID(prefix string) (string, error) {
	suffix, err := randomSuffix(IDLength)
	if err != nil {
		return "", err
	}
	return prefix + "-" + suffix, nil
}

// randomSuffix produces n characters from idAlphabet using rejection
// sampling to avoid modulo bias.
func randomSuffix(n int) (string, error) {
	var sb strings.Builder
	sb.Grow(n)

	// 252 is the largest multiple of 36 below 256.
	const limit = 252
	buf := make([]byte, n*2)
	for sb.Len() < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			sb.WriteByte(idAlphabet[int(b)%len(idAlphabet)])
			if sb.Len() == n {
				break
			}
		}
	}
	return sb.String(), nil
}

// SplitID splits an entity ID into its collection prefix and random
// suffix, validating the suffix shape.
func SplitID(id string) (prefix, suffix string, err error) {
	i := strings.IndexByte(id, '-')
	if i <= 0 || i == len(id)-1 {
		return "", "", fmt.Errorf("malformed entity ID: %q", id)
	}
	prefix, suffix = id[:i], id[i+1:]
	if len(suffix) != IDLength {
		return "", "", fmt.Errorf("malformed entity ID %q: suffix must be %d characters", id, IDLength)
	}
	for _, c := range suffix {
		if !strings.ContainsRune(idAlphabet, c) {
			return "", "", fmt.Errorf("malformed entity ID %q: invalid character %q", id, c)
		}
	}
	return prefix, suffix, nil
}
