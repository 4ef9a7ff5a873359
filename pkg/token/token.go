// Package token issues and validates device bearer tokens. The plaintext
// token is returned to the caller exactly once at generation; everywhere
// else only the SHA-256 digest is stored and compared.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"
)

// DefaultLength is the token length in hex characters (32 bytes of entropy).
const DefaultLength = 64

// DefaultTTL is the absolute token lifetime from issuance.
const DefaultTTL = 365 * 24 * time.Hour

// Options configure a Service. Zero values fall back to the defaults.
type Options struct {
	// Length of generated tokens in hex characters. Must be even.
	Length int
	// TTL is the fixed expiry window from issuance. There is no sliding
	// renewal; expiry is absolute.
	TTL time.Duration
}

// Service generates, hashes, and validates push tokens.
type Service struct {
	length int
	ttl    time.Duration
}

// NewService constructs a Service from opts.
func NewService(opts Options) *Service {
	length := opts.Length
	if length <= 0 {
		length = DefaultLength
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{length: length, ttl: ttl}
}

// Generate returns a new lowercase hex token from crypto/rand.
func (s *Service) Generate() (string, error) {
	buf := make([]byte, s.length/2)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Hash returns the hex-encoded SHA-256 digest used for storage and lookup.
func (s *Service) Hash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Validate recomputes the digest of candidate and compares it against the
// stored digest in constant time. Candidates of the wrong length are
// rejected before hashing.
func (s *Service) Validate(candidate, storedDigest string) bool {
	if candidate == "" || storedDigest == "" {
		return false
	}
	if len(candidate) != s.length {
		return false
	}
	computed := s.Hash(candidate)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedDigest)) == 1
}

// ValidFormat reports whether raw looks like a token this service issued.
func (s *Service) ValidFormat(raw string) bool {
	if len(raw) != s.length {
		return false
	}
	for _, c := range raw {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Expired reports whether a stored expiry timestamp has passed. A missing
// expiry counts as expired: it means no token is outstanding.
func (s *Service) Expired(expiresAt *time.Time, now time.Time) bool {
	if expiresAt == nil {
		return true
	}
	return expiresAt.Before(now)
}

// ExpiryFrom returns the absolute expiry for a token issued at now.
func (s *Service) ExpiryFrom(now time.Time) time.Time {
	return now.Add(s.ttl)
}

// Length returns the configured token length in hex characters.
func (s *Service) Length() int { return s.length }
