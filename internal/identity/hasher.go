// Package identity maps raw contact addresses to opaque user identifiers.
package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
	"golang.org/x/crypto/blake2b"
)

const (
	// HashLength is the length of an identity hash in hex characters.
	HashLength = blake2b.Size256 * 2

	minSecretLength = 16
)

// ErrInvalidContact indicates the input holds no phone number of the expected form or length.
var ErrInvalidContact = errors.New("invalid contact")

// Hasher normalizes contacts to E.164 and derives a keyed, one-way identity hash.
type Hasher struct {
	secret []byte
	region string
}

// NewHasher builds a hasher keyed by secret. Numbers without a country prefix are
// interpreted in defaultRegion (ISO 3166 alpha-2, e.g. "US").
func NewHasher(secret []byte, defaultRegion string) (*Hasher, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("identity secret must be at least %d bytes", minSecretLength)
	}
	if len(secret) > blake2b.Size {
		return nil, fmt.Errorf("identity secret must be at most %d bytes", blake2b.Size)
	}
	if defaultRegion == "" {
		defaultRegion = "US"
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &Hasher{secret: key, region: strings.ToUpper(defaultRegion)}, nil
}

// Normalize returns the E.164 form of raw.
func (h *Hasher) Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidContact
	}
	num, err := phonenumbers.Parse(raw, h.region)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidContact, err)
	}
	if !phonenumbers.IsPossibleNumber(num) {
		return "", ErrInvalidContact
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// Hash normalizes raw and returns its identity hash.
func (h *Hasher) Hash(raw string) (string, error) {
	normalized, err := h.Normalize(raw)
	if err != nil {
		return "", err
	}
	return h.HashNormalized(normalized), nil
}

// HashNormalized hashes an already normalized contact.
func (h *Hasher) HashNormalized(normalized string) string {
	mac, err := blake2b.New256(h.secret)
	if err != nil {
		// key length is checked in NewHasher
		panic(err)
	}
	mac.Write([]byte(normalized))
	return hex.EncodeToString(mac.Sum(nil))
}

// IsHash reports whether s has the shape of an identity hash.
func IsHash(s string) bool {
	if len(s) != HashLength {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil && strings.ToLower(s) == s
}
