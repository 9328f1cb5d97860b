// Package id generates URL-safe identifiers shared across stores.
package id

import (
	"encoding/base32"
	"strings"

	"github.com/google/uuid"
)

// NewID generates a URL-safe identifier from UUIDv4 bytes encoded as base32.
// The identifier is 26 characters long, lowercase, and contains no padding.
func NewID() (string, error) {
	raw, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw[:])
	return strings.ToLower(encoded), nil
}
