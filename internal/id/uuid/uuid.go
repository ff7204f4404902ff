// Package uuid generates job and task identifiers.
package uuid

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Generator creates UUIDv7 strings, which sort by creation time.
type Generator struct{}

// New creates a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Valid reports whether id parses as a UUID. Stores keyed on uuid columns reject anything else.
func Valid(id string) bool {
	return uuid.Validate(id) == nil
}

// CreatedAt extracts the embedded timestamp from a UUIDv7 id.
func CreatedAt(id string) (time.Time, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse uuid: %w", err)
	}
	if parsed.Version() != 7 {
		return time.Time{}, fmt.Errorf("uuid %s is version %d, not 7", id, parsed.Version())
	}
	// The first 48 bits hold the unix timestamp in milliseconds.
	var ms int64
	for _, b := range parsed[:6] {
		ms = ms<<8 | int64(b)
	}
	return time.UnixMilli(ms).UTC(), nil
}
