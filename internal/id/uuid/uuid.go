// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Deterministic derives name-based (version 5) UUIDs from canonical URLs so
// the same page always maps to the same row.
type Deterministic struct {
	namespace uuid.UUID
}

// NewDeterministic returns a generator rooted in the DNS namespace.
func NewDeterministic() *Deterministic {
	return &Deterministic{namespace: uuid.NameSpaceDNS}
}

// FromURL returns the UUIDv5 string for url.
func (d *Deterministic) FromURL(url string) string {
	return uuid.NewSHA1(d.namespace, []byte(url)).String()
}

// Generator creates time-ordered UUID v7 strings for run identifiers.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}
