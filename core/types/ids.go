package types

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ID is an opaque 128-bit identifier rendered as a string. Comparison is
// byte-exact; IDs carry no ordering semantics.
type ID string

// NewID returns a fresh random identifier.
func NewID() ID {
	return ID(uuid.NewString())
}

// IsZero reports whether the identifier is empty.
func (id ID) IsZero() bool { return strings.TrimSpace(string(id)) == "" }

func (id ID) String() string { return string(id) }

// ParseID validates the canonical string form of an identifier.
func ParseID(raw string) (ID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("id must not be empty")
	}
	if _, err := uuid.Parse(trimmed); err != nil {
		return "", fmt.Errorf("malformed id %q: %w", raw, err)
	}
	return ID(trimmed), nil
}
