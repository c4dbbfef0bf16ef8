// Package object defines the cluster-wide object identifier and the basic
// payload-size vocabulary shared by the tracking components.
package object

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// IDSize is the byte length of an ID.
const IDSize = 16

// SizeUnknown marks a payload whose byte length has not been resolved yet.
// Sizes only move from unknown to known, never back.
const SizeUnknown int64 = -1

// ID uniquely identifies a stored object across the cluster. It is assigned
// at creation time and never changes. The zero value is Nil and never
// identifies a real object.
type ID [IDSize]byte

// Nil is the zero ID.
var Nil ID

// New returns a fresh random ID.
func New() ID {
	return ID(uuid.New())
}

// FromHex parses the textual form produced by Hex.
func FromHex(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Nil, fmt.Errorf("parse object id %q: %w", s, err)
	}
	if len(b) != IDSize {
		return Nil, fmt.Errorf("parse object id %q: got %d bytes, want %d", s, len(b), IDSize)
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// Hex returns the lowercase hex form used in reports.
func (id ID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id ID) String() string {
	return id.Hex()
}

// IsNil reports whether id is the zero value.
func (id ID) IsNil() bool {
	return id == Nil
}

// MarshalText encodes the ID as hex for JSON fields and map keys.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.Hex()), nil
}

// UnmarshalText decodes the hex form.
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := FromHex(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// SizeResolver reports the resolved byte length of a stored payload.
// Implemented by the object-store integration; payloads the store cannot
// read yet return ok=false and are retried on the next report.
type SizeResolver interface {
	SizeOf(id ID) (int64, bool)
}
