// Package integrity computes and checks capsule content fingerprints.
//
// A fingerprint is the 32-byte BLAKE3 digest of the canonical payload
// bytes exactly as the producer handed them over. Tags and other mutable
// metadata are never part of the digest, and at-rest compression happens
// after fingerprinting, so the digest is stable for the life of a version.
package integrity

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Fingerprint is a 32-byte BLAKE3 digest.
type Fingerprint [32]byte

// Compute returns the fingerprint of the given content bytes.
func Compute(content []byte) Fingerprint {
	return Fingerprint(blake3.Sum256(content))
}

// Verify recomputes the fingerprint of content and compares it against
// expected. A mismatch is a normal false result, never an error.
func Verify(content []byte, expected Fingerprint) bool {
	return Compute(content) == expected
}

// String returns the canonical hex form used in the index, logs, and CLI
// output.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Parse decodes a 64-character hex string into a Fingerprint.
func Parse(value string) (Fingerprint, error) {
	var f Fingerprint
	decoded, err := hex.DecodeString(value)
	if err != nil {
		return f, fmt.Errorf("parse fingerprint: %w", err)
	}
	if len(decoded) != len(f) {
		return f, fmt.Errorf("fingerprint is %d bytes, want %d", len(decoded), len(f))
	}
	copy(f[:], decoded)
	return f, nil
}

func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Fingerprint) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}
