// Package id provides identifier generation for the IPC runtime.
//
// Two kinds of identifier live here:
//   - Labels: prefixed ULIDs (slave_*, ipc_*) used in logs and the admin
//     endpoint. They are sortable by creation time and carry no authority.
//   - ConnectionIdentifier: a 128-bit rendezvous token drawn from a
//     cryptographically secure source. Two processes that present the same
//     token to a broker are treated as wanting to connect to each other.
//
// Design Principles:
//   - Rendezvous tokens are random only; nothing about the creator leaks
//   - Uniqueness is probabilistic (birthday bound on 122 random bits)
//   - The printable form is the canonical lowercase UUID text, identical
//     on both ends of a rendezvous
package id

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ============================================================================
// Labels
// ============================================================================

// SlaveLabel names a slave process attached to a broker.
type SlaveLabel string

// InstanceLabel names one IPC support instance.
type InstanceLabel string

const (
	SlavePrefix    = "slave"
	InstancePrefix = "ipc"
)

// newLabel returns prefix_ULID. ulid.Make draws from a process-wide
// monotonic source, so labels made in the same millisecond still sort in
// creation order.
func newLabel(prefix string) string {
	return prefix + "_" + ulid.Make().String()
}

// NewSlaveLabel generates a label for a newly added slave.
func NewSlaveLabel() SlaveLabel { return SlaveLabel(newLabel(SlavePrefix)) }

// NewInstanceLabel generates a label for an IPC support instance.
func NewInstanceLabel() InstanceLabel { return InstanceLabel(newLabel(InstancePrefix)) }

func (l SlaveLabel) String() string    { return string(l) }
func (l InstanceLabel) String() string { return string(l) }

// ============================================================================
// Connection Identifiers
// ============================================================================

// ConnectionIdentifierSize is the token length in bytes.
const ConnectionIdentifierSize = 16

// ErrInvalidConnectionIdentifier is returned when a token cannot be parsed.
var ErrInvalidConnectionIdentifier = errors.New("id: invalid connection identifier")

// ConnectionIdentifier is an opaque rendezvous token.
type ConnectionIdentifier [ConnectionIdentifierSize]byte

// NewConnectionIdentifier draws a fresh token from crypto/rand. It panics
// only if the system random source fails.
func NewConnectionIdentifier() ConnectionIdentifier {
	id, err := NewConnectionIdentifierFromReader(rand.Reader)
	if err != nil {
		panic(fmt.Sprintf("id: secure random source failed: %v", err))
	}
	return id
}

// NewConnectionIdentifierFromReader draws a token from r.
func NewConnectionIdentifierFromReader(r io.Reader) (ConnectionIdentifier, error) {
	u, err := uuid.NewRandomFromReader(r)
	if err != nil {
		return ConnectionIdentifier{}, err
	}
	return ConnectionIdentifier(u), nil
}

// ConnectionIdentifierFromBytes copies a raw 16-byte token.
func ConnectionIdentifierFromBytes(b []byte) (ConnectionIdentifier, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return ConnectionIdentifier{}, ErrInvalidConnectionIdentifier
	}
	return ConnectionIdentifier(u), nil
}

// ParseConnectionIdentifier parses the printable form produced by String.
func ParseConnectionIdentifier(s string) (ConnectionIdentifier, error) {
	if len(s) != 36 {
		return ConnectionIdentifier{}, ErrInvalidConnectionIdentifier
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return ConnectionIdentifier{}, ErrInvalidConnectionIdentifier
	}
	id := ConnectionIdentifier(u)
	if id.IsZero() {
		return ConnectionIdentifier{}, ErrInvalidConnectionIdentifier
	}
	return id, nil
}

// String returns the printable token sent between processes.
func (c ConnectionIdentifier) String() string {
	return uuid.UUID(c).String()
}

// Bytes returns the raw token.
func (c ConnectionIdentifier) Bytes() []byte {
	b := make([]byte, ConnectionIdentifierSize)
	copy(b, c[:])
	return b
}

// IsZero reports whether c is the zero token, which is never generated.
func (c ConnectionIdentifier) IsZero() bool {
	return c == ConnectionIdentifier{}
}
