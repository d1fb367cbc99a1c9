// Package id generates the identifiers bed assigns itself: trace
// correlation ids for submitted tasks and instance ids used as claim
// owners.
//
// Identifiers are TypeIDs of the form "prefix_suffix". They are
// K-sortable (UUIDv7-based), globally unique and URL-safe. Task ids are
// caller-assigned and never produced here.
package id

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the kind of identifier.
type Prefix string

const (
	PrefixTrace    Prefix = "trc"
	PrefixInstance Prefix = "inst"
)

// ID is a prefix-qualified, time-ordered identifier.
type ID struct {
	inner typeid.TypeID
}

// New generates a new ID with the given prefix.
// It panics if prefix is not a valid TypeID prefix (programming error).
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return ID{inner: tid}
}

// NewTraceID returns a fresh trace correlation id ("trc_...").
func NewTraceID() ID { return New(PrefixTrace) }

// NewInstanceID returns a fresh instance id ("inst_..."), used as the
// claim owner when the configuration does not pin one.
func NewInstanceID() ID { return New(PrefixInstance) }

// String returns the full TypeID string (prefix_suffix).
func (i ID) String() string { return i.inner.String() }

// Prefix returns the prefix component.
func (i ID) Prefix() Prefix { return Prefix(i.inner.Prefix()) }
