// Package walpos implements the Write-log Position (spec.md §4.C1): an
// opaque, monotonic cursor into the durable write log. Only the cursor
// contract matters here — the write log itself (segment storage, fsync
// policy) is an external collaborator (spec.md §1).
//
// Positions are minted as time-ordered UUIDs, grounded on
// SharedCode-sop/cassandra/transactionlog.go's own use of
// gocql.UUIDFromTime to mint monotonically increasing transaction ids.
package walpos

import "github.com/nimbusdb/tablestore"

// Position is an opaque, totally-ordered cursor into the write log.
type Position struct {
	id tablestore.UUID
}

// Zero is the position before any write has occurred.
var Zero = Position{}

// New mints a new Position strictly after every Position minted before it in
// this process (time-ordered UUID generation).
func New() Position {
	return Position{id: tablestore.NewTimeOrderedUUID()}
}

// Compare returns <0, 0, >0 as p sorts before, at, or after other.
func (p Position) Compare(other Position) int {
	if p.id.IsNil() && other.id.IsNil() {
		return 0
	}
	if p.id.IsNil() {
		return -1
	}
	if other.id.IsNil() {
		return 1
	}
	return tablestore.CompareTimeOrdered(p.id, other.id)
}

// Before reports whether p sorts strictly before other.
func (p Position) Before(other Position) bool {
	return p.Compare(other) < 0
}

// Max returns whichever of p, other sorts later.
func Max(p, other Position) Position {
	if p.Compare(other) >= 0 {
		return p
	}
	return other
}

// String renders the position for logs/diagnostics.
func (p Position) String() string {
	if p.id.IsNil() {
		return "pos:zero"
	}
	return "pos:" + p.id.String()
}

// WriteLog is the external write-log contract this module consumes
// (spec.md §6 "Write-log contract (consumed)").
type WriteLog interface {
	// CurrentPosition returns a cheap, monotonic cursor.
	CurrentPosition() Position
	// DiscardCompletedSegments requests that segments wholly below upper and
	// not dirty for any other table be deleted; idempotent.
	DiscardCompletedSegments(tableID tablestore.TableID, lower, upper Position) error
}
