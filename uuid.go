package tablestore

import (
	"bytes"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
)

// UUID is a thin wrapper over github.com/google/uuid.UUID, kept as our own
// type so callers never import the external package directly.
type UUID uuid.UUID

// NilUUID is the zero-value UUID.
var NilUUID UUID

// IsNil reports whether id equals the zero-value UUID.
func (id UUID) IsNil() bool {
	return bytes.Equal(id[:], NilUUID[:])
}

// String returns the canonical string representation of id.
func (id UUID) String() string {
	return uuid.UUID(id).String()
}

// ParseUUID parses a canonical UUID string.
func ParseUUID(s string) (UUID, error) {
	u, err := uuid.Parse(s)
	return UUID(u), err
}

// NewUUID returns a new randomly generated UUID. Used for table ids, where
// no ordering requirement exists.
func NewUUID() UUID {
	u, err := uuid.NewRandom()
	if err != nil {
		// uuid.NewRandom only fails if the system RNG is broken; there is no
		// sane degraded mode for a storage engine in that case.
		panic(err)
	}
	return UUID(u)
}

// NewTimeOrderedUUID returns a UUID derived from Now(), monotonically
// increasing in generation order for a given process. Used for the
// write-log Position cursor (C1) and lifecycle-transaction ids (sorted-file
// generation numbers come from sstable.GenerationCounter instead), exactly
// as the teacher's transaction log mints transaction ids with
// gocql.UUIDFromTime — reused here standalone, with no live Cassandra
// session, since the CQL layer itself is out of scope.
func NewTimeOrderedUUID() UUID {
	return UUID(gocql.UUIDFromTime(Now().UTC()))
}

// CompareTimeOrdered compares two time-ordered UUIDs by their embedded
// timestamp, falling back to raw byte comparison for ids minted in the same
// tick. This is the comparison used by walpos.Position.
func CompareTimeOrdered(a, b UUID) int {
	ta := gocql.UUID(a).Time()
	tb := gocql.UUID(b).Time()
	if ta.Before(tb) {
		return -1
	}
	if ta.After(tb) {
		return 1
	}
	return bytes.Compare(a[:], b[:])
}
