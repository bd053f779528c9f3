package tablestore

import "math"

// TableID identifies a table within a keyspace.
type TableID UUID

// String returns the canonical string representation of id.
func (id TableID) String() string {
	return UUID(id).String()
}

// Cell holds either a live value or a tombstone at a given timestamp.
type Cell struct {
	Timestamp         int64 // microseconds since epoch
	Value             []byte
	Tombstone         bool
	LocalDeletionTime int64 // seconds since epoch; meaningful only if Tombstone
}

// mergeCell reconciles two cells for the same (clustering, column): the
// higher timestamp wins; at equal timestamps the tombstone wins over the
// value (spec.md §3, property 7 in spec.md §8). Returns the winner and the
// absolute time delta between the two timestamps, used for the write-latency
// histogram.
func mergeCell(existing, incoming Cell) (Cell, int64) {
	delta := incoming.Timestamp - existing.Timestamp
	if delta < 0 {
		delta = -delta
	}
	switch {
	case incoming.Timestamp > existing.Timestamp:
		return incoming, delta
	case incoming.Timestamp < existing.Timestamp:
		return existing, delta
	default:
		if incoming.Tombstone || existing.Tombstone {
			t := incoming
			t.Tombstone = true
			if !incoming.Tombstone {
				t = existing
			}
			return t, delta
		}
		return incoming, delta
	}
}

// RangeDeletion is a (start, end) clustering bound pair tagged with the
// deletion's timestamp and local deletion time.
type RangeDeletion struct {
	Start             Clustering
	End               Clustering
	Timestamp         int64
	LocalDeletionTime int64
}

// Covers reports whether c falls within [Start, End] honoring the bounds'
// inclusive/exclusive kind.
func (rd RangeDeletion) Covers(c Clustering) bool {
	row := Clustering{Kind: KindRow, Values: c.Values}
	if CompareClusterings(row, rd.Start) < 0 {
		return false
	}
	if CompareClusterings(row, rd.End) > 0 {
		return false
	}
	return true
}

// PartitionDeletion marks an entire partition deleted as of Timestamp.
type PartitionDeletion struct {
	Timestamp         int64
	LocalDeletionTime int64
	Live              bool // false (zero value) means "no partition deletion"
}

// Row is one clustered row: its position plus a column -> cell map.
type Row struct {
	Clustering Clustering
	Cells      map[string]Cell
}

func cloneRow(r Row) Row {
	out := Row{Clustering: r.Clustering, Cells: make(map[string]Cell, len(r.Cells))}
	for k, v := range r.Cells {
		out.Cells[k] = v
	}
	return out
}

// PartitionUpdate is the (PK, table, rows, range-deletions, partition-
// deletion) aggregate from spec.md §3. It grows monotonically under Merge,
// which is commutative for cells at distinct (clustering, column).
type PartitionUpdate struct {
	Key               PartitionKey
	Table             TableID
	Rows              map[string]Row // keyed by an order-preserving encoding of Clustering
	RangeDeletions    []RangeDeletion
	PartitionDeletion PartitionDeletion
	CDC               bool
}

// NewPartitionUpdate constructs an empty update for the given key and table.
func NewPartitionUpdate(key PartitionKey, table TableID) *PartitionUpdate {
	return &PartitionUpdate{
		Key:   key,
		Table: table,
		Rows:  make(map[string]Row),
	}
}

// ClusteringKey returns a stable map key preserving clustering sort order
// through simple byte concatenation with length prefixes, so map iteration
// order is irrelevant and callers sort by decoding-free comparison of Row
// entries directly via CompareClusterings when needed.
func ClusteringKey(c Clustering) string {
	var b []byte
	for _, v := range c.Values {
		b = append(b, byte(len(v)>>8), byte(len(v)))
		b = append(b, v...)
	}
	b = append(b, byte(c.Kind))
	return string(b)
}

// Merge folds other into pu in place, returning the maximum absolute
// timestamp delta observed across overlapping cells (or +Inf if no cell in
// other overlapped an existing cell in pu). This is the delta the memtable
// forwards to its write-latency histogram (spec.md §4.C3 put()).
func (pu *PartitionUpdate) Merge(other *PartitionUpdate) float64 {
	maxDelta := math.Inf(1)
	sawOverlap := false

	if other.PartitionDeletion.Live && (!pu.PartitionDeletion.Live || other.PartitionDeletion.Timestamp > pu.PartitionDeletion.Timestamp) {
		pu.PartitionDeletion = other.PartitionDeletion
	}

	pu.RangeDeletions = append(pu.RangeDeletions, other.RangeDeletions...)

	for key, incomingRow := range other.Rows {
		existingRow, ok := pu.Rows[key]
		if !ok {
			pu.Rows[key] = cloneRow(incomingRow)
			continue
		}
		for col, incomingCell := range incomingRow.Cells {
			if existingCell, ok := existingRow.Cells[col]; ok {
				winner, delta := mergeCell(existingCell, incomingCell)
				existingRow.Cells[col] = winner
				if !sawOverlap || float64(delta) > maxDelta {
					maxDelta = float64(delta)
					sawOverlap = true
				}
			} else {
				existingRow.Cells[col] = incomingCell
			}
		}
		pu.Rows[key] = existingRow
	}
	if other.CDC {
		pu.CDC = true
	}
	if !sawOverlap {
		return math.Inf(1)
	}
	return maxDelta
}

// IsEmpty reports whether pu carries no rows, no range deletions, and no
// partition deletion.
func (pu *PartitionUpdate) IsEmpty() bool {
	return len(pu.Rows) == 0 && len(pu.RangeDeletions) == 0 && !pu.PartitionDeletion.Live
}

// Clone returns a deep-enough copy of pu that calling Merge on the result
// can never mutate pu itself: every Row (and its Cells map) is copied, so a
// caller that read pu from a live memtable or a reader's shared decoded
// record set can fold further updates into the clone without racing
// whatever else still holds pu (spec.md §4.C9's read path folds multiple
// sources' hits together and must not mutate any of them in place).
func (pu *PartitionUpdate) Clone() *PartitionUpdate {
	out := &PartitionUpdate{
		Key:               pu.Key,
		Table:             pu.Table,
		Rows:              make(map[string]Row, len(pu.Rows)),
		RangeDeletions:    append([]RangeDeletion(nil), pu.RangeDeletions...),
		PartitionDeletion: pu.PartitionDeletion,
		CDC:               pu.CDC,
	}
	for k, row := range pu.Rows {
		out.Rows[k] = cloneRow(row)
	}
	return out
}

// Mutation is the (keyspace, PK, table -> PartitionUpdate) bundle from
// spec.md §3. All updates share the PK and keyspace; at most one update per
// table id.
type Mutation struct {
	Keyspace string
	Key      PartitionKey
	Updates  map[TableID]*PartitionUpdate
}

// Validate enforces the Mutation invariants from spec.md §3.
func (m *Mutation) Validate() error {
	for tid, pu := range m.Updates {
		if !pu.Key.Equal(m.Key) {
			return NewError(InvalidRequest, errKeyMismatch, tid)
		}
		if pu.Table != tid {
			return NewError(InvalidRequest, errTableMismatch, tid)
		}
	}
	return nil
}

var (
	errKeyMismatch   = invalidRequestErr("partition update key does not match mutation key")
	errTableMismatch = invalidRequestErr("partition update table id does not match map key")
)

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func invalidRequestErr(msg string) error { return simpleErr(msg) }
