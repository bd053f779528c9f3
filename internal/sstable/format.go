// Package sstable implements the Sorted-File Reader/Writer abstraction
// (spec.md §4.C4): a trait-level contract for a sealed, sorted-by-partition
// immutable file, with two interchangeable concrete formats coexisting
// behind it (spec.md §3), exactly as the spec allows ("two concrete formats
// coexist in the source and are interchangeable behind that contract").
//
// The plain format is grounded on SharedCode-sop/fs/blob_store.go; the
// erasure-coded format on SharedCode-sop/fs/blob_store_with_ec.go
// (github.com/klauspost/reedsolomon). Only the abstract contract and these
// two formats' component-durability behavior are in scope — the exact byte
// layout of any component is explicitly out of scope (spec.md §1).
package sstable

import (
	"context"

	"github.com/nimbusdb/tablestore"
	"github.com/nimbusdb/tablestore/internal/memtable"
)

// Format identifies which of the two interchangeable concrete formats a
// sorted file was written in.
type Format int

const (
	// FormatPlain stores each component as a single file per data directory.
	FormatPlain Format = iota
	// FormatErasureCoded shards the Data component across the configured
	// data directories with recoverable parity via reedsolomon.
	FormatErasureCoded
)

func (f Format) String() string {
	if f == FormatErasureCoded {
		return "erasure-coded"
	}
	return "plain"
}

// ComponentKind enumerates a sorted file's on-disk components (spec.md §6).
type ComponentKind int

const (
	ComponentData ComponentKind = iota
	ComponentIndex
	ComponentFilter
	ComponentStatistics
	ComponentTOC
)

func (c ComponentKind) Extension() string {
	switch c {
	case ComponentData:
		return "Data.db"
	case ComponentIndex:
		return "Index.db"
	case ComponentFilter:
		return "Filter.db"
	case ComponentStatistics:
		return "Statistics.db"
	case ComponentTOC:
		return "TOC.txt"
	default:
		return "Unknown.db"
	}
}

// Metadata captures the sealed file's descriptive fields (spec.md §3
// "Sorted File").
type Metadata struct {
	Generation           int64
	Format               Format
	Version              int
	FirstKey             tablestore.PartitionKey
	LastKey              tablestore.PartitionKey
	MinTimestamp          int64
	MaxTimestamp          int64
	MinLocalDeletionTime int64
	RepairedAt           int64 // 0 = unrepaired
	PendingRepair        tablestore.UUID
	CDCRetained          bool
	// OriginalSize is the unsharded Data component size in bytes, needed by
	// the erasure-coded format to Join shards back into the original blob.
	OriginalSize int64
}

// Overlaps reports whether [m.FirstKey, m.LastKey] intersects
// [start, end] (nil bound = unbounded), used for range pruning.
func (m Metadata) Overlaps(start, end *tablestore.PartitionKey) bool {
	if end != nil && m.FirstKey.Compare(*end) > 0 {
		return false
	}
	if start != nil && m.LastKey.Compare(*start) < 0 {
		return false
	}
	return true
}

// Scanner iterates partitions from a sealed sorted file, restricted by the
// range/filter given to Reader.Scan.
type Scanner interface {
	Next() (*tablestore.PartitionUpdate, bool, error)
	Close() error
}

// Reader is the read side of the sorted-file contract: open, scan, point
// lookup, metadata, reference counting, obsoletion.
type Reader interface {
	Metadata() Metadata
	Scan(ctx context.Context, dataRange memtable.DataRange) (Scanner, error)
	Get(ctx context.Context, key tablestore.PartitionKey) (*tablestore.PartitionUpdate, bool, error)

	// TryRef attempts to take a reference; fails once the file has been
	// marked obsolete or fully released (spec.md §5 "try_ref loop").
	TryRef() bool
	// Release gives up a reference taken by TryRef/the initial open.
	Release()
	// MarkObsolete flags the file for deletion once its reference count
	// drops to zero.
	MarkObsolete()
	// IsObsolete reports whether MarkObsolete has been called.
	IsObsolete() bool

	// Components lists this file's on-disk components, used by lifecycle
	// transactions to enumerate what a commit/rollback must touch.
	Components() []ComponentKind
	// Paths returns the on-disk paths backing each component, for lifecycle
	// bookkeeping (ADD/REMOVE log entries).
	Paths() []string

	Close() error
}

// Writer is the write side of the sorted-file contract, used by the flush
// pipeline and by compaction merges.
type Writer interface {
	Add(ctx context.Context, pu *tablestore.PartitionUpdate) error
	// Finish seals the file (fsync, TOC write) and returns an opened Reader
	// holding one initial reference.
	Finish(ctx context.Context) (Reader, error)
	// Abandon discards any partially written component files without
	// sealing, used on flush/compaction abort.
	Abandon() error
}
