// Package compaction implements the Compaction Manager & Strategy
// (spec.md §4.C8): selection of sorted-file sets to merge, the merge itself
// via a lifecycle transaction, back-pressure, and cancellation/pause/resume.
//
// Strategies differ by policy, not by data model (spec.md §8 REDESIGN FLAG
// "Dynamic dispatch of strategies"), so they are modeled as a closed enum
// of variants sharing one interface rather than open-ended polymorphism.
// Grounded on SharedCode-sop's size-tiered bucketing idiom in repository.go
// (grouping by a coarse magnitude before acting on the group).
package compaction

import (
	"github.com/nimbusdb/tablestore/internal/sstable"
	"github.com/nimbusdb/tablestore/internal/tracker"
)

// Kind is the closed set of compaction strategy variants (spec.md §8).
type Kind int

const (
	SizeTiered Kind = iota
	Leveled
	TimeWindow
	Unified
)

func (k Kind) String() string {
	switch k {
	case SizeTiered:
		return "size_tiered"
	case Leveled:
		return "leveled"
	case TimeWindow:
		return "time_window"
	case Unified:
		return "unified"
	default:
		return "unknown"
	}
}

// Candidate is one live sorted file as seen by a strategy: just enough to
// pick compaction sets without the strategy needing the full sstable.Reader
// contract.
type Candidate struct {
	Generation   int64
	SizeBytes    int64
	MinTimestamp int64
	MaxTimestamp int64
}

// Task is a strategy's chosen unit of work: the input generations to merge
// and, for split-output compactions, how many output shards to produce.
type Task struct {
	Inputs      []int64
	OutputSplit int // <=1 means a single output file
}

// Thresholds bounds a strategy's candidate-set sizing (spec.md §6
// min_compaction_threshold / max_compaction_threshold; zero is forbidden).
type Thresholds struct {
	Min int
	Max int
}

func (t Thresholds) normalized() Thresholds {
	if t.Min <= 0 {
		t.Min = 4
	}
	if t.Max <= 0 || t.Max < t.Min {
		t.Max = t.Min * 8
	}
	return t
}

// Strategy is the C8 sub-interface every variant implements: select a
// compaction task, learn about sstables created/replaced, support
// enable/disable and pause/resume independent of the global pause switch,
// and report whether it supports early (partial-output) open.
type Strategy interface {
	Kind() Kind
	SelectCompaction(view *tracker.View) (Task, bool)
	CreatedSSTable(meta sstable.Metadata)
	Replaced(old []int64, new []sstable.Metadata)
	Disabled() bool
	Enable()
	Disable()
	Pause()
	Resume()
	GetUnleveledSSTables() []int64
	SupportsEarlyOpen() bool
}

// base centralizes the enable/disable and pause/resume bookkeeping every
// variant shares, so each strategy only implements SelectCompaction.
type base struct {
	disabled bool
	paused   bool
}

func (b *base) Disabled() bool { return b.disabled }
func (b *base) Enable()        { b.disabled = false }
func (b *base) Disable()       { b.disabled = true }
func (b *base) Pause()         { b.paused = true }
func (b *base) Resume()        { b.paused = false }

func (b *base) blocked() bool { return b.disabled || b.paused }

// liveCandidates lists every generation in view.Live that is not already
// compacting, with its size/timestamp bounds, sorted ascending by
// generation (oldest first).
func liveCandidates(view *tracker.View) []Candidate {
	gens := view.LiveGenerations()
	out := make([]Candidate, 0, len(gens))
	for _, g := range gens {
		if view.Compacting[g] {
			continue
		}
		r, ok := view.Live[g]
		if !ok {
			continue
		}
		m := r.Metadata()
		out = append(out, Candidate{Generation: g, SizeBytes: m.OriginalSize, MinTimestamp: m.MinTimestamp, MaxTimestamp: m.MaxTimestamp})
	}
	return out
}

func generations(cands []Candidate) []int64 {
	out := make([]int64, len(cands))
	for i, c := range cands {
		out[i] = c.Generation
	}
	return out
}

// New constructs the Strategy variant named by kind.
func New(kind Kind, thresholds Thresholds) Strategy {
	th := thresholds.normalized()
	switch kind {
	case Leveled:
		return &leveledStrategy{thresholds: th}
	case TimeWindow:
		return &timeWindowStrategy{thresholds: th, windowNanos: int64(3600e9)}
	case Unified:
		return &unifiedStrategy{thresholds: th}
	default:
		return &sizeTieredStrategy{thresholds: th}
	}
}
