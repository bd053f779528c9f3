package compaction

import (
	"sort"

	"github.com/nimbusdb/tablestore/internal/sstable"
	"github.com/nimbusdb/tablestore/internal/tracker"
)

// unifiedStrategy sorts candidates by size and picks a run starting at the
// smallest: each further candidate joins while its own size is within one
// "scaling factor" step of the smallest member's, the run is filled up to
// thresholds.Min members whatever their size, and it is capped at
// thresholds.Max. This folds sizeTieredStrategy's bucketing and
// leveledStrategy's single-run promotion into one policy — the shape the
// unified compaction literature describes as a single parameterized
// strategy replacing the older strategies' separate tuning knobs.
type unifiedStrategy struct {
	base
	thresholds   Thresholds
	scalingFactor float64
}

func (s *unifiedStrategy) Kind() Kind { return Unified }

func (s *unifiedStrategy) factor() float64 {
	if s.scalingFactor <= 1 {
		return 2
	}
	return s.scalingFactor
}

func (s *unifiedStrategy) SelectCompaction(view *tracker.View) (Task, bool) {
	if s.blocked() {
		return Task{}, false
	}
	cands := liveCandidates(view)
	if len(cands) < s.thresholds.Min {
		return Task{}, false
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].SizeBytes < cands[j].SizeBytes })

	run := []Candidate{cands[0]}
	limit := float64(cands[0].SizeBytes) * s.factor()
	for _, c := range cands[1:] {
		if float64(c.SizeBytes) <= limit || len(run) < s.thresholds.Min {
			run = append(run, c)
			continue
		}
		break
	}
	if len(run) < s.thresholds.Min {
		return Task{}, false
	}
	if len(run) > s.thresholds.Max {
		run = run[:s.thresholds.Max]
	}
	return Task{Inputs: generations(run)}, true
}

func (s *unifiedStrategy) CreatedSSTable(sstable.Metadata)       {}
func (s *unifiedStrategy) Replaced([]int64, []sstable.Metadata) {}
func (s *unifiedStrategy) GetUnleveledSSTables() []int64        { return nil }
func (s *unifiedStrategy) SupportsEarlyOpen() bool              { return true }
