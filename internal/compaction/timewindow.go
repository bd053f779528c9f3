package compaction

import (
	"sort"

	"github.com/nimbusdb/tablestore/internal/sstable"
	"github.com/nimbusdb/tablestore/internal/tracker"
)

// timeWindowStrategy groups live sorted files by the fixed-width time
// window their MinTimestamp falls into and compacts the oldest window with
// enough members, so data belonging to the same time bucket (e.g. a day's
// worth of a CDC/time-series table) consolidates into one file rather than
// getting mixed with unrelated windows by sizeTieredStrategy's sizing rule.
type timeWindowStrategy struct {
	base
	thresholds Thresholds
	windowNanos int64
}

func (s *timeWindowStrategy) Kind() Kind { return TimeWindow }

func (s *timeWindowStrategy) windowOf(tsNanos int64) int64 {
	if s.windowNanos <= 0 {
		return 0
	}
	return tsNanos / s.windowNanos
}

func (s *timeWindowStrategy) SelectCompaction(view *tracker.View) (Task, bool) {
	if s.blocked() {
		return Task{}, false
	}
	cands := liveCandidates(view)
	byWindow := map[int64][]Candidate{}
	for _, c := range cands {
		w := s.windowOf(c.MinTimestamp)
		byWindow[w] = append(byWindow[w], c)
	}

	windows := make([]int64, 0, len(byWindow))
	for w := range byWindow {
		windows = append(windows, w)
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i] < windows[j] })

	for _, w := range windows {
		members := byWindow[w]
		if len(members) < s.thresholds.Min {
			continue
		}
		if len(members) > s.thresholds.Max {
			members = members[:s.thresholds.Max]
		}
		return Task{Inputs: generations(members)}, true
	}
	return Task{}, false
}

func (s *timeWindowStrategy) CreatedSSTable(sstable.Metadata)       {}
func (s *timeWindowStrategy) Replaced([]int64, []sstable.Metadata) {}
func (s *timeWindowStrategy) GetUnleveledSSTables() []int64        { return nil }
func (s *timeWindowStrategy) SupportsEarlyOpen() bool              { return false }
