package compaction

import (
	"sort"

	"github.com/nimbusdb/tablestore/internal/sstable"
	"github.com/nimbusdb/tablestore/internal/tracker"
)

// sizeTieredStrategy buckets live sorted files by similar size and compacts
// the fullest bucket once it reaches thresholds.Min members, grounded on the
// classic size-tiered bucketing idea: two files are "similar" if each is
// within a fixed ratio of the bucket's running average size.
type sizeTieredStrategy struct {
	base
	thresholds Thresholds
}

const sizeTieredBucketLow = 0.5
const sizeTieredBucketHigh = 1.5

func (s *sizeTieredStrategy) Kind() Kind { return SizeTiered }

func (s *sizeTieredStrategy) SelectCompaction(view *tracker.View) (Task, bool) {
	if s.blocked() {
		return Task{}, false
	}
	cands := liveCandidates(view)
	sort.Slice(cands, func(i, j int) bool { return cands[i].SizeBytes < cands[j].SizeBytes })

	var buckets [][]Candidate
	for _, c := range cands {
		placed := false
		for i, b := range buckets {
			avg := bucketAverage(b)
			if avg == 0 || (float64(c.SizeBytes) >= avg*sizeTieredBucketLow && float64(c.SizeBytes) <= avg*sizeTieredBucketHigh) {
				buckets[i] = append(buckets[i], c)
				placed = true
				break
			}
		}
		if !placed {
			buckets = append(buckets, []Candidate{c})
		}
	}

	best := -1
	for i, b := range buckets {
		if len(b) < s.thresholds.Min {
			continue
		}
		if best == -1 || len(b) > len(buckets[best]) {
			best = i
		}
	}
	if best == -1 {
		return Task{}, false
	}
	chosen := buckets[best]
	if len(chosen) > s.thresholds.Max {
		chosen = chosen[:s.thresholds.Max]
	}
	return Task{Inputs: generations(chosen)}, true
}

func bucketAverage(b []Candidate) float64 {
	if len(b) == 0 {
		return 0
	}
	var sum int64
	for _, c := range b {
		sum += c.SizeBytes
	}
	return float64(sum) / float64(len(b))
}

func (s *sizeTieredStrategy) CreatedSSTable(sstable.Metadata)          {}
func (s *sizeTieredStrategy) Replaced([]int64, []sstable.Metadata)    {}
func (s *sizeTieredStrategy) GetUnleveledSSTables() []int64           { return nil }
func (s *sizeTieredStrategy) SupportsEarlyOpen() bool                 { return false }
