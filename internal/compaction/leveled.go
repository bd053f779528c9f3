package compaction

import (
	"sort"

	"github.com/nimbusdb/tablestore/internal/sstable"
	"github.com/nimbusdb/tablestore/internal/tracker"
)

// leveledStrategy assigns every sorted file a level (0 = newest, unleveled)
// and compacts level 0 into level 1 once it holds thresholds.Min files,
// then cascades a level into the next once its member count exceeds
// thresholds.Max raised to that level's power — a deliberately small
// approximation of leveled compaction's exponential fanout, sufficient to
// exercise the Strategy contract without a full overlap-tracking
// implementation (out of scope per spec.md §1's sorted-file byte layout
// being unspecified; this module only needs which generations to merge).
type leveledStrategy struct {
	base
	thresholds Thresholds
	levels     map[int64]int
}

func (s *leveledStrategy) Kind() Kind { return Leveled }

func (s *leveledStrategy) levelOf(gen int64) int {
	if s.levels == nil {
		return 0
	}
	return s.levels[gen]
}

func (s *leveledStrategy) SelectCompaction(view *tracker.View) (Task, bool) {
	if s.blocked() {
		return Task{}, false
	}
	cands := liveCandidates(view)
	byLevel := map[int][]Candidate{}
	for _, c := range cands {
		lvl := s.levelOf(c.Generation)
		byLevel[lvl] = append(byLevel[lvl], c)
	}

	levelNums := make([]int, 0, len(byLevel))
	for l := range byLevel {
		levelNums = append(levelNums, l)
	}
	sort.Ints(levelNums)

	for _, lvl := range levelNums {
		members := byLevel[lvl]
		capacity := 1
		for i := 0; i < lvl; i++ {
			capacity *= s.thresholds.Max
		}
		if lvl == 0 && len(members) < s.thresholds.Min {
			continue
		}
		if lvl > 0 && len(members) <= capacity {
			continue
		}
		sort.Slice(members, func(i, j int) bool { return members[i].SizeBytes < members[j].SizeBytes })
		chosen := members
		if len(chosen) > s.thresholds.Max {
			chosen = chosen[:s.thresholds.Max]
		}
		return Task{Inputs: generations(chosen)}, true
	}
	return Task{}, false
}

func (s *leveledStrategy) CreatedSSTable(meta sstable.Metadata) {
	if s.levels == nil {
		s.levels = make(map[int64]int)
	}
	s.levels[meta.Generation] = 0
}

// Replaced records that old's files are gone and new's files occupy the
// next level up from whichever of old was deepest, mirroring leveled
// compaction's promotion of merge output.
func (s *leveledStrategy) Replaced(old []int64, new []sstable.Metadata) {
	if s.levels == nil {
		s.levels = make(map[int64]int)
	}
	promoted := 0
	for _, g := range old {
		if lvl := s.levels[g]; lvl > promoted {
			promoted = lvl
		}
		delete(s.levels, g)
	}
	for _, m := range new {
		s.levels[m.Generation] = promoted + 1
	}
}

func (s *leveledStrategy) GetUnleveledSSTables() []int64 {
	var out []int64
	for g, lvl := range s.levels {
		if lvl == 0 {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *leveledStrategy) SupportsEarlyOpen() bool { return true }
