package tablestore

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// CacheOptions carries the connection parameters for the L2 cache backend,
// mirrored from SharedCode-sop's Configuration.RedisOptions shape.
type CacheOptions struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// Configuration carries the recognized options from SPEC_FULL.md's domain
// stack table plus spec.md §6's configuration surface.
type Configuration struct {
	// DataDirectories are the per-disk roots the flush pipeline shards across
	// (§4.C7 "across multiple data directories in parallel").
	DataDirectories []string `json:"data_directories"`

	// FlushWriters is the size of each data directory's flush-IO pool.
	FlushWriters int `json:"flush_writers"`

	// MemtableFlushPeriod is the upper bound on time between flushes.
	MemtableFlushPeriod time.Duration `json:"memtable_flush_period_in_ms"`

	// GCGraceSeconds is the minimum tombstone age before it may be purged.
	GCGraceSeconds int64 `json:"gc_grace_seconds"`

	// RowsPerPartitionToCache bounds the read path's row-cache cover check.
	RowsPerPartitionToCache int `json:"rows_per_partition_to_cache"`

	// CRCCheckChance is the probability ([0,1]) of verifying page checksums
	// on read.
	CRCCheckChance float64 `json:"crc_check_chance"`

	// MinCompactionThreshold / MaxCompactionThreshold are strategy inputs;
	// zero is forbidden for either.
	MinCompactionThreshold int `json:"min_compaction_threshold"`
	MaxCompactionThreshold int `json:"max_compaction_threshold"`

	// CDC tags updates so flushed files mark CDC segments as retained.
	CDC bool `json:"cdc"`

	// DurableWrites, if false, skips the write log entirely.
	DurableWrites bool `json:"durable_writes"`

	// AdditionalWritePolicy / SpeculativeRetry are thresholds recomputed from
	// coordinator latency samples; see LatencyThresholds.
	AdditionalWritePolicy string `json:"additional_write_policy"`
	SpeculativeRetry      string `json:"speculative_retry"`

	// CacheBackend selects the L2 cache implementation.
	CacheBackend CacheType    `json:"cache_backend"`
	CacheOptions CacheOptions `json:"cache_options"`

	// UseDirectIO routes the flush pipeline's sorted-file shards, the
	// lifecycle transaction journal, and compaction's output shards through
	// O_DIRECT aligned, fsync-before-return writes instead of the page
	// cache (spec.md §4.C6's "fsync new files" commit-sequence step).
	// Requires a filesystem that supports O_DIRECT; false keeps every
	// writer on the default buffered os.WriteFile path.
	UseDirectIO bool `json:"use_direct_io"`
}

// Validate rejects configurations the engine cannot operate under.
func (c Configuration) Validate() error {
	if c.MinCompactionThreshold == 0 || c.MaxCompactionThreshold == 0 {
		return NewError(Configuration, fmt.Errorf("compaction thresholds must be non-zero"), c)
	}
	if c.MinCompactionThreshold > c.MaxCompactionThreshold {
		return NewError(Configuration, fmt.Errorf("min_compaction_threshold must be <= max_compaction_threshold"), c)
	}
	if c.CRCCheckChance < 0 || c.CRCCheckChance > 1 {
		return NewError(Configuration, fmt.Errorf("crc_check_chance must be within [0,1]"), c)
	}
	if len(c.DataDirectories) == 0 {
		return NewError(Configuration, fmt.Errorf("at least one data directory is required"), c)
	}
	return nil
}

// DefaultConfiguration returns conservative defaults matching the posture of
// a freshly bootstrapped single-node table store.
func DefaultConfiguration() Configuration {
	return Configuration{
		DataDirectories:         []string{"./data"},
		FlushWriters:            2,
		MemtableFlushPeriod:     1 * time.Hour,
		GCGraceSeconds:          10 * 24 * 60 * 60,
		RowsPerPartitionToCache: 100,
		CRCCheckChance:          1.0,
		MinCompactionThreshold:  4,
		MaxCompactionThreshold:  32,
		DurableWrites:           true,
		CacheBackend:            NoCache,
	}
}

// LoadConfiguration reads a JSON file and loads it into a Configuration,
// mirroring SharedCode-sop's Configuration.LoadConfiguration.
func LoadConfiguration(filename string) (Configuration, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return Configuration{}, NewError(FsRead, err, filename)
	}
	c := DefaultConfiguration()
	if err := json.Unmarshal(b, &c); err != nil {
		return Configuration{}, NewError(Configuration, err, filename)
	}
	// memtable_flush_period_in_ms counts milliseconds; the decode above read
	// it into the time.Duration field as nanoseconds.
	var period struct {
		MS *int64 `json:"memtable_flush_period_in_ms"`
	}
	if err := json.Unmarshal(b, &period); err != nil {
		return Configuration{}, NewError(Configuration, err, filename)
	}
	if period.MS != nil {
		c.MemtableFlushPeriod = time.Duration(*period.MS) * time.Millisecond
	}
	return c, nil
}

// LatencyThresholds supplements spec.md §6's additional_write_policy /
// speculative_retry entries: the coordinator (out of scope here) gathers
// latency samples and calls RecomputeThresholds; this module only owns the
// pure recompute function, not sample collection.
type LatencyThresholds struct {
	P99 time.Duration
	P50 time.Duration
}

// RecomputeThresholds derives P50/P99 thresholds from a set of coordinator
// latency samples. Samples are assumed already sorted ascending by the
// caller; this function does not mutate or re-sort them.
func RecomputeThresholds(sortedSamples []time.Duration) LatencyThresholds {
	if len(sortedSamples) == 0 {
		return LatencyThresholds{}
	}
	p50 := sortedSamples[len(sortedSamples)*50/100]
	idx99 := len(sortedSamples) * 99 / 100
	if idx99 >= len(sortedSamples) {
		idx99 = len(sortedSamples) - 1
	}
	return LatencyThresholds{P50: p50, P99: sortedSamples[idx99]}
}
