package sstable

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	log "log/slog"

	"github.com/klauspost/reedsolomon"

	"github.com/nimbusdb/tablestore"
	"github.com/nimbusdb/tablestore/internal/memtable"
)

// ECConfig configures the erasure-coded format, grounded on
// SharedCode-sop/fs/erasurecodingconfig.go's ErasureCodingConfig: a set of
// data directories (one per shard, data shards first then parity shards)
// plus the shard counts.
type ECConfig struct {
	DataShards    int
	ParityShards  int
	BaseDirs      []string // len must equal DataShards + ParityShards
	RepairOnRead  bool
}

func (c ECConfig) validate() error {
	if c.DataShards <= 0 || c.ParityShards < 0 {
		return fmt.Errorf("sstable: invalid erasure shard counts %d/%d", c.DataShards, c.ParityShards)
	}
	if len(c.BaseDirs) != c.DataShards+c.ParityShards {
		return fmt.Errorf("sstable: erasure base dirs count %d must equal data+parity shard count %d", len(c.BaseDirs), c.DataShards+c.ParityShards)
	}
	return nil
}

// ecWriter is the erasure-coded concrete format, grounded on
// SharedCode-sop/fs/blob_store_with_ec.go: the Data component is split into
// DataShards chunks, ParityShards recovery chunks are computed via
// reedsolomon, and every shard is written to its own configured directory so
// the loss of up to ParityShards drives is recoverable.
type ecWriter struct {
	cfg        ECConfig
	fio        FileIO
	generation int64
	enc        reedsolomon.Encoder

	records []*tablestore.PartitionUpdate
	meta    Metadata
	have    bool
}

// NewErasureWriter opens a writer for a new erasure-coded sorted file.
func NewErasureWriter(cfg ECConfig, fio FileIO, gen int64) (Writer, error) {
	if err := cfg.validate(); err != nil {
		return nil, tablestore.NewError(tablestore.Configuration, err, nil)
	}
	enc, err := reedsolomon.New(cfg.DataShards, cfg.ParityShards)
	if err != nil {
		return nil, tablestore.NewError(tablestore.Configuration, err, nil)
	}
	if fio == nil {
		fio = NewOSFileIO()
	}
	return &ecWriter{cfg: cfg, fio: fio, generation: gen, enc: enc,
		meta: Metadata{Generation: gen, Format: FormatErasureCoded, Version: 1}}, nil
}

// Add implements Writer.
func (w *ecWriter) Add(_ context.Context, pu *tablestore.PartitionUpdate) error {
	if pu == nil || pu.IsEmpty() {
		return nil
	}
	if !w.have {
		w.meta.FirstKey = pu.Key
		w.have = true
	}
	w.meta.LastKey = pu.Key
	updateTimestampBounds(&w.meta, pu)
	if pu.CDC {
		w.meta.CDCRetained = true
	}
	w.records = append(w.records, pu)
	return nil
}

// Finish implements Writer: it frames every record into a single Data
// blob, splits+encodes it into DataShards+ParityShards pieces via
// reedsolomon, and writes one shard file per configured base directory,
// alongside an un-sharded Statistics component replicated to every
// directory (small, so replication beats erasure coding for it).
func (w *ecWriter) Finish(ctx context.Context) (Reader, error) {
	var dataBuf bytes.Buffer
	for _, pu := range w.records {
		framed, err := encodeRecord(pu)
		if err != nil {
			return nil, err
		}
		dataBuf.Write(framed)
	}

	shards, err := w.enc.Split(dataBuf.Bytes())
	if err != nil {
		return nil, tablestore.NewError(tablestore.FsWrite, err, nil)
	}
	if err := w.enc.Encode(shards); err != nil {
		return nil, tablestore.NewError(tablestore.FsWrite, err, nil)
	}

	var statBuf bytes.Buffer
	w.meta.OriginalSize = int64(dataBuf.Len())
	if err := gob.NewEncoder(&statBuf).Encode(w.meta); err != nil {
		return nil, tablestore.NewError(tablestore.FsWrite, err, nil)
	}

	for i, dir := range w.cfg.BaseDirs {
		if !w.fio.Exists(dir) {
			if err := w.fio.MkdirAll(dir, permission); err != nil {
				return nil, tablestore.NewError(tablestore.FsWrite, err, dir)
			}
		}
		shardPath := joinPath(dir, w.generation, ComponentData)
		if err := w.fio.WriteFile(shardPath, shards[i], permission); err != nil {
			return nil, tablestore.NewError(tablestore.FsWrite, err, shardPath)
		}
		statPath := joinPath(dir, w.generation, ComponentStatistics)
		if err := w.fio.WriteFile(statPath, statBuf.Bytes(), permission); err != nil {
			return nil, tablestore.NewError(tablestore.FsWrite, err, statPath)
		}
	}

	return newECReader(w.cfg, w.fio, w.generation, w.meta, append([]*tablestore.PartitionUpdate(nil), w.records...)), nil
}

// Abandon implements Writer: best-effort removal of any shard files a
// partially completed Finish may have written.
func (w *ecWriter) Abandon() error {
	var firstErr error
	for _, dir := range w.cfg.BaseDirs {
		for _, c := range []ComponentKind{ComponentData, ComponentStatistics} {
			if err := w.fio.Remove(joinPath(dir, w.generation, c)); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

type ecReader struct {
	cfg        ECConfig
	fio        FileIO
	generation int64
	meta       Metadata
	enc        reedsolomon.Encoder
	records    []*tablestore.PartitionUpdate
	rc         *refCounter
}

func newECReader(cfg ECConfig, fio FileIO, gen int64, meta Metadata, records []*tablestore.PartitionUpdate) *ecReader {
	enc, _ := reedsolomon.New(cfg.DataShards, cfg.ParityShards)
	r := &ecReader{cfg: cfg, fio: fio, generation: gen, meta: meta, enc: enc, records: records}
	r.rc = newRefCounter(r.deleteComponents)
	return r
}

// deleteComponents is the refCounter's onZero hook, mirroring plainReader's:
// every shard across every BaseDirs directory is only removed once the last
// holder has released and the reader was marked obsolete.
func (r *ecReader) deleteComponents() {
	if !r.IsObsolete() {
		return
	}
	for _, p := range r.Paths() {
		if err := r.fio.Remove(p); err != nil {
			log.Warn("erasure-coded shard delete failed", "path", p, "error", err)
		}
	}
}

// OpenErasureReader reopens a sealed erasure-coded sorted file, tolerating
// up to ParityShards missing/corrupt shard files by reconstructing them
// (spec.md's durability contract for the erasure-coded format).
func OpenErasureReader(ctx context.Context, cfg ECConfig, fio FileIO, gen int64) (Reader, error) {
	if err := cfg.validate(); err != nil {
		return nil, tablestore.NewError(tablestore.Configuration, err, nil)
	}
	if fio == nil {
		fio = NewOSFileIO()
	}
	enc, err := reedsolomon.New(cfg.DataShards, cfg.ParityShards)
	if err != nil {
		return nil, tablestore.NewError(tablestore.Configuration, err, nil)
	}

	shards := make([][]byte, len(cfg.BaseDirs))
	var meta Metadata
	haveMeta := false
	for i, dir := range cfg.BaseDirs {
		shardPath := joinPath(dir, gen, ComponentData)
		if data, err := fio.ReadFile(shardPath); err == nil {
			shards[i] = data
		}
		if !haveMeta {
			if statBytes, err := fio.ReadFile(joinPath(dir, gen, ComponentStatistics)); err == nil {
				if derr := gob.NewDecoder(bytes.NewReader(statBytes)).Decode(&meta); derr == nil {
					haveMeta = true
				}
			}
		}
	}
	if !haveMeta {
		return nil, tablestore.NewError(tablestore.FsRead, fmt.Errorf("no readable Statistics shard for generation %d", gen), nil)
	}

	ok, _ := enc.Verify(shards)
	if !ok {
		if err := enc.Reconstruct(shards); err != nil {
			return nil, tablestore.NewError(tablestore.Corrupt, err, nil)
		}
		if cfg.RepairOnRead {
			for i, dir := range cfg.BaseDirs {
				_ = fio.WriteFile(joinPath(dir, gen, ComponentData), shards[i], permission)
			}
		}
	}

	var joined bytes.Buffer
	if err := enc.Join(&joined, shards, int(meta.OriginalSize)); err != nil {
		return nil, tablestore.NewError(tablestore.Corrupt, err, nil)
	}
	records, err := decodeRecords(joined.Bytes())
	if err != nil {
		return nil, err
	}
	return newECReader(cfg, fio, gen, meta, records), nil
}

func (r *ecReader) Metadata() Metadata { return r.meta }

func (r *ecReader) Scan(ctx context.Context, dataRange memtable.DataRange) (Scanner, error) {
	pr := newPlainReader("", r.fio, r.generation, r.meta, r.records)
	return pr.Scan(ctx, dataRange)
}

func (r *ecReader) Get(ctx context.Context, key tablestore.PartitionKey) (*tablestore.PartitionUpdate, bool, error) {
	pr := newPlainReader("", r.fio, r.generation, r.meta, r.records)
	return pr.Get(ctx, key)
}

func (r *ecReader) TryRef() bool     { return r.rc.TryRef() }
func (r *ecReader) Release()         { r.rc.Release() }
func (r *ecReader) MarkObsolete()    { r.rc.MarkObsolete() }
func (r *ecReader) IsObsolete() bool { return r.rc.IsObsolete() }

func (r *ecReader) Components() []ComponentKind {
	return []ComponentKind{ComponentData, ComponentStatistics}
}

func (r *ecReader) Paths() []string {
	var paths []string
	for _, dir := range r.cfg.BaseDirs {
		for _, c := range r.Components() {
			paths = append(paths, joinPath(dir, r.generation, c))
		}
	}
	return paths
}

// Close releases this handle's reference; see plainReader.Close.
func (r *ecReader) Close() error {
	r.rc.Release()
	return nil
}
