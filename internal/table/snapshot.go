package table

import (
	"context"
	"encoding/json"
	"fmt"
	log "log/slog"
	"path/filepath"

	"github.com/nimbusdb/tablestore"
)

// manifest is the JSON shape written alongside every snapshot/backup tree
// (spec.md §6 "snapshots/<tag>/ holds hard links plus manifest.json
// ({"files":[relative-filename,...]}) and optionally schema.cql").
type manifest struct {
	Files []string `json:"files"`
}

// Snapshot hard-links every live sorted file into
// <data-dir>/<keyspace>/<table>-<id>/snapshots/<tag>/ and writes a manifest
// (spec.md §4.C10 "Snapshot contract"). ephemeral snapshots additionally
// drop an empty ephemeral.snapshot marker, cleaned up by Engine.Open on the
// next startup (SPEC_FULL.md supplemented feature).
func (s *Store) Snapshot(ctx context.Context, tag string, ephemeral bool) error {
	return s.hardLinkTree(ctx, "snapshots", tag, ephemeral, "")
}

// Backup hard-links every live sorted file into
// <data-dir>/<keyspace>/<table>-<id>/backups/<tag>/, reusing Snapshot's
// hard-link/manifest machinery (SPEC_FULL.md's supplemented Backup
// operation: spec.md §6 names backups/<auto>/ as an optional hard-link tree
// with no operation, and backups are structurally identical to snapshots).
func (s *Store) Backup(ctx context.Context, tag string) error {
	return s.hardLinkTree(ctx, "backups", tag, false, "")
}

// SnapshotWithSchema is Snapshot plus an accompanying schema.cql text file,
// for callers that want the snapshot to be self-describing.
func (s *Store) SnapshotWithSchema(ctx context.Context, tag string, ephemeral bool, schemaCQL string) error {
	return s.hardLinkTree(ctx, "snapshots", tag, ephemeral, schemaCQL)
}

func (s *Store) hardLinkTree(ctx context.Context, kind, tag string, ephemeral bool, schemaCQL string) error {
	if tag == "" {
		return tablestore.NewError(tablestore.InvalidRequest, fmt.Errorf("%s tag must not be empty", kind), s.id)
	}

	view := s.tracker.Snapshot()
	var live []string
	for _, gen := range view.LiveGenerations() {
		r, ok := view.Live[gen]
		if !ok {
			continue
		}
		if !r.TryRef() {
			continue
		}
		live = append(live, r.Paths()...)
		r.Release()
	}

	var rel []string
	for _, dir := range s.dirs {
		destDir := filepath.Join(dir, kind, tag)
		if err := s.fio.MkdirAll(destDir, 0o750); err != nil {
			return tablestore.NewError(tablestore.FsWrite, err, destDir)
		}
		for _, src := range live {
			// A sorted file's components live under exactly one data
			// directory; only that directory's own snapshot tree links them.
			if filepath.Dir(src) != dir {
				continue
			}
			name := filepath.Base(src)
			dest := filepath.Join(destDir, name)
			if err := s.fio.Link(src, dest); err != nil {
				return tablestore.NewError(tablestore.FsWrite, err, dest)
			}
			rel = append(rel, filepath.Join(filepath.Base(dir), kind, tag, name))
		}
	}

	primary := filepath.Join(s.dirs[0], kind, tag)
	m, err := json.Marshal(manifest{Files: rel})
	if err != nil {
		return tablestore.NewError(tablestore.FsWrite, err, primary)
	}
	if err := s.fio.WriteFile(filepath.Join(primary, "manifest.json"), m, 0o640); err != nil {
		return tablestore.NewError(tablestore.FsWrite, err, primary)
	}
	if schemaCQL != "" {
		if err := s.fio.WriteFile(filepath.Join(primary, "schema.cql"), []byte(schemaCQL), 0o640); err != nil {
			return tablestore.NewError(tablestore.FsWrite, err, primary)
		}
	}
	if ephemeral {
		if err := s.fio.WriteFile(filepath.Join(primary, "ephemeral.snapshot"), nil, 0o640); err != nil {
			return tablestore.NewError(tablestore.FsWrite, err, primary)
		}
	}

	log.Info("snapshot complete", "table", s.id.String(), "kind", kind, "tag", tag, "files", len(rel), "ephemeral", ephemeral)
	return nil
}

// pendingEphemeralSnapshots lists snapshot tags under this table's
// snapshots/ directory that carry an ephemeral.snapshot marker, for
// Engine.Open's startup cleanup pass.
func (s *Store) pendingEphemeralSnapshots() ([]string, error) {
	var tags []string
	for _, dir := range s.dirs {
		root := filepath.Join(dir, "snapshots")
		names, err := s.fio.List(root)
		if err != nil {
			continue
		}
		for _, tag := range names {
			if s.fio.Exists(filepath.Join(root, tag, "ephemeral.snapshot")) {
				tags = append(tags, tag)
			}
		}
	}
	return tags, nil
}

// deleteSnapshot removes a snapshot tree entirely, used to clean up
// ephemeral snapshots left behind by a crash (SPEC_FULL.md supplemented
// feature: "deleted on next startup").
func (s *Store) deleteSnapshot(tag string) error {
	for _, dir := range s.dirs {
		root := filepath.Join(dir, "snapshots", tag)
		names, err := s.fio.List(root)
		if err != nil {
			continue
		}
		for _, name := range names {
			if err := s.fio.Remove(filepath.Join(root, name)); err != nil {
				return err
			}
		}
		if err := s.fio.Remove(root); err != nil {
			return err
		}
	}
	return nil
}
