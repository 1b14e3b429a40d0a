// Package layout implements the on-disk conventions and atomic state
// transitions for a chunk directory: staging, canonical and tombstone
// paths, and the crash-safe rename sequence between them.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/linguohua/chunkvault/chunk"
)

var log = logging.Logger("chunkvault/layout")

const (
	stagingDirName = ".staging"
	trashDirName   = ".trash"
)

// Layout resolves the three path forms a chunk can occupy and performs the
// atomic renames between them.
type Layout struct {
	root string
}

// New creates a Layout rooted at root. It does not touch the filesystem;
// call EnsureDirs to create the root and its reserved subdirectories.
func New(root string) *Layout {
	return &Layout{root: filepath.Clean(root)}
}

// Root returns the layout's root directory.
func (l *Layout) Root() string { return l.root }

// StagingRoot returns the root directory used for in-progress downloads.
func (l *Layout) StagingRoot() string { return filepath.Join(l.root, stagingDirName) }

// TrashRoot returns the root directory used for pending deletions.
func (l *Layout) TrashRoot() string { return filepath.Join(l.root, trashDirName) }

// EnsureDirs creates the root, staging and trash directories if absent.
func (l *Layout) EnsureDirs() error {
	for _, dir := range []string{l.root, l.StagingRoot(), l.TrashRoot()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return xerrors.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// StagingPath returns the transient path where a chunk's files accumulate
// while it downloads.
func (l *Layout) StagingPath(id chunk.ChunkId) string {
	return filepath.Join(l.StagingRoot(), id.String())
}

// CanonicalDir returns the parent directory of a dataset's chunks.
func (l *Layout) CanonicalDir(dataset chunk.DatasetId) string {
	return filepath.Join(l.root, dataset.String())
}

// CanonicalPath returns the sole on-disk location that makes a chunk Ready.
func (l *Layout) CanonicalPath(dataset chunk.DatasetId, br chunk.BlockRange, id chunk.ChunkId) string {
	return filepath.Join(l.CanonicalDir(dataset), canonicalDirName(br, id))
}

func canonicalDirName(br chunk.BlockRange, id chunk.ChunkId) string {
	return fmt.Sprintf("%d-%d-%s", br.Lo, br.Hi, id.String())
}

// tombstonePath returns a fresh, collision-free path to move a canonical
// directory to while it is pinned or being purged.
func (l *Layout) tombstonePath(id chunk.ChunkId) string {
	nonce := uuid.New().String()
	return filepath.Join(l.TrashRoot(), fmt.Sprintf("%s-%s", id.String(), nonce))
}

// PrepareStaging creates (or recreates) the staging directory for id.
// Idempotent: a pre-existing directory is wiped first, since staging never
// holds authoritative state.
func (l *Layout) PrepareStaging(id chunk.ChunkId) (string, error) {
	path := l.StagingPath(id)
	if err := os.RemoveAll(path); err != nil {
		return "", xerrors.Errorf("wipe stale staging dir %s: %w", path, err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", xerrors.Errorf("create staging dir %s: %w", path, err)
	}
	return path, nil
}

// WipeStaging removes id's staging directory, if present, without
// recreating it. Called after a download is cancelled or fails.
func (l *Layout) WipeStaging(id chunk.ChunkId) error {
	if err := os.RemoveAll(l.StagingPath(id)); err != nil {
		return xerrors.Errorf("wipe staging dir for %s: %w", id, err)
	}
	return nil
}

// Commit atomically renames the staging directory for c into its canonical
// location. On success the canonical path exists with every file c.Files
// names. On any failure before the rename completes, no canonical entry is
// created and the chunk remains Absent to a fresh scan.
func (l *Layout) Commit(c chunk.DataChunk) (string, error) {
	staging := l.StagingPath(c.Id)
	for name := range c.Files {
		if _, err := os.Stat(filepath.Join(staging, name)); err != nil {
			return "", xerrors.Errorf("commit %s: file %s missing from staging: %w", c.Id, name, err)
		}
	}

	dir := l.CanonicalDir(c.DatasetId)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", xerrors.Errorf("create dataset dir %s: %w", dir, err)
	}

	dst := l.CanonicalPath(c.DatasetId, c.BlockRange, c.Id)
	if err := os.Rename(staging, dst); err != nil {
		return "", xerrors.Errorf("commit %s: rename %s -> %s: %w", c.Id, staging, dst, err)
	}
	return dst, nil
}

// Entomb renames a canonical directory to a tombstone path so it becomes
// invisible to new queries while purge or a lingering pin resolves.
func (l *Layout) Entomb(id chunk.ChunkId, canonicalPath string) (string, error) {
	dst := l.tombstonePath(id)
	if err := os.Rename(canonicalPath, dst); err != nil {
		return "", xerrors.Errorf("entomb %s: rename %s -> %s: %w", id, canonicalPath, dst, err)
	}
	return dst, nil
}

// Purge recursively removes a tombstoned directory. Best-effort: transient
// errors are retried once before giving up.
func (l *Layout) Purge(tombstonePath string) error {
	err := os.RemoveAll(tombstonePath)
	if err == nil {
		return nil
	}
	log.Warnf("purge %s failed, retrying once: %s", tombstonePath, err)
	if err := os.RemoveAll(tombstonePath); err != nil {
		return xerrors.Errorf("purge %s: %w", tombstonePath, err)
	}
	return nil
}

// ScannedChunk describes a chunk discovered on disk at startup.
type ScannedChunk struct {
	Id         chunk.ChunkId
	DatasetId  chunk.DatasetId
	BlockRange chunk.BlockRange
	Path       string
	Files      []string
}

// Scan enumerates canonical directories under root that match the naming
// convention and are non-empty, and unconditionally purges any leftover
// staging or trash entries — both represent interrupted work from a
// previous, uncleanly stopped process.
func (l *Layout) Scan() ([]ScannedChunk, error) {
	if err := l.EnsureDirs(); err != nil {
		return nil, err
	}

	if err := purgeChildren(l.StagingRoot()); err != nil {
		return nil, xerrors.Errorf("purge stale staging entries: %w", err)
	}
	if err := purgeChildren(l.TrashRoot()); err != nil {
		return nil, xerrors.Errorf("purge stale trash entries: %w", err)
	}

	datasetEntries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, xerrors.Errorf("read root %s: %w", l.root, err)
	}

	var found []ScannedChunk
	for _, de := range datasetEntries {
		if !de.IsDir() || de.Name() == stagingDirName || de.Name() == trashDirName {
			continue
		}
		datasetId, err := chunk.ParseDatasetId(de.Name())
		if err != nil {
			log.Warnf("scan: skipping unrecognized entry %s: %s", de.Name(), err)
			continue
		}

		chunkDirs, err := os.ReadDir(filepath.Join(l.root, de.Name()))
		if err != nil {
			return nil, xerrors.Errorf("read dataset dir %s: %w", de.Name(), err)
		}
		for _, cd := range chunkDirs {
			if !cd.IsDir() {
				continue
			}
			sc, ok := parseCanonicalDirName(datasetId, cd.Name())
			if !ok {
				log.Warnf("scan: skipping unrecognized chunk dir %s/%s", de.Name(), cd.Name())
				continue
			}
			sc.Path = filepath.Join(l.root, de.Name(), cd.Name())

			files, err := listFiles(sc.Path)
			if err != nil {
				return nil, xerrors.Errorf("list files in %s: %w", sc.Path, err)
			}
			if len(files) == 0 {
				log.Warnf("scan: skipping empty chunk dir %s", sc.Path)
				continue
			}
			sc.Files = files
			found = append(found, sc)
		}
	}
	return found, nil
}

func parseCanonicalDirName(dataset chunk.DatasetId, name string) (ScannedChunk, bool) {
	parts := strings.SplitN(name, "-", 3)
	if len(parts) != 3 {
		return ScannedChunk{}, false
	}
	lo, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return ScannedChunk{}, false
	}
	hi, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return ScannedChunk{}, false
	}
	id, err := chunk.ParseChunkId(parts[2])
	if err != nil {
		return ScannedChunk{}, false
	}
	br := chunk.BlockRange{Lo: lo, Hi: hi}
	if !br.Valid() {
		return ScannedChunk{}, false
	}
	return ScannedChunk{Id: id, DatasetId: dataset, BlockRange: br}, true
}

func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, e.Name())
		}
	}
	return files, nil
}

func purgeChildren(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			return xerrors.Errorf("remove %s: %w", path, err)
		}
	}
	return nil
}
