// Package catalogue is the in-memory index of chunk records: state,
// canonical path, pin count and the lookup structures used by list_chunks
// and find_chunk. Find is an O(log n) binary search; List and the updates
// of the by-dataset index are not O(log n), since they walk, copy or re-sort
// whole collections. All work is in-memory under a single reader/writer
// lock; no I/O happens while the lock is held.
package catalogue

import (
	"sort"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/linguohua/chunkvault/chunk"
)

var log = logging.Logger("chunkvault/catalogue")

// State is a chunk record's lifecycle state.
type State int

const (
	Downloading State = iota
	Ready
	PendingDelete
)

func (s State) String() string {
	switch s {
	case Downloading:
		return "Downloading"
	case Ready:
		return "Ready"
	case PendingDelete:
		return "PendingDelete"
	default:
		return "Unknown"
	}
}

// Record is the catalogue's view of one chunk.
type Record struct {
	Id            chunk.ChunkId
	DatasetId     chunk.DatasetId
	BlockRange    chunk.BlockRange
	State         State
	CanonicalPath string
	Files         []string
	pinCount      int
}

// Snapshot is a read-only copy of a Record, safe to retain outside the
// catalogue's lock.
type Snapshot struct {
	Id            chunk.ChunkId
	DatasetId     chunk.DatasetId
	BlockRange    chunk.BlockRange
	State         State
	CanonicalPath string
	Files         []string
	PinCount      int
}

func (r *Record) snapshot() Snapshot {
	files := make([]string, len(r.Files))
	copy(files, r.Files)
	return Snapshot{
		Id:            r.Id,
		DatasetId:     r.DatasetId,
		BlockRange:    r.BlockRange,
		State:         r.State,
		CanonicalPath: r.CanonicalPath,
		Files:         files,
		PinCount:      r.pinCount,
	}
}

type datasetEntry struct {
	blockRange chunk.BlockRange
	id         chunk.ChunkId
	readySeq   uint64
}

// Catalogue is the sole mutable shared structure in the worker: the byId
// map is authoritative for existence and state, byDataset is a sorted
// index used only to serve find_chunk.
type Catalogue struct {
	mu        sync.RWMutex
	byId      map[chunk.ChunkId]*Record
	byDataset map[chunk.DatasetId][]datasetEntry
	// readySeq is a monotonic counter stamped on every entry inserted into
	// byDataset, recording actual readiness order so the overlap policy can
	// apply "later-ready wins" instead of comparing ChunkId unconditionally.
	readySeq uint64
}

// New returns an empty Catalogue.
func New() *Catalogue {
	return &Catalogue{
		byId:      make(map[chunk.ChunkId]*Record),
		byDataset: make(map[chunk.DatasetId][]datasetEntry),
	}
}

// ErrAlreadyPresent is returned by InsertDownloading when the id is already
// known in any state.
type ErrAlreadyPresent struct{ Id chunk.ChunkId }

func (e ErrAlreadyPresent) Error() string { return "chunk " + e.Id.String() + " already present" }

// InsertDownloading registers a new Downloading record for id, or returns
// ErrAlreadyPresent if the id is already known in any state (download_chunk
// is idempotent on an already-known id).
func (c *Catalogue) InsertDownloading(desc chunk.DataChunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byId[desc.Id]; exists {
		return ErrAlreadyPresent{Id: desc.Id}
	}

	c.byId[desc.Id] = &Record{
		Id:         desc.Id,
		DatasetId:  desc.DatasetId,
		BlockRange: desc.BlockRange,
		State:      Downloading,
	}
	return nil
}

// InsertReady registers an already-materialized chunk directly as Ready,
// used by Manager startup to populate the catalogue from a filesystem scan.
func (c *Catalogue) InsertReady(id chunk.ChunkId, dataset chunk.DatasetId, br chunk.BlockRange, path string, files []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.byId[id] = &Record{
		Id:            id,
		DatasetId:     dataset,
		BlockRange:    br,
		State:         Ready,
		CanonicalPath: path,
		Files:         files,
	}
	c.readySeq++
	c.insertIntoDataset(dataset, br, id, c.readySeq)
}

// RemoveDownloading drops a Downloading record entirely, used when a
// download fails (a download cancelled by delete_chunk has already lost its
// record in TakeForDelete). No-op if the id is absent or no longer
// Downloading.
func (c *Catalogue) RemoveDownloading(id chunk.ChunkId) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.byId[id]
	if !ok || rec.State != Downloading {
		return
	}
	delete(c.byId, id)
}

// MarkReady transitions a Downloading record to Ready and inserts it into
// the by-dataset index, applying the overlap policy: for a given dataset,
// at most one Ready chunk covers any block number, and the chunk that most
// recently became Ready wins. Readiness order is tracked with a monotonic
// counter stamped under the same lock, so a genuine tie is not possible;
// the lexicographically-greatest-ChunkId tiebreak in laterWins exists only
// to give a defined answer if that ever changes.
func (c *Catalogue) MarkReady(id chunk.ChunkId, canonicalPath string, files []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.byId[id]
	if !ok || rec.State != Downloading {
		log.Warnf("MarkReady: %s not in Downloading state, ignoring", id)
		return
	}
	rec.State = Ready
	rec.CanonicalPath = canonicalPath
	rec.Files = files
	c.readySeq++
	c.insertIntoDataset(rec.DatasetId, rec.BlockRange, id, c.readySeq)
}

// laterWins reports whether an entry with (seq, id) should win over one
// with (otherSeq, otherId) for a block range they both cover: the higher
// readySeq wins outright, and only an exact tie in readySeq falls back to
// comparing ChunkId lexicographically.
func laterWins(seq uint64, id chunk.ChunkId, otherSeq uint64, otherId chunk.ChunkId) bool {
	if seq != otherSeq {
		return seq > otherSeq
	}
	return otherId.Less(id)
}

// insertIntoDataset inserts id into byDataset's sorted slice, keeping it
// sorted by block_lo. Callers hold the write lock and have already stamped
// seq from the monotonic readySeq counter, so seq reflects the true order
// records became Ready in. Overlap policy: id wins only if it wins
// laterWins against every existing entry it overlaps; if any overlapping
// entry beats it, id is not inserted at all and the existing entries are
// left untouched. If id wins, every entry it overlaps is evicted from the
// index (their Record in byId is left untouched — they simply become
// unreachable from find_chunk until their own delete_chunk).
func (c *Catalogue) insertIntoDataset(dataset chunk.DatasetId, br chunk.BlockRange, id chunk.ChunkId, seq uint64) {
	entries := c.byDataset[dataset]

	for _, e := range entries {
		if e.blockRange.Overlaps(br) && !laterWins(seq, id, e.readySeq, e.id) {
			return
		}
	}

	kept := make([]datasetEntry, 0, len(entries)+1)
	for _, e := range entries {
		if e.blockRange.Overlaps(br) {
			continue
		}
		kept = append(kept, e)
	}
	kept = append(kept, datasetEntry{blockRange: br, id: id, readySeq: seq})
	sort.Slice(kept, func(i, j int) bool { return kept[i].blockRange.Lo < kept[j].blockRange.Lo })
	c.byDataset[dataset] = kept
}

// DeleteDisposition tells the caller of TakeForDelete what delete_chunk
// must do next.
type DeleteDisposition int

const (
	// DeleteNoop means the id is unknown or already being deleted;
	// delete_chunk should do nothing further.
	DeleteNoop DeleteDisposition = iota
	// DeleteCancelDownload means the record was Downloading; the caller
	// must cancel its task. The record has already been removed.
	DeleteCancelDownload
	// DeletePurgeNow means the record was Ready with no pins; the caller
	// should entomb and purge immediately. The record has already been
	// removed.
	DeletePurgeNow
	// DeleteDeferred means the record was Ready but pinned; it has been
	// marked PendingDelete and removed from the dataset index, and will be
	// entombed when the last pin drops.
	DeleteDeferred
)

// TakeForDelete resolves a delete_chunk request against the record's
// current state. It returns the disposition and, for DeletePurgeNow only,
// the canonical path to entomb; otherwise the path is "". For a
// PendingDelete or unknown id this is a no-op (idempotent).
func (c *Catalogue) TakeForDelete(id chunk.ChunkId) (DeleteDisposition, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.byId[id]
	if !ok {
		return DeleteNoop, ""
	}

	switch rec.State {
	case Downloading:
		delete(c.byId, id)
		return DeleteCancelDownload, ""
	case Ready:
		c.removeFromDataset(rec.DatasetId, id)
		if rec.pinCount == 0 {
			delete(c.byId, id)
			return DeletePurgeNow, rec.CanonicalPath
		}
		rec.State = PendingDelete
		return DeleteDeferred, ""
	case PendingDelete:
		return DeleteNoop, ""
	default:
		return DeleteNoop, ""
	}
}

func (c *Catalogue) removeFromDataset(dataset chunk.DatasetId, id chunk.ChunkId) {
	entries := c.byDataset[dataset]
	for i, e := range entries {
		if e.id == id {
			c.byDataset[dataset] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// PinToken is a shared, opaque reservation preventing a Ready chunk's
// directory from being removed. Callers obtain one via Pin and release it
// exactly once via Unpin.
type PinToken struct {
	id chunk.ChunkId
}

// Pin returns a token and the record's canonical path only if id is
// currently Ready; the pin is created under the same lock as the lookup
// that produced it, eliminating the race between find and delete.
func (c *Catalogue) Pin(id chunk.ChunkId) (*PinToken, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.byId[id]
	if !ok || rec.State != Ready {
		return nil, "", false
	}
	rec.pinCount++
	return &PinToken{id: id}, rec.CanonicalPath, true
}

// Unpin releases a token. If the pin count reaches zero and a deletion is
// pending, it returns the path to purge and the caller must complete the
// entomb+purge sequence; otherwise it returns "", false.
func (c *Catalogue) Unpin(tok *PinToken) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.byId[tok.id]
	if !ok {
		return "", false
	}
	if rec.pinCount > 0 {
		rec.pinCount--
	}
	if rec.pinCount == 0 && rec.State == PendingDelete {
		delete(c.byId, tok.id)
		return rec.CanonicalPath, true
	}
	return "", false
}

// List returns a snapshot of all Ready chunk ids.
func (c *Catalogue) List() []chunk.ChunkId {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]chunk.ChunkId, 0, len(c.byId))
	for id, rec := range c.byId {
		if rec.State == Ready {
			ids = append(ids, id)
		}
	}
	return ids
}

// Find performs a binary search over byDataset[datasetId] for the unique
// interval containing blockNumber, and pins it before returning: this makes
// the read-and-pin atomic with respect to concurrent delete_chunk calls.
// PendingDelete and Downloading entries are never present in byDataset, so
// they are implicitly excluded.
func (c *Catalogue) Find(dataset chunk.DatasetId, blockNumber uint64) (*PinToken, chunk.ChunkId, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.byDataset[dataset]
	i := sort.Search(len(entries), func(i int) bool { return entries[i].blockRange.Hi > blockNumber })
	if i >= len(entries) || !entries[i].blockRange.Contains(blockNumber) {
		return nil, chunk.ChunkId{}, "", false
	}

	id := entries[i].id
	rec := c.byId[id]
	rec.pinCount++
	return &PinToken{id: id}, id, rec.CanonicalPath, true
}

// Get returns a snapshot of the record for id, if known.
func (c *Catalogue) Get(id chunk.ChunkId) (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.byId[id]
	if !ok {
		return Snapshot{}, false
	}
	return rec.snapshot(), true
}

// Len returns the total number of records the catalogue is tracking,
// across all states. Used for observability only.
func (c *Catalogue) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byId)
}
