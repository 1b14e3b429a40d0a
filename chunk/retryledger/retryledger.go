// Package retryledger persists a per-chunk failed-download attempt counter
// across restarts, bounding how many times the manager will retry a chunk
// that keeps failing to download, without involving the catalogue, which
// stays authoritative for chunk state only.
package retryledger

import (
	"context"
	"encoding/binary"
	"os"
	"time"

	ds "github.com/ipfs/go-datastore"
	leveldb "github.com/ipfs/go-ds-leveldb"
	logging "github.com/ipfs/go-log/v2"
	ldbopts "github.com/syndtr/goleveldb/leveldb/opt"
	"golang.org/x/xerrors"

	"github.com/linguohua/chunkvault/chunk"
)

var log = logging.Logger("chunkvault/retryledger")

// Ledger records failed-download attempt counts, keyed by ChunkId.
type Ledger struct {
	store ds.Datastore
}

// Open opens (creating if absent) a leveldb-backed ledger at path: no
// block compression, since counters compress poorly and the dataset is
// tiny, strict reads, and synchronous writes.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, xerrors.Errorf("create directory %s for retry ledger: %w", path, err)
	}

	store, err := leveldb.NewDatastore(path, &leveldb.Options{
		Compression: ldbopts.NoCompression,
		NoSync:      false,
		Strict:      ldbopts.StrictAll,
		ReadOnly:    false,
	})
	if err != nil {
		return nil, xerrors.Errorf("open retry ledger at %s: %w", path, err)
	}
	return &Ledger{store: store}, nil
}

func attemptsKey(id chunk.ChunkId) ds.Key {
	return ds.NewKey("/attempts/" + id.String())
}

func lastAttemptKey(id chunk.ChunkId) ds.Key {
	return ds.NewKey("/lastAttempt/" + id.String())
}

// Attempts returns the recorded failure count for id. Fails open: any
// datastore error (including corruption), or a nil Ledger from a failed
// Open, is treated as zero, so a damaged or missing ledger degrades to
// "retry forever" rather than blocking legitimate downloads.
func (l *Ledger) Attempts(ctx context.Context, id chunk.ChunkId) uint32 {
	if l == nil {
		return 0
	}
	raw, err := l.store.Get(ctx, attemptsKey(id))
	if err != nil {
		if err != ds.ErrNotFound {
			log.Warnf("read attempt count for %s: %s, treating as 0", id, err)
		}
		return 0
	}
	if len(raw) != 4 {
		log.Warnf("attempt count for %s is malformed (%d bytes), treating as 0", id, len(raw))
		return 0
	}
	return binary.BigEndian.Uint32(raw)
}

// RecordFailure increments and persists id's failure count and returns the
// new value. A write error is logged and swallowed: losing a single
// increment only delays the retry cap being hit, it never corrupts
// Catalogue state.
func (l *Ledger) RecordFailure(ctx context.Context, id chunk.ChunkId) uint32 {
	if l == nil {
		return 0
	}
	next := l.Attempts(ctx, id) + 1
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, next)
	if err := l.store.Put(ctx, attemptsKey(id), buf); err != nil {
		log.Warnf("persist attempt count for %s: %s", id, err)
	}

	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(time.Now().UnixNano()))
	if err := l.store.Put(ctx, lastAttemptKey(id), ts); err != nil {
		log.Warnf("persist last-attempt timestamp for %s: %s", id, err)
	}
	return next
}

// Reset clears id's failure count and last-attempt timestamp, called once a
// download for id succeeds so a future re-download starts fresh. Deleting a
// chunk does not reset its count.
func (l *Ledger) Reset(ctx context.Context, id chunk.ChunkId) {
	if l == nil {
		return
	}
	if err := l.store.Delete(ctx, attemptsKey(id)); err != nil && err != ds.ErrNotFound {
		log.Warnf("reset attempt count for %s: %s", id, err)
	}
	if err := l.store.Delete(ctx, lastAttemptKey(id)); err != nil && err != ds.ErrNotFound {
		log.Warnf("reset last-attempt timestamp for %s: %s", id, err)
	}
}

// Close releases the underlying datastore. A nil Ledger closes cleanly.
func (l *Ledger) Close() error {
	if l == nil {
		return nil
	}
	return l.store.Close()
}
