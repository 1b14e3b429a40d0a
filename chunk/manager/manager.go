// Package manager implements the public façade of the worker's convergence
// engine: it wires the filesystem layout, blob source, catalogue, task
// executor and retry ledger together behind five operations. Only New blocks
// on filesystem work; the other four leave fetching and recursive removal to
// background tasks, but DownloadChunk reads the on-disk retry ledger and
// DeleteChunk renames an unpinned chunk's directory on the caller's
// goroutine.
package manager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/linguohua/chunkvault/chunk"
	"github.com/linguohua/chunkvault/chunk/blobsource"
	"github.com/linguohua/chunkvault/chunk/catalogue"
	"github.com/linguohua/chunkvault/chunk/executor"
	"github.com/linguohua/chunkvault/chunk/layout"
	"github.com/linguohua/chunkvault/chunk/retryledger"
	"github.com/linguohua/chunkvault/internal/metrics"
)

var log = logging.Logger("chunkvault/manager")

// Options configures a Manager. New replaces zero values with defaults: 4
// concurrent tasks, 5 download attempts, a 5-minute fetch timeout and an
// HTTPSource.
type Options struct {
	DataDir             string
	ExecutorConcurrency int
	MaxDownloadAttempts uint32
	FetchTimeout        time.Duration
	Source              blobsource.Source
}

// Manager is the sole owner of the Catalogue and Task Executor for one
// data directory. All exported methods except New and Close are
// non-blocking.
type Manager struct {
	layout   *layout.Layout
	cat      *catalogue.Catalogue
	exec     *executor.Executor
	ledger   *retryledger.Ledger
	source   blobsource.Source
	maxTries uint32

	inFlight int64 // atomic: count of Downloading tasks currently queued/running
}

// New performs blocking initialization: creates the data directory and its
// reserved subdirectories if absent, purges stale staging and trash
// entries, scans the canonical tree and populates the Catalogue with Ready
// records, opens the retry ledger, and starts the Task Executor. It returns
// an InitFailed-wrapped error if the root is unreadable.
func New(opts Options) (*Manager, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("InitFailed: data dir is required")
	}
	if opts.ExecutorConcurrency <= 0 {
		opts.ExecutorConcurrency = 4
	}
	if opts.MaxDownloadAttempts == 0 {
		opts.MaxDownloadAttempts = 5
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 5 * time.Minute
	}
	if opts.Source == nil {
		opts.Source = blobsource.NewHTTPSource(opts.FetchTimeout)
	}

	l := layout.New(opts.DataDir)
	scanned, err := l.Scan()
	if err != nil {
		return nil, fmt.Errorf("InitFailed: %w", err)
	}

	cat := catalogue.New()
	for _, sc := range scanned {
		cat.InsertReady(sc.Id, sc.DatasetId, sc.BlockRange, sc.Path, sc.Files)
	}

	ledger, err := retryledger.Open(l.Root() + "/.retryledger")
	if err != nil {
		log.Warnf("retry ledger unavailable, retry bounding disabled: %s", err)
		ledger = nil
	}

	m := &Manager{
		layout:   l,
		cat:      cat,
		exec:     executor.New(opts.ExecutorConcurrency),
		ledger:   ledger,
		source:   opts.Source,
		maxTries: opts.MaxDownloadAttempts,
	}
	log.Infof("initialized with %d ready chunks from %s", cat.Len(), l.Root())
	metrics.ReadyChunks.Set(float64(len(cat.List())))
	return m, nil
}

// DownloadChunk registers a download command for c. Idempotent: if the id
// is already known in any state, it returns silently. Otherwise it inserts
// a Downloading record and submits a background task keyed by c.Id.
func (m *Manager) DownloadChunk(c chunk.DataChunk) {
	if err := c.Validate(); err != nil {
		log.Warnf("download_chunk: rejecting invalid chunk %s: %s", c.Id, err)
		return
	}

	attempts := m.ledger.Attempts(context.Background(), c.Id)
	if attempts >= m.maxTries {
		log.Warnf("download_chunk: %s has failed %d times, exceeding the retry limit, skipping", c.Id, attempts)
		return
	}

	if err := m.cat.InsertDownloading(c); err != nil {
		return
	}

	atomic.AddInt64(&m.inFlight, 1)
	metrics.ExecutorQueueDepth.Set(float64(atomic.LoadInt64(&m.inFlight)))
	m.exec.Submit(c.Id.String(), func(ctx context.Context) executor.Outcome {
		return m.runDownload(ctx, c)
	}, func(outcome executor.Outcome) {
		atomic.AddInt64(&m.inFlight, -1)
		m.completeDownload(c, outcome)
	})
}

func (m *Manager) runDownload(ctx context.Context, c chunk.DataChunk) executor.Outcome {
	staging, err := m.layout.PrepareStaging(c.Id)
	if err != nil {
		log.Errorf("download %s: prepare staging: %s", c.Id, err)
		return executor.Failed
	}

	for name, url := range c.Files {
		select {
		case <-ctx.Done():
			return executor.Cancelled
		default:
		}
		dest := staging + "/" + name
		res := m.source.Fetch(ctx, url, dest)
		switch res.Kind {
		case blobsource.Ok:
			continue
		case blobsource.Cancelled:
			return executor.Cancelled
		default:
			log.Warnf("download %s: fetch %s failed: %s", c.Id, name, res.Reason)
			return executor.Failed
		}
	}

	if _, err := m.layout.Commit(c); err != nil {
		log.Errorf("download %s: commit: %s", c.Id, err)
		return executor.Failed
	}
	return executor.Completed
}

func (m *Manager) completeDownload(c chunk.DataChunk, outcome executor.Outcome) {
	switch outcome {
	case executor.Completed:
		path := m.layout.CanonicalPath(c.DatasetId, c.BlockRange, c.Id)
		files := make([]string, 0, len(c.Files))
		for name := range c.Files {
			files = append(files, name)
		}
		m.cat.MarkReady(c.Id, path, files)
		m.ledger.Reset(context.Background(), c.Id)
		metrics.DownloadsTotal.WithLabelValues("ok").Inc()
	case executor.Cancelled:
		// DeleteChunk already removed this download's record; a Downloading
		// record for c.Id present now belongs to a newer DownloadChunk call
		// and is left alone. A download cancelled by Close keeps its record.
		if err := m.layout.WipeStaging(c.Id); err != nil {
			log.Warnf("cleanup staging for cancelled %s: %s", c.Id, err)
		}
		metrics.DownloadsTotal.WithLabelValues("cancelled").Inc()
	case executor.Failed:
		m.cat.RemoveDownloading(c.Id)
		if err := m.layout.WipeStaging(c.Id); err != nil {
			log.Warnf("cleanup staging for failed %s: %s", c.Id, err)
		}
		m.ledger.RecordFailure(context.Background(), c.Id)
		metrics.DownloadsTotal.WithLabelValues("failed").Inc()
	}
	metrics.ReadyChunks.Set(float64(len(m.cat.List())))
	metrics.ExecutorQueueDepth.Set(float64(atomic.LoadInt64(&m.inFlight)))
}

// ListChunks returns a snapshot of all Ready chunk ids.
func (m *Manager) ListChunks() []chunk.ChunkId {
	return m.cat.List()
}

// FindChunk returns a pinned reference to the unique Ready chunk in dataset
// covering blockNumber, or ok=false if none exists. The pin is created
// atomically with the lookup.
func (m *Manager) FindChunk(dataset chunk.DatasetId, blockNumber uint64) (*DataChunkRef, bool) {
	tok, id, path, ok := m.cat.Find(dataset, blockNumber)
	if !ok {
		return nil, false
	}
	metrics.PinnedChunks.Inc()
	return newRef(m, tok, id, path), true
}

// DeleteChunk requests removal of id. If a download is in flight it is
// cancelled; if the chunk is Ready and unpinned it is entombed immediately
// and purged by a background task; if pinned, removal is deferred until the last reference is
// released. Unknown or already-pending ids are silent no-ops.
func (m *Manager) DeleteChunk(id chunk.ChunkId) {
	disposition, path := m.cat.TakeForDelete(id)
	switch disposition {
	case catalogue.DeleteNoop:
		return
	case catalogue.DeleteCancelDownload:
		m.exec.Cancel(id.String())
		metrics.DeletesTotal.WithLabelValues("cancel_download").Inc()
	case catalogue.DeletePurgeNow:
		m.entombAndPurge(id, path)
		metrics.DeletesTotal.WithLabelValues("purge_now").Inc()
	case catalogue.DeleteDeferred:
		// nothing to do now; the last Unpin will surface the path to purge.
		metrics.DeletesTotal.WithLabelValues("deferred").Inc()
	}
	metrics.ReadyChunks.Set(float64(len(m.cat.List())))
}

// entombAndPurge renames the chunk directory to a tombstone on the caller's
// goroutine and leaves the recursive removal to an executor task keyed by
// the tombstone path. A tombstone whose purge never runs (the executor was
// shut down) is removed by the next startup scan.
func (m *Manager) entombAndPurge(id chunk.ChunkId, canonicalPath string) {
	tomb, err := m.layout.Entomb(id, canonicalPath)
	if err != nil {
		log.Errorf("delete %s: entomb: %s", id, err)
		return
	}
	m.exec.Submit(tomb, func(ctx context.Context) executor.Outcome {
		if err := m.layout.Purge(tomb); err != nil {
			log.Errorf("delete %s: purge: %s", id, err)
			return executor.Failed
		}
		return executor.Completed
	}, func(executor.Outcome) {})
}

// releasePin is called by DataChunkRef when its last clone is closed.
func (m *Manager) releasePin(tok *catalogue.PinToken, id chunk.ChunkId) {
	path, shouldPurge := m.cat.Unpin(tok)
	metrics.PinnedChunks.Dec()
	if shouldPurge {
		m.entombAndPurge(id, path)
		metrics.ReadyChunks.Set(float64(len(m.cat.List())))
	}
}

// ManagerStats is a point-in-time observability snapshot.
type ManagerStats struct {
	ReadyChunks    int
	TrackedChunks  int
	InFlightTasks  int64
	DiskUsedBytes  uint64
	DiskTotalBytes uint64
}

// Stats returns a non-blocking, point-in-time snapshot combining Catalogue
// size, in-flight task count and disk usage of the data directory. This is
// observability only; the Manager never enforces a quota against it.
func (m *Manager) Stats() ManagerStats {
	stats := ManagerStats{
		ReadyChunks:   len(m.cat.List()),
		TrackedChunks: m.cat.Len(),
		InFlightTasks: atomic.LoadInt64(&m.inFlight),
	}
	usage, err := disk.Usage(m.layout.Root())
	if err != nil {
		log.Warnf("stats: disk usage: %s", err)
		return stats
	}
	stats.DiskUsedBytes = usage.Used
	stats.DiskTotalBytes = usage.Total
	return stats
}

// Close cancels all outstanding download tasks, waits for their completion
// callbacks to finish (preserving the filesystem invariants they enforce),
// and releases the retry ledger.
func (m *Manager) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.exec.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Warnf("close: executor shutdown did not complete before context deadline")
	}

	return m.ledger.Close()
}

// DataChunkRef is a shared, cloneable pin handle keeping a chunk's
// canonical directory alive on disk. The zero value is not usable; obtain
// one via Manager.FindChunk.
type DataChunkRef struct {
	mgr  *Manager
	id   chunk.ChunkId
	path string

	shared *refState
}

type refState struct {
	mu     sync.Mutex
	tok    *catalogue.PinToken
	clones int
}

func newRef(mgr *Manager, tok *catalogue.PinToken, id chunk.ChunkId, path string) *DataChunkRef {
	return &DataChunkRef{
		mgr:  mgr,
		id:   id,
		path: path,
		shared: &refState{
			tok:    tok,
			clones: 1,
		},
	}
}

// ChunkId returns the id of the chunk this reference pins.
func (r *DataChunkRef) ChunkId() chunk.ChunkId { return r.id }

// Path returns the canonical directory path, guaranteed to exist and be
// unmodified for as long as this reference or any of its clones remains
// open.
func (r *DataChunkRef) Path() string { return r.path }

// Clone returns a new handle sharing this reference's pin. The pin is
// released only once every clone (including the original) has been closed.
func (r *DataChunkRef) Clone() *DataChunkRef {
	r.shared.mu.Lock()
	r.shared.clones++
	r.shared.mu.Unlock()
	return &DataChunkRef{mgr: r.mgr, id: r.id, path: r.path, shared: r.shared}
}

// Close releases this handle's share of the pin. Once every clone has been
// closed, if a deletion was pending, it is completed. Close is not
// idempotent: a second Close on the same *DataChunkRef value decrements the
// shared count again, so callers must close each handle exactly once,
// matching each Clone call.
func (r *DataChunkRef) Close() {
	r.shared.mu.Lock()
	r.shared.clones--
	last := r.shared.clones == 0
	r.shared.mu.Unlock()

	if last {
		r.mgr.releasePin(r.shared.tok, r.id)
	}
}
