// Package executor implements a bounded-concurrency background task pool:
// work is submitted keyed by ChunkId, at most one task per key runs at a
// time, a submit on a busy key supersedes (cancels) the running task, and
// cancellation is cooperative but guaranteed to deliver — the completion
// callback always runs, reporting Outcome. A superseding task never starts
// its own work until the task it replaced has fully finished, including
// that task's completion callback, so two tasks for the same key never run
// concurrently and never touch the filesystem at the same time.
package executor

import (
	"context"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("chunkvault/executor")

// Outcome is the terminal state of a task's completion callback.
type Outcome int

const (
	Completed Outcome = iota
	Cancelled
	Failed
)

// Work is the function run on a worker. It must observe ctx and return
// promptly after ctx is done.
type Work func(ctx context.Context) Outcome

// Executor is a bounded worker pool with per-key single-flight semantics.
type Executor struct {
	sem chan struct{}

	mu       sync.Mutex
	inFlight map[string]*task
	wg       sync.WaitGroup
	closed   bool
}

type task struct {
	cancel context.CancelFunc
	// done is closed after this task's completion callback has returned,
	// so a superseding task can wait for it to be fully out of the way
	// before touching the same key's filesystem state.
	done chan struct{}
}

// New returns an Executor allowing up to concurrency tasks to run at once.
func New(concurrency int) *Executor {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Executor{
		sem:      make(chan struct{}, concurrency),
		inFlight: make(map[string]*task),
	}
}

// Submit schedules work under key. If key already has a running or queued
// task, that task is cancelled (superseded) before the new one is queued;
// the superseded task's completion callback still runs, reporting
// Cancelled. The new task does not begin running — it never acquires a
// worker slot or calls work — until the superseded task's completion
// callback has returned, so a caller that deletes then re-downloads the
// same key never races the two tasks' filesystem effects against each
// other. onComplete is invoked exactly once, off the caller's goroutine,
// after work returns or is superseded; once Shutdown has been called,
// Submit instead invokes onComplete(Cancelled) on the caller's goroutine
// before returning.
func (e *Executor) Submit(key string, work Work, onComplete func(Outcome)) {
	ctx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		onComplete(Cancelled)
		return
	}
	var waitFor <-chan struct{}
	if prev, ok := e.inFlight[key]; ok {
		prev.cancel()
		waitFor = prev.done
	}
	t := &task{cancel: cancel, done: make(chan struct{})}
	e.inFlight[key] = t
	e.wg.Add(1)
	e.mu.Unlock()

	go e.run(key, t, waitFor, ctx, work, onComplete)
}

func (e *Executor) run(key string, t *task, waitFor <-chan struct{}, ctx context.Context, work Work, onComplete func(Outcome)) {
	defer e.wg.Done()
	defer close(t.done)

	if waitFor != nil {
		<-waitFor
	}

	var outcome Outcome
	if ctx.Err() != nil {
		// Superseded before it ever got to run; don't touch the
		// filesystem on behalf of a request that's already stale.
		outcome = Cancelled
	} else {
		e.sem <- struct{}{}
		outcome = e.execute(ctx, work)
		<-e.sem
	}

	if ctx.Err() != nil && outcome != Cancelled {
		outcome = Cancelled
	}
	onComplete(outcome)

	// The key stays registered until the callback has returned, so a Submit
	// arriving meanwhile waits on t.done instead of running alongside it.
	e.mu.Lock()
	current, stillCurrent := e.inFlight[key]
	if stillCurrent && current == t {
		delete(e.inFlight, key)
	}
	e.mu.Unlock()
}

// execute runs work, converting a panic into a Failed outcome so a broken
// task recycles its worker slot instead of taking the executor down.
func (e *Executor) execute(ctx context.Context, work Work) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("task panicked: %v", r)
			outcome = Failed
		}
	}()
	return work(ctx)
}

// Cancel signals the task running (or queued) under key, if any. It does
// not wait for the completion callback to run.
func (e *Executor) Cancel(key string) {
	e.mu.Lock()
	t, ok := e.inFlight[key]
	e.mu.Unlock()
	if ok {
		t.cancel()
	}
}

// Shutdown cancels every outstanding task and blocks until all completion
// callbacks have finished, so filesystem invariants hold before the caller
// tears down the rest of the process.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	e.closed = true
	for _, t := range e.inFlight {
		t.cancel()
	}
	e.mu.Unlock()

	e.wg.Wait()
}
