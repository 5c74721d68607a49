package lexrag

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// job asks a worker to process one document.
type job struct {
	docID string
	opts  ingestOptions
}

// merge folds a later request for the same document into o. Force and
// enrichment are sticky; a later format or metadata replaces the earlier.
func (o ingestOptions) merge(later ingestOptions) ingestOptions {
	o.force = o.force || later.force
	o.skipEnrichment = o.skipEnrichment && later.skipEnrichment
	if later.format != "" {
		o.format = later.format
	}
	if later.meta != nil {
		o.meta = later.meta
	}
	return o
}

// queuedJob tracks one document from submit until its last run ends.
type queuedJob struct {
	opts    ingestOptions
	running bool
	again   *ingestOptions // requested while running
	done    chan struct{}
}

// pool runs ingestion jobs on a fixed number of workers fed by a bounded
// queue. A document is queued at most once at a time: a request for a
// queued document updates its options, and one for a running document
// runs again right after it.
type pool struct {
	jobs   chan string
	handle func(ctx context.Context, j job)
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	queued map[string]*queuedJob
}

func newPool(workers, size int, handle func(ctx context.Context, j job)) *pool {
	if workers <= 0 {
		workers = 1
	}
	if size <= 0 {
		size = workers
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &pool{
		jobs:   make(chan string, size),
		handle: handle,
		ctx:    ctx,
		cancel: cancel,
		queued: make(map[string]*queuedJob),
	}
	p.wg.Add(workers)
	for range workers {
		go p.work()
	}
	return p
}

func (p *pool) work() {
	defer p.wg.Done()
	for id := range p.jobs {
		p.run(id)
	}
}

func (p *pool) run(docID string) {
	p.mu.Lock()
	q, ok := p.queued[docID]
	if !ok {
		p.mu.Unlock()
		return
	}
	for {
		q.running = true
		j := job{docID: docID, opts: q.opts}
		p.mu.Unlock()

		p.runSafe(j)

		p.mu.Lock()
		if q.again == nil || p.closed {
			break
		}
		q.opts, q.again = *q.again, nil
		slog.Debug("ingest: running again for a request made mid-run", "doc_id", docID)
	}
	close(q.done)
	delete(p.queued, docID)
	p.mu.Unlock()
}

func (p *pool) runSafe(j job) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("ingest: worker panic", "doc_id", j.docID, "panic", r)
		}
	}()
	p.handle(p.ctx, j)
}

// submit enqueues j without blocking.
func (p *pool) submit(j job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrEngineClosed
	}
	if q, ok := p.queued[j.docID]; ok {
		if !q.running {
			q.opts = q.opts.merge(j.opts)
			return nil
		}
		next := j.opts
		if q.again != nil {
			next = q.again.merge(j.opts)
		}
		q.again = &next
		return nil
	}
	select {
	case p.jobs <- j.docID:
		p.queued[j.docID] = &queuedJob{opts: j.opts, done: make(chan struct{})}
		return nil
	default:
		return ErrQueueFull
	}
}

// done returns a channel closed when docID's current job ends, or nil
// when the document is not queued.
func (p *pool) done(docID string) <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if q, ok := p.queued[docID]; ok {
		return q.done
	}
	return nil
}

// pending reports how many documents are queued or running.
func (p *pool) pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queued)
}

// close stops accepting jobs, cancels running ones and waits for the
// workers to exit. Queued jobs that have not started are dropped; their
// documents stay pending.
func (p *pool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cancel()
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}

// docLocks serialises processing of a document between pool workers and
// synchronous Ingest calls.
type docLocks struct {
	mu    sync.Mutex
	locks map[string]*docLock
}

type docLock struct {
	sem  *semaphore.Weighted
	refs int
}

// lock waits for exclusive use of docID and returns its release func.
func (l *docLocks) lock(ctx context.Context, docID string) (func(), error) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*docLock)
	}
	dl, ok := l.locks[docID]
	if !ok {
		dl = &docLock{sem: semaphore.NewWeighted(1)}
		l.locks[docID] = dl
	}
	dl.refs++
	l.mu.Unlock()

	if err := dl.sem.Acquire(ctx, 1); err != nil {
		l.put(docID, dl)
		return nil, err
	}
	return func() {
		dl.sem.Release(1)
		l.put(docID, dl)
	}, nil
}

func (l *docLocks) put(docID string, dl *docLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	dl.refs--
	if dl.refs == 0 {
		delete(l.locks, docID)
	}
}
