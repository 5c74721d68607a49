package lexrag

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a pool handler that blocks on release while handling "block"
// and the first run of any document listed in hold.
type recorder struct {
	mu      sync.Mutex
	runs    map[string][]ingestOptions
	started chan string
	release chan struct{}
	hold    map[string]bool
}

func newRecorder(hold ...string) *recorder {
	r := &recorder{
		runs:    map[string][]ingestOptions{},
		started: make(chan string, 16),
		release: make(chan struct{}),
		hold:    map[string]bool{"block": true},
	}
	for _, h := range hold {
		r.hold[h] = true
	}
	return r
}

func (r *recorder) handle(ctx context.Context, j job) {
	r.mu.Lock()
	first := len(r.runs[j.docID]) == 0
	r.runs[j.docID] = append(r.runs[j.docID], j.opts)
	r.mu.Unlock()
	r.started <- j.docID
	if first && r.hold[j.docID] {
		<-r.release
	}
}

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	require.NotNil(t, ch)
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("job never finished")
	}
}

func TestPoolMergesRequestsForQueuedDocument(t *testing.T) {
	r := newRecorder()
	p := newPool(1, 4, r.handle)

	require.NoError(t, p.submit(job{docID: "block"}))
	assert.Equal(t, "block", <-r.started)
	require.NoError(t, p.submit(job{docID: "a"}))
	require.NoError(t, p.submit(job{docID: "a", opts: ingestOptions{force: true}}))
	require.NoError(t, p.submit(job{docID: "b"}))
	assert.Equal(t, 3, p.pending())

	done := p.done("b")
	close(r.release)
	waitDone(t, done)
	p.close()

	require.Len(t, r.runs["a"], 1)
	assert.True(t, r.runs["a"][0].force, "a later forced request upgrades the queued job")
	assert.Len(t, r.runs["b"], 1)
	assert.Nil(t, p.done("a"))
	assert.Zero(t, p.pending())
}

func TestPoolRerunsDocumentRequestedMidRun(t *testing.T) {
	r := newRecorder("a")
	p := newPool(1, 4, r.handle)
	defer p.close()

	require.NoError(t, p.submit(job{docID: "a"}))
	assert.Equal(t, "a", <-r.started)
	require.NoError(t, p.submit(job{docID: "a", opts: ingestOptions{force: true}}))
	require.NoError(t, p.submit(job{docID: "a"}))
	assert.Equal(t, 1, p.pending())

	done := p.done("a")
	close(r.release)
	waitDone(t, done)

	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.runs["a"], 2)
	assert.False(t, r.runs["a"][0].force)
	assert.True(t, r.runs["a"][1].force, "forced request made mid-run is not dropped")
}

func TestDocLocksSerialiseSameDocument(t *testing.T) {
	var l docLocks
	unlock, err := l.lock(context.Background(), "a")
	require.NoError(t, err)

	other, err := l.lock(context.Background(), "b")
	require.NoError(t, err, "different documents do not contend")
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan struct{})
	go func() {
		u, err := l.lock(context.Background(), "a")
		if assert.NoError(t, err) {
			u()
		}
		close(acquired)
	}()
	unlock()
	waitDone(t, acquired)

	l.mu.Lock()
	assert.Empty(t, l.locks)
	l.mu.Unlock()
}

func TestPoolQueueFull(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	p := newPool(1, 1, func(ctx context.Context, j job) {
		if j.docID == "a" {
			close(started)
		}
		<-release
	})
	defer p.close()

	require.NoError(t, p.submit(job{docID: "a"}))
	<-started
	require.NoError(t, p.submit(job{docID: "b"}))
	assert.ErrorIs(t, p.submit(job{docID: "c"}), ErrQueueFull)
	close(release)
}

func TestPoolSurvivesPanics(t *testing.T) {
	var ran atomic.Int32
	p := newPool(1, 2, func(ctx context.Context, j job) {
		ran.Add(1)
		if j.docID == "boom" {
			panic("bad document")
		}
	})

	require.NoError(t, p.submit(job{docID: "boom"}))
	done := p.done("boom")
	require.NoError(t, p.submit(job{docID: "ok"}))
	<-done
	p.close()
	assert.Equal(t, int32(2), ran.Load())
}

func TestPoolClosed(t *testing.T) {
	var cancelled atomic.Bool
	started := make(chan struct{})
	p := newPool(1, 1, func(ctx context.Context, j job) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
	})
	require.NoError(t, p.submit(job{docID: "a"}))
	<-started
	p.close()
	p.close()

	assert.True(t, cancelled.Load())
	assert.ErrorIs(t, p.submit(job{docID: "b"}), ErrEngineClosed)
}
