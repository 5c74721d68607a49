package embedding

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/lexrag/llm"
	"github.com/brunobiangulo/lexrag/resilience"
)

// fakeProvider embeds each text as a deterministic 4-d vector derived
// from its length and first byte. Behaviour is adjusted per test.
type fakeProvider struct {
	mu        sync.Mutex
	calls     int
	batches   [][]string
	failFirst int                       // transient failures before success
	reject    func(texts []string) bool // permanent rejection
	dim       int
	delay     time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeProvider) Chat(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls++
	call := f.calls
	f.batches = append(f.batches, append([]string(nil), texts...))
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if call <= f.failFirst {
		return nil, &llm.APIError{StatusCode: 503, Body: "overloaded"}
	}
	if f.reject != nil && f.reject(texts) {
		return nil, &llm.APIError{StatusCode: 400, Body: "input too long"}
	}
	dim := f.dim
	if dim == 0 {
		dim = 4
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, dim)
		v[0] = float32(len(t))
		if len(t) > 0 {
			v[1] = float32(t[0])
		}
		v[2] = 1
		out[i] = v
	}
	return out, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testPolicy() resilience.Policy {
	return resilience.Policy{
		Name:        "embed-test",
		MaxAttempts: 4,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	}
}

func newTestEmbedder(p llm.Provider, cfg Config) *Embedder {
	if cfg.Dimension == 0 {
		cfg.Dimension = 4
	}
	return New(p, testPolicy(), cfg)
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	p := &fakeProvider{}
	e := newTestEmbedder(p, Config{BatchSize: 2})

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	res := e.EmbedBatch(context.Background(), texts)
	require.Len(t, res, len(texts))
	assert.Equal(t, 3, p.callCount(), "5 texts in batches of 2")

	want := newTestEmbedder(&fakeProvider{}, Config{BatchSize: 1})
	for i, r := range res {
		require.Nil(t, r.Err)
		assert.InDelta(t, 1.0, norm(r.Vector), 1e-6, "vector %d not normalised", i)
		single, err := want.Embed(context.Background(), texts[i])
		require.NoError(t, err)
		assert.InDeltaSlice(t, single, r.Vector, 1e-6, "vector %d out of order", i)
	}
}

func TestEmbedRetriesTransientFailures(t *testing.T) {
	for n := 0; n < 4; n++ {
		p := &fakeProvider{failFirst: n}
		e := newTestEmbedder(p, Config{})
		res := e.EmbedBatch(context.Background(), []string{"the statute applies"})
		require.Nil(t, res[0].Err, "failures=%d", n)
		assert.Equal(t, n+1, p.callCount(), "failures=%d", n)
	}
}

func TestEmbedExhaustionFailsOnlyAffectedBatch(t *testing.T) {
	// Only batches holding "poison" keep failing.
	p := &fakeProvider{}
	e := newTestEmbedder(&poisonProvider{fakeProvider: p}, Config{BatchSize: 2})

	res := e.EmbedBatch(context.Background(), []string{"a", "poison", "b", "c"})
	require.NotNil(t, res[0].Err)
	require.NotNil(t, res[1].Err)
	assert.Same(t, res[0].Err, res[1].Err)
	assert.Equal(t, []int{0, 1}, res[0].Err.Indexes)
	assert.Equal(t, 4, res[0].Err.Attempts)

	var ex *resilience.ExhaustedError
	assert.ErrorAs(t, res[0].Err, &ex)

	assert.Nil(t, res[2].Err)
	assert.Nil(t, res[3].Err)
	assert.Len(t, Errors(res), 1)
}

type poisonProvider struct{ *fakeProvider }

func (p *poisonProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	for _, t := range texts {
		if t == "poison" {
			p.fakeProvider.mu.Lock()
			p.fakeProvider.calls++
			p.fakeProvider.mu.Unlock()
			return nil, &llm.APIError{StatusCode: 429}
		}
	}
	return p.fakeProvider.Embed(ctx, texts)
}

func TestEmbedFallsBackToSingleTexts(t *testing.T) {
	p := &fakeProvider{reject: func(texts []string) bool {
		for _, t := range texts {
			if strings.HasPrefix(t, "oversize") {
				return true
			}
		}
		return false
	}}
	e := newTestEmbedder(p, Config{BatchSize: 8})

	res := e.EmbedBatch(context.Background(), []string{"first", "oversize text", "third"})
	assert.Nil(t, res[0].Err)
	assert.Nil(t, res[2].Err)
	require.NotNil(t, res[1].Err)
	assert.Equal(t, []int{1}, res[1].Err.Indexes)
	assert.Equal(t, 1, res[1].Err.Attempts)
	// One batch call plus three single calls.
	assert.Equal(t, 4, p.callCount())
}

func TestEmbedDimensionMismatchIsNotRetried(t *testing.T) {
	p := &fakeProvider{dim: 3}
	e := newTestEmbedder(p, Config{Dimension: 4})

	_, err := e.Embed(context.Background(), "query")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Equal(t, 1, p.callCount())
}

func TestEmbedCache(t *testing.T) {
	p := &fakeProvider{}
	e := newTestEmbedder(p, Config{CacheSize: 16, CacheTTL: time.Minute})

	first := e.EmbedBatch(context.Background(), []string{"alpha", "beta"})
	second := e.EmbedBatch(context.Background(), []string{"beta", "alpha", "gamma"})
	assert.Equal(t, 2, p.callCount())
	assert.Equal(t, first[1].Vector, second[0].Vector)
	assert.Equal(t, []string{"gamma"}, p.batches[1])

	// Cached vectors are copies.
	second[0].Vector[0] = 42
	third := e.EmbedBatch(context.Background(), []string{"beta"})
	assert.NotEqual(t, float32(42), third[0].Vector[0])
}

func TestEmbedRespectsInFlightLimit(t *testing.T) {
	p := &fakeProvider{delay: 5 * time.Millisecond}
	e := newTestEmbedder(p, Config{BatchSize: 1, MaxInFlight: 2})

	texts := make([]string, 12)
	for i := range texts {
		texts[i] = strings.Repeat("x", i+1)
	}
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, r := range e.EmbedBatch(context.Background(), texts) {
				assert.Nil(t, r.Err)
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, p.maxInFlight.Load(), int32(2))
}

func TestEmbedCancelledContext(t *testing.T) {
	p := &fakeProvider{}
	e := newTestEmbedder(p, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := e.EmbedBatch(ctx, []string{"a", "b"})
	for _, r := range res {
		require.NotNil(t, r.Err)
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
	assert.Equal(t, 0, p.callCount())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "hello", truncate("hello world", 8))
	assert.Equal(t, "ab", truncate("ab§cd", 3))
}
