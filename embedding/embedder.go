// Package embedding turns chunk text into normalised vectors through an
// external provider, batching calls and bounding how many are in flight.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/brunobiangulo/lexrag/llm"
	"github.com/brunobiangulo/lexrag/resilience"
)

// ErrDimensionMismatch is returned when the provider answers with vectors
// of the wrong size. It is never retried.
var ErrDimensionMismatch = errors.New("embedding: dimension mismatch")

// Config controls batching, admission and caching.
type Config struct {
	Model             string        `yaml:"model"`
	Dimension         int           `yaml:"dimension"`
	BatchSize         int           `yaml:"batch_size"`
	MaxInFlight       int           `yaml:"max_in_flight"`
	RequestsPerSecond float64       `yaml:"requests_per_second"` // 0 disables the limiter
	MaxChars          int           `yaml:"max_chars"`
	CacheSize         int           `yaml:"cache_size"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Dimension:   768,
		BatchSize:   32,
		MaxInFlight: 4,
		// Most embedding models have an 8192 token window; 24000 chars
		// stays safely inside it.
		MaxChars:  24000,
		CacheSize: 4096,
		CacheTTL:  time.Hour,
	}
}

// EmbeddingError reports texts whose embedding failed after retries.
// Indexes refer to positions in the slice passed to EmbedBatch.
type EmbeddingError struct {
	Indexes  []int
	Attempts int
	Err      error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding %d text(s) failed after %d attempt(s): %v", len(e.Indexes), e.Attempts, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// Result is the outcome for one input text: exactly one of Vector and
// Err is set.
type Result struct {
	Vector []float32
	Err    *EmbeddingError
}

// Embedder is safe for concurrent use. The in-flight limit is shared by
// every caller, so concurrent documents compete for the same slots.
type Embedder struct {
	provider llm.Provider
	policy   resilience.Policy
	cfg      Config
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	cache    *vectorCache
}

// New wraps provider. policy governs every provider call, including the
// per-text fallback calls.
func New(provider llm.Provider, policy resilience.Policy, cfg Config) *Embedder {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = def.MaxInFlight
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = def.MaxChars
	}
	e := &Embedder{
		provider: provider,
		policy:   policy,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		cache:    newVectorCache(cfg.Model, cfg.CacheSize, cfg.CacheTTL),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(math.Ceil(cfg.RequestsPerSecond))
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return e
}

// Dimension is the expected vector size, 0 when unchecked.
func (e *Embedder) Dimension() int { return e.cfg.Dimension }

// Embed embeds a single text, typically a search query.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	res := e.EmbedBatch(ctx, []string{text})
	if res[0].Err != nil {
		return nil, res[0].Err
	}
	return res[0].Vector, nil
}

// EmbedBatch returns one Result per text in input order. Texts are split
// into batches of BatchSize that run concurrently under the in-flight
// limit; a failing batch never affects its siblings.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) []Result {
	results := make([]Result, len(texts))

	var pending []int
	for i, t := range texts {
		if v, ok := e.cache.get(t); ok {
			results[i].Vector = v
			continue
		}
		pending = append(pending, i)
	}
	if len(pending) == 0 {
		return results
	}

	var wg sync.WaitGroup
	for start := 0; start < len(pending); start += e.cfg.BatchSize {
		end := min(start+e.cfg.BatchSize, len(pending))
		idx := pending[start:end]

		if err := e.sem.Acquire(ctx, 1); err != nil {
			// Every remaining batch fails the same way.
			fail(results, pending[start:], 0, err)
			break
		}
		wg.Add(1)
		go func(idx []int) {
			defer wg.Done()
			defer e.sem.Release(1)
			e.runBatch(ctx, texts, idx, results)
		}(idx)
	}
	wg.Wait()
	return results
}

// runBatch embeds texts[idx] and writes into results. Each goroutine owns
// distinct indexes, so no lock is needed.
func (e *Embedder) runBatch(ctx context.Context, texts []string, idx []int, results []Result) {
	batch := make([]string, len(idx))
	for j, i := range idx {
		batch[j] = truncate(texts[i], e.cfg.MaxChars)
	}

	vecs, err := e.call(ctx, batch)
	if err == nil {
		for j, i := range idx {
			results[i].Vector = vecs[j]
			e.cache.add(texts[i], vecs[j])
		}
		return
	}

	if len(idx) > 1 && splittable(ctx, err) {
		slog.Warn("embedding: batch rejected, falling back to single texts",
			"batch", len(idx), "error", err)
		for j, i := range idx {
			v, serr := e.call(ctx, batch[j:j+1])
			if serr != nil {
				fail(results, []int{i}, resilience.Attempts(serr), serr)
				continue
			}
			results[i].Vector = v[0]
			e.cache.add(texts[i], v[0])
		}
		return
	}

	slog.Warn("embedding: batch failed", "batch", len(idx), "attempts", resilience.Attempts(err), "error", err)
	fail(results, idx, resilience.Attempts(err), err)
}

// splittable reports whether a failed batch is worth retrying text by
// text: the provider rejected the request itself rather than being
// unavailable, and the caller is still waiting.
func splittable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, resilience.ErrCircuitOpen) {
		return false
	}
	var ex *resilience.ExhaustedError
	return !errors.As(err, &ex)
}

// call performs one resilient provider request and validates the answer.
func (e *Embedder) call(ctx context.Context, batch []string) ([][]float32, error) {
	var out [][]float32
	err := resilience.Do(ctx, e.policy, func(ctx context.Context) error {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		vecs, err := e.provider.Embed(ctx, batch)
		if err != nil {
			return err
		}
		if len(vecs) != len(batch) {
			return fmt.Errorf("embedding: provider returned %d vectors for %d texts", len(vecs), len(batch))
		}
		for j, v := range vecs {
			if e.cfg.Dimension > 0 && len(v) != e.cfg.Dimension {
				return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), e.cfg.Dimension)
			}
			vecs[j] = Normalize(v)
		}
		out = vecs
		return nil
	})
	return out, err
}

func fail(results []Result, idx []int, attempts int, err error) {
	ee := &EmbeddingError{Indexes: append([]int(nil), idx...), Attempts: attempts, Err: err}
	for _, i := range idx {
		results[i] = Result{Err: ee}
	}
}

// Errors collects the distinct batch errors of results.
func Errors(results []Result) []*EmbeddingError {
	var out []*EmbeddingError
	seen := make(map[*EmbeddingError]bool)
	for _, r := range results {
		if r.Err != nil && !seen[r.Err] {
			seen[r.Err] = true
			out = append(out, r.Err)
		}
	}
	return out
}

// Normalize scales v to unit length in place and returns it. Zero vectors
// are returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

// truncate cuts text to max bytes on a word boundary.
func truncate(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := strings.LastIndex(text[:max], " ")
	if cut <= 0 {
		cut = max
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
	}
	return text[:cut]
}
