//go:build cgo

// These tests open SQLite with FTS5: go test -tags sqlite_fts5 ./...

package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, 4) // dim=4 for test vectors
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createDoc(t *testing.T, s *Store, id string, mutate ...func(*Document)) *Document {
	t.Helper()
	d := &Document{ID: id, Path: "/tmp/" + id + ".txt", Filename: id + ".txt", Title: id}
	for _, m := range mutate {
		m(d)
	}
	require.NoError(t, s.CreateDocument(context.Background(), d))
	return d
}

func unit(v ...float32) []float32 {
	var n float64
	for _, x := range v {
		n += float64(x * x)
	}
	n = math.Sqrt(n)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}

func TestNewCreatesParentDir(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "dir", "test.db")
	s, err := New(dbPath, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, s.EmbeddingDim())
	require.NoError(t, s.Close())

	_, err = New(dbPath, 0)
	require.Error(t, err)
}

func TestSchemaErrorNamesBuildTag(t *testing.T) {
	err := schemaErr(errors.New("no such module: fts5"))
	assert.Contains(t, err.Error(), "-tags sqlite_fts5")
	assert.NotContains(t, schemaErr(errors.New("disk I/O error")).Error(), "sqlite_fts5")
}

func TestMigrateIsRepeatable(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, 4)
	require.NoError(t, err)
	ctx := context.Background()

	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, migrations[len(migrations)-1].version, v)
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Close())

	s, err = New(dbPath, 4)
	require.NoError(t, err)
	defer s.Close()
	v2, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, v, v2)
}

func TestDocumentLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createDoc(t, s, "doc-1")

	got, err := s.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, TypeOther, got.DocumentType)

	err = s.TransitionStatus(ctx, "doc-1", StatusCompleted, "")
	require.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, s.TransitionStatus(ctx, "doc-1", StatusProcessing, ""))
	published := time.Date(2021, 3, 4, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.CompleteDocument(ctx, "doc-1", Enrichment{
		Summary:       "A lease.",
		LegalConcepts: []string{"contract"},
		Citations:     []string{"42 U.S.C. § 1983"},
		KeyPoints:     []string{"rent is due monthly"},
		DocumentType:  TypeContract,
		Jurisdiction:  "California",
		PublishedAt:   &published,
	}))

	got, err = s.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, TypeContract, got.DocumentType)
	assert.Equal(t, "California", got.Jurisdiction)
	assert.Equal(t, []string{"42 U.S.C. § 1983"}, got.Citations)
	require.NotNil(t, got.PublishedAt)
	assert.Equal(t, "2021-03-04", got.PublishedAt.Format(DateLayout))

	// Completing twice is not a legal transition.
	require.ErrorIs(t, s.CompleteDocument(ctx, "doc-1", Enrichment{}), ErrInvalidTransition)

	_, err = s.GetDocument(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusProcessing))
	assert.True(t, CanTransition(StatusProcessing, StatusFailed))
	assert.True(t, CanTransition(StatusCompleted, StatusProcessing))
	assert.False(t, CanTransition(StatusPending, StatusCompleted))
	assert.False(t, CanTransition(StatusCompleted, StatusFailed))
}

func chunkSet(texts ...string) []Chunk {
	out := make([]Chunk, len(texts))
	for i, t := range texts {
		out[i] = Chunk{Ordinal: i, Content: t, PageNumber: 1, TokenCount: 3}
	}
	return out
}

func TestReplaceChunksKeepsUnchangedKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createDoc(t, s, "doc-1")

	first, err := s.ReplaceChunks(ctx, "doc-1", chunkSet("alpha clause", "beta clause", "gamma clause"))
	require.NoError(t, err)
	require.Len(t, first, 3)
	require.NoError(t, s.UpsertVector(ctx, first[0].ID, unit(1, 0, 0, 0)))
	require.NoError(t, s.UpsertVector(ctx, first[1].ID, unit(0, 1, 0, 0)))

	second, err := s.ReplaceChunks(ctx, "doc-1", chunkSet("alpha clause", "beta revised", "gamma clause"))
	require.NoError(t, err)
	require.Len(t, second, 3)

	assert.Equal(t, first[0].ID, second[0].ID, "unchanged chunk keeps its row")
	assert.True(t, second[0].Embedded)
	assert.NotEqual(t, first[1].Key, second[1].Key)
	assert.False(t, second[1].Embedded, "changed chunk needs a new vector")

	vecs, err := s.Vectors(ctx, []int64{first[1].ID})
	require.NoError(t, err)
	assert.Empty(t, vecs, "stale vector removed")

	hits, err := s.SearchKeyword(ctx, `"beta"`, 10, Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, second[1].ID, hits[0].ChunkID)
}

func TestVectorSearchCosine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createDoc(t, s, "doc-1")
	chunks, err := s.ReplaceChunks(ctx, "doc-1", chunkSet("one", "two", "three"))
	require.NoError(t, err)

	require.NoError(t, s.UpsertVectors(ctx, map[int64][]float32{
		chunks[0].ID: unit(1, 0, 0, 0),
		chunks[1].ID: unit(1, 1, 0, 0),
		chunks[2].ID: unit(0, 0, 1, 0),
	}))

	hits, err := s.SearchVectors(ctx, unit(1, 0, 0, 0), 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, chunks[0].ID, hits[0].ChunkID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-5)
	assert.InDelta(t, math.Sqrt(0.5), hits[1].Score, 1e-5)
	assert.InDelta(t, 0.0, hits[2].Score, 1e-5)

	err = s.UpsertVector(ctx, chunks[0].ID, []float32{1, 0})
	var ie *IndexError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "vector", ie.Index)

	n, err := s.CountVectors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	centroid, err := s.DocumentCentroid(ctx, "doc-1")
	require.NoError(t, err)
	assert.Len(t, centroid, 4)
}

func TestKeywordSearchCitationAndFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d2019 := time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)
	d2023 := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	createDoc(t, s, "fed", func(d *Document) {
		d.DocumentType = TypeCourtDecision
		d.Jurisdiction = "Federal"
		d.PublishedAt = &d2019
	})
	createDoc(t, s, "ca", func(d *Document) {
		d.DocumentType = TypeStatute
		d.Jurisdiction = "California"
		d.PublishedAt = &d2023
	})
	_, err := s.ReplaceChunks(ctx, "fed", chunkSet("Plaintiff sued under 42 U.S.C. § 1983 for civil rights violations."))
	require.NoError(t, err)
	_, err = s.ReplaceChunks(ctx, "ca", chunkSet("State civil rights statute; compare 42 U.S.C. § 1983."))
	require.NoError(t, err)

	hits, err := s.SearchKeyword(ctx, `"42 U S C 1983"`, 10, Filter{})
	require.NoError(t, err)
	assert.Len(t, hits, 2)
	assert.Greater(t, hits[0].Score, 0.0)

	hits, err = s.SearchKeyword(ctx, `"42 U S C 1983"`, 10, Filter{Jurisdictions: []string{"federal"}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "fed", hits[0].DocumentID)
	assert.Equal(t, TypeCourtDecision, hits[0].DocumentType)

	from := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	f := Filter{From: &from}
	hits, err = s.SearchKeyword(ctx, `"civil"`, 10, f)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "ca", hits[0].DocumentID)
	assert.True(t, f.Match(hits[0]))

	fv, err := s.FilterValues(ctx)
	require.NoError(t, err)
	assert.Empty(t, fv.DocumentTypes, "only completed documents are reported")
}

func TestDeleteDocumentRemovesIndexes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createDoc(t, s, "doc-1")
	chunks, err := s.ReplaceChunks(ctx, "doc-1", chunkSet("indemnification clause"))
	require.NoError(t, err)
	require.NoError(t, s.UpsertVector(ctx, chunks[0].ID, unit(1, 0, 0, 0)))

	require.NoError(t, s.DeleteDocument(ctx, "doc-1"))

	hits, err := s.SearchKeyword(ctx, `"indemnification"`, 10, Filter{})
	require.NoError(t, err)
	assert.Empty(t, hits)
	vhits, err := s.SearchVectors(ctx, unit(1, 0, 0, 0), 5)
	require.NoError(t, err)
	assert.Empty(t, vhits)

	require.ErrorIs(t, s.DeleteDocument(ctx, "doc-1"), ErrNotFound)
}

func TestConcurrentVectorUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const docs = 4
	var all []Chunk
	for i := 0; i < docs; i++ {
		id := fmt.Sprintf("doc-%d", i)
		createDoc(t, s, id)
		chunks, err := s.ReplaceChunks(ctx, id, chunkSet("a "+id, "b "+id, "c "+id))
		require.NoError(t, err)
		all = append(all, chunks...)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(all))
	for i, c := range all {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			errs <- s.UpsertVector(ctx, id, unit(float32(i+1), 1, 0, 0))
		}(i, c.ID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	n, err := s.CountVectors(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(all), n)
}

func TestLogAnalysis(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.LogAnalysis(ctx, AnalysisLog{Fingerprint: "fp", Query: "q", AnalysisType: "general", Status: "complete", Sources: []string{"doc-1"}}))
	n, err := s.CountAnalyses(ctx, "fp")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
