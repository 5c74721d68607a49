package lexrag

import (
	"errors"

	"github.com/brunobiangulo/lexrag/analysis"
	"github.com/brunobiangulo/lexrag/chunker"
	"github.com/brunobiangulo/lexrag/embedding"
	"github.com/brunobiangulo/lexrag/parser"
	"github.com/brunobiangulo/lexrag/resilience"
	"github.com/brunobiangulo/lexrag/retrieval"
	"github.com/brunobiangulo/lexrag/store"
)

var (
	// ErrDocumentNotFound is returned when a document ID does not exist.
	ErrDocumentNotFound = errors.New("lexrag: document not found")

	// ErrEngineClosed is returned by operations on a closed engine.
	ErrEngineClosed = errors.New("lexrag: engine is closed")

	// ErrQueueFull is returned when the ingestion queue has no room. The
	// document stays pending and the maintenance job picks it up later.
	ErrQueueFull = errors.New("lexrag: ingestion queue full")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("lexrag: invalid configuration")

	// ErrInvalidMetadata is returned for document metadata that cannot be
	// stored, such as an unknown document type.
	ErrInvalidMetadata = errors.New("lexrag: invalid document metadata")

	// ErrAllEmbeddingsFailed fails a document none of whose chunks could
	// be embedded.
	ErrAllEmbeddingsFailed = errors.New("lexrag: all chunk embeddings failed")

	// ErrCircuitOpen is returned while a provider's breaker is open.
	ErrCircuitOpen = resilience.ErrCircuitOpen
)

// Error types of the pipeline stages, usable with errors.As.
type (
	ExtractionError = parser.ExtractionError
	ChunkingError   = chunker.ChunkingError
	EmbeddingError  = embedding.EmbeddingError
	IndexError      = store.IndexError
	RetrievalError  = retrieval.RetrievalError
	AnalysisError   = analysis.AnalysisError
)
