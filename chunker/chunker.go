package chunker

import (
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/brunobiangulo/lexrag/parser"
	"github.com/brunobiangulo/lexrag/store"
)

// tokensPerWord is the estimate used for every token budget in this package.
const tokensPerWord = 1.3

// Config controls the chunking behaviour. Both sizes are in estimated tokens.
type Config struct {
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
}

// DefaultConfig returns the production chunk budget.
func DefaultConfig() Config {
	return Config{ChunkSize: 1000, ChunkOverlap: 200}
}

// ChunkingError reports a configuration that cannot be chunked with, or
// text that produced no chunks.
type ChunkingError struct {
	Reason string
}

func (e *ChunkingError) Error() string {
	return "chunking: " + e.Reason
}

// Chunker splits extracted document text into overlapping windows.
type Chunker struct {
	cfg          Config
	maxWords     int
	minWords     int
	overlapWords int
}

// New validates cfg and returns a Chunker.
func New(cfg Config) (*Chunker, error) {
	if cfg.ChunkSize <= 0 {
		return nil, &ChunkingError{Reason: fmt.Sprintf("chunk size must be positive, got %d", cfg.ChunkSize)}
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		return nil, &ChunkingError{Reason: fmt.Sprintf("overlap %d must be in [0, %d)", cfg.ChunkOverlap, cfg.ChunkSize)}
	}
	maxWords := wordsWithin(cfg.ChunkSize)
	if maxWords < 1 {
		maxWords = 1
	}
	overlapWords := wordsWithin(cfg.ChunkOverlap)
	if overlapWords > maxWords-1 {
		overlapWords = maxWords - 1
	}
	minWords := maxWords / 2
	if minWords < 1 {
		minWords = 1
	}
	return &Chunker{cfg: cfg, maxWords: maxWords, minWords: minWords, overlapWords: overlapWords}, nil
}

// Config returns the validated configuration.
func (c *Chunker) Config() Config { return c.cfg }

// span is the byte range of one whitespace-delimited word.
type span struct{ start, end int }

// Chunk splits text into chunks. Stripping each chunk's leading Overlap
// bytes and concatenating in ordinal order yields text exactly. Pages map
// byte offsets to page numbers; a nil slice puts everything on page 1.
//
// The returned chunks carry no DocumentID, ID or Key; the ingestion
// pipeline assigns those.
func (c *Chunker) Chunk(text string, pages []parser.PageSpan) ([]store.Chunk, error) {
	if text == "" {
		return nil, nil
	}
	words := wordSpans(text)
	if len(words) == 0 {
		return nil, &ChunkingError{Reason: "text contains no words"}
	}
	headings := findHeadings(text)

	var chunks []store.Chunk
	startByte, startWord := 0, 0
	prevEnd, prevCut := 0, 0

	for {
		lo := startWord + c.minWords
		if lo <= prevCut {
			lo = prevCut + 1
		}
		hi := startWord + c.maxWords

		var cut, endByte int
		if hi >= len(words) {
			cut, endByte = len(words), len(text)
		} else {
			cut = c.bestCut(text, words, lo, hi)
			endByte = words[cut-1].end
		}

		content := text[startByte:endByte]
		newStart := prevEnd
		chunks = append(chunks, store.Chunk{
			Ordinal:      len(chunks),
			Content:      content,
			Overlap:      prevEnd - startByte,
			StartOffset:  startByte,
			EndOffset:    endByte,
			PageNumber:   parser.PageAt(pages, firstNonSpace(text, newStart, endByte)),
			SectionTitle: headingAt(headings, firstNonSpace(text, newStart, endByte)),
			TokenCount:   estimateTokens(cut - startWord),
			ContentHash:  store.ContentHash(content),
		})

		if cut >= len(words) {
			break
		}
		prevEnd, prevCut = endByte, cut
		startWord = c.overlapStart(text, words, startWord, cut)
		if startWord < cut {
			startByte = words[startWord].start
		} else {
			startByte = endByte
		}
	}

	if len(chunks) == 0 {
		return nil, &ChunkingError{Reason: "no chunks produced"}
	}
	return chunks, nil
}

// bestCut picks the exclusive word index ending a chunk within [lo, hi]:
// the last paragraph break, else the last sentence end, else hi.
func (c *Chunker) bestCut(text string, words []span, lo, hi int) int {
	if lo > hi {
		lo = hi
	}
	for i := hi; i >= lo; i-- {
		if i < len(words) && strings.Count(text[words[i-1].end:words[i].start], "\n") >= 2 {
			return i
		}
	}
	for i := hi; i >= lo; i-- {
		if endsSentence(text[words[i-1].start:words[i-1].end]) {
			return i
		}
	}
	return hi
}

// overlapStart returns the first word of the next chunk. It lies at most
// overlapWords before cut and strictly after the previous start, snapped to
// the earliest sentence start in that window.
func (c *Chunker) overlapStart(text string, words []span, prevStart, cut int) int {
	if c.overlapWords == 0 {
		return cut
	}
	from := cut - c.overlapWords
	if from <= prevStart {
		from = prevStart + 1
	}
	if from >= cut {
		return cut
	}
	for i := from; i < cut; i++ {
		if endsSentence(text[words[i-1].start:words[i-1].end]) {
			return i
		}
	}
	return from
}

func wordSpans(text string) []span {
	var out []span
	in := false
	start := 0
	for i, r := range text {
		if unicode.IsSpace(r) {
			if in {
				out = append(out, span{start, i})
				in = false
			}
			continue
		}
		if !in {
			start, in = i, true
		}
	}
	if in {
		out = append(out, span{start, len(text)})
	}
	return out
}

func firstNonSpace(text string, from, to int) int {
	for i, r := range text[from:to] {
		if !unicode.IsSpace(r) {
			return from + i
		}
	}
	return from
}

// estimateTokens approximates tokens from a word count: tokens ~ words * 1.3.
func estimateTokens(words int) int {
	return int(math.Ceil(float64(words) * tokensPerWord))
}

// wordsWithin is the largest word count whose estimate fits in tokens.
func wordsWithin(tokens int) int {
	n := int(float64(tokens) / tokensPerWord)
	for n > 0 && estimateTokens(n) > tokens {
		n--
	}
	return n
}

// EstimateTokens applies the chunk budget heuristic to arbitrary text.
func EstimateTokens(text string) int {
	return estimateTokens(len(strings.Fields(text)))
}

// abbreviations end in a period without ending a sentence.
var abbreviations = map[string]bool{
	"v.": true, "vs.": true, "no.": true, "nos.": true, "art.": true, "sec.": true,
	"secs.": true, "para.": true, "e.g.": true, "i.e.": true, "al.": true, "inc.": true,
	"co.": true, "corp.": true, "ltd.": true, "id.": true, "cf.": true, "p.": true,
	"pp.": true, "u.s.": true, "u.s.c.": true, "f.": true, "supp.": true,
	"cir.": true, "ct.": true, "stat.": true, "reg.": true, "fed.": true,
	"mr.": true, "ms.": true, "dr.": true, "st.": true, "ch.": true, "pt.": true,
}

// endsSentence reports whether word closes a sentence.
func endsSentence(word string) bool {
	w := strings.TrimRight(word, `"')]”’`)
	if w == "" {
		return false
	}
	switch w[len(w)-1] {
	case '?', '!':
		return true
	case '.':
	default:
		return false
	}
	lower := strings.ToLower(w)
	if abbreviations[lower] {
		return false
	}
	// Single initials such as "J." or "A.".
	if len(w) == 2 && unicode.IsUpper(rune(w[0])) {
		return false
	}
	return true
}
