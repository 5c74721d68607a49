package chunker

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/brunobiangulo/lexrag/parser"
	"github.com/brunobiangulo/lexrag/store"
)

// sentence returns a ten-word sentence.
func sentence(i int) string {
	return fmt.Sprintf("Clause %d provides that the party shall perform duties promptly.", i)
}

// paragraph returns n sentences starting at sentence number from.
func paragraph(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = sentence(from + i)
	}
	return strings.Join(parts, " ")
}

// buildPages joins page bodies the way the extractor does and returns the
// page spans.
func buildPages(bodies ...string) (string, []parser.PageSpan) {
	var b strings.Builder
	spans := make([]parser.PageSpan, 0, len(bodies))
	for i, body := range bodies {
		if i > 0 {
			b.WriteString("\n\n")
		}
		start := b.Len()
		b.WriteString(body)
		spans = append(spans, parser.PageSpan{Number: i + 1, Start: start, End: b.Len()})
	}
	return b.String(), spans
}

func reconstruct(chunks []store.Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Content[c.Overlap:])
	}
	return b.String()
}

func mustNew(t *testing.T, cfg Config) *Chunker {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New(%+v): %v", cfg, err)
	}
	return c
}

// contractPage returns five paragraphs of ten sentences each.
func contractPage(page int) string {
	paras := make([]string, 5)
	for i := range paras {
		paras[i] = paragraph(page*100+i*10, 10)
	}
	return strings.Join(paras, "\n\n")
}

func TestChunkReconstructsText(t *testing.T) {
	text, pages := buildPages(contractPage(1), contractPage(2), contractPage(3))
	messy := "  leading space\n\n" + text + "\n\ttrailing  \n"

	configs := []Config{
		DefaultConfig(),
		{ChunkSize: 100, ChunkOverlap: 20},
		{ChunkSize: 50, ChunkOverlap: 0},
		{ChunkSize: 13, ChunkOverlap: 12},
		{ChunkSize: 2, ChunkOverlap: 1},
	}
	for _, cfg := range configs {
		for _, in := range []string{text, messy} {
			chunks, err := mustNew(t, cfg).Chunk(in, pages)
			if err != nil {
				t.Fatalf("%+v: %v", cfg, err)
			}
			if got := reconstruct(chunks); got != in {
				t.Fatalf("%+v: reconstruction mismatch (got %d bytes, want %d)", cfg, len(got), len(in))
			}
		}
	}
}

func TestChunkBudgets(t *testing.T) {
	text, pages := buildPages(contractPage(1), contractPage(2))
	cfg := Config{ChunkSize: 200, ChunkOverlap: 40}
	chunks, err := mustNew(t, cfg).Chunk(text, pages)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected several chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.Ordinal != i {
			t.Errorf("chunk %d: ordinal %d", i, c.Ordinal)
		}
		if c.TokenCount > cfg.ChunkSize {
			t.Errorf("chunk %d: %d tokens exceeds %d", i, c.TokenCount, cfg.ChunkSize)
		}
		if ov := EstimateTokens(c.Content[:c.Overlap]); ov > cfg.ChunkOverlap {
			t.Errorf("chunk %d: overlap %d tokens exceeds %d", i, ov, cfg.ChunkOverlap)
		}
		if c.ContentHash != store.ContentHash(c.Content) {
			t.Errorf("chunk %d: content hash mismatch", i)
		}
		if c.Content != text[c.StartOffset:c.EndOffset] {
			t.Errorf("chunk %d: offsets do not match content", i)
		}
		if i > 0 {
			if c.Overlap == 0 {
				t.Errorf("chunk %d: expected overlap with previous chunk", i)
			}
			if c.StartOffset <= chunks[i-1].StartOffset {
				t.Errorf("chunk %d: start did not advance", i)
			}
		}
	}
}

func TestChunkPrefersSentenceStartsForOverlap(t *testing.T) {
	text, pages := buildPages(contractPage(1), contractPage(2))
	chunks, err := mustNew(t, Config{ChunkSize: 200, ChunkOverlap: 40}).Chunk(text, pages)
	if err != nil {
		t.Fatal(err)
	}
	for i, c := range chunks[1:] {
		if !strings.HasPrefix(c.Content, "Clause ") {
			t.Errorf("chunk %d starts mid-sentence: %.40q", i+1, c.Content)
		}
	}
}

func TestChunkThreePageContract(t *testing.T) {
	text, pages := buildPages(contractPage(1), contractPage(2), contractPage(3))
	chunks, err := mustNew(t, DefaultConfig()).Chunk(text, pages)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) < 3 || len(chunks) > 5 {
		t.Fatalf("got %d chunks, want 3..5", len(chunks))
	}
	prev := 0
	for i, c := range chunks {
		if c.PageNumber < 1 || c.PageNumber > 3 {
			t.Errorf("chunk %d: page %d out of range", i, c.PageNumber)
		}
		if c.PageNumber < prev {
			t.Errorf("chunk %d: page %d went backwards from %d", i, c.PageNumber, prev)
		}
		prev = c.PageNumber
	}
	if chunks[0].PageNumber != 1 {
		t.Errorf("first chunk page = %d, want 1", chunks[0].PageNumber)
	}
	if last := chunks[len(chunks)-1]; last.PageNumber != 3 {
		t.Errorf("last chunk page = %d, want 3", last.PageNumber)
	}
}

func TestChunkDeterministic(t *testing.T) {
	text, pages := buildPages(contractPage(1), contractPage(2), contractPage(3))
	c := mustNew(t, Config{ChunkSize: 300, ChunkOverlap: 60})
	a, err := c.Chunk(text, pages)
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Chunk(text, pages)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != len(b) {
		t.Fatalf("chunk counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("chunk %d differs between runs", i)
		}
	}
}

func TestChunkSectionTitles(t *testing.T) {
	text := "ARTICLE I\n\n" + paragraph(1, 3) + "\n\nARTICLE II - Remedies\n\n" + paragraph(10, 3)
	chunks, err := mustNew(t, Config{ChunkSize: 26, ChunkOverlap: 0}).Chunk(text, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := chunks[0].SectionTitle; got != "ARTICLE I" {
		t.Errorf("first section = %q, want ARTICLE I", got)
	}
	if got := chunks[len(chunks)-1].SectionTitle; got != "ARTICLE II - Remedies" {
		t.Errorf("last section = %q, want ARTICLE II - Remedies", got)
	}
	for i, c := range chunks {
		if c.PageNumber != 1 {
			t.Errorf("chunk %d: page %d without page spans", i, c.PageNumber)
		}
	}
}

func TestChunkErrors(t *testing.T) {
	bad := []Config{
		{ChunkSize: 0, ChunkOverlap: 0},
		{ChunkSize: -5, ChunkOverlap: 0},
		{ChunkSize: 100, ChunkOverlap: 100},
		{ChunkSize: 100, ChunkOverlap: 150},
		{ChunkSize: 100, ChunkOverlap: -1},
	}
	for _, cfg := range bad {
		_, err := New(cfg)
		var ce *ChunkingError
		if !errors.As(err, &ce) {
			t.Errorf("New(%+v) error = %v, want ChunkingError", cfg, err)
		}
	}

	c := mustNew(t, DefaultConfig())
	_, err := c.Chunk(" \n\t \n", nil)
	var ce *ChunkingError
	if !errors.As(err, &ce) {
		t.Errorf("whitespace text: error = %v, want ChunkingError", err)
	}

	chunks, err := c.Chunk("", nil)
	if err != nil || len(chunks) != 0 {
		t.Errorf("empty text: got %d chunks, err %v", len(chunks), err)
	}
}

func TestChunkSingleShortText(t *testing.T) {
	chunks, err := mustNew(t, DefaultConfig()).Chunk("The court affirmed.", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].Overlap != 0 || chunks[0].TokenCount != 4 {
		t.Errorf("unexpected chunk: %+v", chunks[0])
	}
}

func TestEndsSentence(t *testing.T) {
	tests := []struct {
		word string
		want bool
	}{
		{"affirmed.", true},
		{"reversed?", true},
		{`denied."`, true},
		{"U.S.C.", false},
		{"v.", false},
		{"Inc.", false},
		{"J.", false},
		{"1983", false},
		{"clause;", false},
	}
	for _, tt := range tests {
		if got := endsSentence(tt.word); got != tt.want {
			t.Errorf("endsSentence(%q) = %v, want %v", tt.word, got, tt.want)
		}
	}
}

func TestIsHeading(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"ARTICLE IV", true},
		{"Article 12 - Termination", true},
		{"Section 2.1 Definitions", true},
		{"§ 1983. Civil action for deprivation of rights", true},
		{"Chapter 7", true},
		{"PART II", true},
		{"Title 42", true},
		{"12.3 Indemnification", true},
		{"## Background", true},
		{"FINDINGS OF FACT", true},
		{"Schedule A", true},
		{"The parties agree as follows.", false},
		{"", false},
		{"U.S.C.", false},
		{"1. " + paragraph(1, 2), false},
	}
	for _, tt := range tests {
		if got := IsHeading(tt.line); got != tt.want {
			t.Errorf("IsHeading(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}

func TestDefinedTerms(t *testing.T) {
	text := `This Lease Agreement (the "Agreement") is made between the parties.
"Premises" means the building at 12 Main Street.
"Rent" shall mean the monthly payment. "premises" means something else.`
	got := DefinedTerms(text)
	want := []string{"Agreement", "Premises", "Rent"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("DefinedTerms = %v, want %v", got, want)
	}
}

func TestCrossReferences(t *testing.T) {
	refs := CrossReferences("Subject to Section 4.2(a) and Article IV, see Schedule B and clause 7.1.")
	var got []string
	for _, r := range refs {
		got = append(got, r.Kind+":"+r.Target)
	}
	want := "section:4.2(a),article:IV,schedule:B,clause:7.1"
	if strings.Join(got, ",") != want {
		t.Errorf("CrossReferences = %v, want %s", got, want)
	}
}
