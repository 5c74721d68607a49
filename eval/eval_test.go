package eval

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/lexrag/retrieval"
)

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Non\u2011Compete", "non-compete"},
		{"42 U.S.C.", "42 u.s.c."},
		{"zero\u200bwidth", "zerowidth"},
		{"Tab\there", "tab here"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeText(tt.in), tt.in)
	}
}

func TestRankMetrics(t *testing.T) {
	ranked := []string{"a.pdf", "b.pdf", "c.pdf", "d.pdf"}
	relevant := relevantSet([]string{"C.pdf", "z.pdf"})

	assert.Zero(t, recallAtK(ranked, relevant, 1))
	assert.InDelta(t, 0.5, recallAtK(ranked, relevant, 3), 1e-9)
	assert.InDelta(t, 0.5, recallAtK(ranked, relevant, 10), 1e-9)
	assert.InDelta(t, 1.0/3, precisionAtK(ranked, relevant, 3), 1e-9)
	assert.InDelta(t, 0.1, precisionAtK(ranked, relevant, 10), 1e-9)
	assert.InDelta(t, 1.0/3, reciprocalRank(ranked, relevant), 1e-9)
	assert.Zero(t, reciprocalRank(ranked, relevantSet([]string{"q.pdf"})))
}

func TestFactRecall(t *testing.T) {
	passages := []string{
		"Under 42 U.S.C. § 1983 a person acting under color of state law is liable.",
		"The employee agrees to a non\u2011compete period of twelve months.",
	}
	tests := []struct {
		name  string
		facts []string
		want  float64
	}{
		{"exact", []string{"color of state law"}, 1},
		{"alternatives", []string{"eighteen months|twelve months"}, 1},
		{"hyphen folded", []string{"noncompete"}, 1},
		{"spacing folded", []string{"42 U.S.C.§1983"}, 1},
		{"partial", []string{"color of state law", "punitive damages"}, 0.5},
		{"none", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, factRecall(passages, tt.facts), 1e-9)
		})
	}
}

func TestLoadDataset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: civil rights
documents: [monroe.pdf, statute.txt]
k: [1, 5]
cases:
  - query: liability under color of state law
    relevant: [statute.txt]
    expected_facts: ["42 U.S.C. § 1983"]
    category: statute
  - query: Monroe v. Pape
    relevant: [monroe.pdf]
`), 0o644))

	ds, err := LoadDataset(path)
	require.NoError(t, err)
	assert.Equal(t, "civil rights", ds.Name)
	assert.Equal(t, []int{1, 5}, ds.K)
	assert.Equal(t, DefaultModes, ds.Modes)
	require.Len(t, ds.Cases, 2)
	assert.Equal(t, "statute", ds.Cases[0].Category)
	assert.Equal(t, 5, ds.maxK())
}

func TestDatasetValidate(t *testing.T) {
	tests := []struct {
		name string
		ds   Dataset
	}{
		{"no cases", Dataset{}},
		{"empty query", Dataset{Cases: []TestCase{{Query: " ", Relevant: []string{"a"}}}}},
		{"no relevant", Dataset{Cases: []TestCase{{Query: "q"}}}},
		{"bad mode", Dataset{Modes: []retrieval.Mode{"fuzzy"}, Cases: []TestCase{{Query: "q", Relevant: []string{"a"}}}}},
		{"bad k", Dataset{K: []int{0}, Cases: []TestCase{{Query: "q", Relevant: []string{"a"}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.ds.Validate())
		})
	}
}

// fakeSearcher ranks filenames per mode from a fixed table.
type fakeSearcher struct {
	ranked map[retrieval.Mode]map[string][]string // mode -> query -> filenames
	fail   map[string]bool
	got    []retrieval.Query
}

func (f *fakeSearcher) Search(_ context.Context, q retrieval.Query) (*retrieval.Response, error) {
	f.got = append(f.got, q)
	if f.fail[q.Text] {
		return nil, errors.New("index unavailable")
	}
	resp := &retrieval.Response{Mode: q.Mode}
	for _, name := range f.ranked[q.Mode][q.Text] {
		resp.Results = append(resp.Results, retrieval.Result{
			Filename: name,
			Content:  "passage from " + strings.TrimSuffix(name, filepath.Ext(name)),
		})
	}
	return resp, nil
}

func TestEvaluatorRun(t *testing.T) {
	s := &fakeSearcher{
		ranked: map[retrieval.Mode]map[string][]string{
			retrieval.ModeSemantic: {
				"q1": {"x.pdf", "lease.pdf"},
				"q2": {"order.pdf"},
			},
			retrieval.ModeKeyword: {
				"q1": {"lease.pdf"},
				"q2": {"x.pdf"},
			},
		},
		fail: map[string]bool{"q3": true},
	}
	ds := &Dataset{
		Name:  "unit",
		Modes: []retrieval.Mode{retrieval.ModeSemantic, retrieval.ModeKeyword},
		K:     []int{1, 3},
		Cases: []TestCase{
			{Query: "q1", Relevant: []string{"lease.pdf"}, ExpectedFacts: []string{"passage from lease"}, Category: "contract"},
			{Query: "q2", Relevant: []string{"order.pdf"}, Category: "court"},
			{Query: "q3", Relevant: []string{"order.pdf"}},
		},
	}

	report, err := NewEvaluator(s).Run(context.Background(), ds)
	require.NoError(t, err)
	require.Len(t, report.Modes, 2)

	for _, q := range s.got {
		assert.Equal(t, 3, q.Limit)
		assert.Equal(t, 1, q.PerDocument)
	}

	sem := report.Modes[0]
	assert.Equal(t, retrieval.ModeSemantic, sem.Mode)
	assert.Equal(t, 2, sem.Passed)
	assert.Equal(t, 1, sem.Errors)
	assert.InDelta(t, 0.75, sem.Metrics.MRR, 1e-9) // (1/2 + 1) / 2
	assert.InDelta(t, 0.5, sem.Metrics.Recall[1], 1e-9)
	assert.InDelta(t, 1.0, sem.Metrics.Recall[3], 1e-9)
	assert.InDelta(t, 1.0, sem.Metrics.AvgFactRecall, 1e-9)
	assert.InDelta(t, 0.5, sem.CategoryMetrics["contract"].MRR, 1e-9)
	assert.NotContains(t, sem.CategoryMetrics, "")

	kw := report.Modes[1]
	assert.Equal(t, 1, kw.Passed)
	assert.Equal(t, 1, kw.Failed)
	assert.InDelta(t, 0.5, kw.Metrics.MRR, 1e-9)

	out := FormatReport(report)
	assert.Contains(t, out, "retrieval eval: unit")
	assert.Contains(t, out, "R@3")
	assert.Contains(t, out, "[ERROR] q3: index unavailable")
	assert.Contains(t, out, "want order.pdf, got x.pdf")
}

func TestEvaluatorRejectsInvalidDataset(t *testing.T) {
	_, err := NewEvaluator(&fakeSearcher{}).Run(context.Background(), &Dataset{})
	assert.Error(t, err)
}
