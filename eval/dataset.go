package eval

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/brunobiangulo/lexrag/retrieval"
)

// Dataset is a collection of retrieval test cases.
type Dataset struct {
	Name string `json:"name" yaml:"name"`
	// Documents lists files, relative to the dataset file, to ingest
	// before the cases run.
	Documents []string `json:"documents,omitempty" yaml:"documents"`
	// Modes to evaluate; empty means semantic, keyword and hybrid.
	Modes []retrieval.Mode `json:"modes,omitempty" yaml:"modes"`
	// K values for recall@k; empty means DefaultKValues.
	K     []int      `json:"k,omitempty" yaml:"k"`
	Cases []TestCase `json:"cases" yaml:"cases"`
}

// TestCase defines a single evaluation query.
type TestCase struct {
	Query string `json:"query" yaml:"query"`
	// Relevant lists the filenames of documents that answer the query.
	Relevant []string `json:"relevant" yaml:"relevant"`
	// ExpectedFacts are phrases the retrieved passages should contain.
	// Alternatives are separated by "|".
	ExpectedFacts []string `json:"expected_facts,omitempty" yaml:"expected_facts"`
	Category      string   `json:"category,omitempty" yaml:"category"` // e.g. citation, concept, party
}

// DefaultKValues are the cut-offs reported when a dataset names none.
var DefaultKValues = []int{1, 3, 5, 10}

// DefaultModes are evaluated when a dataset names none.
var DefaultModes = []retrieval.Mode{retrieval.ModeSemantic, retrieval.ModeKeyword, retrieval.ModeHybrid}

// LoadDataset reads a YAML dataset and validates it.
func LoadDataset(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading dataset: %w", err)
	}
	var ds Dataset
	if err := yaml.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("parsing dataset %s: %w", path, err)
	}
	if err := ds.Validate(); err != nil {
		return nil, fmt.Errorf("dataset %s: %w", path, err)
	}
	return &ds, nil
}

// Validate fills defaults and reports malformed cases.
func (d *Dataset) Validate() error {
	if len(d.Cases) == 0 {
		return fmt.Errorf("no cases")
	}
	if len(d.Modes) == 0 {
		d.Modes = DefaultModes
	}
	for _, m := range d.Modes {
		switch m {
		case retrieval.ModeSemantic, retrieval.ModeKeyword, retrieval.ModeHybrid:
		default:
			return fmt.Errorf("unknown mode %q", m)
		}
	}
	if len(d.K) == 0 {
		d.K = DefaultKValues
	}
	for _, k := range d.K {
		if k <= 0 {
			return fmt.Errorf("k must be positive, got %d", k)
		}
	}
	for i, c := range d.Cases {
		if strings.TrimSpace(c.Query) == "" {
			return fmt.Errorf("case %d: empty query", i+1)
		}
		if len(c.Relevant) == 0 {
			return fmt.Errorf("case %d: no relevant documents", i+1)
		}
	}
	return nil
}

// maxK is the largest cut-off, i.e. how many results each query needs.
func (d *Dataset) maxK() int {
	m := 0
	for _, k := range d.K {
		m = max(m, k)
	}
	return m
}
