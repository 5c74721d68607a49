// Package eval measures retrieval quality against a labelled dataset:
// recall@k, precision@k, mean reciprocal rank and fact recall, per
// search mode and per case category.
package eval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/brunobiangulo/lexrag/retrieval"
)

// Searcher runs retrieval queries. *lexrag.Engine satisfies it.
type Searcher interface {
	Search(ctx context.Context, q retrieval.Query) (*retrieval.Response, error)
}

// Evaluator runs datasets against a Searcher.
type Evaluator struct {
	search Searcher
}

func NewEvaluator(s Searcher) *Evaluator {
	return &Evaluator{search: s}
}

// Report aggregates one run over a dataset, overall and per category.
type Report struct {
	Dataset string        `json:"dataset"`
	Cases   int           `json:"cases"`
	K       []int         `json:"k"`
	Modes   []ModeReport  `json:"modes"`
	RunTime time.Duration `json:"run_time"`
}

// ModeReport aggregates one search mode over all cases.
type ModeReport struct {
	Mode            retrieval.Mode              `json:"mode"`
	Passed          int                         `json:"passed"`
	Failed          int                         `json:"failed"`
	Errors          int                         `json:"errors"`
	Metrics         AggregateMetrics            `json:"metrics"`
	CategoryMetrics map[string]AggregateMetrics `json:"category_metrics,omitempty"`
	Results         []CaseResult                `json:"results"`
}

// AggregateMetrics holds metrics averaged over the cases that ran without
// error.
type AggregateMetrics struct {
	Recall        map[int]float64 `json:"recall"`    // k -> R@k
	Precision     map[int]float64 `json:"precision"` // k -> P@k
	MRR           float64         `json:"mrr"`
	AvgFactRecall float64         `json:"avg_fact_recall"`
	AvgLatencyMs  float64         `json:"avg_latency_ms"`

	n     int
	facts int // cases with expected facts
}

// CaseResult is the outcome of one query in one mode.
type CaseResult struct {
	Query          string          `json:"query"`
	Category       string          `json:"category,omitempty"`
	Relevant       []string        `json:"relevant"`
	Retrieved      []string        `json:"retrieved"`
	Recall         map[int]float64 `json:"recall"`
	Precision      map[int]float64 `json:"precision"`
	ReciprocalRank float64         `json:"reciprocal_rank"`
	FactRecall     *float64        `json:"fact_recall,omitempty"`
	Passed         bool            `json:"passed"`
	Error          string          `json:"error,omitempty"`
	ElapsedMs      int64           `json:"elapsed_ms"`
}

// Run executes every case of ds in every mode of ds.
func (e *Evaluator) Run(ctx context.Context, ds *Dataset) (*Report, error) {
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	report := &Report{Dataset: ds.Name, Cases: len(ds.Cases), K: ds.K}

	for _, mode := range ds.Modes {
		mr := ModeReport{Mode: mode}
		sums := newAggregate(ds.K)
		catSums := make(map[string]*AggregateMetrics)

		for i, tc := range ds.Cases {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			res := e.runCase(ctx, ds, mode, tc)
			mr.Results = append(mr.Results, res)

			status := "PASS"
			switch {
			case res.Error != "":
				status = "ERROR"
				mr.Errors++
			case res.Passed:
				mr.Passed++
			default:
				status = "FAIL"
				mr.Failed++
			}
			slog.Info("eval: case complete",
				"mode", mode,
				"progress", fmt.Sprintf("%d/%d", i+1, len(ds.Cases)),
				"status", status,
				"rr", fmt.Sprintf("%.2f", res.ReciprocalRank),
				"elapsed_ms", res.ElapsedMs,
				"query", truncate(tc.Query, 80))

			// Errors would add zeros and depress every average.
			if res.Error != "" {
				continue
			}
			sums.add(res, ds.K)
			if tc.Category != "" {
				cs, ok := catSums[tc.Category]
				if !ok {
					cs = newAggregate(ds.K)
					catSums[tc.Category] = cs
				}
				cs.add(res, ds.K)
			}
		}

		mr.Metrics = sums.mean(ds.K)
		if len(catSums) > 0 {
			mr.CategoryMetrics = make(map[string]AggregateMetrics, len(catSums))
			for cat, cs := range catSums {
				mr.CategoryMetrics[cat] = cs.mean(ds.K)
			}
		}
		report.Modes = append(report.Modes, mr)
	}

	report.RunTime = time.Since(start)
	return report, nil
}

func (e *Evaluator) runCase(ctx context.Context, ds *Dataset, mode retrieval.Mode, tc TestCase) CaseResult {
	res := CaseResult{
		Query:     tc.Query,
		Category:  tc.Category,
		Relevant:  tc.Relevant,
		Recall:    make(map[int]float64, len(ds.K)),
		Precision: make(map[int]float64, len(ds.K)),
	}
	start := time.Now()
	resp, err := e.search.Search(ctx, retrieval.Query{
		Text:        tc.Query,
		Mode:        mode,
		Limit:       ds.maxK(),
		PerDocument: 1,
	})
	res.ElapsedMs = time.Since(start).Milliseconds()
	if err != nil {
		res.Error = err.Error()
		return res
	}

	seen := make(map[string]bool)
	var passages []string
	for _, r := range resp.Results {
		passages = append(passages, r.Content)
		name := strings.ToLower(r.Filename)
		if !seen[name] {
			seen[name] = true
			res.Retrieved = append(res.Retrieved, name)
		}
	}

	relevant := relevantSet(tc.Relevant)
	for _, k := range ds.K {
		res.Recall[k] = recallAtK(res.Retrieved, relevant, k)
		res.Precision[k] = precisionAtK(res.Retrieved, relevant, k)
	}
	res.ReciprocalRank = reciprocalRank(res.Retrieved, relevant)
	if len(tc.ExpectedFacts) > 0 {
		fr := factRecall(passages, tc.ExpectedFacts)
		res.FactRecall = &fr
	}
	res.Passed = res.ReciprocalRank > 0
	return res
}

func newAggregate(ks []int) *AggregateMetrics {
	return &AggregateMetrics{
		Recall:    make(map[int]float64, len(ks)),
		Precision: make(map[int]float64, len(ks)),
	}
}

func (a *AggregateMetrics) add(res CaseResult, ks []int) {
	a.n++
	for _, k := range ks {
		a.Recall[k] += res.Recall[k]
		a.Precision[k] += res.Precision[k]
	}
	a.MRR += res.ReciprocalRank
	a.AvgLatencyMs += float64(res.ElapsedMs)
	if res.FactRecall != nil {
		a.facts++
		a.AvgFactRecall += *res.FactRecall
	}
}

func (a *AggregateMetrics) mean(ks []int) AggregateMetrics {
	out := *newAggregate(ks)
	if a.n == 0 {
		return out
	}
	n := float64(a.n)
	for _, k := range ks {
		out.Recall[k] = a.Recall[k] / n
		out.Precision[k] = a.Precision[k] / n
	}
	out.MRR = a.MRR / n
	out.AvgLatencyMs = a.AvgLatencyMs / n
	if a.facts > 0 {
		out.AvgFactRecall = a.AvgFactRecall / float64(a.facts)
	}
	return out
}

// FormatReport renders r for a terminal.
func FormatReport(r *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "retrieval eval: %s\n", r.Dataset)
	fmt.Fprintf(&b, "Cases: %d | Run time: %s\n\n", r.Cases, r.RunTime.Round(time.Millisecond))

	fmt.Fprintf(&b, "%-10s", "mode")
	for _, k := range r.K {
		fmt.Fprintf(&b, " %7s", fmt.Sprintf("R@%d", k))
	}
	fmt.Fprintf(&b, " %7s %7s %8s %6s\n", "MRR", "facts", "latency", "pass")
	for _, m := range r.Modes {
		fmt.Fprintf(&b, "%-10s", m.Mode)
		for _, k := range r.K {
			fmt.Fprintf(&b, " %6.1f%%", m.Metrics.Recall[k]*100)
		}
		fmt.Fprintf(&b, " %7.3f %6.1f%% %6.0fms %6s\n",
			m.Metrics.MRR, m.Metrics.AvgFactRecall*100, m.Metrics.AvgLatencyMs,
			fmt.Sprintf("%d/%d", m.Passed, r.Cases))
	}

	for _, m := range r.Modes {
		if len(m.CategoryMetrics) == 0 {
			continue
		}
		cats := make([]string, 0, len(m.CategoryMetrics))
		for cat := range m.CategoryMetrics {
			cats = append(cats, cat)
		}
		sort.Strings(cats)
		fmt.Fprintf(&b, "\nPer-category (%s):\n", m.Mode)
		for _, cat := range cats {
			cm := m.CategoryMetrics[cat]
			fmt.Fprintf(&b, "  [%s] MRR=%.3f", cat, cm.MRR)
			for _, k := range r.K {
				fmt.Fprintf(&b, " R@%d=%.2f", k, cm.Recall[k])
			}
			fmt.Fprintln(&b)
		}
	}

	for _, m := range r.Modes {
		var misses []CaseResult
		for _, res := range m.Results {
			if !res.Passed {
				misses = append(misses, res)
			}
		}
		if len(misses) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\nMisses (%s):\n", m.Mode)
		for _, res := range misses {
			if res.Error != "" {
				fmt.Fprintf(&b, "  [ERROR] %s: %s\n", truncate(res.Query, 60), res.Error)
				continue
			}
			fmt.Fprintf(&b, "  [FAIL] %s\n    want %s, got %s\n",
				truncate(res.Query, 60), strings.Join(res.Relevant, ", "), strings.Join(res.Retrieved, ", "))
		}
	}
	return b.String()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
