package lexrag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brunobiangulo/lexrag/store"
)

// commonLegalTerms complete suggestions when the corpus has too few
// matching concepts.
var commonLegalTerms = []string{
	"contract law", "tort law", "criminal law", "constitutional law",
	"property law", "evidence", "procedure", "jurisdiction",
}

// Timeframe is the window Trending looks back over.
type Timeframe string

const (
	TimeframeDay   Timeframe = "day"
	TimeframeWeek  Timeframe = "week"
	TimeframeMonth Timeframe = "month"
)

var timeframes = map[Timeframe]time.Duration{
	TimeframeDay:   24 * time.Hour,
	TimeframeWeek:  7 * 24 * time.Hour,
	TimeframeMonth: 30 * 24 * time.Hour,
}

// logSearch records a finished search. Failures only cost suggestions, so
// they are logged and dropped.
func (e *Engine) logSearch(ctx context.Context, q Query, resp *SearchResponse, elapsed time.Duration) {
	if !e.cfg.SearchLog {
		return
	}
	entry := store.SearchLogEntry{
		Query:   q.Text,
		Mode:    string(resp.Mode),
		Results: len(resp.Results),
		Latency: elapsed,
	}
	if len(resp.Results) > 0 {
		entry.TopDocumentID = resp.Results[0].DocumentID
	}
	if err := e.store.LogSearch(context.WithoutCancel(ctx), entry); err != nil {
		slog.Warn("search: logging query failed", "error", err)
	}
}

// Suggest returns legal concepts tagged in the corpus that contain prefix,
// topped up with common legal terms. prefix needs at least two characters.
func (e *Engine) Suggest(ctx context.Context, prefix string, limit int) ([]string, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	prefix = strings.TrimSpace(prefix)
	if len([]rune(prefix)) < 2 {
		return nil, &RetrievalError{Field: "query", Reason: "needs at least 2 characters"}
	}
	concepts, err := e.store.ConceptsMatching(ctx, prefix, limit)
	if err != nil {
		return nil, err
	}
	var s suggestions
	s.add(limit, concepts...)
	lower := strings.ToLower(prefix)
	for _, t := range commonLegalTerms {
		if strings.Contains(t, lower) {
			s.add(limit, t)
		}
	}
	return s.list(), nil
}

// Autocomplete completes a partial query from document titles, earlier
// searches and legal concepts, in that order.
func (e *Engine) Autocomplete(ctx context.Context, prefix string, limit int) ([]string, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return nil, &RetrievalError{Field: "query", Reason: "must not be empty"}
	}
	var s suggestions
	titles, err := e.store.TitlesMatching(ctx, prefix, max(limit/2, 1))
	if err != nil {
		return nil, err
	}
	s.add(limit, titles...)
	if e.cfg.SearchLog {
		past, err := e.store.QueriesWithPrefix(ctx, prefix, limit)
		if err != nil {
			return nil, err
		}
		s.add(limit, past...)
	}
	if len([]rune(prefix)) >= 2 && len(s.items) < limit {
		more, err := e.Suggest(ctx, prefix, limit)
		if err != nil {
			return nil, err
		}
		s.add(limit, more...)
	}
	return s.list(), nil
}

// Trending returns the most searched queries of the timeframe.
func (e *Engine) Trending(ctx context.Context, tf Timeframe, limit int) ([]store.QueryCount, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if tf == "" {
		tf = TimeframeWeek
	}
	window, ok := timeframes[tf]
	if !ok {
		return nil, &RetrievalError{Field: "timeframe", Reason: fmt.Sprintf("%q is not day, week or month", tf)}
	}
	out, err := e.store.TrendingQueries(ctx, time.Now().Add(-window), limit)
	if out == nil {
		out = []store.QueryCount{}
	}
	return out, err
}

// suggestions is an ordered, case-insensitively distinct list.
type suggestions struct {
	items []string
	seen  map[string]bool
}

func (s *suggestions) add(limit int, vs ...string) {
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	for _, v := range vs {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" || s.seen[key] || len(s.items) >= limit {
			continue
		}
		s.seen[key] = true
		s.items = append(s.items, v)
	}
}

func (s *suggestions) list() []string {
	if s.items == nil {
		return []string{}
	}
	return s.items
}
