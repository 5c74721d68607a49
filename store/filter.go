package store

import (
	"strings"
	"time"
)

// Filter restricts search hits by document attributes. The zero value
// matches everything.
type Filter struct {
	DocumentTypes []DocumentType `json:"document_types,omitempty"`
	Jurisdictions []string       `json:"jurisdictions,omitempty"`
	From          *time.Time     `json:"from,omitempty"`
	To            *time.Time     `json:"to,omitempty"`
	// ExcludeDocument drops hits from one document (used by similarity
	// search).
	ExcludeDocument string `json:"-"`
}

// Empty reports whether f matches everything.
func (f Filter) Empty() bool {
	return len(f.DocumentTypes) == 0 && len(f.Jurisdictions) == 0 &&
		f.From == nil && f.To == nil && f.ExcludeDocument == ""
}

// Match applies f to a hit in memory.
func (f Filter) Match(h Hit) bool {
	if f.ExcludeDocument != "" && h.DocumentID == f.ExcludeDocument {
		return false
	}
	if len(f.DocumentTypes) > 0 {
		ok := false
		for _, t := range f.DocumentTypes {
			if t == h.DocumentType {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Jurisdictions) > 0 {
		ok := false
		for _, j := range f.Jurisdictions {
			if strings.EqualFold(j, h.Jurisdiction) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.From != nil || f.To != nil {
		if h.PublishedAt == nil {
			return false
		}
		day := h.PublishedAt.UTC().Format(DateLayout)
		if f.From != nil && day < f.From.UTC().Format(DateLayout) {
			return false
		}
		if f.To != nil && day > f.To.UTC().Format(DateLayout) {
			return false
		}
	}
	return true
}

// sql renders f as predicates over the documents alias d.
func (f Filter) sql() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if len(f.DocumentTypes) > 0 {
		clauses = append(clauses, "d.document_type IN ("+placeholders(len(f.DocumentTypes))+")")
		for _, t := range f.DocumentTypes {
			args = append(args, string(t))
		}
	}
	if len(f.Jurisdictions) > 0 {
		clauses = append(clauses, "lower(d.jurisdiction) IN ("+placeholders(len(f.Jurisdictions))+")")
		for _, j := range f.Jurisdictions {
			args = append(args, strings.ToLower(j))
		}
	}
	if f.From != nil {
		clauses = append(clauses, "d.published_at >= ?")
		args = append(args, f.From.UTC().Format(DateLayout))
	}
	if f.To != nil {
		clauses = append(clauses, "d.published_at <= ?")
		args = append(args, f.To.UTC().Format(DateLayout))
	}
	if f.ExcludeDocument != "" {
		clauses = append(clauses, "d.id != ?")
		args = append(args, f.ExcludeDocument)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(clauses, " AND "), args
}
