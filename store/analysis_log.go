package store

import (
	"context"
	"encoding/json"
	"time"
)

// AnalysisLog is one row of the analysis audit trail.
type AnalysisLog struct {
	Fingerprint      string   `json:"fingerprint"`
	Query            string   `json:"query"`
	AnalysisType     string   `json:"analysis_type"`
	Status           string   `json:"status"`
	Confidence       float64  `json:"confidence"`
	Sources          []string `json:"sources"`
	ModelUsed        string   `json:"model_used"`
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	TotalTokens      int      `json:"total_tokens"`
}

// LogAnalysis appends an analysis to the audit log.
func (s *Store) LogAnalysis(ctx context.Context, a AnalysisLog) error {
	sources, err := json.Marshal(a.Sources)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analysis_log (fingerprint, query, analysis_type, status, confidence, sources,
			model_used, prompt_tokens, completion_tokens, total_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.Fingerprint, a.Query, a.AnalysisType, a.Status, a.Confidence, string(sources),
		a.ModelUsed, a.PromptTokens, a.CompletionTokens, a.TotalTokens, time.Now().UTC())
	return indexErr("analysis_log", "insert", err)
}

// CountAnalyses returns how many analyses were logged for a fingerprint.
func (s *Store) CountAnalyses(ctx context.Context, fingerprint string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM analysis_log WHERE fingerprint = ?", fingerprint).Scan(&n)
	return n, indexErr("analysis_log", "count", err)
}
