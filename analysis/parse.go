package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/brunobiangulo/lexrag/llm"
)

// modelResponse is the JSON the model is asked to return.
type modelResponse struct {
	Analysis         string          `json:"analysis"`
	KeyPoints        []string        `json:"key_points"`
	Citations        []modelCitation `json:"citations"`
	Precedents       []Precedent     `json:"precedents"`
	Counterarguments []string        `json:"counterarguments"`
	ReasoningChain   []string        `json:"reasoning_chain"`
	EvidenceUsed     []evidenceRef   `json:"evidence_used"`
	Certainty        *float64        `json:"certainty"`
}

// modelCitation accepts either "42 U.S.C. § 1983" or
// {"citation": "...", "evidence": ["E1"]}.
type modelCitation struct {
	Text     string
	Evidence []evidenceRef
}

func (c *modelCitation) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		c.Text = s
		return nil
	}
	var obj struct {
		Citation string        `json:"citation"`
		Text     string        `json:"text"`
		Evidence []evidenceRef `json:"evidence"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	c.Text = obj.Citation
	if c.Text == "" {
		c.Text = obj.Text
	}
	c.Evidence = obj.Evidence
	return nil
}

// evidenceRef is an evidence label normalised to "E<n>". Models write
// "E2", "[E2]", "2" or 2.
type evidenceRef string

var labelRe = regexp.MustCompile(`(?i)^\[?\s*e?\s*(\d+)\s*\]?$`)

func (r *evidenceRef) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*r = evidenceRef("E" + strconv.Itoa(n))
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if m := labelRe.FindStringSubmatch(strings.TrimSpace(s)); m != nil {
		n, _ := strconv.Atoi(m[1])
		*r = evidenceRef("E" + strconv.Itoa(n))
		return nil
	}
	*r = evidenceRef(s)
	return nil
}

// parseResponse decodes the model output. A response without a narrative
// is rejected.
func parseResponse(raw string) (*modelResponse, error) {
	var mr modelResponse
	if err := llm.DecodeJSON(raw, &mr); err != nil {
		return nil, err
	}
	mr.Analysis = strings.TrimSpace(mr.Analysis)
	if mr.Analysis == "" {
		return nil, errors.New(`response has no "analysis" field`)
	}
	if mr.Certainty != nil {
		c := *mr.Certainty
		// Some models answer on a 0-100 scale.
		if c > 1 && c <= 100 {
			c /= 100
		}
		c = clip01(c)
		mr.Certainty = &c
	}
	mr.KeyPoints = nonEmpty(mr.KeyPoints)
	mr.Counterarguments = nonEmpty(mr.Counterarguments)
	mr.ReasoningChain = nonEmpty(mr.ReasoningChain)
	return &mr, nil
}

func nonEmpty(ss []string) []string {
	out := ss[:0:0]
	for _, s := range ss {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var (
	bracketRe = regexp.MustCompile(`\[([^\[\]]{1,40})\]`)
	inlineRe  = regexp.MustCompile(`\bE(\d+)\b`)
)

// inlineLabels returns the evidence labels cited inline in text, as in
// "[E1]" or "[E1, E3]".
func inlineLabels(text string) []evidenceRef {
	var out []evidenceRef
	for _, group := range bracketRe.FindAllStringSubmatch(text, -1) {
		for _, m := range inlineRe.FindAllStringSubmatch(group[1], -1) {
			n, _ := strconv.Atoi(m[1])
			out = append(out, evidenceRef(fmt.Sprintf("E%d", n)))
		}
	}
	return out
}
