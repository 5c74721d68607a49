package analysis

import (
	"math"
	"strings"

	"github.com/brunobiangulo/lexrag/retrieval"
)

// Weights controls how confidence factors combine. The split between
// retrieval quality and model certainty is a policy choice.
type Weights struct {
	Retrieval        float64 `yaml:"retrieval" json:"retrieval"`
	Certainty        float64 `yaml:"certainty" json:"certainty"`
	CitationAccuracy float64 `yaml:"citation_accuracy" json:"citation_accuracy"`
}

// DefaultWeights favours retrieval quality over self-reported certainty.
func DefaultWeights() Weights {
	return Weights{Retrieval: 0.6, Certainty: 0.4}
}

// Factors are the inputs of a confidence score. A nil factor was not
// available and does not take part.
type Factors struct {
	Retrieval        *float64 `json:"retrieval,omitempty"`
	Certainty        *float64 `json:"certainty,omitempty"`
	CitationAccuracy *float64 `json:"citation_accuracy,omitempty"`
}

// Confidence combines the present factors as a weighted mean clipped to
// [0,1]. With no usable factor it is 0.
func Confidence(f Factors, w Weights) float64 {
	var sum, total float64
	add := func(v *float64, weight float64) {
		if v == nil || weight <= 0 || math.IsNaN(*v) {
			return
		}
		sum += weight * clip01(*v)
		total += weight
	}
	add(f.Retrieval, w.Retrieval)
	add(f.Certainty, w.Certainty)
	add(f.CitationAccuracy, w.CitationAccuracy)
	if total == 0 {
		return 0
	}
	return clip01(sum / total)
}

func clip01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// assemble turns a parsed model response into a complete Result.
func assemble(base Result, req Request, mr *modelResponse, evidence []Evidence, maxFused float64, w Weights) *Result {
	r := base
	r.Status = StatusComplete
	r.Analysis = mr.Analysis
	r.KeyPoints = mr.KeyPoints
	r.ReasoningChain = mr.ReasoningChain
	r.Evidence = evidence
	if req.IncludeCounterarguments {
		r.Counterarguments = mr.Counterarguments
	}

	byLabel := make(map[string]Evidence, len(evidence))
	for _, e := range evidence {
		byLabel[e.Label] = e
	}

	// Evidence the model actually relied on; labels outside the evidence
	// set are ignored.
	cited := make(map[string]bool)
	cite := func(refs []evidenceRef) {
		for _, ref := range refs {
			if _, ok := byLabel[string(ref)]; ok {
				cited[string(ref)] = true
			}
		}
	}
	cite(mr.EvidenceUsed)
	cite(inlineLabels(mr.Analysis))

	if req.IncludeCitations {
		for _, mc := range mr.Citations {
			text := strings.TrimSpace(mc.Text)
			if text == "" {
				continue
			}
			cite(mc.Evidence)
			c := Citation{Text: text, Verified: inEvidence(text, evidence)}
			for _, ref := range mc.Evidence {
				if _, ok := byLabel[string(ref)]; ok {
					c.Evidence = append(c.Evidence, string(ref))
				}
			}
			r.Citations = append(r.Citations, c)
		}
		for _, p := range mr.Precedents {
			if strings.TrimSpace(p.Case) != "" {
				r.Precedents = append(r.Precedents, p)
			}
		}
	}

	var used []Evidence
	for _, e := range evidence {
		if cited[e.Label] {
			used = append(used, e)
		}
	}
	if len(used) == 0 {
		used = evidence
	}
	r.SourceDocumentIDs = documentIDs(used)

	checked, verified := verifyCitations(&r, evidence)

	f := Factors{Certainty: mr.Certainty}
	if maxFused > 0 {
		var s float64
		for _, e := range used {
			s += clip01(e.FusedScore / maxFused)
		}
		v := s / float64(len(used))
		f.Retrieval = &v
	}
	if checked > 0 {
		v := float64(verified) / float64(checked)
		f.CitationAccuracy = &v
	}
	r.Factors = f
	r.Confidence = Confidence(f, w)
	return &r
}

// verifyCitations checks every legal citation in the narrative, the key
// points and the structured citations against the evidence text and
// records the ones found nowhere in r.UnverifiedCitations.
func verifyCitations(r *Result, evidence []Evidence) (checked, verified int) {
	seen := make(map[string]bool)
	check := func(text string) {
		key := retrieval.NormalizeCitation(text)
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		checked++
		if inEvidence(text, evidence) {
			verified++
			return
		}
		r.UnverifiedCitations = append(r.UnverifiedCitations, text)
	}

	texts := append([]string{r.Analysis}, r.KeyPoints...)
	for _, t := range texts {
		for _, c := range retrieval.ExtractCitations(t) {
			check(c.Text)
		}
	}
	for _, c := range r.Citations {
		check(c.Text)
	}
	return checked, verified
}

func inEvidence(citation string, evidence []Evidence) bool {
	for _, e := range evidence {
		if retrieval.CitationIn(citation, e.Content) || retrieval.CitationIn(citation, e.SectionTitle) {
			return true
		}
	}
	return false
}
