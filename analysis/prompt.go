package analysis

import (
	"fmt"
	"strings"
)

const basePrompt = `You are an expert legal analyst. Answer ONLY from the numbered evidence provided.
Rules:
1. Every claim must be supported by the evidence. Cite evidence by its label, e.g. [E2].
2. Quote statutes, regulations and cases exactly as they appear in the evidence. Never cite an authority that is not in the evidence.
3. If the evidence does not answer the query, say so and lower your certainty.
4. Preserve exact legal terminology and clause references.`

var typePrompts = map[Type]string{
	TypeGeneral:   "Provide a comprehensive legal analysis covering all relevant aspects.",
	TypeCaseLaw:   "Focus on case law: holdings, judicial reasoning and how the courts applied the law.",
	TypeStatute:   "Focus on statutory interpretation: the text, its structure, legislative intent and implementing regulations.",
	TypePrecedent: "Focus on precedential value: binding versus persuasive authority, distinguishing cases and how the law evolved.",
}

func systemPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString("\n\n")
	b.WriteString(typePrompts[req.Type])
	b.WriteString("\n\nReply with a single JSON object and nothing else:\n")
	b.WriteString(`{
  "analysis": "narrative analysis citing [E#] labels",
  "key_points": ["..."],`)
	if req.IncludeCitations {
		b.WriteString(`
  "citations": [{"citation": "exact authority as written in the evidence", "evidence": ["E1"]}],
  "precedents": [{"case": "case name", "citation": "reporter citation", "relevance": "why it matters"}],`)
	}
	if req.IncludeCounterarguments {
		b.WriteString(`
  "counterarguments": ["..."],`)
	}
	b.WriteString(`
  "reasoning_chain": ["step 1", "step 2"],
  "evidence_used": ["E1", "E3"],
  "certainty": 0.0
}
certainty is your confidence from 0 to 1 that the evidence supports the analysis.`)
	return b.String()
}

// buildAnalysisPrompt renders the query and the evidence blocks. Each
// block is headed "[E1] Title | page N | Section".
func buildAnalysisPrompt(req Request, evidence []Evidence, maxChars int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Legal query: %s\n\nEvidence:\n\n", req.Query)
	for _, e := range evidence {
		b.WriteString(evidenceHeader(e))
		b.WriteByte('\n')
		b.WriteString(truncate(strings.TrimSpace(e.Content), maxChars))
		b.WriteString("\n\n")
	}
	b.WriteString("Analyze the query using only the evidence above.")
	return b.String()
}

func evidenceHeader(e Evidence) string {
	title := e.Title
	if title == "" {
		title = e.Filename
	}
	parts := []string{"[" + e.Label + "] " + title}
	if e.PageNumber > 0 {
		parts = append(parts, fmt.Sprintf("page %d", e.PageNumber))
	}
	if e.SectionTitle != "" {
		parts = append(parts, e.SectionTitle)
	}
	return strings.Join(parts, " | ")
}

// truncate cuts s to at most n bytes on a word boundary.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := strings.LastIndexAny(s[:n], " \n\t")
	if cut <= 0 {
		cut = n
		for cut > 0 && s[cut]&0xC0 == 0x80 {
			cut--
		}
	}
	return s[:cut] + " [...]"
}
