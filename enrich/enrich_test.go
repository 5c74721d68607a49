package enrich

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/lexrag/llm"
	"github.com/brunobiangulo/lexrag/store"
)

const lease = `COMMERCIAL LEASE AGREEMENT

This Lease Agreement (the "Agreement") is made on March 5, 2021 between Acme Holdings LLC ("Landlord") and Beta Corp ("Tenant").

WHEREAS the Landlord owns the premises and the parties wish to enter into a lease; the parties hereby agree as follows.

1. Term. The term of this Agreement begins on the Effective Date and continues for five years unless terminated earlier.

2. Rent. Tenant shall pay monthly rent of ten thousand dollars on the first day of each month.

3. Termination. Either party may terminate this Agreement upon a material breach by the other party that remains uncured for thirty days.

4. Indemnification. Tenant shall indemnify and hold harmless Landlord from all claims arising from Tenant's use of the premises.

5. Governing Law. This Agreement shall be governed by the laws of the State of New York without regard to conflict of law principles.

IN WITNESS WHEREOF the parties have executed this Agreement.`

func TestDetectType(t *testing.T) {
	assert.Equal(t, store.TypeContract, DetectType(lease))

	opinion := `The plaintiff appeals from the district court. The defendant, a police officer, argues qualified immunity.
We hold that the district court erred. Reversed and remanded. Judge Smith, dissenting.`
	assert.Equal(t, store.TypeCourtDecision, DetectType(opinion))

	reg := `This final rule amends 40 C.F.R. Part 60. The agency promulgated the rule after notice in the Federal Register.
The compliance date for this part is January 1, 2024.`
	assert.Equal(t, store.TypeRegulation, DetectType(reg))

	assert.Equal(t, store.TypeOther, DetectType("Meeting notes about lunch."))
}

func TestDetectJurisdiction(t *testing.T) {
	assert.Equal(t, "New York", DetectJurisdiction(lease))
	assert.Equal(t, "West Virginia", DetectJurisdiction("construed in accordance with the laws of West Virginia."))
	assert.Equal(t, "California", DetectJurisdiction("Filed in the Superior Court of the State of California."))
	assert.Equal(t, "Federal", DetectJurisdiction("Claims under 42 U.S.C. § 1983."))
	assert.Equal(t, "EU", DetectJurisdiction("Processing under the GDPR requires a lawful basis."))
	assert.Equal(t, "UK", DetectJurisdiction("governed by the laws of England and Wales."))
	assert.Empty(t, DetectJurisdiction("No location here."))
}

func TestDetectDate(t *testing.T) {
	d := DetectDate(lease)
	require.NotNil(t, d)
	assert.Equal(t, time.Date(2021, 3, 5, 0, 0, 0, 0, time.UTC), *d)

	d = DetectDate("Decided 2019-11-30 by the court.")
	require.NotNil(t, d)
	assert.Equal(t, 2019, d.Year())

	assert.Nil(t, DetectDate("Published 2019-13-45."))
	assert.Nil(t, DetectDate(strings.Repeat("x", dateWindow)+" June 1, 2020"))
}

func TestDetectConcepts(t *testing.T) {
	got := DetectConcepts(lease)
	assert.Contains(t, got, "termination")
	assert.Contains(t, got, "indemnification")
	assert.Contains(t, got, "governing law")
	assert.Contains(t, got, "breach of contract")
	assert.NotContains(t, got, "qualified immunity")
	assert.Empty(t, DetectConcepts("nothing legal"))
}

func TestExtractiveSummary(t *testing.T) {
	s := ExtractiveSummary(lease, 2)
	assert.NotEmpty(t, s)
	assert.Contains(t, lease, strings.Fields(s)[0])

	text := "Short. The tenant shall pay rent to the landlord monthly. The landlord shall repair the roof of the premises. Rent is due."
	got := ExtractiveSummary(text, 1)
	assert.True(t, strings.HasPrefix(got, "The "), got)

	assert.Equal(t, "Hi.", ExtractiveSummary("Hi.", 3))
	assert.Empty(t, ExtractiveSummary("", 3))
}

func TestSentencesSkipAbbreviations(t *testing.T) {
	ss := sentences("See Monroe v. Pape, 365 U.S. 167 (1961). The Court agreed. Costs under 42 U.S.C. § 1988 follow.")
	assert.Equal(t, []string{
		"See Monroe v. Pape, 365 U.S. 167 (1961).",
		"The Court agreed.",
		"Costs under 42 U.S.C. § 1988 follow.",
	}, ss)
}

type scriptedChat struct {
	calls    atomic.Int32
	mu       sync.Mutex
	inFlight int
	peak     int
	reply    func(system, user string) (string, error)
}

func (s *scriptedChat) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.inFlight++
	s.peak = max(s.peak, s.inFlight)
	s.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
	out, err := s.reply(req.Messages[0].Content, req.Messages[1].Content)
	if err != nil {
		return nil, err
	}
	return &llm.ChatResponse{Content: out}, nil
}

func (s *scriptedChat) Embed(context.Context, []string) ([][]float32, error) { return nil, nil }

func TestEnrichWithModelSummary(t *testing.T) {
	chat := &scriptedChat{reply: func(system, user string) (string, error) {
		if system == combinePrompt {
			return `{"summary": "A five year commercial lease.", "key_points": ["Rent monthly", "NY law"]}`, nil
		}
		return "```json\n{\"summary\": \"part\", \"key_points\": [\"k\"]}\n```", nil
	}}
	cfg := DefaultConfig()
	cfg.SectionChars = 300
	cfg.Concurrency = 2
	e := New(chat, cfg)

	out := e.Enrich(context.Background(), "Lease", lease)
	assert.Equal(t, "A five year commercial lease.", out.Summary)
	assert.Equal(t, []string{"Rent monthly", "NY law"}, out.KeyPoints)
	assert.Equal(t, store.TypeContract, out.DocumentType)
	assert.Equal(t, "New York", out.Jurisdiction)
	require.NotNil(t, out.PublishedAt)
	assert.LessOrEqual(t, chat.peak, 2)
	assert.Equal(t, int32(len(splitSections(lease, 300, cfg.MaxSections))+1), chat.calls.Load())
}

func TestEnrichFallsBackWhenModelFails(t *testing.T) {
	chat := &scriptedChat{reply: func(string, string) (string, error) {
		return "", errors.New("provider down")
	}}
	out := New(chat, DefaultConfig()).Enrich(context.Background(), "Lease", lease)
	assert.NotEmpty(t, out.Summary)
	require.NotEmpty(t, out.KeyPoints)
	assert.Contains(t, out.KeyPoints[len(out.KeyPoints)-1], "Defined terms: Agreement, Landlord, Tenant")
}

func TestEnrichPartialFailures(t *testing.T) {
	var n atomic.Int32
	chat := &scriptedChat{reply: func(system, user string) (string, error) {
		if system == combinePrompt {
			return "not json", nil
		}
		if n.Add(1)%2 == 0 {
			return "", errors.New("timeout")
		}
		return `{"summary": "ok.", "key_points": ["p"]}`, nil
	}}
	cfg := DefaultConfig()
	cfg.SectionChars = 300
	out := New(chat, cfg).Enrich(context.Background(), "Lease", lease)
	assert.True(t, strings.HasPrefix(out.Summary, "ok. ok."), out.Summary)
}

func TestEnrichWithoutModel(t *testing.T) {
	text := "Claims arise under 42 U.S.C. § 1983 and 42 U.S.C. § 1983 again, see also Monroe v. Pape, 365 U.S. 167. The plaintiff sued the defendant."
	out := New(nil, DefaultConfig()).Enrich(context.Background(), "", text)
	assert.Equal(t, []string{"42 U.S.C. § 1983", "Monroe v. Pape", "365 U.S. 167"}, out.Citations)
	assert.Equal(t, "Federal", out.Jurisdiction)
	assert.Empty(t, out.DocumentType, "weak type evidence leaves the type unset")
	assert.Contains(t, out.KeyPoints, "Cites: 42 U.S.C. § 1983; 365 U.S. 167")
}

func TestSplitSections(t *testing.T) {
	text := strings.Repeat("word ", 500)
	parts := splitSections(text, 300, 3)
	assert.Len(t, parts, 3)
	for _, p := range parts {
		assert.LessOrEqual(t, len(p), 300)
	}
	assert.Equal(t, []string{"short"}, splitSections(" short ", 300, 3))
	assert.Empty(t, splitSections("  ", 300, 3))
}
