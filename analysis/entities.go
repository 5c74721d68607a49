package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/lexrag/llm"
	"github.com/brunobiangulo/lexrag/retrieval"
	"github.com/brunobiangulo/lexrag/store"
)

// EntityType is a kind of legal entity.
type EntityType string

const (
	EntityParty      EntityType = "party"
	EntityJudge      EntityType = "judge"
	EntityCourt      EntityType = "court"
	EntityStatute    EntityType = "statute"
	EntityCase       EntityType = "case"
	EntityRegulation EntityType = "regulation"
)

// EntityTypes lists every type in reporting order.
var EntityTypes = []EntityType{EntityParty, EntityJudge, EntityCourt, EntityStatute, EntityCase, EntityRegulation}

// entityAliases maps the spellings models return to a type.
var entityAliases = map[string]EntityType{
	"party": EntityParty, "parties": EntityParty, "person": EntityParty, "organization": EntityParty,
	"judge": EntityJudge, "judges": EntityJudge, "justice": EntityJudge,
	"court": EntityCourt, "courts": EntityCourt, "tribunal": EntityCourt,
	"statute": EntityStatute, "statutes": EntityStatute, "law": EntityStatute,
	"case": EntityCase, "cases": EntityCase, "decision": EntityCase,
	"regulation": EntityRegulation, "regulations": EntityRegulation, "rule": EntityRegulation,
}

// ParseEntityType accepts a type name or a common plural.
func ParseEntityType(s string) (EntityType, error) {
	if t, ok := entityAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// citationEntity maps a detected citation kind to the entity it names.
var citationEntity = map[string]EntityType{
	"code":       EntityStatute,
	"section":    EntityStatute,
	"public_law": EntityStatute,
	"regulation": EntityRegulation,
	"reporter":   EntityCase,
	"case":       EntityCase,
}

// Entity is one named thing found in a document.
type Entity struct {
	Name        string     `json:"name"`
	Type        EntityType `json:"type"`
	Description string     `json:"description,omitempty"`
	// Mentions counts the chunks it was found in.
	Mentions int `json:"mentions"`
}

// Entities is the result of entity extraction over one document.
type Entities struct {
	DocumentID   string                  `json:"document_id"`
	Entities     []Entity                `json:"entities"`
	ByType       map[EntityType][]string `json:"by_type"`
	ChunksRead   int                     `json:"chunks_read"`
	ChunksFailed int                     `json:"chunks_failed"`
	ModelUsed    string                  `json:"model_used,omitempty"`
	TotalTokens  int                     `json:"total_tokens,omitempty"`
}

const entityPrompt = `You are a legal entity extractor.
From the text below, extract entities of these types only: %s.

ENTITY TYPES (use exactly these values):
- party      : a person or organisation that is a party to the matter or agreement
- judge      : a named judge or justice
- court      : a named court or tribunal
- statute    : a statute, code section or public law
- case       : a cited court decision
- regulation : a regulation or administrative rule

Return a JSON object with exactly one key:
  "entities" : array of {"name": string, "type": string, "description": string}

Rules:
- Keep names as they are written in the text.
- Only include entities clearly supported by the text.
- If there are none, return an empty array.
- Do NOT include any text outside the JSON object.

EXAMPLE:

Input: "Tenant Acme Corp. sued Landlord under 42 U.S.C. § 1983 in the Superior Court of California. Judge Maria Lopez relied on Smith v. Jones, 500 U.S. 1 (1990)."
Output:
{"entities": [{"name": "Acme Corp.", "type": "party", "description": "Tenant and plaintiff"}, {"name": "42 U.S.C. § 1983", "type": "statute", "description": "Civil rights statute"}, {"name": "Superior Court of California", "type": "court", "description": "Trial court"}, {"name": "Maria Lopez", "type": "judge", "description": "Presiding judge"}, {"name": "Smith v. Jones, 500 U.S. 1 (1990)", "type": "case", "description": "Cited precedent"}]}

%s
TEXT:
%s`

// minEntityTokens skips headings, signature lines and table-of-contents
// chunks.
const minEntityTokens = 20

// perChunkTimeout caps one chunk's extraction call.
const perChunkTimeout = 90 * time.Second

type entityReply struct {
	Entities []struct {
		Name        string `json:"name"`
		Type        string `json:"type"`
		Description string `json:"description"`
	} `json:"entities"`
}

// ExtractEntities finds the parties, judges, courts and cited authorities
// of a completed document. Each chunk goes to the model with the citations
// detected in it as hints; detected citations are also counted directly so
// they appear even when the model misses them. Empty types selects all.
func (o *Orchestrator) ExtractEntities(ctx context.Context, docID string, types []EntityType) (*Entities, error) {
	wanted := make(map[EntityType]bool)
	for _, t := range types {
		pt, err := ParseEntityType(string(t))
		if err != nil {
			return nil, &AnalysisError{Stage: StageRequest, Err: err}
		}
		wanted[pt] = true
	}
	if len(wanted) == 0 {
		for _, t := range EntityTypes {
			wanted[t] = true
		}
	}
	_, chunks, err := o.completedDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	eligible := sampleChunks(chunks, o.cfg.EntityChunks)
	slog.Info("analysis: extracting entities", "doc_id", docID, "chunks", len(chunks),
		"eligible", len(eligible), "concurrency", o.cfg.EntityConcurrency)

	var typeNames []string
	for _, t := range EntityTypes {
		if wanted[t] {
			typeNames = append(typeNames, string(t))
		}
	}

	m := newEntityMerger(wanted)
	out := &Entities{DocumentID: docID, ChunksRead: len(eligible)}
	var (
		mu       sync.Mutex
		firstErr error
		start    = time.Now()
	)
	g := new(errgroup.Group)
	g.SetLimit(o.cfg.EntityConcurrency)
	for _, c := range eligible {
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				out.ChunksFailed++
				if firstErr == nil {
					firstErr = ctx.Err()
				}
				mu.Unlock()
				return nil
			}
			cctx, cancel := context.WithTimeout(ctx, perChunkTimeout)
			defer cancel()
			found, resp, err := o.chunkEntities(cctx, c, typeNames)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Warn("analysis: entity chunk failed", "doc_id", docID, "chunk_id", c.ID, "error", err)
				out.ChunksFailed++
				if firstErr == nil {
					firstErr = err
				}
				return nil
			}
			if out.ModelUsed == "" {
				out.ModelUsed = resp.Model
			}
			out.TotalTokens += resp.TotalTokens
			m.addChunk(c.ID, found)
			return nil
		})
	}
	g.Wait()

	if len(eligible) > 0 && out.ChunksFailed == len(eligible) {
		return nil, &AnalysisError{Stage: StageModel,
			Err: fmt.Errorf("all %d chunks failed; first error: %w", len(eligible), firstErr)}
	}
	for _, c := range chunks {
		m.addCitations(c.ID, retrieval.ExtractCitations(c.Content))
	}
	out.Entities = m.entities()
	out.ByType = groupEntities(out.Entities)
	slog.Info("analysis: entities extracted", "doc_id", docID, "entities", len(out.Entities),
		"failed_chunks", out.ChunksFailed, "elapsed", time.Since(start).Round(time.Millisecond))
	return out, nil
}

// chunkEntities asks the model for the entities of one chunk.
func (o *Orchestrator) chunkEntities(ctx context.Context, c store.Chunk, typeNames []string) ([]Entity, *llm.ChatResponse, error) {
	var hints string
	if cites := retrieval.ExtractCitations(c.Content); len(cites) > 0 {
		texts := make([]string, len(cites))
		for i, ct := range cites {
			texts[i] = ct.Text
		}
		hints = fmt.Sprintf("HINTS: These citations were detected in the text. Include the ones that match a requested type:\n%s\n",
			strings.Join(texts, "; "))
	}
	prompt := fmt.Sprintf(entityPrompt, strings.Join(typeNames, ", "), hints, c.Content)
	resp, err := o.chat.Chat(ctx, llm.ChatRequest{
		Model:          o.cfg.Model,
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
		Temperature:    0,
		MaxTokens:      800,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("entity extraction chat: %w", err)
	}
	var reply entityReply
	if err := llm.DecodeJSON(resp.Content, &reply); err != nil {
		return nil, nil, fmt.Errorf("parsing entity extraction result: %w", err)
	}
	var found []Entity
	for _, e := range reply.Entities {
		t, err := ParseEntityType(e.Type)
		name := strings.TrimSpace(e.Name)
		if err != nil || name == "" {
			continue
		}
		found = append(found, Entity{Name: name, Type: t, Description: strings.TrimSpace(e.Description)})
	}
	return found, resp, nil
}

// sampleChunks drops trivial chunks and, past limit, keeps an even spread
// across the document.
func sampleChunks(chunks []store.Chunk, limit int) []store.Chunk {
	var eligible []store.Chunk
	for _, c := range chunks {
		if c.TokenCount >= minEntityTokens || len(strings.Fields(c.Content)) >= minEntityTokens {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) <= limit {
		return eligible
	}
	out := make([]store.Chunk, 0, limit)
	for i := range limit {
		out = append(out, eligible[i*len(eligible)/limit])
	}
	return out
}

// entityMerger folds per-chunk findings into one list keyed by type and
// case-insensitive name.
type entityMerger struct {
	wanted map[EntityType]bool
	byKey  map[string]*Entity
	seenIn map[string]map[int64]bool
	order  []string
}

func newEntityMerger(wanted map[EntityType]bool) *entityMerger {
	return &entityMerger{
		wanted: wanted,
		byKey:  make(map[string]*Entity),
		seenIn: make(map[string]map[int64]bool),
	}
}

func (m *entityMerger) addChunk(chunkID int64, found []Entity) {
	for _, e := range found {
		m.add(chunkID, e)
	}
}

func (m *entityMerger) addCitations(chunkID int64, cites []retrieval.Citation) {
	for _, c := range cites {
		if t, ok := citationEntity[c.Kind]; ok {
			m.add(chunkID, Entity{Name: c.Text, Type: t})
		}
	}
}

// add records e as found in chunkID. Mentions counts distinct chunks.
func (m *entityMerger) add(chunkID int64, e Entity) {
	if !m.wanted[e.Type] {
		return
	}
	key := string(e.Type) + "|" + strings.ToLower(e.Name)
	cur, ok := m.byKey[key]
	if !ok {
		cur = &Entity{Name: e.Name, Type: e.Type}
		m.byKey[key] = cur
		m.seenIn[key] = make(map[int64]bool)
		m.order = append(m.order, key)
	}
	if cur.Description == "" {
		cur.Description = e.Description
	}
	if !m.seenIn[key][chunkID] {
		m.seenIn[key][chunkID] = true
		cur.Mentions++
	}
}

// entities returns the merged list by type, then mentions, then name.
func (m *entityMerger) entities() []Entity {
	rank := make(map[EntityType]int, len(EntityTypes))
	for i, t := range EntityTypes {
		rank[t] = i
	}
	out := make([]Entity, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, *m.byKey[k])
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Type != b.Type {
			return rank[a.Type] < rank[b.Type]
		}
		if a.Mentions != b.Mentions {
			return a.Mentions > b.Mentions
		}
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	})
	return out
}

func groupEntities(es []Entity) map[EntityType][]string {
	out := make(map[EntityType][]string)
	for _, e := range es {
		out[e.Type] = append(out[e.Type], e.Name)
	}
	return out
}
