package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/lexrag/store"
)

const entityReplyJSON = `{"entities": [
  {"name": "Acme Corp.", "type": "party", "description": "Tenant"},
  {"name": "42 U.S.C. § 1983", "type": "statutes"},
  {"name": "Sunny", "type": "weather"},
  {"name": " ", "type": "court"}
]}`

func entityDocs() fakeDocs {
	return fakeDocs{
		docs: map[string]*store.Document{
			"a": {ID: "a", Title: "Acme v. Landlord", Status: store.StatusCompleted},
			"p": {ID: "p", Title: "Pending", Status: store.StatusPending},
		},
		chunks: map[string][]store.Chunk{"a": {
			{ID: 1, Content: "Tenant Acme Corp. sued the landlord under 42 U.S.C. § 1983 before the Superior Court of California, asking for damages and an order requiring repair of the leased premises."},
			{ID: 2, Content: "Acme Corp. had paid rent on time for six years and notified the landlord in writing of the leaking roof, the broken heating and the unsafe stairway at the rear of the building."},
			{ID: 3, Content: "Signed. See 29 C.F.R. § 1910.1200."},
		}},
	}
}

func TestExtractEntitiesMergesChunksAndCitations(t *testing.T) {
	c := &fakeChat{reply: entityReplyJSON}
	o := New(Deps{Search: &fakeSearcher{}, Chat: c, Documents: entityDocs()}, DefaultConfig())

	ents, err := o.ExtractEntities(context.Background(), "a", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, ents.ChunksRead, "short chunk skipped")
	assert.Zero(t, ents.ChunksFailed)
	assert.Equal(t, "test-model", ents.ModelUsed)
	assert.Equal(t, 300, ents.TotalTokens)
	assert.Equal(t, []Entity{
		{Name: "Acme Corp.", Type: EntityParty, Description: "Tenant", Mentions: 2},
		{Name: "42 U.S.C. § 1983", Type: EntityStatute, Mentions: 2},
		{Name: "29 C.F.R. § 1910.1200", Type: EntityRegulation, Mentions: 1},
	}, ents.Entities)
	assert.Equal(t, []string{"Acme Corp."}, ents.ByType[EntityParty])

	require.Len(t, c.reqs, 2)
	hinted := 0
	for _, req := range c.reqs {
		assert.Equal(t, "json_object", req.ResponseFormat)
		assert.Zero(t, req.Temperature)
		if strings.Contains(req.Messages[0].Content, "HINTS") {
			hinted++
			assert.Contains(t, req.Messages[0].Content, "42 U.S.C. § 1983")
		}
	}
	assert.Equal(t, 1, hinted, "only the chunk with a citation gets hints")
}

func TestExtractEntitiesFiltersTypes(t *testing.T) {
	c := &fakeChat{reply: entityReplyJSON}
	o := New(Deps{Search: &fakeSearcher{}, Chat: c, Documents: entityDocs()}, DefaultConfig())

	ents, err := o.ExtractEntities(context.Background(), "a", []EntityType{"statutes"})
	require.NoError(t, err)
	require.Len(t, ents.Entities, 1)
	assert.Equal(t, EntityStatute, ents.Entities[0].Type)
	assert.Contains(t, c.reqs[0].Messages[0].Content, "extract entities of these types only: statute.")
}

func TestExtractEntitiesErrors(t *testing.T) {
	var ae *AnalysisError
	o := New(Deps{Search: &fakeSearcher{}, Chat: &fakeChat{err: errors.New("model down")}, Documents: entityDocs()}, DefaultConfig())

	_, err := o.ExtractEntities(context.Background(), "a", nil)
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, StageModel, ae.Stage)
	assert.ErrorContains(t, err, "model down")

	_, err = o.ExtractEntities(context.Background(), "a", []EntityType{"weather"})
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, StageRequest, ae.Stage)

	_, err = o.ExtractEntities(context.Background(), "p", nil)
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, StageRequest, ae.Stage)

	_, err = o.ExtractEntities(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExtractEntitiesSurvivesBadChunk(t *testing.T) {
	c := &fakeChat{reply: "not json"}
	o := New(Deps{Search: &fakeSearcher{}, Chat: c, Documents: entityDocs()}, DefaultConfig())
	_, err := o.ExtractEntities(context.Background(), "a", nil)
	assert.ErrorContains(t, err, "parsing entity extraction result")
}

func TestSampleChunksSpreadsAcrossDocument(t *testing.T) {
	long := strings.Repeat("word ", minEntityTokens)
	var chunks []store.Chunk
	for i := range 10 {
		chunks = append(chunks, store.Chunk{ID: int64(i), Content: long})
	}
	chunks = append(chunks, store.Chunk{ID: 99, Content: "Page 4"})

	got := sampleChunks(chunks, 4)
	ids := make([]int64, len(got))
	for i, c := range got {
		ids[i] = c.ID
	}
	assert.Equal(t, []int64{0, 2, 5, 7}, ids)
	assert.Len(t, sampleChunks(chunks, 40), 10)
}

func TestParseEntityType(t *testing.T) {
	for in, want := range map[string]EntityType{"Parties": EntityParty, " judge ": EntityJudge, "decision": EntityCase} {
		got, err := ParseEntityType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, fmt.Sprintf("%q", in))
	}
	_, err := ParseEntityType("weather")
	assert.Error(t, err)
}
