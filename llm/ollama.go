package llm

import (
	"context"
	"fmt"
)

const ollamaDefaultURL = "http://localhost:11434"

// ollamaProvider talks to a local Ollama server: chat through its
// OpenAI-compatible endpoint, embeddings through the native /api/embed,
// which takes a whole batch in one call.
type ollamaProvider struct {
	base compatClient
}

// NewOllama creates a provider for Ollama.
func NewOllama(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = ollamaDefaultURL
	}
	return &ollamaProvider{base: newCompatClient(cfg, "/v1")}
}

func (p *ollamaProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.base.chat(ctx, req)
}

func (p *ollamaProvider) ChatWithImages(ctx context.Context, req VisionChatRequest) (*ChatResponse, error) {
	return p.base.chatWithImages(ctx, req)
}

func (p *ollamaProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var reply struct {
		Embeddings [][]float64 `json:"embeddings"`
	}
	in := embedInput{Model: p.base.cfg.Model, Input: texts}
	if err := p.base.postJSON(ctx, p.base.cfg.BaseURL+"/api/embed", in, &reply); err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if len(reply.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs", len(reply.Embeddings), len(texts))
	}
	out := make([][]float32, len(texts))
	for i, e := range reply.Embeddings {
		v := make([]float32, len(e))
		for j, x := range e {
			v[j] = float32(x)
		}
		out[i] = v
	}
	return out, nil
}
