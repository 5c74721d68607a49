package llm

import "context"

// endpoint holds the defaults of a hosted OpenAI-compatible API.
type endpoint struct {
	baseURL string
	prefix  string
	model   string
	vision  bool
}

// endpoints lists the hosted providers reachable through the
// OpenAI-compatible client. API keys come from config or LEXRAG_*_API_KEY.
var endpoints = map[string]endpoint{
	"openai":     {baseURL: "https://api.openai.com", prefix: "/v1", vision: true},
	"openrouter": {baseURL: "https://openrouter.ai/api", prefix: "/v1", vision: true},
	"groq":       {baseURL: "https://api.groq.com/openai", prefix: "/v1", model: "llama-3.3-70b-versatile"},
	"xai":        {baseURL: "https://api.x.ai", prefix: "/v1"},
	"lmstudio":   {baseURL: "http://localhost:1234", prefix: "/v1", vision: true},
	// Gemini's compatibility layer has no /v1 segment.
	"gemini": {baseURL: "https://generativelanguage.googleapis.com/v1beta/openai", prefix: "", vision: true},
}

func newHosted(cfg Config, ep endpoint) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = ep.baseURL
	}
	if cfg.Model == "" {
		cfg.Model = ep.model
	}
	p := compatProvider{base: newCompatClient(cfg, ep.prefix)}
	if ep.vision {
		return &visionCompatProvider{compatProvider: p}
	}
	return &p
}

// NewOpenAICompat creates a provider for any OpenAI-compatible server at
// cfg.BaseURL.
func NewOpenAICompat(cfg Config) Provider {
	return &visionCompatProvider{compatProvider: compatProvider{base: newCompatClient(cfg, "/v1")}}
}

type compatProvider struct {
	base compatClient
}

func (p *compatProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.base.chat(ctx, req)
}

func (p *compatProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.base.embed(ctx, texts)
}

type visionCompatProvider struct {
	compatProvider
}

func (p *visionCompatProvider) ChatWithImages(ctx context.Context, req VisionChatRequest) (*ChatResponse, error) {
	return p.base.chatWithImages(ctx, req)
}
