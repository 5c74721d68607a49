// Package llm talks to chat and embedding models over HTTP. Every hosted
// provider is reached through the OpenAI wire format; Ollama embeddings use
// its native batch endpoint.
package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrVisionUnsupported is returned when image input is requested from a
// provider without vision support.
var ErrVisionUnsupported = errors.New("llm: provider does not support images")

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Provider is a model backend.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Embed returns one vector per text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VisionProvider can also read images and scanned pages.
type VisionProvider interface {
	Provider
	ChatWithImages(ctx context.Context, req VisionChatRequest) (*ChatResponse, error)
}

// ChatRequest asks for one completion. An empty Model uses the provider's
// configured model.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	// ResponseFormat "json_object" asks the server for JSON mode.
	ResponseFormat string `json:"response_format,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Prompt is the system + user exchange that every caller in this module
// sends.
func Prompt(system, user string) []Message {
	return []Message{
		{Role: RoleSystem, Content: system},
		{Role: RoleUser, Content: user},
	}
}

// VisionChatRequest is a completion over mixed text and image parts.
type VisionChatRequest struct {
	Model       string          `json:"model"`
	Messages    []VisionMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type VisionMessage struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart is a "text" or an "image_url" part.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

// TextPart wraps s as a message part.
func TextPart(s string) ContentPart {
	return ContentPart{Type: "text", Text: s}
}

// DataPart inlines a file as a base64 data URL.
func DataPart(mimeType string, data []byte) ContentPart {
	return ContentPart{Type: "image_url", ImageURL: &ImageURL{
		URL: "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data),
	}}
}

// ChatResponse is a completion with its token usage.
type ChatResponse struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	FinishReason     string `json:"finish_reason"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// Config selects and configures a provider. Provider is one of ollama,
// lmstudio, openrouter, openai, groq, xai, gemini or custom.
type Config struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// NewProvider builds the provider cfg names.
func NewProvider(cfg Config) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch name {
	case "":
		return nil, errors.New("llm provider not specified")
	case "ollama":
		return NewOllama(cfg), nil
	case "custom":
		return NewOpenAICompat(cfg), nil
	}
	ep, ok := endpoints[name]
	if !ok {
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
	return newHosted(cfg, ep), nil
}
