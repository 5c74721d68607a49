package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// stallTimeout bounds a stalled connection. Per-call deadlines come from
// the caller's context.
const stallTimeout = 3 * time.Minute

// compatClient speaks the OpenAI chat-completions and embeddings format.
type compatClient struct {
	cfg    Config
	prefix string // path prefix, usually "/v1"
	http   *http.Client
}

func newCompatClient(cfg Config, prefix string) compatClient {
	return compatClient{cfg: cfg, prefix: prefix, http: &http.Client{Timeout: stallTimeout}}
}

type completionBody struct {
	Model          string            `json:"model"`
	Messages       any               `json:"messages"`
	Temperature    float64           `json:"temperature,omitempty"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type completionReply struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type embedInput struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

func (c *compatClient) model(m string) string {
	if m != "" {
		return m
	}
	return c.cfg.Model
}

func (c *compatClient) chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := completionBody{
		Model:       c.model(req.Model),
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.ResponseFormat != "" {
		body.ResponseFormat = map[string]string{"type": req.ResponseFormat}
	}
	return c.complete(ctx, body)
}

func (c *compatClient) chatWithImages(ctx context.Context, req VisionChatRequest) (*ChatResponse, error) {
	return c.complete(ctx, completionBody{
		Model:       c.model(req.Model),
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
}

func (c *compatClient) complete(ctx context.Context, body completionBody) (*ChatResponse, error) {
	var reply completionReply
	if err := c.postJSON(ctx, c.cfg.BaseURL+c.prefix+"/chat/completions", body, &reply); err != nil {
		return nil, err
	}
	if len(reply.Choices) == 0 {
		return nil, errors.New("llm: completion has no choices")
	}
	choice := reply.Choices[0]
	return &ChatResponse{
		Content:          choice.Message.Content,
		Model:            reply.Model,
		FinishReason:     choice.FinishReason,
		PromptTokens:     reply.Usage.PromptTokens,
		CompletionTokens: reply.Usage.CompletionTokens,
		TotalTokens:      reply.Usage.TotalTokens,
	}, nil
}

func (c *compatClient) embed(ctx context.Context, texts []string) ([][]float32, error) {
	var reply struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	err := c.postJSON(ctx, c.cfg.BaseURL+c.prefix+"/embeddings", embedInput{Model: c.cfg.Model, Input: texts}, &reply)
	if err != nil {
		return nil, err
	}

	// Servers may answer out of order; Index is authoritative.
	out := make([][]float32, len(texts))
	for _, d := range reply.Data {
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	for i, v := range out {
		if len(v) == 0 {
			return nil, fmt.Errorf("llm: embedding %d of %d missing from response", i, len(texts))
		}
	}
	return out, nil
}

// postJSON sends one request and decodes a 200 reply into out. It never
// retries: attempts are counted and bounded by the resilience wrapper.
func (c *compatClient) postJSON(ctx context.Context, url string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("llm: encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransportError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{URL: url, Err: fmt.Errorf("reading response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		slog.Debug("llm: request failed", "url", url, "status", resp.StatusCode)
		return newAPIError(resp, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("llm: decoding response from %s: %w", url, err)
	}
	return nil
}
