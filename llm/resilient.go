package llm

import (
	"context"

	"github.com/brunobiangulo/lexrag/resilience"
)

// Resilient wraps a Provider so that chat and embedding calls run under
// their own retry policy and circuit breaker.
type Resilient struct {
	inner  Provider
	chat   resilience.Policy
	embed  resilience.Policy
	vision VisionProvider
}

// NewResilient wraps p. Each policy should carry its own Breaker so that a
// failing embedding endpoint does not block chat calls and vice versa.
func NewResilient(p Provider, chat, embed resilience.Policy) *Resilient {
	r := &Resilient{inner: p, chat: chat, embed: embed}
	if vp, ok := p.(VisionProvider); ok {
		r.vision = vp
	}
	return r
}

// Unwrap returns the wrapped provider.
func (r *Resilient) Unwrap() Provider { return r.inner }

// Chat implements Provider.
func (r *Resilient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var resp *ChatResponse
	err := resilience.Do(ctx, r.chat, func(ctx context.Context) error {
		var err error
		resp, err = r.inner.Chat(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Embed implements Provider.
func (r *Resilient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := resilience.Do(ctx, r.embed, func(ctx context.Context) error {
		var err error
		out, err = r.inner.Embed(ctx, texts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ChatWithImages runs vision requests under the chat policy. It fails if
// the wrapped provider has no vision support.
func (r *Resilient) ChatWithImages(ctx context.Context, req VisionChatRequest) (*ChatResponse, error) {
	if r.vision == nil {
		return nil, ErrVisionUnsupported
	}
	var resp *ChatResponse
	err := resilience.Do(ctx, r.chat, func(ctx context.Context) error {
		var err error
		resp, err = r.vision.ChatWithImages(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
