package embedding

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// vectorCache memoises vectors by model and text. A nil cache is a no-op.
type vectorCache struct {
	model string
	lru   *expirable.LRU[string, []float32]
}

func newVectorCache(model string, size int, ttl time.Duration) *vectorCache {
	if size <= 0 || ttl <= 0 {
		return nil
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = "unknown"
	}
	return &vectorCache{model: model, lru: expirable.NewLRU[string, []float32](size, nil, ttl)}
}

func (c *vectorCache) key(text string) string {
	h := sha256.Sum256([]byte(c.model + "\x00" + text))
	return "embed:" + hex.EncodeToString(h[:])
}

func (c *vectorCache) get(text string) ([]float32, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.lru.Get(c.key(text))
	if !ok {
		return nil, false
	}
	return cloneVector(v), true
}

func (c *vectorCache) add(text string, v []float32) {
	if c == nil {
		return
	}
	c.lru.Add(c.key(text), cloneVector(v))
}

func (c *vectorCache) len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

func cloneVector(v []float32) []float32 {
	if len(v) == 0 {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
