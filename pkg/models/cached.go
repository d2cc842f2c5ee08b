package models

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/Protocol-Lattice/chatproxy/pkg/cache"
)

// CachedLLM wraps a Model and caches Send replies keyed by the full
// conversation. Uploads always reach the wrapped model.
type CachedLLM struct {
	Model Model
	Cache *cache.LRUCache[string]
}

// NewCachedLLM creates a CachedLLM holding at most size replies for ttl.
func NewCachedLLM(model Model, size int, ttl time.Duration) *CachedLLM {
	return &CachedLLM{
		Model: model,
		Cache: cache.NewLRUCache[string](size, ttl),
	}
}

func (c *CachedLLM) Upload(ctx context.Context, name, mimeType string, r io.Reader) (Handle, error) {
	return c.Model.Upload(ctx, name, mimeType, r)
}

// Send checks the cache before calling the underlying model. Errors are
// never cached.
func (c *CachedLLM) Send(ctx context.Context, turns []Turn) (string, error) {
	raw, err := json.Marshal(turns)
	if err != nil {
		return c.Model.Send(ctx, turns)
	}
	key := cache.HashKey(raw)
	if val, ok := c.Cache.Get(key); ok {
		return val, nil
	}

	res, err := c.Model.Send(ctx, turns)
	if err != nil {
		return "", err
	}
	c.Cache.Set(key, res)
	return res, nil
}

var _ Model = (*CachedLLM)(nil)
