package embeddings

import "context"

// CachedEmbedder wraps an Embedder with a content-addressed Cache, checking
// the cache before delegating and populating it after a miss. Passing a nil
// Cache degrades gracefully to calling the inner Embedder every time.
type CachedEmbedder struct {
	inner Embedder
	cache *Cache
}

// NewCachedEmbedder wraps inner with cache.
func NewCachedEmbedder(inner Embedder, cache *Cache) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: cache}
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string, kind Kind) (Result, error) {
	prefixed := Prefix(c.inner, text, kind)
	model := c.modelName()

	if v, ok := c.cache.Get(prefixed, model); ok {
		return Result{Vector: v, Dims: len(v), Model: model, Cached: true}, nil
	}

	res, err := c.inner.Embed(ctx, text, kind)
	if err != nil {
		return Result{}, err
	}
	c.cache.Set(prefixed, model, res.Vector)
	return res, nil
}

func (c *CachedEmbedder) modelName() string {
	if pm, ok := c.inner.(interface{ ModelName() string }); ok {
		return pm.ModelName()
	}
	return "default"
}

func (c *CachedEmbedder) CheckConnection(ctx context.Context) (bool, error) { return c.inner.CheckConnection(ctx) }
func (c *CachedEmbedder) EnsureModel(ctx context.Context) (bool, error)     { return c.inner.EnsureModel(ctx) }
