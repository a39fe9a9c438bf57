package nl2sql

import (
	"context"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/tabletalk/tabletalk/internal/observability"
)

// CachedTranslator memoizes successful translations per table shape and question.
type CachedTranslator struct {
	Next  Translator
	cache *gocache.Cache
}

func NewCachedTranslator(next Translator, ttl time.Duration) *CachedTranslator {
	return &CachedTranslator{
		Next:  next,
		cache: gocache.New(ttl, 2*ttl),
	}
}

func (c *CachedTranslator) Translate(ctx context.Context, req Request) (Result, error) {
	key := cacheKey(req)
	if cached, ok := c.cache.Get(key); ok {
		observability.IncrementTranslateCacheHit()
		return cached.(Result), nil
	}
	result, err := c.Next.Translate(ctx, req)
	if err != nil {
		return Result{}, err
	}
	c.cache.SetDefault(key, result)
	return result, nil
}

func cacheKey(req Request) string {
	question := strings.ToLower(strings.Join(strings.Fields(req.Question), " "))
	return req.TableName + "\x00" + strings.Join(req.Columns, "\x1f") + "\x00" + question
}
