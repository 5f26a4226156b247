package nulldist

import (
	"context"
	"errors"
	"fmt"
	"log"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Store persists distributions across process lifetimes.
type Store interface {
	// Load returns ErrNotFound when no artifact exists for key and a
	// *CorruptArtifactError when one exists but cannot be used.
	Load(ctx context.Context, key Key) (*Distribution, error)
	Save(ctx context.Context, d *Distribution) error
}

// CorruptPolicy decides what Cache does with an unusable artifact.
type CorruptPolicy string

const (
	// Regenerate logs the corruption, rebuilds the distribution and overwrites the artifact.
	Regenerate CorruptPolicy = "regenerate"
	// Fail surfaces the corruption to the caller.
	Fail CorruptPolicy = "fail"
)

// CacheConfig holds Cache settings.
type CacheConfig struct {
	MemoSize  int
	OnCorrupt CorruptPolicy
	Generate  GenerateOptions
}

// Cache memoises distributions in memory, then in a Store, and generates
// them on a miss. Concurrent requests for the same key share one build.
type Cache struct {
	memo  *lru.Cache[Key, *Distribution]
	store Store
	cfg   CacheConfig
	group singleflight.Group
}

// NewCache creates a cache. store may be nil for an in-process-only cache.
func NewCache(store Store, cfg CacheConfig) (*Cache, error) {
	if cfg.MemoSize <= 0 {
		cfg.MemoSize = 8
	}
	if cfg.OnCorrupt == "" {
		cfg.OnCorrupt = Regenerate
	}
	if cfg.OnCorrupt != Regenerate && cfg.OnCorrupt != Fail {
		return nil, fmt.Errorf("invalid on_corrupt policy: %q", cfg.OnCorrupt)
	}
	memo, err := lru.New[Key, *Distribution](cfg.MemoSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create distribution memo: %w", err)
	}
	return &Cache{memo: memo, store: store, cfg: cfg}, nil
}

// Get returns the distribution for key, building it if needed. The result is
// fully materialised. Cancelling ctx abandons the wait but not a build other
// callers share.
func (c *Cache) Get(ctx context.Context, key Key) (*Distribution, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if d, ok := c.memo.Get(key); ok {
		return d, nil
	}

	// The shared build must outlive any single caller; each caller still
	// stops waiting when its own context ends.
	buildCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key.String(), func() (any, error) {
		if d, ok := c.memo.Get(key); ok {
			return d, nil
		}
		d, err := c.load(buildCtx, key)
		if err != nil {
			return nil, err
		}
		c.memo.Add(key, d)
		return d, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Distribution), nil
	}
}

func (c *Cache) load(ctx context.Context, key Key) (*Distribution, error) {
	if c.store != nil {
		d, err := c.store.Load(ctx, key)
		switch {
		case err == nil:
			log.Printf("[NullDist] Loaded %s from store", key)
			return d, nil
		case errors.Is(err, ErrNotFound):
			log.Printf("[NullDist] No artifact for %s, generating", key)
		case errors.Is(err, ErrCorrupt):
			if c.cfg.OnCorrupt == Fail {
				return nil, err
			}
			log.Printf("[NullDist] Warning: %v; regenerating", err)
		default:
			return nil, fmt.Errorf("failed to load null distribution: %w", err)
		}
	}

	d, err := Generate(ctx, key, c.cfg.Generate)
	if err != nil {
		return nil, err
	}
	if c.store != nil {
		if err := c.store.Save(ctx, d); err != nil {
			log.Printf("[NullDist] Warning: failed to persist %s: %v", key, err)
		}
	}
	return d, nil
}

// Purge drops every memoised distribution. Persisted artifacts are kept.
func (c *Cache) Purge() {
	c.memo.Purge()
}

// Len returns the number of memoised distributions.
func (c *Cache) Len() int {
	return c.memo.Len()
}
