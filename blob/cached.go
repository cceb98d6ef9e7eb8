// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package blob

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Cached wraps a Store with an LRU over blob contents. Because blobs are
// immutable a hit never needs validation, and a miss is fetched once even
// when many workers want the same agent snapshot at the same time.
type Cached struct {
	inner Store
	cache *lru.Cache[string, []byte]
	group singleflight.Group
}

// NewCached wraps inner with a cache of at most size blobs.
func NewCached(inner Store, size int) (*Cached, error) {
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("failed to build blob cache: %w", err)
	}
	return &Cached{
		inner: inner,
		cache: cache,
	}, nil
}

func (c *Cached) Put(ctx context.Context, key string, data []byte) error {
	if err := c.inner.Put(ctx, key, data); err != nil {
		return err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.cache.Add(key, cp)
	return nil
}

func (c *Cached) Get(ctx context.Context, key string) ([]byte, error) {
	if data, ok := c.cache.Get(key); ok {
		return copyOf(data), nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		data, err := c.inner.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		c.cache.Add(key, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return copyOf(v.([]byte)), nil
}

func copyOf(data []byte) []byte {
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp
}
