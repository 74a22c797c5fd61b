package service

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/cellbridge/cellbridge/internal/domain/virtual"
	"github.com/cellbridge/cellbridge/internal/port/cache"
)

// MemoDetector memoizes foreign-region extraction through the cache port.
// Sound because extractors are pure functions of (language, text); notebook
// cells are re-scanned on every keystroke, so hits dominate.
type MemoDetector struct {
	inner virtual.Detector
	cache cache.Cache
	ttl   time.Duration
	log   *slog.Logger
}

// NewMemoDetector wraps a detector with caching.
func NewMemoDetector(inner virtual.Detector, c cache.Cache, ttl time.Duration, log *slog.Logger) *MemoDetector {
	return &MemoDetector{inner: inner, cache: c, ttl: ttl, log: log}
}

// Detect implements virtual.Detector. Cache failures fall through to the
// real detector; extraction is synchronous and never cancelled, so the
// background context is the right one.
func (m *MemoDetector) Detect(language, text string) []virtual.Region {
	ctx := context.Background()
	key := extractionKey(language, text)

	if data, ok, err := m.cache.Get(ctx, key); err == nil && ok {
		var regions []virtual.Region
		if err := json.Unmarshal(data, &regions); err == nil {
			return regions
		}
	}

	regions := m.inner.Detect(language, text)
	if data, err := json.Marshal(regions); err == nil {
		if err := m.cache.Set(ctx, key, data, m.ttl); err != nil {
			m.log.Debug("extraction cache set failed", "error", err)
		}
	}
	return regions
}

func extractionKey(language, text string) string {
	h := fnv.New64a()
	h.Write([]byte(language))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return fmt.Sprintf("extract:%x", h.Sum64())
}
