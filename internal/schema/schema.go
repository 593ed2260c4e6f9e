// Package schema resolves the signal schema of a device from the shared store.
package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/SkynetNext/iot-gateway/internal/logger"
	"github.com/SkynetNext/iot-gateway/internal/metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// Kind is the value type of a signal
type Kind int

const (
	KindText Kind = iota
	KindNumeric
)

// String returns the kind name
func (k Kind) String() string {
	if k == KindNumeric {
		return "numeric"
	}
	return "text"
}

// Signal is one schema entry as stored in the signal:{uid}:{code} list
type Signal struct {
	Name      string `json:"name"`
	CacheSize int    `json:"cache_size"`
	ID        int64  `json:"ID"`
	Type      string `json:"type"`
}

// Mapping tells the storage pipeline where and how to store one signal
type Mapping struct {
	TargetID  int64
	Kind      Kind
	CacheSize int
}

// KindOf maps a stored type label to a Kind.
// "数字" (digit) is the label written by the device management console.
func KindOf(label string) Kind {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "数字", "numeric", "number":
		return KindNumeric
	default:
		return KindText
	}
}

// Key returns the store key of the signal list of a device
func Key(deviceUID, code string) string {
	return "signal:" + deviceUID + ":" + code
}

// Lister reads a whole list from the shared store
type Lister interface {
	ListAll(ctx context.Context, key string) ([]string, error)
}

// Resolver resolves signal schemas, optionally through a bounded TTL cache
type Resolver struct {
	store Lister
	cache *expirable.LRU[string, map[string]Mapping]
}

// NewResolver creates a resolver. A ttl of 0 disables caching.
func NewResolver(store Lister, ttl time.Duration, size int) *Resolver {
	r := &Resolver{store: store}
	if ttl > 0 && size > 0 {
		r.cache = expirable.NewLRU[string, map[string]Mapping](size, nil, ttl)
	}
	return r
}

// Resolve returns the mapping of signal name to Mapping for one device.
// Corrupt entries are logged and skipped; no entries yields an empty map.
func (r *Resolver) Resolve(ctx context.Context, deviceUID, code string) (map[string]Mapping, error) {
	key := Key(deviceUID, code)

	if r.cache != nil {
		if m, ok := r.cache.Get(key); ok {
			metrics.SchemaCacheHits.WithLabelValues("hit").Inc()
			return m, nil
		}
		metrics.SchemaCacheHits.WithLabelValues("miss").Inc()
	}

	entries, err := r.store.ListAll(ctx, key)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("list_signals").Inc()
		return nil, fmt.Errorf("failed to read schema %s: %w", key, err)
	}

	m := Parse(key, entries)
	if r.cache != nil {
		r.cache.Add(key, m)
	}
	return m, nil
}

// Parse decodes the raw list entries of key
func Parse(key string, entries []string) map[string]Mapping {
	m := make(map[string]Mapping, len(entries))
	for _, raw := range entries {
		var s Signal
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			logger.L.Error("skipping corrupt signal entry",
				zap.String("key", key),
				zap.String("entry", raw),
				zap.Error(err),
			)
			continue
		}
		m[s.Name] = Mapping{
			TargetID:  s.ID,
			Kind:      KindOf(s.Type),
			CacheSize: s.CacheSize,
		}
	}
	return m
}
