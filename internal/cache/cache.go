// Package cache provides a fingerprint-keyed response cache so that
// identical requests can be answered without another provider call.
package cache

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/modelmux/modelmux/internal/types"
)

const (
	defaultTTL        = time.Hour
	defaultMaxEntries = 10_000
	bufferItems       = 64
)

// fingerprintInput is the canonical form hashed into a cache key.
// Field order matters for a stable serialization.
type fingerprintInput struct {
	Messages    []types.Message `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
	TaskType    types.TaskType  `json:"task_type"`
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// ResponseCache stores completed responses keyed by a keyed BLAKE2b
// fingerprint of the request. Safe for concurrent use.
type ResponseCache struct {
	store  *ristretto.Cache[string, *types.Response]
	secret []byte
	ttl    time.Duration
	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates a ResponseCache. A zero ttl or maxEntries falls back to the
// defaults. An empty secret gets a random per-process one, which still
// isolates cache keys between restarts.
func New(secret string, ttl time.Duration, maxEntries int64) (*ResponseCache, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
	}
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(key)
		key = sum[:]
	}

	store, err := ristretto.NewCache(&ristretto.Config[string, *types.Response]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: bufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &ResponseCache{store: store, secret: key, ttl: ttl}, nil
}

// Key computes the fingerprint for a request.
func (c *ResponseCache) Key(req *types.Request) (string, error) {
	payload, err := json.Marshal(fingerprintInput{
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TaskType:    req.TaskType,
	})
	if err != nil {
		return "", err
	}
	h, err := blake2b.New256(c.secret)
	if err != nil {
		return "", err
	}
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Get returns the cached response for key, marked as a cache hit, or
// (nil, false). The returned response is a copy so callers can mutate it.
func (c *ResponseCache) Get(key string) (*types.Response, bool) {
	cached, found := c.store.Get(key)
	if !found {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	resp := *cached
	resp.Cached = true
	return &resp, true
}

// Put stores a response under key with the cache TTL. Streaming and
// failed responses are never cached; that is the caller's contract.
func (c *ResponseCache) Put(key string, resp *types.Response) {
	if resp == nil {
		return
	}
	stored := *resp
	c.store.SetWithTTL(key, &stored, 1, c.ttl)
}

// Wait blocks until buffered writes are applied. Tests use it to make
// Put visible before the next Get.
func (c *ResponseCache) Wait() {
	c.store.Wait()
}

// Stats reports hit and miss counts since startup.
func (c *ResponseCache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	s := Stats{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

// Close releases the underlying cache resources.
func (c *ResponseCache) Close() {
	c.store.Close()
}
