// Package respcache is an in-memory cache of completed inference responses,
// keyed by a normalized fingerprint of the request. Entries carry a sliding
// TTL; capacity is bounded by entry count with LRU eviction on insert.
package respcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/modelmux/modelmux/pkg/types"
)

type entry struct {
	response  types.InferenceResponse
	expiresAt time.Time
}

type Cache struct {
	mu  sync.Mutex
	lru *lru.Cache[string, *entry]
	ttl time.Duration
	now func() time.Time
}

func New(maxEntries int, ttl time.Duration) (*Cache, error) {
	inner, err := lru.New[string, *entry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("creating response cache: %w", err)
	}
	return &Cache{lru: inner, ttl: ttl, now: time.Now}, nil
}

// Get returns the cached response for the fingerprint, if present and fresh.
// A hit slides the TTL forward.
func (c *Cache) Get(fingerprint string) (types.InferenceResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(fingerprint)
	if !ok {
		return types.InferenceResponse{}, false
	}
	if c.now().After(e.expiresAt) {
		c.lru.Remove(fingerprint)
		return types.InferenceResponse{}, false
	}
	e.expiresAt = c.now().Add(c.ttl)
	resp := e.response
	resp.Cached = true
	return resp, true
}

// Put stores a response. Writes are idempotent per fingerprint; inserting
// above capacity evicts the least recently used entry.
func (c *Cache) Put(fingerprint string, resp types.InferenceResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(fingerprint, &entry{response: resp, expiresAt: c.now().Add(c.ttl)})
}

// Len reports the number of live entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Fingerprint hashes the semantically relevant request fields. Prompts are
// whitespace-normalized and the temperature rounded to one decimal so
// trivially different requests share an entry.
func Fingerprint(req *types.InferenceRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%.1f\x00%d\x00%s",
		req.ModelID,
		NormalizeWhitespace(req.Prompt),
		NormalizeWhitespace(req.SystemPrompt),
		req.Temperature,
		req.MaxTokens,
		req.PromptType,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeWhitespace collapses runs of whitespace into single spaces and
// trims the ends. Idempotent.
func NormalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
