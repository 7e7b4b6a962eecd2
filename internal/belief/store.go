// Package belief provides the typed client over the agents' shared key-value memory.
//
// Durability and TTL expiry belong to the backend. The core only observes
// expiry as ErrNotFound.
package belief

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned for missing or expired keys.
var ErrNotFound = errors.New("belief not found")

// Entry is one key-value write. A zero TTL never expires.
type Entry struct {
	Key   string
	Value string
	TTL   time.Duration
}

// Store is the persistence boundary.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// BatchGet returns the values that exist; missing keys are omitted.
	BatchGet(ctx context.Context, keys []string) (map[string]string, error)
	BatchSet(ctx context.Context, entries []Entry) error
}

// Client is a namespaced, typed accessor over a Store.
type Client struct {
	store  Store
	prefix string
}

// NewClient creates a client. Keys are stored as prefix + key when prefix is set.
func NewClient(store Store, prefix string) *Client {
	return &Client{store: store, prefix: prefix}
}

// WithPrefix returns a client sharing the store under another namespace.
func (c *Client) WithPrefix(prefix string) *Client {
	return &Client{store: c.store, prefix: prefix}
}

func (c *Client) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + "/" + k
}

// Get reads a single string value.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	return c.store.Get(ctx, c.key(key))
}

// Set writes a single string value.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.store.Set(ctx, c.key(key), value, ttl)
}

// Read fetches keys in one round trip and returns them unprefixed.
// Missing keys are omitted.
func (c *Client) Read(ctx context.Context, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}
	full := make([]string, len(keys))
	back := make(map[string]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
		back[full[i]] = k
	}
	got, err := c.store.BatchGet(ctx, full)
	if err != nil {
		return nil, fmt.Errorf("batch get beliefs: %w", err)
	}
	out := make(map[string]string, len(got))
	for k, v := range got {
		out[back[k]] = v
	}
	return out, nil
}

// Write stores entries in one round trip.
func (c *Client) Write(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	full := make([]Entry, len(entries))
	for i, e := range entries {
		full[i] = Entry{Key: c.key(e.Key), Value: e.Value, TTL: e.TTL}
	}
	if err := c.store.BatchSet(ctx, full); err != nil {
		return fmt.Errorf("batch set beliefs: %w", err)
	}
	return nil
}

// GetJSON decodes a JSON value into v.
func (c *Client) GetJSON(ctx context.Context, key string, v any) error {
	raw, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode belief %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes v as JSON and stores it.
func (c *Client) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode belief %s: %w", key, err)
	}
	return c.Set(ctx, key, string(raw), ttl)
}
