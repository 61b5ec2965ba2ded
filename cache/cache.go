// Package cache keeps the last-known conversation snapshot per cache key.
// The cache is an optimization: any failure degrades to starting fresh.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/NeboLoop/chatwidget-go-sdk/conversation"
	"github.com/NeboLoop/chatwidget-go-sdk/storage"
)

const ioTimeout = 2 * time.Second

// Cache reads and writes conversation snapshots in a storage.Store.
type Cache struct {
	store  storage.Store
	logger *slog.Logger
}

// New creates a cache over store. Pass nil logger for default.
func New(store storage.Store, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:  store,
		logger: logger.With("component", "cache"),
	}
}

// Load returns the snapshot stored under key, or an empty state on a miss or
// any read/decode error.
func (c *Cache) Load(key string) conversation.State {
	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()

	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache read failed, starting fresh", "key", key, "error", err)
		return conversation.EmptyState()
	}
	if !ok {
		c.logger.Debug("cache miss", "key", key)
		return conversation.EmptyState()
	}

	var st conversation.State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		c.logger.Warn("cache entry unreadable, starting fresh", "key", key, "error", err)
		return conversation.EmptyState()
	}
	if st.Messages == nil {
		st.Messages = []conversation.Message{}
	}
	if st.TypingSender == "" {
		st.TypingSender = conversation.TypingNone
	}
	if st.ConnectionStatus == "" {
		st.ConnectionStatus = conversation.ConnectionDisconnected
	}
	return st
}

// Save writes the snapshot under key. Errors are logged and dropped.
func (c *Cache) Save(key string, st conversation.State) {
	data, err := json.Marshal(st)
	if err != nil {
		c.logger.Warn("cache encode failed", "key", key, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()
	if err := c.store.Set(ctx, key, string(data)); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

// Clear drops the snapshot stored under key.
func (c *Cache) Clear(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()
	if err := c.store.Delete(ctx, key); err != nil {
		c.logger.Warn("cache clear failed", "key", key, "error", err)
	}
}
