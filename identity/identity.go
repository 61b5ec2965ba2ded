// Package identity derives the per-tab widget instance id and the cache key
// that joins a tab's persisted conversation to its live connection.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/NeboLoop/chatwidget-go-sdk/storage"
)

const (
	// InstanceKey is the tab-scoped storage key holding the instance id.
	InstanceKey = "chat_widget_instance_id"
	// AnonymousUser stands in for a missing user id.
	AnonymousUser = "anon"

	cacheKeyPrefix = "chat_cache_"
)

// Instance identifies one widget mount: a bot, a user and a tab.
type Instance struct {
	BotID      string
	UserID     string
	InstanceID string
	CacheKey   string
}

// New resolves the tab's instance id from tabStore and derives the cache key.
func New(ctx context.Context, tabStore storage.Store, botID, userID string) (Instance, error) {
	instanceID, err := EnsureInstanceID(ctx, tabStore)
	if err != nil {
		return Instance{}, err
	}
	return Instance{
		BotID:      botID,
		UserID:     userID,
		InstanceID: instanceID,
		CacheKey:   DeriveCacheKey(botID, userID, instanceID),
	}, nil
}

// EnsureInstanceID returns the instance id stored in tabStore, generating and
// storing a new one on first use.
func EnsureInstanceID(ctx context.Context, tabStore storage.Store) (string, error) {
	id, ok, err := tabStore.Get(ctx, InstanceKey)
	if err != nil {
		return "", fmt.Errorf("read instance id: %w", err)
	}
	if ok && id != "" {
		return id, nil
	}

	id = uuid.NewString()
	if err := tabStore.Set(ctx, InstanceKey, id); err != nil {
		return "", fmt.Errorf("store instance id: %w", err)
	}
	return id, nil
}

// DeriveCacheKey builds chat_cache_<bot>_<user>_<instance>. An empty user id
// becomes "anon". Components are escaped so that no two distinct inputs map
// to the same key.
func DeriveCacheKey(botID, userID, instanceID string) string {
	if userID == "" {
		userID = AnonymousUser
	}
	return cacheKeyPrefix + escape(botID) + "_" + escape(userID) + "_" + escape(instanceID)
}

var keyEscaper = strings.NewReplacer("%", "%25", "_", "%5F")

func escape(s string) string {
	return keyEscaper.Replace(s)
}

// UserIDFromToken returns the subject claim of a widget token. The signature
// is not checked: the gateway verifies tokens, the widget only needs to know
// whose conversation it is caching.
func UserIDFromToken(token string) (string, error) {
	if token == "" {
		return "", errors.New("identity: empty token")
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("identity: parse token: %w", err)
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("identity: read subject: %w", err)
	}
	return sub, nil
}
