// Package snapshot keeps the last-known state of open conversations in
// Redis so a client that starts disconnected, or loses its channel, can
// still render messages and presence.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradepost/chatsync/internal/chat"
)

const (
	// DefaultPrefix namespaces every key written by the store.
	DefaultPrefix = "chatsync:"

	// DefaultTTL bounds how long an untouched snapshot is kept.
	DefaultTTL = 24 * time.Hour

	conversationSegment = "conv:"
	presenceSegment     = "presence"
)

// Config holds key naming and expiry. Prefix should include the user id
// when several accounts share one Redis.
type Config struct {
	Prefix string
	TTL    time.Duration
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return Config{Prefix: DefaultPrefix, TTL: DefaultTTL}
}

// Conversation is a saved message list.
type Conversation struct {
	ConversationID string
	Messages       []chat.Message
	SavedAt        time.Time
}

// conversationHash is the Redis hash layout of a conversation snapshot.
type conversationHash struct {
	ID       string `redis:"id"`
	Messages string `redis:"messages"` // JSON array
	Count    int    `redis:"count"`
	SavedAt  int64  `redis:"saved_at"` // unix millis
}

// Store reads and writes snapshots.
type Store struct {
	rdb    *redis.Client
	config Config
}

// Dial connects to Redis at addr and verifies the connection.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("snapshot: redis connection failed: %w", err)
	}
	return client, nil
}

// NewStore creates a Store on an existing client.
func NewStore(rdb *redis.Client, config Config) *Store {
	if config.Prefix == "" {
		config.Prefix = DefaultPrefix
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	return &Store{rdb: rdb, config: config}
}

func (s *Store) conversationKey(conversationID string) string {
	return s.config.Prefix + conversationSegment + conversationID
}

func (s *Store) presenceKey() string {
	return s.config.Prefix + presenceSegment
}

// SaveConversation replaces the conversation's snapshot. Optimistic
// entries are not saved; they belong to this process only.
func (s *Store) SaveConversation(ctx context.Context, conversationID string, msgs []chat.Message, savedAt time.Time) error {
	kept := make([]chat.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Origin != chat.OriginOptimistic {
			kept = append(kept, m)
		}
	}
	data, err := json.Marshal(kept)
	if err != nil {
		return fmt.Errorf("snapshot: marshal %s: %w", conversationID, err)
	}

	key := s.conversationKey(conversationID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":       conversationID,
		"messages": string(data),
		"count":    len(kept),
		"saved_at": savedAt.UnixMilli(),
	})
	pipe.Expire(ctx, key, s.config.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("snapshot: save %s: %w", conversationID, err)
	}
	return nil
}

// LoadConversation returns the saved snapshot, or nil when none exists.
func (s *Store) LoadConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	var h conversationHash
	if err := s.rdb.HGetAll(ctx, s.conversationKey(conversationID)).Scan(&h); err != nil {
		return nil, fmt.Errorf("snapshot: load %s: %w", conversationID, err)
	}
	if h.ID == "" {
		return nil, nil
	}

	var msgs []chat.Message
	if err := json.Unmarshal([]byte(h.Messages), &msgs); err != nil {
		return nil, fmt.Errorf("snapshot: decode %s: %w", conversationID, err)
	}
	return &Conversation{
		ConversationID: h.ID,
		Messages:       msgs,
		SavedAt:        time.UnixMilli(h.SavedAt),
	}, nil
}

// DeleteConversation removes a conversation's snapshot.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	return s.rdb.Del(ctx, s.conversationKey(conversationID)).Err()
}

// SavePresence merges entries into the presence hash and refreshes its
// TTL.
func (s *Store) SavePresence(ctx context.Context, entries map[string]bool) error {
	if len(entries) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(entries))
	for id, online := range entries {
		fields[id] = boolField(online)
	}

	key := s.presenceKey()
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, s.config.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("snapshot: save presence: %w", err)
	}
	return nil
}

// LoadPresence returns every saved presence entry.
func (s *Store) LoadPresence(ctx context.Context) (map[string]bool, error) {
	raw, err := s.rdb.HGetAll(ctx, s.presenceKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("snapshot: load presence: %w", err)
	}
	out := make(map[string]bool, len(raw))
	for id, v := range raw {
		out[id] = v == "1"
	}
	return out, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
