package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lorekeep/lorekeep/pkg/models"
)

// RedisStore is the shared Store for multi-instance deployments. Message
// logs are Redis lists of JSON messages; the list push and trim keep
// appends ordered without process-local locking. Preference records are
// plain JSON values.
type RedisStore struct {
	client *redis.Client

	ttl         time.Duration
	maxMessages int
	maxChars    int
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:      client,
		ttl:         DefaultTTL,
		maxMessages: DefaultMaxMessages,
		maxChars:    DefaultMaxChars,
	}
}

func (s *RedisStore) AppendMessage(ctx context.Context, scope Scope, msg models.MemoryMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	key := scope.Key()
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, int64(-s.maxMessages), -1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *RedisStore) RecentMessages(ctx context.Context, scope Scope, limit, maxChars int) ([]models.MemoryMessage, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := s.client.LRange(ctx, scope.Key(), start, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read messages: %w", err)
	}

	messages := make([]models.MemoryMessage, 0, len(raw))
	for _, item := range raw {
		var msg models.MemoryMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	return trimOldest(messages, 0, maxChars), nil
}

func (s *RedisStore) ClearSession(ctx context.Context, tenantID, siteID, sessionID, npcID string) error {
	scope := Scope{TenantID: tenantID, SiteID: siteID, SessionID: sessionID, NPCID: npcID}
	if npcID != "" {
		return s.client.Del(ctx, scope.Key()).Err()
	}

	pattern := scope.SessionPrefix() + "*"
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (s *RedisStore) SessionSummary(ctx context.Context, scope Scope, max int) (models.SessionSummary, error) {
	summary := models.SessionSummary{SessionID: scope.SessionID}

	messages, err := s.RecentMessages(ctx, scope, 0, 0)
	if err != nil {
		return summary, err
	}
	if len(messages) == 0 {
		return summary, nil
	}

	summary.MessageCount = len(messages)
	summary.FirstMessageAt = messages[0].Timestamp
	summary.LastMessageAt = messages[len(messages)-1].Timestamp

	if max > 0 && len(messages) > max {
		messages = messages[len(messages)-max:]
	}
	summary.RecentMessages = messages
	return summary, nil
}

func (s *RedisStore) Preference(ctx context.Context, tenantID, siteID, userID string) (models.Preference, error) {
	data, err := s.client.Get(ctx, PreferenceKey(tenantID, siteID, userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.Preference{}, nil
		}
		return models.Preference{}, fmt.Errorf("read preference: %w", err)
	}

	var pref models.Preference
	if err := json.Unmarshal([]byte(data), &pref); err != nil {
		return models.Preference{}, fmt.Errorf("unmarshal preference: %w", err)
	}
	return pref, nil
}

func (s *RedisStore) UpdatePreference(ctx context.Context, tenantID, siteID, userID string, pref models.Preference) error {
	data, err := json.Marshal(pref)
	if err != nil {
		return fmt.Errorf("marshal preference: %w", err)
	}
	return s.client.Set(ctx, PreferenceKey(tenantID, siteID, userID), data, s.ttl).Err()
}

func (s *RedisStore) AddInterestTag(ctx context.Context, tenantID, siteID, userID, tag string) error {
	pref, err := s.Preference(ctx, tenantID, siteID, userID)
	if err != nil {
		return err
	}
	for _, existing := range pref.InterestTags {
		if existing == tag {
			return nil
		}
	}
	pref.InterestTags = append(pref.InterestTags, tag)
	return s.UpdatePreference(ctx, tenantID, siteID, userID, pref)
}
