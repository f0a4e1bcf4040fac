package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/lorekeep/lorekeep/pkg/models"
)

type localLog struct {
	messages  []models.MemoryMessage
	expiresAt time.Time
}

type localPref struct {
	pref      models.Preference
	expiresAt time.Time
}

// LocalStore is the in-process Store used for tests, sandbox runs, and
// single-instance deployments.
//
// A single mutex guards the whole map; appends within one (session, npc)
// scope are therefore atomic and ordered.
type LocalStore struct {
	mu    sync.Mutex
	logs  map[string]*localLog
	prefs map[string]*localPref

	ttl         time.Duration
	maxMessages int
	maxChars    int

	now func() time.Time
}

// LocalOption customizes a LocalStore.
type LocalOption func(*LocalStore)

// WithTTL overrides the default 24h record TTL.
func WithTTL(ttl time.Duration) LocalOption {
	return func(s *LocalStore) { s.ttl = ttl }
}

// WithBounds overrides the message count and character bounds.
func WithBounds(maxMessages, maxChars int) LocalOption {
	return func(s *LocalStore) {
		s.maxMessages = maxMessages
		s.maxChars = maxChars
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) LocalOption {
	return func(s *LocalStore) { s.now = now }
}

// NewLocalStore creates an in-process session memory store.
func NewLocalStore(opts ...LocalOption) *LocalStore {
	s := &LocalStore{
		logs:        make(map[string]*localLog),
		prefs:       make(map[string]*localPref),
		ttl:         DefaultTTL,
		maxMessages: DefaultMaxMessages,
		maxChars:    DefaultMaxChars,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LocalStore) AppendMessage(ctx context.Context, scope Scope, msg models.MemoryMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := scope.Key()
	log := s.logs[key]
	if log == nil || now.After(log.expiresAt) {
		log = &localLog{}
		s.logs[key] = log
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	log.messages = trimOldest(append(log.messages, msg), s.maxMessages, s.maxChars)
	log.expiresAt = now.Add(s.ttl)
	return nil
}

func (s *LocalStore) RecentMessages(ctx context.Context, scope Scope, limit, maxChars int) ([]models.MemoryMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[scope.Key()]
	if log == nil || s.now().After(log.expiresAt) {
		return nil, nil
	}

	messages := log.messages
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	messages = trimOldest(messages, 0, maxChars)

	out := make([]models.MemoryMessage, len(messages))
	copy(out, messages)
	return out, nil
}

func (s *LocalStore) ClearSession(ctx context.Context, tenantID, siteID, sessionID, npcID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scope := Scope{TenantID: tenantID, SiteID: siteID, SessionID: sessionID, NPCID: npcID}
	if npcID != "" {
		delete(s.logs, scope.Key())
		return nil
	}
	prefix := scope.SessionPrefix()
	for key := range s.logs {
		if strings.HasPrefix(key, prefix) {
			delete(s.logs, key)
		}
	}
	return nil
}

func (s *LocalStore) SessionSummary(ctx context.Context, scope Scope, max int) (models.SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary := models.SessionSummary{SessionID: scope.SessionID}
	log := s.logs[scope.Key()]
	if log == nil || s.now().After(log.expiresAt) || len(log.messages) == 0 {
		return summary, nil
	}

	summary.MessageCount = len(log.messages)
	summary.FirstMessageAt = log.messages[0].Timestamp
	summary.LastMessageAt = log.messages[len(log.messages)-1].Timestamp

	recent := log.messages
	if max > 0 && len(recent) > max {
		recent = recent[len(recent)-max:]
	}
	summary.RecentMessages = make([]models.MemoryMessage, len(recent))
	copy(summary.RecentMessages, recent)
	return summary, nil
}

func (s *LocalStore) Preference(ctx context.Context, tenantID, siteID, userID string) (models.Preference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.prefs[PreferenceKey(tenantID, siteID, userID)]
	if entry == nil || s.now().After(entry.expiresAt) {
		return models.Preference{}, nil
	}
	return entry.pref, nil
}

func (s *LocalStore) UpdatePreference(ctx context.Context, tenantID, siteID, userID string, pref models.Preference) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prefs[PreferenceKey(tenantID, siteID, userID)] = &localPref{
		pref:      pref,
		expiresAt: s.now().Add(s.ttl),
	}
	return nil
}

func (s *LocalStore) AddInterestTag(ctx context.Context, tenantID, siteID, userID, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := PreferenceKey(tenantID, siteID, userID)
	entry := s.prefs[key]
	if entry == nil || now.After(entry.expiresAt) {
		entry = &localPref{}
		s.prefs[key] = entry
	}
	for _, existing := range entry.pref.InterestTags {
		if existing == tag {
			entry.expiresAt = now.Add(s.ttl)
			return nil
		}
	}
	entry.pref.InterestTags = append(entry.pref.InterestTags, tag)
	entry.expiresAt = now.Add(s.ttl)
	return nil
}
