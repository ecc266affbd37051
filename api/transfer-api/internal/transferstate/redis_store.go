// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_transferstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rapidaai/callbridge/pkg/commons"
	"github.com/rapidaai/callbridge/pkg/connectors"
	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix = "{transfer}:session:"
	eventsKeyPrefix  = "{transfer}:events:"
)

// createScript writes a new session unless a non-terminal one holds the key.
//
// KEYS[1] = session hash
// ARGV[1] = status, ARGV[2] = session json, ARGV[3] = ttl ms, ARGV[4] = session id
// ARGV[5..] = terminal statuses
var createScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
if current then
	local terminal = false
	for i = 5, #ARGV do
		if current == ARGV[i] then terminal = true end
	end
	if not terminal then return 0 end
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'data', ARGV[2], 'session_id', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// transitionScript compares the stored status and claim id and rewrites the
// session in place. HSET keeps the existing TTL.
//
// KEYS[1] = session hash
// ARGV[1] = expected status, ARGV[2] = next status, ARGV[3] = session json,
// ARGV[4] = session id
var transitionScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
if not current then return -1 end
if current ~= ARGV[1] then return 0 end
if redis.call('HGET', KEYS[1], 'session_id') ~= ARGV[4] then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'data', ARGV[3])
return 1
`)

// releaseScript deletes a claim only while it is still the same holding claim.
//
// KEYS[1] = session hash
// ARGV[1] = holding status, ARGV[2] = session id
var releaseScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
local sid = redis.call('HGET', KEYS[1], 'session_id')
if current == ARGV[1] and sid == ARGV[2] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

type redisStore struct {
	redis        connectors.RedisConnector
	logger       commons.Logger
	eventsMaxLen int64
	now          func() time.Time
}

type RedisStoreOption func(*redisStore)

// WithEventsMaxLen trims each event stream to roughly n entries. Zero keeps everything.
func WithEventsMaxLen(n int64) RedisStoreOption {
	return func(s *redisStore) { s.eventsMaxLen = n }
}

func WithRedisClock(now func() time.Time) RedisStoreOption {
	return func(s *redisStore) { s.now = now }
}

// NewRedisStore creates a Store backed by a Redis hash per session and a
// Redis stream per session key for events.
func NewRedisStore(logger commons.Logger, redis connectors.RedisConnector, opts ...RedisStoreOption) Store {
	s := &redisStore{
		redis:  redis,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *redisStore) Create(ctx context.Context, session *Session) error {
	now := s.now()
	if err := prepareCreate(session, now); err != nil {
		return err
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode transfer session %s: %w", session.SessionKey, err)
	}
	ttl := session.ExpiresAt.Sub(now)
	args := []interface{}{
		string(session.Status), data, ttl.Milliseconds(), session.SessionID,
		string(StatusBridged), string(StatusDeclined), string(StatusCancelled),
	}
	created, err := createScript.Run(ctx, s.redis.GetConnection(), []string{sessionKeyPrefix + session.SessionKey.String()}, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to create transfer session %s: %w", session.SessionKey, err)
	}
	if created == 0 {
		return ErrSessionExists
	}
	s.logger.Debugf("created transfer session: key=%s, session=%s, status=%s, ttl=%s",
		session.SessionKey, session.SessionID, session.Status, ttl)
	return nil
}

func (s *redisStore) Get(ctx context.Context, key Key) (*Session, error) {
	data, err := s.redis.GetConnection().HGet(ctx, sessionKeyPrefix+key.String(), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read transfer session %s: %w", key, err)
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to decode transfer session %s: %w", key, err)
	}
	if session.Expired(s.now()) {
		return nil, ErrNotFound
	}
	return &session, nil
}

func (s *redisStore) Transition(ctx context.Context, from Status, next *Session) error {
	if err := validateTransition(from, next); err != nil {
		return err
	}
	if next.Expired(s.now()) {
		return ErrNotFound
	}
	next.UpdatedAt = s.now()
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode transfer session %s: %w", next.SessionKey, err)
	}
	res, err := transitionScript.Run(ctx, s.redis.GetConnection(),
		[]string{sessionKeyPrefix + next.SessionKey.String()},
		string(from), string(next.Status), data, next.SessionID).Int()
	if err != nil {
		return fmt.Errorf("failed to transition transfer session %s: %w", next.SessionKey, err)
	}
	switch res {
	case -1:
		return ErrNotFound
	case 0:
		return ErrStaleTransition
	}
	s.logger.Debugf("transitioned transfer session: key=%s, %s -> %s", next.SessionKey, from, next.Status)
	return nil
}

func (s *redisStore) Release(ctx context.Context, key Key, sessionID string) error {
	n, err := releaseScript.Run(ctx, s.redis.GetConnection(),
		[]string{sessionKeyPrefix + key.String()}, string(StatusHolding), sessionID).Int()
	if err != nil {
		return fmt.Errorf("failed to release transfer session %s: %w", key, err)
	}
	s.logger.Debugf("released transfer claim: key=%s, session=%s, removed=%d", key, sessionID, n)
	return nil
}

func (s *redisStore) Append(ctx context.Context, e *Event) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = s.now()
	}
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("failed to encode event detail: %w", err)
	}
	from := ""
	if e.FromState != nil {
		from = string(*e.FromState)
	}
	args := &redis.XAddArgs{
		Stream: eventsKeyPrefix + e.SessionKey.String(),
		Values: map[string]interface{}{
			"session_id":  e.SessionID,
			"from_state":  from,
			"to_state":    string(e.ToState),
			"actor":       string(e.Actor),
			"detail":      string(detail),
			"recorded_at": e.RecordedAt.Format(time.RFC3339Nano),
		},
	}
	if s.eventsMaxLen > 0 {
		args.MaxLen = s.eventsMaxLen
		args.Approx = true
	}
	id, err := s.redis.GetConnection().XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to append transfer event for %s: %w", e.SessionKey, err)
	}
	e.Sequence = id
	return nil
}

func (s *redisStore) Events(ctx context.Context, key Key) ([]Event, error) {
	msgs, err := s.redis.GetConnection().XRange(ctx, eventsKeyPrefix+key.String(), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read transfer events for %s: %w", key, err)
	}
	events := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		e := Event{Sequence: msg.ID, SessionKey: key}
		e.SessionID = stringValue(msg.Values["session_id"])
		if from := stringValue(msg.Values["from_state"]); from != "" {
			e.FromState = StatusPtr(Status(from))
		}
		e.ToState = Status(stringValue(msg.Values["to_state"]))
		e.Actor = Actor(stringValue(msg.Values["actor"]))
		if raw := stringValue(msg.Values["detail"]); raw != "" && raw != "null" {
			if err := json.Unmarshal([]byte(raw), &e.Detail); err != nil {
				s.logger.Warnw("skipping undecodable event detail", "key", key, "id", msg.ID, "error", err)
			}
		}
		if ts, err := time.Parse(time.RFC3339Nano, stringValue(msg.Values["recorded_at"])); err == nil {
			e.RecordedAt = ts
		}
		events = append(events, e)
	}
	return events, nil
}

func stringValue(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
