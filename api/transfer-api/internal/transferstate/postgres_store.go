// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_transferstate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rapidaai/callbridge/pkg/commons"
	"github.com/rapidaai/callbridge/pkg/connectors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type postgresStore struct {
	postgres connectors.PostgresConnector
	logger   commons.Logger
	now      func() time.Time
}

type PostgresStoreOption func(*postgresStore)

func WithPostgresClock(now func() time.Time) PostgresStoreOption {
	return func(s *postgresStore) { s.now = now }
}

// NewPostgresStore creates a Store backed by the transfer_sessions and
// transfer_events tables.
//
// Conditional transitions are a single UPDATE ... WHERE status = ? whose
// RowsAffected decides the winner, so no row lock is held while the caller
// talks to the provider.
func NewPostgresStore(logger commons.Logger, postgres connectors.PostgresConnector, opts ...PostgresStoreOption) Store {
	s := &postgresStore{
		postgres: postgres,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *postgresStore) Create(ctx context.Context, session *Session) error {
	now := s.now()
	if err := prepareCreate(session, now); err != nil {
		return err
	}
	err := s.postgres.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Session
		query := tx.Where("session_key = ?", session.SessionKey)
		if tx.Dialector.Name() == "postgres" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		err := query.Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		default:
			if !existing.Status.IsTerminal() && !existing.Expired(now) {
				return ErrSessionExists
			}
			if err := tx.Where("session_key = ?", session.SessionKey).Delete(&Session{}).Error; err != nil {
				return err
			}
		}
		return tx.Create(session).Error
	})
	if err != nil {
		if errors.Is(err, ErrSessionExists) || errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrSessionExists
		}
		return fmt.Errorf("failed to create transfer session %s: %w", session.SessionKey, err)
	}
	s.logger.Debugf("created transfer session: key=%s, session=%s, status=%s",
		session.SessionKey, session.SessionID, session.Status)
	return nil
}

func (s *postgresStore) Get(ctx context.Context, key Key) (*Session, error) {
	var session Session
	err := s.postgres.DB(ctx).
		Where("session_key = ? AND expires_at > ?", key, s.now()).
		Take(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read transfer session %s: %w", key, err)
	}
	return &session, nil
}

func (s *postgresStore) Transition(ctx context.Context, from Status, next *Session) error {
	if err := validateTransition(from, next); err != nil {
		return err
	}
	now := s.now()
	next.UpdatedAt = now
	db := s.postgres.DB(ctx)
	result := db.Model(&Session{}).
		Where("session_key = ? AND session_id = ? AND status = ? AND expires_at > ?",
			next.SessionKey, next.SessionID, from, now).
		Updates(map[string]interface{}{
			"status":            next.Status,
			"transferee_leg_id": next.TransfereeLegID,
			"agent_leg_id":      next.AgentLegID,
			"conference_id":     next.ConferenceID,
			"target_label":      next.TargetLabel,
			"conversation_ref":  next.ConversationRef,
			"agent_name":        next.AgentName,
			"caller_muted":      next.CallerMuted,
			"updated_at":        now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to transition transfer session %s: %w", next.SessionKey, result.Error)
	}
	if result.RowsAffected == 0 {
		// distinguish a lost race from a session that is gone
		var count int64
		if err := db.Model(&Session{}).
			Where("session_key = ? AND expires_at > ?", next.SessionKey, now).
			Count(&count).Error; err != nil {
			return fmt.Errorf("failed to inspect transfer session %s: %w", next.SessionKey, err)
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrStaleTransition
	}
	s.logger.Debugf("transitioned transfer session: key=%s, %s -> %s", next.SessionKey, from, next.Status)
	return nil
}

func (s *postgresStore) Release(ctx context.Context, key Key, sessionID string) error {
	result := s.postgres.DB(ctx).
		Where("session_key = ? AND session_id = ? AND status = ?", key, sessionID, StatusHolding).
		Delete(&Session{})
	if result.Error != nil {
		return fmt.Errorf("failed to release transfer session %s: %w", key, result.Error)
	}
	s.logger.Debugf("released transfer claim: key=%s, session=%s, removed=%d", key, sessionID, result.RowsAffected)
	return nil
}

func (s *postgresStore) Append(ctx context.Context, e *Event) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = s.now()
	}
	if err := s.postgres.DB(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("failed to append transfer event for %s: %w", e.SessionKey, err)
	}
	e.Sequence = strconv.FormatUint(e.Id, 10)
	return nil
}

func (s *postgresStore) Events(ctx context.Context, key Key) ([]Event, error) {
	var events []Event
	if err := s.postgres.DB(ctx).
		Where("session_key = ?", key).
		Order("id ASC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to read transfer events for %s: %w", key, err)
	}
	for i := range events {
		events[i].Sequence = strconv.FormatUint(events[i].Id, 10)
	}
	return events, nil
}
