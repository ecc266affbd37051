// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_transferstate

import (
	"context"
	"fmt"
	"time"

	internal_type "github.com/rapidaai/callbridge/api/transfer-api/internal/type"
	"github.com/rapidaai/callbridge/pkg/commons"
	"github.com/rapidaai/callbridge/pkg/connectors"
	"gorm.io/gorm/clause"
)

const commandKeyPrefix = "{transfer}:cmd:"

// CommandRecord is a reserved provider-command idempotency key.
type CommandRecord struct {
	Key       string    `gorm:"column:command_key;type:varchar(512);primaryKey"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null;index"`
}

func (CommandRecord) TableName() string {
	return "transfer_commands"
}

type redisLedger struct {
	redis  connectors.RedisConnector
	logger commons.Logger
}

// NewRedisCommandLedger reserves keys with SET NX and a TTL.
func NewRedisCommandLedger(logger commons.Logger, redis connectors.RedisConnector) internal_type.CommandLedger {
	return &redisLedger{redis: redis, logger: logger}
}

func (l *redisLedger) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.redis.GetConnection().SetNX(ctx, commandKeyPrefix+key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to reserve command key %s: %w", key, err)
	}
	return ok, nil
}

func (l *redisLedger) Release(ctx context.Context, key string) error {
	if err := l.redis.GetConnection().Del(ctx, commandKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to release command key %s: %w", key, err)
	}
	return nil
}

type postgresLedger struct {
	postgres connectors.PostgresConnector
	logger   commons.Logger
	now      func() time.Time
}

// NewPostgresCommandLedger reserves keys as rows of transfer_commands.
func NewPostgresCommandLedger(logger commons.Logger, postgres connectors.PostgresConnector) internal_type.CommandLedger {
	return &postgresLedger{
		postgres: postgres,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (l *postgresLedger) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := l.now()
	db := l.postgres.DB(ctx)
	if err := db.Where("command_key = ? AND expires_at <= ?", key, now).Delete(&CommandRecord{}).Error; err != nil {
		return false, fmt.Errorf("failed to expire command key %s: %w", key, err)
	}
	result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&CommandRecord{
		Key:       key,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
	if result.Error != nil {
		return false, fmt.Errorf("failed to reserve command key %s: %w", key, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (l *postgresLedger) Release(ctx context.Context, key string) error {
	if err := l.postgres.DB(ctx).Where("command_key = ?", key).Delete(&CommandRecord{}).Error; err != nil {
		return fmt.Errorf("failed to release command key %s: %w", key, err)
	}
	return nil
}
