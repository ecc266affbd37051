// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package connectors

import (
	"context"
	"fmt"

	"github.com/rapidaai/callbridge/pkg/commons"
	"github.com/rapidaai/callbridge/pkg/configs"
	"github.com/redis/go-redis/v9"
)

type RedisConnector interface {
	Connector
	GetConnection() *redis.Client
}

type redisConnector struct {
	cfg    *configs.RedisConfig
	logger commons.Logger
	client *redis.Client
}

func NewRedisConnector(cfg *configs.RedisConfig, logger commons.Logger) RedisConnector {
	return &redisConnector{cfg: cfg, logger: logger}
}

// NewRedisConnectorWithClient wraps an existing client; used with miniredis in tests.
func NewRedisConnectorWithClient(client *redis.Client, logger commons.Logger) RedisConnector {
	return &redisConnector{client: client, logger: logger}
}

func (r *redisConnector) Name() string {
	return "redis"
}

func (r *redisConnector) Connect(ctx context.Context) error {
	if r.client != nil {
		return nil
	}
	opts := &redis.Options{
		Addr:     r.cfg.Addr(),
		Password: r.cfg.Password,
		DB:       r.cfg.DB,
	}
	if r.cfg.MaxConnection > 0 {
		opts.PoolSize = r.cfg.MaxConnection
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("redis ping failed for %s: %w", r.cfg.Addr(), err)
	}
	r.client = client
	r.logger.Infof("redis connected: addr=%s db=%d", r.cfg.Addr(), r.cfg.DB)
	return nil
}

func (r *redisConnector) GetConnection() *redis.Client {
	return r.client
}

func (r *redisConnector) IsConnected(ctx context.Context) bool {
	if r.client == nil {
		return false
	}
	return r.client.Ping(ctx).Err() == nil
}

func (r *redisConnector) Disconnect(ctx context.Context) error {
	if r.client == nil {
		return nil
	}
	r.logger.Debugf("closing redis connection")
	return r.client.Close()
}
