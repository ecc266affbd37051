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
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gorm_logger "gorm.io/gorm/logger"
)

type PostgresConnector interface {
	Connector
	DB(ctx context.Context) *gorm.DB
}

type postgresConnector struct {
	cfg    *configs.PostgresConfig
	logger commons.Logger
	db     *gorm.DB
}

func NewPostgresConnector(cfg *configs.PostgresConfig, logger commons.Logger) PostgresConnector {
	return &postgresConnector{cfg: cfg, logger: logger}
}

// NewPostgresConnectorWithDB wraps an already opened gorm handle (sqlite in
// tests, a shared pool elsewhere).
func NewPostgresConnectorWithDB(db *gorm.DB, logger commons.Logger) PostgresConnector {
	return &postgresConnector{db: db, logger: logger}
}

func (p *postgresConnector) Name() string {
	return "postgres"
}

func (p *postgresConnector) Connect(ctx context.Context) error {
	if p.db != nil {
		return nil
	}
	db, err := gorm.Open(postgres.Open(p.cfg.DSN()), &gorm.Config{
		Logger:         gorm_logger.Default.LogMode(gorm_logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return fmt.Errorf("unable to open postgres connection: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("unable to access postgres pool: %w", err)
	}
	if p.cfg.MaxOpenConnection > 0 {
		sqlDB.SetMaxOpenConns(p.cfg.MaxOpenConnection)
	}
	if p.cfg.MaxIdealConnection > 0 {
		sqlDB.SetMaxIdleConns(p.cfg.MaxIdealConnection)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	p.db = db
	p.logger.Infof("postgres connected: host=%s db=%s", p.cfg.Host, p.cfg.DBName)
	return nil
}

func (p *postgresConnector) DB(ctx context.Context) *gorm.DB {
	return p.db.WithContext(ctx)
}

func (p *postgresConnector) IsConnected(ctx context.Context) bool {
	if p.db == nil {
		return false
	}
	sqlDB, err := p.db.DB()
	if err != nil {
		return false
	}
	return sqlDB.PingContext(ctx) == nil
}

func (p *postgresConnector) Disconnect(ctx context.Context) error {
	if p.db == nil {
		return nil
	}
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	p.logger.Debugf("closing postgres connection")
	return sqlDB.Close()
}
