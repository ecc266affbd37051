// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package transfer_api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rapidaai/callbridge/api/transfer-api/config"
	"github.com/rapidaai/callbridge/pkg/commons"
	"github.com/rapidaai/callbridge/pkg/connectors"
)

type healthCheckApi struct {
	cfg        *config.TransferConfig
	logger     commons.Logger
	connectors []connectors.Connector
}

func NewHealthCheckApi(cfg *config.TransferConfig, logger commons.Logger, conns ...connectors.Connector) *healthCheckApi {
	return &healthCheckApi{cfg: cfg, logger: logger, connectors: conns}
}

func (h *healthCheckApi) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"healthy": true, "service": h.cfg.Name, "version": h.cfg.Version})
}

// Readiness reports ready once every backing connector answers.
func (h *healthCheckApi) Readiness(c *gin.Context) {
	status := gin.H{}
	ready := true
	for _, conn := range h.connectors {
		ok := conn.IsConnected(c.Request.Context())
		status[conn.Name()] = ok
		if !ok {
			ready = false
			h.logger.Warnf("readiness check failed for %s", conn.Name())
		}
	}
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"ready": ready, "connectors": status})
}
