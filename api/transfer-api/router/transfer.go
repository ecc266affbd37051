// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package transfer_routers

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	transferApi "github.com/rapidaai/callbridge/api/transfer-api/api"
	"github.com/rapidaai/callbridge/api/transfer-api/config"
	internal_instruction "github.com/rapidaai/callbridge/api/transfer-api/internal/instruction"
	internal_transfer "github.com/rapidaai/callbridge/api/transfer-api/internal/transfer"
	internal_type "github.com/rapidaai/callbridge/api/transfer-api/internal/type"
	"github.com/rapidaai/callbridge/pkg/commons"
	"github.com/rapidaai/callbridge/pkg/utils"
)

// Middleware applies the cross-cutting handlers every route shares.
func Middleware(cfg *config.TransferConfig, engine *gin.Engine, logger commons.Logger) {
	corsCfg := cors.DefaultConfig()
	if len(cfg.CorsOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.CorsOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, utils.HEADER_REQUEST_ID, utils.HEADER_IDEMPOTENCY_KEY)
	corsCfg.ExposeHeaders = []string{utils.HEADER_REQUEST_ID}
	corsCfg.MaxAge = 12 * time.Hour
	engine.Use(cors.New(corsCfg))
	engine.Use(requestID(logger))
}

func requestID(logger commons.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(utils.HEADER_REQUEST_ID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(utils.HEADER_REQUEST_ID, id)
		start := time.Now()
		c.Next()
		logger.Debugw("request served",
			"request_id", id,
			"method", c.Request.Method,
			"path", c.FullPath(),
			"code", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func TransferApiRoute(
	cfg *config.TransferConfig,
	engine *gin.Engine,
	logger commons.Logger,
	transfer internal_transfer.Transfer,
	renderer internal_instruction.Renderer,
	calls internal_type.CallControl,
) {
	apiv1 := engine.Group("v1/transfer")
	api := transferApi.NewTransferApi(cfg, logger, transfer, renderer, calls.Dialect())

	var verifier internal_type.WebhookVerifier
	if v, ok := calls.(internal_type.WebhookVerifier); ok {
		verifier = v
	}
	guard := transferApi.WebhookGuard(logger, verifier, cfg.PublicBaseURL, cfg.ValidateWebhooks)
	{
		apiv1.POST("/warm/start", api.WarmStart)
		apiv1.POST("/warm/complete", api.WarmComplete)
		apiv1.POST("/warm/cancel", api.WarmCancel)
		apiv1.POST("/warm/decision", api.Decision)
		apiv1.POST("/conference", api.Conference)

		// fetched and called back by the call-control provider
		apiv1.GET("/instructions/:kind", guard, api.Instruction)
		apiv1.POST("/instructions/:kind", guard, api.Instruction)
		apiv1.POST("/status/:sessionKey", guard, api.Status)

		apiv1.GET("/sessions/:sessionKey", api.Inspect)
		apiv1.GET("/sessions/:sessionKey/events", api.Events)
	}
}
