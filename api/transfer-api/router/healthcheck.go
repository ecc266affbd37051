// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package transfer_routers

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	transferApi "github.com/rapidaai/callbridge/api/transfer-api/api"
	"github.com/rapidaai/callbridge/api/transfer-api/config"
	"github.com/rapidaai/callbridge/pkg/commons"
	"github.com/rapidaai/callbridge/pkg/connectors"
)

func HealthCheckRoutes(cfg *config.TransferConfig, engine *gin.Engine, logger commons.Logger, conns ...connectors.Connector) {
	logger.Info("Internal HealthCheckRoutes and Connectors added to engine.")
	apiv1 := engine.Group("")
	hcApi := transferApi.NewHealthCheckApi(cfg, logger, conns...)
	{
		apiv1.GET("/readiness/", hcApi.Readiness)
		apiv1.GET("/healthz/", hcApi.Healthz)
		apiv1.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
}
