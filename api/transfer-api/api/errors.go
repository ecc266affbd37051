// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package transfer_api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	internal_transfer "github.com/rapidaai/callbridge/api/transfer-api/internal/transfer"
	"github.com/rapidaai/callbridge/pkg/commons"
)

// statusOf maps orchestrator errors to HTTP codes. TerminalError is checked
// first since it also matches ErrNoActiveTransfer.
func statusOf(err error) int {
	var terminal *internal_transfer.TerminalError
	switch {
	case errors.As(err, &terminal):
		return http.StatusConflict
	case errors.Is(err, internal_transfer.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, internal_transfer.ErrConflict), errors.Is(err, internal_transfer.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, internal_transfer.ErrNoActiveTransfer):
		return http.StatusNotFound
	case errors.Is(err, internal_transfer.ErrProviderFailure):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// abortWithError writes err and whatever partial result accompanied it.
func abortWithError(c *gin.Context, logger commons.Logger, err error, partial gin.H) {
	code := statusOf(err)
	body := gin.H{"success": false, "error": err.Error()}
	var terminal *internal_transfer.TerminalError
	if errors.As(err, &terminal) {
		body["status"] = terminal.Status
	}
	for k, v := range partial {
		body[k] = v
	}
	if code >= http.StatusInternalServerError {
		logger.Errorw("transfer request failed", "path", c.FullPath(), "code", code, "error", err)
	} else {
		logger.Debugf("transfer request rejected %s %d: %v", c.FullPath(), code, err)
	}
	c.AbortWithStatusJSON(code, body)
}
