// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package transfer_api

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rapidaai/callbridge/api/transfer-api/config"
	internal_instruction "github.com/rapidaai/callbridge/api/transfer-api/internal/instruction"
	internal_transfer "github.com/rapidaai/callbridge/api/transfer-api/internal/transfer"
	internal_transferstate "github.com/rapidaai/callbridge/api/transfer-api/internal/transferstate"
	internal_type "github.com/rapidaai/callbridge/api/transfer-api/internal/type"
	"github.com/rapidaai/callbridge/pkg/commons"
)

type transferApi struct {
	cfg      *config.TransferConfig
	logger   commons.Logger
	transfer internal_transfer.Transfer
	renderer internal_instruction.Renderer
	dialect  internal_type.Dialect
}

func NewTransferApi(cfg *config.TransferConfig,
	logger commons.Logger,
	transfer internal_transfer.Transfer,
	renderer internal_instruction.Renderer,
	dialect internal_type.Dialect) *transferApi {
	return &transferApi{
		cfg:      cfg,
		logger:   logger,
		transfer: transfer,
		renderer: renderer,
		dialect:  dialect,
	}
}

type warmStartRequest struct {
	CallerLegID     string `json:"caller_leg_id" binding:"required"`
	TargetAddress   string `json:"target_address" binding:"required"`
	TargetLabel     string `json:"target_label"`
	OriginAddress   string `json:"origin_address"`
	SessionKey      string `json:"session_key" binding:"required"`
	ConversationRef string `json:"conversation_ref"`
	AgentName       string `json:"agent_name"`
}

type sessionKeyRequest struct {
	SessionKey string `json:"session_key" binding:"required"`
}

type conferenceRequest struct {
	warmStartRequest
	AgentLegID string `json:"agent_leg_id"`
}

func (api *transferApi) bind(c *gin.Context, out interface{}) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return false
	}
	return true
}

// WarmStart puts the caller on hold and dials the transferee into a private
// consultation with the agent.
func (api *transferApi) WarmStart(c *gin.Context) {
	var req warmStartRequest
	if !api.bind(c, &req) {
		return
	}
	session, err := api.transfer.Start(c.Request.Context(), internal_transfer.StartRequest{
		CallerLegID:     req.CallerLegID,
		TargetAddress:   req.TargetAddress,
		TargetLabel:     req.TargetLabel,
		OriginAddress:   req.OriginAddress,
		SessionKey:      req.SessionKey,
		ConversationRef: req.ConversationRef,
		AgentName:       req.AgentName,
	})
	if err != nil {
		abortWithError(c, api.logger, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "status": session.Status, "session": session})
}

func (api *transferApi) WarmComplete(c *gin.Context) {
	var req sessionKeyRequest
	if !api.bind(c, &req) {
		return
	}
	result, err := api.transfer.Complete(c.Request.Context(), internal_transferstate.Key(req.SessionKey))
	if err != nil {
		abortWithError(c, api.logger, err, bridgeBody(result))
		return
	}
	c.JSON(http.StatusOK, withSuccess(bridgeBody(result)))
}

func (api *transferApi) WarmCancel(c *gin.Context) {
	var req sessionKeyRequest
	if !api.bind(c, &req) {
		return
	}
	session, err := api.transfer.Cancel(c.Request.Context(), internal_transferstate.Key(req.SessionKey))
	if err != nil {
		var partial gin.H
		if session != nil {
			partial = gin.H{"session": session}
		}
		abortWithError(c, api.logger, err, partial)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "status": session.Status, "session": session})
}

// Decision receives the agent's accept or decline. Redelivered or late
// decisions are acknowledged without effect.
func (api *transferApi) Decision(c *gin.Context) {
	params, err := requestParams(c)
	if err != nil {
		abortWithError(c, api.logger, err, nil)
		return
	}
	event, err := internal_transfer.ParseDecision(params)
	if err != nil {
		abortWithError(c, api.logger, err, nil)
		return
	}
	result, err := api.transfer.Decide(c.Request.Context(), event)
	if err != nil {
		var partial gin.H
		if result != nil {
			partial = decisionBody(result)
		}
		abortWithError(c, api.logger, err, partial)
		return
	}
	c.JSON(http.StatusOK, withSuccess(decisionBody(result)))
}

func (api *transferApi) Conference(c *gin.Context) {
	var req conferenceRequest
	if !api.bind(c, &req) {
		return
	}
	result, err := api.transfer.Conference(c.Request.Context(), internal_transfer.ConferenceRequest{
		CallerLegID:     req.CallerLegID,
		AgentLegID:      req.AgentLegID,
		TargetAddress:   req.TargetAddress,
		TargetLabel:     req.TargetLabel,
		OriginAddress:   req.OriginAddress,
		SessionKey:      req.SessionKey,
		ConversationRef: req.ConversationRef,
		AgentName:       req.AgentName,
	})
	if err != nil {
		abortWithError(c, api.logger, err, bridgeBody(result))
		return
	}
	c.JSON(http.StatusOK, withSuccess(bridgeBody(result)))
}

// Instruction serves the markup a provider fetches from an instruction url.
func (api *transferApi) Instruction(c *gin.Context) {
	kind, err := internal_instruction.ParseKind(c.Param("kind"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
		return
	}
	dialect := api.dialect
	if d := internal_type.Dialect(c.Query("dialect")); d != "" {
		dialect = d
	}
	if !dialect.Valid() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"success": false, "error": "unsupported dialect " + string(dialect)})
		return
	}
	raw, err := requestParams(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	values := url.Values{}
	for k, v := range raw {
		values.Set(k, v)
	}
	doc, err := api.renderer.Render(kind, dialect, internal_instruction.ParamsFromValues(values))
	if err != nil {
		api.logger.Errorw("failed to render instructions", "kind", kind, "dialect", dialect, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.Data(http.StatusOK, doc.ContentType, doc.Body)
}

// Status records transferee leg progress reported by the provider.
func (api *transferApi) Status(c *gin.Context) {
	params, err := requestParams(c)
	if err != nil {
		abortWithError(c, api.logger, err, nil)
		return
	}
	event, err := internal_transfer.ParseProviderEvent(c.Param("sessionKey"), params)
	if err != nil {
		abortWithError(c, api.logger, err, nil)
		return
	}
	if err := api.transfer.RecordProviderEvent(c.Request.Context(), event); err != nil {
		abortWithError(c, api.logger, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}

func (api *transferApi) Inspect(c *gin.Context) {
	live, _ := strconv.ParseBool(c.DefaultQuery("live", "false"))
	inspection, err := api.transfer.Inspect(c.Request.Context(), internal_transferstate.Key(c.Param("sessionKey")), live)
	if err != nil {
		abortWithError(c, api.logger, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "session": inspection.Session, "legs": inspection.Legs})
}

func (api *transferApi) Events(c *gin.Context) {
	events, err := api.transfer.Events(c.Request.Context(), internal_transferstate.Key(c.Param("sessionKey")))
	if err != nil {
		abortWithError(c, api.logger, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "events": events})
}

func bridgeBody(result *internal_transfer.BridgeResult) gin.H {
	if result == nil {
		return nil
	}
	body := gin.H{
		"status":       result.Session.Status,
		"conferenceId": result.ConferenceID,
		"session":      result.Session,
	}
	if len(result.LegErrors) > 0 {
		body["legErrors"] = result.LegErrors
	}
	return body
}

func decisionBody(result *internal_transfer.DecisionResult) gin.H {
	body := gin.H{"verdict": result.Verdict, "noop": result.NoOp}
	if result.Reason != "" {
		body["reason"] = result.Reason
	}
	if result.Session != nil {
		body["status"] = result.Session.Status
		body["session"] = result.Session
	}
	if result.Bridge != nil {
		body["conferenceId"] = result.Bridge.ConferenceID
		if len(result.Bridge.LegErrors) > 0 {
			body["legErrors"] = result.Bridge.LegErrors
		}
	}
	return body
}

func withSuccess(body gin.H) gin.H {
	if body == nil {
		body = gin.H{}
	}
	body["success"] = true
	return body
}
