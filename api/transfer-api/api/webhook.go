// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package transfer_api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	internal_type "github.com/rapidaai/callbridge/api/transfer-api/internal/type"
	"github.com/rapidaai/callbridge/pkg/commons"
)

const webhookParamsKey = "transfer.webhook.params"

// webhookParams keeps query and body values apart because providers sign the
// url (query included) and posted form fields separately.
type webhookParams struct {
	query map[string]string
	body  map[string]string
	form  bool
}

// merged flattens both sources. Body values win over query values of the same
// name.
func (p *webhookParams) merged() map[string]string {
	out := make(map[string]string, len(p.query)+len(p.body))
	for k, v := range p.query {
		out[k] = v
	}
	for k, v := range p.body {
		out[k] = v
	}
	return out
}

func readParams(c *gin.Context) (*webhookParams, error) {
	if cached, ok := c.Get(webhookParamsKey); ok {
		return cached.(*webhookParams), nil
	}
	p := &webhookParams{query: map[string]string{}, body: map[string]string{}}
	for key, values := range c.Request.URL.Query() {
		if len(values) > 0 {
			p.query[key] = values[0]
		}
	}
	if c.Request.Body != nil && c.Request.Method != http.MethodGet {
		raw, err := io.ReadAll(c.Request.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(raw))
		if len(bytes.TrimSpace(raw)) > 0 {
			if err := p.parseBody(raw); err != nil {
				return nil, err
			}
		}
	}
	c.Set(webhookParamsKey, p)
	return p, nil
}

func (p *webhookParams) parseBody(raw []byte) error {
	// Try to parse as JSON first
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err == nil {
		for key, value := range fields {
			switch v := value.(type) {
			case nil:
			case string:
				p.body[key] = v
			default:
				p.body[key] = fmt.Sprint(v)
			}
		}
		return nil
	}
	// Fall back to form-encoded data
	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return fmt.Errorf("failed to parse request body: %w", err)
	}
	for key, value := range values {
		if len(value) > 0 {
			p.body[key] = value[0]
		}
	}
	p.form = true
	return nil
}

func requestParams(c *gin.Context) (map[string]string, error) {
	p, err := readParams(c)
	if err != nil {
		return nil, err
	}
	return p.merged(), nil
}

// WebhookGuard rejects provider callbacks whose signature does not match.
// The signed url is rebuilt on publicBaseURL, since the provider signs the
// url it was given rather than the one behind any proxy.
func WebhookGuard(logger commons.Logger, verifier internal_type.WebhookVerifier, publicBaseURL string, enabled bool) gin.HandlerFunc {
	base := strings.TrimRight(publicBaseURL, "/")
	return func(c *gin.Context) {
		if !enabled {
			c.Next()
			return
		}
		p, err := readParams(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		signed := map[string]string{}
		if p.form {
			signed = p.body
		}
		if verifier == nil || !verifier.VerifyWebhook(c.Request, base+c.Request.URL.RequestURI(), signed) {
			logger.Warnw("rejected unsigned provider webhook", "path", c.Request.URL.Path, "remote", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"success": false, "error": "invalid webhook signature"})
			return
		}
		c.Next()
	}
}
