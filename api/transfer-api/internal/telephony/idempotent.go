// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_telephony

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	internal_type "github.com/rapidaai/callbridge/api/transfer-api/internal/type"
	"github.com/rapidaai/callbridge/pkg/commons"
)

var providerCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "transfer_provider_commands_total",
	Help: "Provider call-control commands by provider, command and outcome",
}, []string{"provider", "command", "outcome"})

// idempotent reserves each command's idempotency key in a ledger before
// forwarding it. A reserved key means the command was already issued by an
// earlier invocation, so it is skipped.
//
// Keys are released when the provider rejects a command so that a retry can
// reissue it. A leg that already ended keeps its key.
type idempotent struct {
	logger commons.Logger
	inner  internal_type.CallControl
	ledger internal_type.CommandLedger
	ttl    time.Duration
}

func NewIdempotent(logger commons.Logger, inner internal_type.CallControl, ledger internal_type.CommandLedger, ttl time.Duration) internal_type.CallControl {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &idempotent{logger: logger, inner: inner, ledger: ledger, ttl: ttl}
}

func (i *idempotent) Name() string {
	return i.inner.Name()
}

func (i *idempotent) Dialect() internal_type.Dialect {
	return i.inner.Dialect()
}

// reserve reports whether the command should be sent. Ledger failures fail
// open: sending twice is recoverable, stranding a caller is not.
func (i *idempotent) reserve(ctx context.Context, command, key string) bool {
	if key == "" {
		return true
	}
	ok, err := i.ledger.Reserve(ctx, key, i.ttl)
	if err != nil {
		i.logger.Warnw("command ledger unavailable, sending without idempotency guard",
			"provider", i.inner.Name(), "command", command, "key", key, "error", err)
		return true
	}
	if !ok {
		i.logger.Infof("skipping duplicate %s command %s", command, key)
		providerCommandsTotal.WithLabelValues(i.inner.Name(), command, "duplicate").Inc()
	}
	return ok
}

func (i *idempotent) settle(ctx context.Context, command, key string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, internal_type.ErrLegEnded):
		outcome = "leg_ended"
	default:
		outcome = "error"
		if key != "" {
			if rerr := i.ledger.Release(context.WithoutCancel(ctx), key); rerr != nil {
				i.logger.Warnw("failed to release command key", "key", key, "error", rerr)
			}
		}
	}
	providerCommandsTotal.WithLabelValues(i.inner.Name(), command, outcome).Inc()
}

func (i *idempotent) Redirect(ctx context.Context, cmd internal_type.Command) error {
	if !i.reserve(ctx, "redirect", cmd.IdempotencyKey) {
		return nil
	}
	err := i.inner.Redirect(ctx, cmd)
	i.settle(ctx, "redirect", cmd.IdempotencyKey, err)
	return err
}

func (i *idempotent) Originate(ctx context.Context, cmd internal_type.OriginateCommand) (string, error) {
	if !i.reserve(ctx, "originate", cmd.IdempotencyKey) {
		return "", internal_type.ErrDuplicateCommand
	}
	leg, err := i.inner.Originate(ctx, cmd)
	i.settle(ctx, "originate", cmd.IdempotencyKey, err)
	return leg, err
}

func (i *idempotent) Terminate(ctx context.Context, cmd internal_type.Command) error {
	if !i.reserve(ctx, "terminate", cmd.IdempotencyKey) {
		return nil
	}
	err := i.inner.Terminate(ctx, cmd)
	i.settle(ctx, "terminate", cmd.IdempotencyKey, err)
	return err
}

// Merge goes through Redirect so each leg is guarded by its own key.
func (i *idempotent) Merge(ctx context.Context, cmd internal_type.MergeCommand) error {
	return internal_type.RedirectEach(ctx, cmd, i.Redirect)
}

func (i *idempotent) Status(ctx context.Context, legID string) (internal_type.LegStatus, error) {
	return i.inner.Status(ctx, legID)
}

func (i *idempotent) VerifyWebhook(r *http.Request, publicURL string, params map[string]string) bool {
	v, ok := i.inner.(internal_type.WebhookVerifier)
	if !ok {
		return false
	}
	return v.VerifyWebhook(r, publicURL, params)
}
