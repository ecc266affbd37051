// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	internal_transferstate "github.com/rapidaai/callbridge/api/transfer-api/internal/transferstate"
	internal_type "github.com/rapidaai/callbridge/api/transfer-api/internal/type"
	"golang.org/x/sync/errgroup"
)

type LegState struct {
	LegID  string                  `json:"legId"`
	Status internal_type.LegStatus `json:"status"`
	Error  string                  `json:"error,omitempty"`
}

type Inspection struct {
	Session *internal_transferstate.Session `json:"session"`
	// Legs is filled only for live inspections, keyed by leg role.
	Legs map[string]LegState `json:"legs,omitempty"`
}

// Inspect returns the stored session, terminal or not. With live set, each
// known leg is also queried at the provider.
func (o *orchestrator) Inspect(ctx context.Context, key internal_transferstate.Key, live bool) (*Inspection, error) {
	if key == "" {
		return nil, invalid("session key is required")
	}
	session, err := o.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, internal_transferstate.ErrNotFound) {
			return nil, fmt.Errorf("%w: session %s", ErrNoActiveTransfer, key)
		}
		return nil, fmt.Errorf("failed to load session %s: %w", key, err)
	}
	inspection := &Inspection{Session: session}
	if !live {
		return inspection, nil
	}

	legs := map[string]string{
		"caller":     session.CallerLegID,
		"transferee": session.TransfereeLegID,
		"agent":      session.AgentLegID,
	}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	inspection.Legs = map[string]LegState{}
	for role, legID := range legs {
		if legID == "" {
			continue
		}
		role, legID := role, legID
		g.Go(func() error {
			cctx, cancel := o.withTimeout(ctx)
			defer cancel()
			state := LegState{LegID: legID}
			status, err := o.calls.Status(cctx, legID)
			switch {
			case errors.Is(err, internal_type.ErrLegEnded):
				state.Status = internal_type.LegCompleted
			case err != nil:
				state.Status = internal_type.LegUnknown
				state.Error = err.Error()
			default:
				state.Status = status
			}
			mu.Lock()
			inspection.Legs[role] = state
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return inspection, nil
}

func (o *orchestrator) Events(ctx context.Context, key internal_transferstate.Key) ([]internal_transferstate.Event, error) {
	if key == "" {
		return nil, invalid("session key is required")
	}
	events, err := o.store.Events(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for %s: %w", key, err)
	}
	return events, nil
}
