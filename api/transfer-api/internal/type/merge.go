// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_type

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// MergeError reports the legs whose conference redirect failed. Legs not
// listed were redirected.
type MergeError struct {
	Failed map[string]error
}

func (e *MergeError) Error() string {
	legs := make([]string, 0, len(e.Failed))
	for leg := range e.Failed {
		legs = append(legs, leg)
	}
	sort.Strings(legs)
	parts := make([]string, 0, len(legs))
	for _, leg := range legs {
		parts = append(parts, fmt.Sprintf("%s: %v", leg, e.Failed[leg]))
	}
	return "merge failed for " + strings.Join(parts, "; ")
}

// LegKey derives the per-leg idempotency key of a multi-leg command.
func LegKey(key, legID string) string {
	if key == "" {
		return ""
	}
	return key + ":" + legID
}

// RedirectEach issues one redirect per leg concurrently. Every leg is attempted
// even when another fails; the failures come back as a *MergeError.
func RedirectEach(ctx context.Context, cmd MergeCommand, redirect func(context.Context, Command) error) error {
	var (
		mu     sync.Mutex
		failed = map[string]error{}
		g      errgroup.Group
	)
	for _, leg := range cmd.LegIDs {
		leg := leg
		g.Go(func() error {
			err := redirect(ctx, Command{
				LegID:          leg,
				InstructionURL: cmd.InstructionURL,
				IdempotencyKey: LegKey(cmd.IdempotencyKey, leg),
			})
			if err != nil {
				mu.Lock()
				failed[leg] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(failed) > 0 {
		return &MergeError{Failed: failed}
	}
	return nil
}
