// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_transfer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	internal_instruction "github.com/rapidaai/callbridge/api/transfer-api/internal/instruction"
	internal_telephony "github.com/rapidaai/callbridge/api/transfer-api/internal/telephony"
	internal_transferstate "github.com/rapidaai/callbridge/api/transfer-api/internal/transferstate"
	internal_type "github.com/rapidaai/callbridge/api/transfer-api/internal/type"
	"github.com/rapidaai/callbridge/pkg/commons"
	"github.com/rapidaai/callbridge/pkg/connectors"
)

type op string

const (
	opRedirect  op = "redirect"
	opOriginate op = "originate"
	opTerminate op = "terminate"
	opStatus    op = "status"
)

type call struct {
	Op   op
	Leg  string
	URL  string
	Key  string
	To   string
	From string
	// Callback is the originate status callback url.
	Callback string
	Events   []string
}

// fakeCalls records every provider command in order.
type fakeCalls struct {
	mu            sync.Mutex
	calls         []call
	legs          int
	failRedirect  map[string]error
	failTerminate map[string]error
	failOriginate error
	statuses      map[string]internal_type.LegStatus
	statusErrs    map[string]error
	// beforeOriginate runs outside the lock, before the leg is placed.
	beforeOriginate func()
	// beforeRedirect runs outside the lock, before the redirect is recorded.
	beforeRedirect func(cmd internal_type.Command)
}

func newFakeCalls() *fakeCalls {
	return &fakeCalls{
		failRedirect:  map[string]error{},
		failTerminate: map[string]error{},
		statuses:      map[string]internal_type.LegStatus{},
		statusErrs:    map[string]error{},
	}
}

func (f *fakeCalls) Name() string                   { return "fake" }
func (f *fakeCalls) Dialect() internal_type.Dialect { return internal_type.DialectTwiML }

func (f *fakeCalls) Redirect(_ context.Context, cmd internal_type.Command) error {
	if f.beforeRedirect != nil {
		f.beforeRedirect(cmd)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Op: opRedirect, Leg: cmd.LegID, URL: cmd.InstructionURL, Key: cmd.IdempotencyKey})
	return f.failRedirect[cmd.LegID]
}

func (f *fakeCalls) Originate(_ context.Context, cmd internal_type.OriginateCommand) (string, error) {
	if f.beforeOriginate != nil {
		f.beforeOriginate()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{
		Op: opOriginate, URL: cmd.InstructionURL, Key: cmd.IdempotencyKey,
		To: cmd.To, From: cmd.From, Callback: cmd.StatusCallbackURL, Events: cmd.StatusCallbackEvents,
	})
	if f.failOriginate != nil {
		return "", f.failOriginate
	}
	f.legs++
	return fmt.Sprintf("CA-transferee-%d", f.legs), nil
}

func (f *fakeCalls) Terminate(_ context.Context, cmd internal_type.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Op: opTerminate, Leg: cmd.LegID, Key: cmd.IdempotencyKey})
	return f.failTerminate[cmd.LegID]
}

func (f *fakeCalls) Merge(ctx context.Context, cmd internal_type.MergeCommand) error {
	return internal_type.RedirectEach(ctx, cmd, f.Redirect)
}

func (f *fakeCalls) Status(_ context.Context, legID string) (internal_type.LegStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Op: opStatus, Leg: legID})
	if err := f.statusErrs[legID]; err != nil {
		return internal_type.LegUnknown, err
	}
	return f.statuses[legID], nil
}

func (f *fakeCalls) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeCalls) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// lastRedirect returns the most recent redirect recorded for leg.
func (f *fakeCalls) lastRedirect(leg string) (call, bool) {
	redirects := f.matching(opRedirect, leg, "")
	if len(redirects) == 0 {
		return call{}, false
	}
	return redirects[len(redirects)-1], true
}

// matching returns the recorded calls of kind o, optionally restricted to leg
// and to instruction urls containing path.
func (f *fakeCalls) matching(o op, leg, path string) []call {
	var out []call
	for _, c := range f.Calls() {
		if c.Op != o {
			continue
		}
		if leg != "" && c.Leg != leg {
			continue
		}
		if path != "" && !strings.Contains(c.URL, path) {
			continue
		}
		out = append(out, c)
	}
	return out
}

type harness struct {
	mr       *miniredis.Miniredis
	store    internal_transferstate.Store
	calls    *fakeCalls
	transfer Transfer
}

func newTestLogger(t *testing.T) commons.Logger {
	t.Helper()
	logger, err := commons.NewApplicationLogger(
		commons.Name("test-transfer"),
		commons.Path(t.TempDir()),
		commons.Level("debug"),
		commons.Console(false),
	)
	require.NoError(t, err)
	return logger
}

func newHarness(t *testing.T) *harness {
	return buildHarness(t, false)
}

// newLedgerHarness puts the command ledger between the orchestrator and the
// fake provider the way the server wires it. Only commands that get past the
// ledger are recorded.
func newLedgerHarness(t *testing.T) *harness {
	return buildHarness(t, true)
}

func buildHarness(t *testing.T, withLedger bool) *harness {
	t.Helper()
	logger := newTestLogger(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	conn := connectors.NewRedisConnectorWithClient(client, logger)
	store := internal_transferstate.NewRedisStore(logger, conn)
	renderer, err := internal_instruction.NewRenderer(logger, internal_instruction.Config{
		PublicBaseURL: "https://xfer.example.com",
		SIPDomain:     "agent.example.com",
		HoldMusicURL:  "https://cdn.example.com/hold.mp3",
	})
	require.NoError(t, err)

	calls := newFakeCalls()
	var provider internal_type.CallControl = calls
	if withLedger {
		provider = internal_telephony.NewIdempotent(logger, calls, internal_transferstate.NewRedisCommandLedger(logger, conn), time.Hour)
	}
	return &harness{
		mr:    mr,
		store: store,
		calls: calls,
		transfer: NewTransfer(logger, store, provider, renderer, Options{
			FallbackCallerID: "+15550000000",
		}),
	}
}

func startRequest(key string) StartRequest {
	return StartRequest{
		CallerLegID:     "L1",
		TargetAddress:   "6045551234",
		TargetLabel:     "Sales",
		OriginAddress:   "+16042566768",
		SessionKey:      key,
		ConversationRef: "conv-9",
	}
}

func (h *harness) start(t *testing.T, key string) *internal_transferstate.Session {
	t.Helper()
	s, err := h.transfer.Start(context.Background(), startRequest(key))
	require.NoError(t, err)
	h.calls.Reset()
	return s
}

func (h *harness) session(t *testing.T, key string) *internal_transferstate.Session {
	t.Helper()
	s, err := h.store.Get(context.Background(), internal_transferstate.Key(key))
	require.NoError(t, err)
	return s
}
