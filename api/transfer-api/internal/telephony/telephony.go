// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_telephony

import (
	"fmt"
	"strings"
	"time"

	internal_signalwire_telephony "github.com/rapidaai/callbridge/api/transfer-api/internal/telephony/signalwire"
	internal_twilio_telephony "github.com/rapidaai/callbridge/api/transfer-api/internal/telephony/twilio"
	internal_vonage_telephony "github.com/rapidaai/callbridge/api/transfer-api/internal/telephony/vonage"
	internal_type "github.com/rapidaai/callbridge/api/transfer-api/internal/type"
	"github.com/rapidaai/callbridge/pkg/commons"
)

type Telephony string

const (
	Twilio     Telephony = "twilio"
	SignalWire Telephony = "signalwire"
	Vonage     Telephony = "vonage"
)

func GetTelephony(name string) (Telephony, error) {
	switch t := Telephony(strings.ToLower(strings.TrimSpace(name))); t {
	case Twilio, SignalWire, Vonage:
		return t, nil
	}
	return "", fmt.Errorf("illegal telephony provider %q", name)
}

type Options struct {
	Provider       string
	Credential     map[string]interface{}
	Timeout        time.Duration
	Ledger         internal_type.CommandLedger
	IdempotencyTTL time.Duration
}

// NewCallControl builds the configured provider client and wraps it so every
// command with an idempotency key is issued at most once.
func NewCallControl(logger commons.Logger, opts Options) (internal_type.CallControl, error) {
	provider, err := GetTelephony(opts.Provider)
	if err != nil {
		return nil, err
	}
	var inner internal_type.CallControl
	switch provider {
	case Twilio:
		inner, err = internal_twilio_telephony.NewTwilio(logger, opts.Credential, opts.Timeout)
	case SignalWire:
		inner, err = internal_signalwire_telephony.NewSignalWire(logger, opts.Credential, opts.Timeout)
	case Vonage:
		inner, err = internal_vonage_telephony.NewVonage(logger, opts.Credential, opts.Timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialise %s call control: %w", provider, err)
	}
	logger.Infof("call control provider %s ready (dialect=%s)", inner.Name(), inner.Dialect())
	if opts.Ledger == nil {
		return inner, nil
	}
	return NewIdempotent(logger, inner, opts.Ledger, opts.IdempotencyTTL), nil
}
