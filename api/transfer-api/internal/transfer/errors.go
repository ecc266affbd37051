// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_transfer

import (
	"errors"
	"fmt"

	internal_transferstate "github.com/rapidaai/callbridge/api/transfer-api/internal/transferstate"
)

var (
	ErrConflict         = errors.New("transfer already in progress")
	ErrNoActiveTransfer = errors.New("no active transfer")
	ErrAlreadyTerminal  = errors.New("transfer already finished")
	ErrNotReady         = errors.New("transfer is still dialing")
	ErrInvalidRequest   = errors.New("invalid transfer request")
	ErrProviderFailure  = errors.New("call-control provider failure")
)

// TerminalError is returned when an explicit operation targets a session that
// already reached bridged, declined or cancelled. It matches both
// ErrAlreadyTerminal and ErrNoActiveTransfer.
type TerminalError struct {
	Key    internal_transferstate.Key
	Status internal_transferstate.Status
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("transfer %s already %s", e.Key, e.Status)
}

func (e *TerminalError) Is(target error) bool {
	return target == ErrAlreadyTerminal || target == ErrNoActiveTransfer
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
