// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_transfer

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	nonDialable   = regexp.MustCompile(`[^\d+]`)
	nonIdentifier = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
)

// NormalizeAddress reduces a dial target to digits with an optional leading
// plus. Bare North American numbers of 10 digits, or 11 starting with 1, get an
// E.164 prefix. NormalizeAddress(NormalizeAddress(a)) == NormalizeAddress(a).
func NormalizeAddress(address string) string {
	s := nonDialable.ReplaceAllString(strings.TrimSpace(address), "")
	plus := strings.HasPrefix(s, "+")
	digits := strings.ReplaceAll(s, "+", "")
	if digits == "" {
		return ""
	}
	if plus {
		return "+" + digits
	}
	switch {
	case len(digits) == 10:
		return "+1" + digits
	case len(digits) == 11 && digits[0] == '1':
		return "+" + digits
	}
	return digits
}

// NewConferenceID names a fresh conference for key. Two calls never return the
// same id, even within the same nanosecond.
func NewConferenceID(key string, now time.Time) string {
	name := strings.Trim(nonIdentifier.ReplaceAllString(key, "-"), "-")
	if name == "" {
		name = "session"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("xfer-%s-%d-%s", name, now.UnixNano(), suffix)
}

func newSessionID() string {
	return uuid.NewString()
}
