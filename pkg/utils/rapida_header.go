// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package utils

const (
	HEADER_REQUEST_ID           = "X-Request-Id"
	HEADER_IDEMPOTENCY_KEY      = "Idempotency-Key"
	HEADER_TWILIO_SIGNATURE     = "X-Twilio-Signature"
	HEADER_SIGNALWIRE_SIGNATURE = "X-SignalWire-Signature"
	HEADER_TRANSFER_SESSION     = "X-Transfer-Session"
	HEADER_TRANSFER_TARGET      = "X-Transfer-Target"
	HEADER_CONVERSATION_REF     = "X-Conversation-Ref"
)
