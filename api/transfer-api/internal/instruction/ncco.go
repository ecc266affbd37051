// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_instruction

import (
	"encoding/json"
	"fmt"
)

type nccoEndpoint struct {
	Type    string            `json:"type"`
	URI     string            `json:"uri"`
	Headers map[string]string `json:"headers,omitempty"`
}

type nccoAction struct {
	Action       string         `json:"action"`
	Text         string         `json:"text,omitempty"`
	StreamURL    []string       `json:"streamUrl,omitempty"`
	Loop         *int           `json:"loop,omitempty"`
	Endpoint     []nccoEndpoint `json:"endpoint,omitempty"`
	Name         string         `json:"name,omitempty"`
	Mute         *bool          `json:"mute,omitempty"`
	StartOnEnter *bool          `json:"startOnEnter,omitempty"`
	EndOnExit    *bool          `json:"endOnExit,omitempty"`
	Record       *bool          `json:"record,omitempty"`
	EventURL     []string       `json:"eventUrl,omitempty"`
}

func (r *renderer) ncco(kind Kind, p Params) ([]byte, error) {
	connect := nccoAction{
		Action: "connect",
		Endpoint: []nccoEndpoint{{
			Type:    "sip",
			URI:     r.sipURI(p, false),
			Headers: r.sipHeaders(p),
		}},
	}

	var actions []nccoAction
	switch kind {
	case KindHold:
		loop := 0
		actions = []nccoAction{{Action: "stream", StreamURL: []string{r.cfg.HoldMusicURL}, Loop: &loop}}
	case KindUnhold:
		actions = []nccoAction{connect}
	case KindConsult:
		actions = []nccoAction{{Action: "talk", Text: "Please hold while we connect you."}, connect}
	case KindConference:
		yes := true
		conv := nccoAction{
			Action:       "conversation",
			Name:         p.ConferenceID,
			Mute:         &p.Muted,
			StartOnEnter: &yes,
			EndOnExit:    &p.EndOnExit,
		}
		if r.cfg.RecordingCallbackURL != "" {
			conv.Record = &yes
			conv.EventURL = []string{r.cfg.RecordingCallbackURL}
		}
		actions = []nccoAction{conv}
	case KindDeclined:
		who := "The person you asked for is"
		if p.TargetLabel != "" {
			who = p.TargetLabel + " is"
		}
		actions = []nccoAction{{Action: "talk", Text: who + " not available right now. Let me take you back."}, connect}
	default:
		return nil, fmt.Errorf("unknown instruction kind %q", kind)
	}

	body, err := json.Marshal(actions)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s ncco: %w", kind, err)
	}
	return body, nil
}
