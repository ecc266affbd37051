// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_instruction

import (
	"fmt"
	"net/url"
	"strconv"
)

// Kind is the role a leg plays in the transfer, and therefore the instruction
// set it is pointed at.
type Kind string

const (
	KindHold       Kind = "hold"
	KindUnhold     Kind = "unhold"
	KindConsult    Kind = "consult"
	KindConference Kind = "conference"
	KindDeclined   Kind = "declined"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindHold, KindUnhold, KindConsult, KindConference, KindDeclined:
		return k, nil
	}
	return "", fmt.Errorf("unknown instruction kind %q", s)
}

// Params are the values a template is rendered with. They travel inside the
// instruction URL, since the provider passes back only what was embedded there.
type Params struct {
	SessionKey      string
	ConferenceID    string
	ServiceNumber   string
	TargetLabel     string
	AgentName       string
	ConversationRef string
	Muted           bool
	EndOnExit       bool
}

func (p Params) Values() url.Values {
	v := url.Values{}
	set := func(key, value string) {
		if value != "" {
			v.Set(key, value)
		}
	}
	set("session_key", p.SessionKey)
	set("conf_name", p.ConferenceID)
	set("service_number", p.ServiceNumber)
	set("target_label", p.TargetLabel)
	set("agent_name", p.AgentName)
	set("conversation_ref", p.ConversationRef)
	v.Set("muted", strconv.FormatBool(p.Muted))
	v.Set("end_on_exit", strconv.FormatBool(p.EndOnExit))
	return v
}

// ParamsFromValues is the inverse of Params.Values. end_on_exit defaults to
// true and muted to false when absent.
func ParamsFromValues(v url.Values) Params {
	return Params{
		SessionKey:      v.Get("session_key"),
		ConferenceID:    v.Get("conf_name"),
		ServiceNumber:   v.Get("service_number"),
		TargetLabel:     v.Get("target_label"),
		AgentName:       v.Get("agent_name"),
		ConversationRef: v.Get("conversation_ref"),
		Muted:           boolValue(v.Get("muted"), false),
		EndOnExit:       boolValue(v.Get("end_on_exit"), true),
	}
}

func boolValue(s string, def bool) bool {
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return b
}
