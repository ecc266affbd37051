// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_instruction

import (
	"embed"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/flosch/pongo2/v6"
	internal_type "github.com/rapidaai/callbridge/api/transfer-api/internal/type"
	"github.com/rapidaai/callbridge/pkg/commons"
	"github.com/rapidaai/callbridge/pkg/utils"
)

//go:embed templates/*.xml
var templateFS embed.FS

const instructionPath = "/v1/transfer/instructions/"

type Config struct {
	// PublicBaseURL is where the provider reaches this service, e.g. https://xfer.example.com
	PublicBaseURL        string
	Dialect              internal_type.Dialect
	SIPDomain            string
	HoldMusicURL         string
	RecordingCallbackURL string
	// DefaultServiceNumber is dialed on the agent runtime when a request carries none.
	DefaultServiceNumber string
	// TemplateDir, when set, overrides the embedded TwiML templates file by file.
	TemplateDir string
}

type Document struct {
	ContentType string
	Body        []byte
}

// Renderer turns an instruction kind into provider markup. Rendering is pure;
// the same kind, dialect and params always give the same document.
type Renderer interface {
	Render(kind Kind, dialect internal_type.Dialect, params Params) (*Document, error)

	// URL is the instruction_ref handed to the provider for kind.
	URL(kind Kind, params Params) string

	// StatusCallbackURL is where the provider reports transferee leg progress.
	StatusCallbackURL(key string) string
}

type renderer struct {
	logger    commons.Logger
	cfg       Config
	templates map[Kind]*pongo2.Template
}

var allKinds = []Kind{KindHold, KindUnhold, KindConsult, KindConference, KindDeclined}

func NewRenderer(logger commons.Logger, cfg Config) (Renderer, error) {
	if utils.IsEmpty(cfg.PublicBaseURL) {
		return nil, fmt.Errorf("instruction renderer requires a public base url")
	}
	if _, err := url.Parse(cfg.PublicBaseURL); err != nil {
		return nil, fmt.Errorf("invalid public base url: %w", err)
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	if cfg.Dialect == "" {
		cfg.Dialect = internal_type.DialectTwiML
	}
	if !cfg.Dialect.Valid() {
		return nil, fmt.Errorf("unsupported instruction dialect %q", cfg.Dialect)
	}

	r := &renderer{logger: logger, cfg: cfg, templates: make(map[Kind]*pongo2.Template, len(allKinds))}
	for _, kind := range allKinds {
		tpl, err := r.loadTemplate(kind)
		if err != nil {
			return nil, err
		}
		r.templates[kind] = tpl
	}
	return r, nil
}

func (r *renderer) loadTemplate(kind Kind) (*pongo2.Template, error) {
	name := string(kind) + ".xml"
	if r.cfg.TemplateDir != "" {
		path := filepath.Join(r.cfg.TemplateDir, name)
		if _, err := os.Stat(path); err == nil {
			r.logger.Infof("using instruction template override %s", path)
			tpl, err := pongo2.FromFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to parse template %s: %w", path, err)
			}
			return tpl, nil
		}
	}
	raw, err := templateFS.ReadFile("templates/" + name)
	if err != nil {
		return nil, fmt.Errorf("missing embedded template %s: %w", name, err)
	}
	tpl, err := pongo2.FromString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
	}
	return tpl, nil
}

func (r *renderer) Render(kind Kind, dialect internal_type.Dialect, params Params) (*Document, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return nil, err
	}
	if dialect == "" {
		dialect = r.cfg.Dialect
	}
	if kind == KindConference && params.ConferenceID == "" {
		return nil, fmt.Errorf("conference instructions require a conference id")
	}

	switch dialect {
	case internal_type.DialectTwiML:
		body, err := r.templates[kind].ExecuteBytes(r.templateContext(params))
		if err != nil {
			return nil, fmt.Errorf("failed to render %s instructions: %w", kind, err)
		}
		return &Document{ContentType: "text/xml", Body: body}, nil
	case internal_type.DialectNCCO:
		body, err := r.ncco(kind, params)
		if err != nil {
			return nil, err
		}
		return &Document{ContentType: "application/json", Body: body}, nil
	}
	return nil, fmt.Errorf("unsupported instruction dialect %q", dialect)
}

func (r *renderer) templateContext(p Params) pongo2.Context {
	return pongo2.Context{
		"hold_music_url":         r.cfg.HoldMusicURL,
		"sip_uri":                r.sipURI(p, true),
		"conference_id":          p.ConferenceID,
		"muted":                  strconv.FormatBool(p.Muted),
		"end_on_exit":            strconv.FormatBool(p.EndOnExit),
		"recording_callback_url": r.cfg.RecordingCallbackURL,
		"target_label":           p.TargetLabel,
		"agent_name":             p.AgentName,
	}
}

func (r *renderer) serviceNumber(p Params) string {
	return utils.FirstNonEmpty(p.ServiceNumber, r.cfg.DefaultServiceNumber)
}

// sipURI addresses the agent runtime. With withHeaders the transfer context
// is appended as SIP headers in URI form, which TwiML <Sip> understands.
func (r *renderer) sipURI(p Params, withHeaders bool) string {
	uri := fmt.Sprintf("sip:%s@%s;transport=tls", r.serviceNumber(p), r.cfg.SIPDomain)
	if !withHeaders {
		return uri
	}
	headers := r.sipHeaders(p)
	if len(headers) == 0 {
		return uri
	}
	q := url.Values{}
	for k, v := range headers {
		q.Set(k, v)
	}
	return uri + "?" + q.Encode()
}

func (r *renderer) sipHeaders(p Params) map[string]string {
	headers := map[string]string{}
	if p.SessionKey != "" {
		headers[utils.HEADER_TRANSFER_SESSION] = p.SessionKey
	}
	if p.TargetLabel != "" {
		headers[utils.HEADER_TRANSFER_TARGET] = p.TargetLabel
	}
	if p.ConversationRef != "" {
		headers[utils.HEADER_CONVERSATION_REF] = p.ConversationRef
	}
	if p.AgentName != "" {
		headers["X-Agent-Name"] = p.AgentName
	}
	return headers
}

func (r *renderer) URL(kind Kind, params Params) string {
	q := params.Values()
	q.Set("dialect", string(r.cfg.Dialect))
	return r.cfg.PublicBaseURL + instructionPath + string(kind) + "?" + q.Encode()
}

func (r *renderer) StatusCallbackURL(key string) string {
	return r.cfg.PublicBaseURL + "/v1/transfer/status/" + url.PathEscape(key)
}
