// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_twilio_telephony

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"sync"
	"testing"
	"time"

	internal_type "github.com/rapidaai/callbridge/api/transfer-api/internal/type"
	"github.com/rapidaai/callbridge/pkg/commons"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method string
	Path   string
	Form   url.Values
}

type fakeTwilio struct {
	mu       sync.Mutex
	requests []recordedRequest
	handler  func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeTwilio) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Form: r.PostForm})
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	f.handler(w, r)
}

func (f *fakeTwilio) Requests() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

// rewrite sends every request to the test server whatever host it names.
type rewrite struct {
	target *url.URL
}

func (rw rewrite) RoundTrip(r *http.Request) (*http.Response, error) {
	out := r.Clone(r.Context())
	out.URL.Scheme = rw.target.Scheme
	out.URL.Host = rw.target.Host
	out.Host = rw.target.Host
	return http.DefaultTransport.RoundTrip(out)
}

func newTestLogger(t *testing.T) commons.Logger {
	t.Helper()
	logger, err := commons.NewApplicationLogger(
		commons.Name("test-twilio"),
		commons.Path(t.TempDir()),
		commons.Level("debug"),
		commons.Console(false),
	)
	require.NoError(t, err)
	return logger
}

func newTestTwilio(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (internal_type.CallControl, *fakeTwilio) {
	t.Helper()
	fake := &fakeTwilio{handler: handler}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	target, err := url.Parse(srv.URL)
	require.NoError(t, err)

	cc, err := NewTwilio(newTestLogger(t), map[string]interface{}{
		"account_sid":   "AC123",
		"account_token": "secret",
	}, 5*time.Second, WithTransport(rewrite{target: target}))
	require.NoError(t, err)
	return cc, fake
}

func TestNewTwilio_CredentialValidation(t *testing.T) {
	_, err := NewTwilio(newTestLogger(t), map[string]interface{}{"account_token": "x"}, time.Second)
	assert.ErrorContains(t, err, "accountSid")

	_, err = NewTwilio(newTestLogger(t), map[string]interface{}{"account_sid": "AC1"}, time.Second)
	assert.ErrorContains(t, err, "account_token")
}

func TestTwilio_Redirect(t *testing.T) {
	cc, fake := newTestTwilio(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"sid":"CA1","status":"in-progress"}`)
	})

	err := cc.Redirect(context.Background(), internal_type.Command{LegID: "CA1", InstructionURL: "https://xfer.example.com/v1/transfer/instructions/hold?dialect=twiml"})
	require.NoError(t, err)

	require.Len(t, fake.Requests(), 1)
	req := fake.Requests()[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/2010-04-01/Accounts/AC123/Calls/CA1.json", req.Path)
	assert.Equal(t, "https://xfer.example.com/v1/transfer/instructions/hold?dialect=twiml", req.Form.Get("Url"))
	assert.Equal(t, "GET", req.Form.Get("Method"))
}

func TestTwilio_Originate(t *testing.T) {
	cc, fake := newTestTwilio(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"sid":"CAnew","status":"queued"}`)
	})

	sid, err := cc.Originate(context.Background(), internal_type.OriginateCommand{
		To:                   "+16045551234",
		From:                 "+16042566768",
		InstructionURL:       "https://xfer.example.com/v1/transfer/instructions/consult",
		StatusCallbackURL:    "https://xfer.example.com/v1/transfer/status/room-42",
		StatusCallbackEvents: []string{"answered", "completed"},
	})
	require.NoError(t, err)
	assert.Equal(t, "CAnew", sid)

	req := fake.Requests()[0]
	assert.Equal(t, "/2010-04-01/Accounts/AC123/Calls.json", req.Path)
	assert.Equal(t, "+16045551234", req.Form.Get("To"))
	assert.Equal(t, "+16042566768", req.Form.Get("From"))
	assert.Equal(t, "https://xfer.example.com/v1/transfer/status/room-42", req.Form.Get("StatusCallback"))
	assert.ElementsMatch(t, []string{"answered", "completed"}, req.Form["StatusCallbackEvent"])
}

func TestTwilio_TerminateAlreadyEndedIsSuccess(t *testing.T) {
	cc, fake := newTestTwilio(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":21220,"message":"Call is not in-progress. Cannot redirect.","status":400}`)
	})

	require.NoError(t, cc.Terminate(context.Background(), internal_type.Command{LegID: "CA2"}))
	assert.Equal(t, "completed", fake.Requests()[0].Form.Get("Status"))

	err := cc.Redirect(context.Background(), internal_type.Command{LegID: "CA2", InstructionURL: "https://x"})
	assert.ErrorIs(t, err, internal_type.ErrLegEnded)
}

func TestTwilio_ProviderRejection(t *testing.T) {
	cc, _ := newTestTwilio(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":21211,"message":"Invalid 'To' Phone Number","status":400}`)
	})

	_, err := cc.Originate(context.Background(), internal_type.OriginateCommand{To: "+1", From: "+16042566768", InstructionURL: "https://x"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, internal_type.ErrLegEnded)
	assert.Contains(t, err.Error(), "21211")
}

func TestTwilio_Status(t *testing.T) {
	cc, fake := newTestTwilio(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"sid":"CA1","status":"ringing"}`)
	})
	st, err := cc.Status(context.Background(), "CA1")
	require.NoError(t, err)
	assert.Equal(t, internal_type.LegRinging, st)
	assert.Equal(t, http.MethodGet, fake.Requests()[0].Method)
}

func TestTwilio_MergeRedirectsEachLeg(t *testing.T) {
	cc, fake := newTestTwilio(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/2010-04-01/Accounts/AC123/Calls/CA-bad.json" {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"code":20500,"message":"Internal Server Error","status":500}`)
			return
		}
		fmt.Fprint(w, `{"sid":"CA1"}`)
	})

	err := cc.Merge(context.Background(), internal_type.MergeCommand{
		LegIDs:         []string{"CA1", "CA-bad"},
		ConferenceID:   "conf-1",
		InstructionURL: "https://x/conference",
	})
	var merr *internal_type.MergeError
	require.ErrorAs(t, err, &merr)
	assert.Contains(t, merr.Failed, "CA-bad")
	assert.NotContains(t, merr.Failed, "CA1")
	assert.Len(t, fake.Requests(), 2)
}

func TestTwilio_VerifyWebhook(t *testing.T) {
	cc, _ := newTestTwilio(t, func(w http.ResponseWriter, r *http.Request) {})
	verifier, ok := cc.(internal_type.WebhookVerifier)
	require.True(t, ok)

	publicURL := "https://xfer.example.com/v1/transfer/warm/decision"
	params := map[string]string{"action": "connect", "conf_name": "room-42"}
	signature := sign("secret", publicURL, params)

	r := httptest.NewRequest(http.MethodPost, "/v1/transfer/warm/decision", nil)
	r.Header.Set("X-Twilio-Signature", signature)
	assert.True(t, verifier.VerifyWebhook(r, publicURL, params))

	r.Header.Set("X-Twilio-Signature", "forged")
	assert.False(t, verifier.VerifyWebhook(r, publicURL, params))
}

// sign computes X-Twilio-Signature: HMAC-SHA1 over the url followed by the
// sorted key/value pairs.
func sign(token, publicURL string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	payload := publicURL
	for _, k := range keys {
		payload += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
