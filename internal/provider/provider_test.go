package provider

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/notifyx/platform/internal/circuitbreaker"
	"github.com/notifyx/platform/internal/notification"
	"github.com/notifyx/platform/internal/template"
)

type fakeProvider struct {
	name      string
	channel   notification.Channel
	valid     bool
	result    notification.DeliveryResult
	sendCount int
}

func (f *fakeProvider) Name() string                  { return f.name }
func (f *fakeProvider) Channel() notification.Channel { return f.channel }
func (f *fakeProvider) Validate(notification.Event, notification.Recipient) notification.ValidationResult {
	if !f.valid {
		return notification.ValidationResult{Valid: false, Errors: []string{"bad target"}}
	}
	return notification.ValidationResult{Valid: true}
}
func (f *fakeProvider) Send(context.Context, *notification.QueueMessage, template.Rendered) notification.DeliveryResult {
	f.sendCount++
	return f.result
}
func (f *fakeProvider) Health(context.Context) error           { return nil }
func (f *fakeProvider) Configure(map[string]interface{}) error { return nil }

func testMessage(ch notification.Channel) *notification.QueueMessage {
	return &notification.QueueMessage{
		ID:       "msg-1",
		TenantID: "t1",
		Event:    notification.Event{ID: "evt-1", TenantID: "t1", EventType: "order.shipped"},
		Recipient: notification.Recipient{
			ID:          "r1",
			Email:       "a@example.com",
			PhoneNumber: "+15550001111",
			DeviceID:    "dev-1",
			SlackUserID: "U123",
			WebhookURL:  "http://example.invalid/hook",
		},
		Channel:  ch,
		Priority: notification.PriorityNormal,
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		OpenTimeout:      0,
	}, zap.NewNop())
	return NewRegistry(breakers, zap.NewNop())
}

func TestSendNoProvider(t *testing.T) {
	r := newTestRegistry(t)
	res := r.Send(context.Background(), testMessage(notification.ChannelEmail), template.Rendered{})
	if res.Success || res.ErrorCode != "no_provider" || res.Retryable {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestSendUsesFirstValidProvider(t *testing.T) {
	r := newTestRegistry(t)
	invalid := &fakeProvider{name: "p1", channel: notification.ChannelEmail, valid: false}
	good := &fakeProvider{name: "p2", channel: notification.ChannelEmail, valid: true,
		result: notification.DeliveryResult{Success: true, ProviderMessageID: "ok-1"}}
	r.Register(invalid)
	r.Register(good)

	res := r.Send(context.Background(), testMessage(notification.ChannelEmail), template.Rendered{})
	if !res.Success || res.ProviderMessageID != "ok-1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if invalid.sendCount != 0 {
		t.Error("invalid provider should be skipped without sending")
	}
	if good.sendCount != 1 {
		t.Errorf("good provider send count = %d", good.sendCount)
	}
}

func TestSendValidationFailureIsPermanent(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(&fakeProvider{name: "p1", channel: notification.ChannelSMS, valid: false})

	res := r.Send(context.Background(), testMessage(notification.ChannelSMS), template.Rendered{})
	if res.Success || res.Retryable || res.ErrorCode != "validation_failed" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestSendOpensBreakerOnRetryableFailures(t *testing.T) {
	r := newTestRegistry(t)
	flaky := &fakeProvider{name: "flaky", channel: notification.ChannelPush, valid: true,
		result: notification.DeliveryResult{Success: false, ErrorCode: "http_503", Retryable: true}}
	r.Register(flaky)

	msg := testMessage(notification.ChannelPush)
	r.Send(context.Background(), msg, template.Rendered{})
	r.Send(context.Background(), msg, template.Rendered{})

	res := r.Send(context.Background(), msg, template.Rendered{})
	if res.ErrorCode != "circuit_open" || !res.Retryable {
		t.Fatalf("expected circuit_open after threshold, got %+v", res)
	}
	if flaky.sendCount != 2 {
		t.Errorf("open breaker should shed load, sendCount=%d", flaky.sendCount)
	}
}

func TestSendPermanentFailureDoesNotTripBreaker(t *testing.T) {
	r := newTestRegistry(t)
	p := &fakeProvider{name: "perm", channel: notification.ChannelEmail, valid: true,
		result: notification.DeliveryResult{Success: false, ErrorCode: "bad_address", Retryable: false}}
	r.Register(p)

	msg := testMessage(notification.ChannelEmail)
	for i := 0; i < 5; i++ {
		res := r.Send(context.Background(), msg, template.Rendered{})
		if res.ErrorCode != "bad_address" {
			t.Fatalf("send %d: %+v", i, res)
		}
	}
	if p.sendCount != 5 {
		t.Errorf("permanent failures must not open the breaker, sendCount=%d", p.sendCount)
	}
}

func TestHasProviderAndChannels(t *testing.T) {
	r := newTestRegistry(t)
	if r.HasProvider(notification.ChannelEmail) {
		t.Error("empty registry should have no providers")
	}
	r.Register(&fakeProvider{name: "p", channel: notification.ChannelEmail, valid: true})
	if !r.HasProvider(notification.ChannelEmail) {
		t.Error("email provider should be visible")
	}
	if chs := r.Channels(); len(chs) != 1 || chs[0] != notification.ChannelEmail {
		t.Errorf("channels: %v", chs)
	}
}

func TestWebhookProviderStatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		success   bool
		retryable bool
	}{
		{200, true, false},
		{429, false, true},
		{500, false, true},
		{503, false, true},
		{400, false, false},
		{404, false, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if ct := req.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("content type: %s", ct)
			}
			w.WriteHeader(tc.status)
		}))
		p := NewWebhookProvider(WebhookConfig{}, zap.NewNop())
		msg := testMessage(notification.ChannelWebhook)
		msg.Recipient.WebhookURL = srv.URL
		res := p.Send(context.Background(), msg, template.Rendered{Subject: "s", Body: "b"})
		srv.Close()
		if res.Success != tc.success || res.Retryable != tc.retryable {
			t.Errorf("status %d: got success=%v retryable=%v", tc.status, res.Success, res.Retryable)
		}
	}
}

func TestWebhookProviderTransportErrorRetries(t *testing.T) {
	p := NewWebhookProvider(WebhookConfig{}, zap.NewNop())
	msg := testMessage(notification.ChannelWebhook)
	msg.Recipient.WebhookURL = "http://127.0.0.1:1/hook"
	res := p.Send(context.Background(), msg, template.Rendered{})
	if res.Success || !res.Retryable || res.ErrorCode != "http_transport" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestPushAuthHeaderForms(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		got = req.Header.Get("Authorization")
		w.Write([]byte(`{"success":1,"failure":0,"results":[{"message_id":"m1"}]}`))
	}))
	defer srv.Close()

	p := NewPushProvider(PushConfig{Endpoint: srv.URL, ServerKey: "abc"}, zap.NewNop())
	res := p.Send(context.Background(), testMessage(notification.ChannelPush), template.Rendered{})
	if !res.Success || res.ProviderMessageID != "m1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got != "key=abc" {
		t.Errorf("default header = %q", got)
	}

	legacy := NewPushProvider(PushConfig{Endpoint: srv.URL, ServerKey: "abc", LegacyAuthHeader: true}, zap.NewNop())
	legacy.Send(context.Background(), testMessage(notification.ChannelPush), template.Rendered{})
	if got != "key =abc" {
		t.Errorf("legacy header = %q", got)
	}
}

func TestPushRejectedTokenIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"success":0,"failure":1,"results":[{"error":"NotRegistered"}]}`))
	}))
	defer srv.Close()

	p := NewPushProvider(PushConfig{Endpoint: srv.URL, ServerKey: "abc"}, zap.NewNop())
	res := p.Send(context.Background(), testMessage(notification.ChannelPush), template.Rendered{})
	if res.Success || res.Retryable || res.ErrorCode != "fcm_NotRegistered" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestSMSValidateRequiresE164(t *testing.T) {
	p := NewSMSProvider(SMSConfig{GatewayURL: "http://example.invalid"}, zap.NewNop())
	r := notification.Recipient{PhoneNumber: "5550001111"}
	if v := p.Validate(notification.Event{}, r); v.Valid {
		t.Error("non-E.164 number should fail validation")
	}
	r.PhoneNumber = "+15550001111"
	if v := p.Validate(notification.Event{}, r); !v.Valid {
		t.Errorf("valid number rejected: %v", v.Errors)
	}
}

func TestSMSSendPostsForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if err := req.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if req.PostForm.Get("To") != "+15550001111" {
			t.Errorf("To = %q", req.PostForm.Get("To"))
		}
		if req.PostForm.Get("Body") == "" {
			t.Error("empty body")
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	p := NewSMSProvider(SMSConfig{GatewayURL: srv.URL, FromNumber: "+15559990000"}, zap.NewNop())
	res := p.Send(context.Background(), testMessage(notification.ChannelSMS), template.Rendered{Subject: "alert", Body: "disk full"})
	if !res.Success {
		t.Fatalf("unexpected result: %+v", res)
	}
}

type fakeSlack struct {
	postErr    error
	lastTarget string
}

func (f *fakeSlack) PostMessageContext(_ context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	f.lastTarget = channelID
	if f.postErr != nil {
		return "", "", f.postErr
	}
	return channelID, "1724500000.000100", nil
}

func (f *fakeSlack) AuthTestContext(context.Context) (*slack.AuthTestResponse, error) {
	return &slack.AuthTestResponse{}, nil
}

func TestSlackSendTargetsUserThenDefault(t *testing.T) {
	api := &fakeSlack{}
	p := newSlackProviderWithAPI(api, SlackConfig{DefaultChannel: "#ops"}, zap.NewNop())

	msg := testMessage(notification.ChannelSlack)
	res := p.Send(context.Background(), msg, template.Rendered{Subject: "s", Body: "b"})
	if !res.Success || res.ProviderMessageID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if api.lastTarget != "U123" {
		t.Errorf("target = %q", api.lastTarget)
	}

	msg.Recipient.SlackUserID = ""
	p.Send(context.Background(), msg, template.Rendered{})
	if api.lastTarget != "#ops" {
		t.Errorf("fallback target = %q", api.lastTarget)
	}
}

func TestSlackErrorClassification(t *testing.T) {
	api := &fakeSlack{postErr: errors.New("invalid_auth")}
	p := newSlackProviderWithAPI(api, SlackConfig{DefaultChannel: "#ops"}, zap.NewNop())
	res := p.Send(context.Background(), testMessage(notification.ChannelSlack), template.Rendered{})
	if res.Success || res.Retryable {
		t.Fatalf("invalid_auth must be permanent: %+v", res)
	}

	api.postErr = errors.New("connection reset")
	res = p.Send(context.Background(), testMessage(notification.ChannelSlack), template.Rendered{})
	if res.Success || !res.Retryable {
		t.Fatalf("transport errors must be retryable: %+v", res)
	}
}

func TestEmailSendBuildsMessage(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	p := NewEmailProvider(EmailConfig{Host: "mail.example.com", Port: 587, From: "noreply@example.com"}, zap.NewNop())
	p.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	res := p.Send(context.Background(), testMessage(notification.ChannelEmail), template.Rendered{Subject: "hi", Body: "there"})
	if !res.Success {
		t.Fatalf("unexpected result: %+v", res)
	}
	if gotAddr != "mail.example.com:587" || gotFrom != "noreply@example.com" {
		t.Errorf("addr=%q from=%q", gotAddr, gotFrom)
	}
	if len(gotTo) != 1 || gotTo[0] != "a@example.com" {
		t.Errorf("to: %v", gotTo)
	}
	if !strings.Contains(string(gotMsg), "Subject: hi") || !strings.Contains(string(gotMsg), "there") {
		t.Errorf("message: %s", gotMsg)
	}
}

func TestEmailNetworkErrorRetries(t *testing.T) {
	p := NewEmailProvider(EmailConfig{Host: "mail.example.com", Port: 587, From: "noreply@example.com"}, zap.NewNop())
	p.send = func(string, smtp.Auth, string, []string, []byte) error {
		return &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	}
	res := p.Send(context.Background(), testMessage(notification.ChannelEmail), template.Rendered{})
	if res.Success || !res.Retryable || res.ErrorCode != "smtp_unreachable" {
		t.Fatalf("unexpected result: %+v", res)
	}

	p.send = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("550 mailbox unavailable")
	}
	res = p.Send(context.Background(), testMessage(notification.ChannelEmail), template.Rendered{})
	if res.Success || res.Retryable || res.ErrorCode != "smtp_error" {
		t.Fatalf("unexpected result: %+v", res)
	}
}
