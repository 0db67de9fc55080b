package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"marketwatch/internal/config"
	"marketwatch/internal/domain"
	"marketwatch/internal/templatefmt"
)

type flakySender struct {
	channel string
	fails   int
	calls   int
}

func (s *flakySender) Channel() string { return s.channel }

func (s *flakySender) Send(_ context.Context, _ domain.NotificationMessage) error {
	s.calls++
	if s.calls <= s.fails {
		return errors.New("temporary error")
	}
	return nil
}

type captureSender struct {
	channel string
	items   []domain.NotificationMessage
}

func (s *captureSender) Channel() string { return s.channel }

func (s *captureSender) Send(_ context.Context, message domain.NotificationMessage) error {
	s.items = append(s.items, message)
	return nil
}

func testMessage(priority int) domain.NotificationMessage {
	return domain.NotificationMessage{
		MessageID: "msg-1",
		Title:     "btc-breakout",
		Body:      "price crossed threshold",
		Priority:  priority,
		Category:  domain.CategoryPrice,
		CreatedAt: time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC),
	}
}

func TestDispatcherRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	sender := &flakySender{channel: "webhook", fails: 2}
	dispatcher := &Dispatcher{
		senders: map[string]ChannelSender{"webhook": sender},
		retries: map[string]config.NotifyRetry{
			"webhook": {
				Enabled:     true,
				Backoff:     "exponential",
				InitialMS:   1,
				MaxMS:       2,
				MaxAttempts: 0,
			},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := dispatcher.Send(ctx, "webhook", testMessage(5)); err != nil {
		t.Fatalf("expected retry success, got %v", err)
	}
	if sender.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", sender.calls)
	}
}

func TestDispatcherStopsAtMaxAttempts(t *testing.T) {
	t.Parallel()

	sender := &flakySender{channel: "webhook", fails: 10}
	dispatcher := &Dispatcher{
		senders: map[string]ChannelSender{"webhook": sender},
		retries: map[string]config.NotifyRetry{
			"webhook": {
				Enabled:     true,
				Backoff:     "fixed",
				InitialMS:   1,
				MaxMS:       1,
				MaxAttempts: 3,
			},
		},
	}

	err := dispatcher.Send(context.Background(), "webhook", testMessage(5))
	if err == nil || !strings.Contains(err.Error(), "after 3 attempts") {
		t.Fatalf("expected exhaustion error, got %v", err)
	}
	if sender.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", sender.calls)
	}
}

func TestDispatcherReturnsUnknownChannel(t *testing.T) {
	t.Parallel()

	dispatcher := &Dispatcher{senders: map[string]ChannelSender{}}
	if err := dispatcher.Send(context.Background(), "webhook", testMessage(5)); err == nil {
		t.Fatal("expected unknown channel error")
	}
}

func TestDispatcherRendersCategoryTemplate(t *testing.T) {
	t.Parallel()

	priceTemplate, err := templatefmt.ParseNotificationTemplate("test.price", "{{ upper .Title }}: {{ .Body }}")
	if err != nil {
		t.Fatalf("parse template: %v", err)
	}
	sender := &captureSender{channel: "popup"}
	dispatcher := &Dispatcher{
		senders: map[string]ChannelSender{"popup": sender},
		templates: map[string]compiledTemplate{
			templateKey("popup", "price"): {channel: "popup", body: priceTemplate},
		},
	}

	if err := dispatcher.Send(context.Background(), "popup", testMessage(5)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(sender.items) != 1 {
		t.Fatalf("expected one delivery, got %d", len(sender.items))
	}
	if sender.items[0].Body != "BTC-BREAKOUT: price crossed threshold" {
		t.Fatalf("unexpected rendered body %q", sender.items[0].Body)
	}
}

func TestDispatcherFallsBackToDefaultTemplate(t *testing.T) {
	t.Parallel()

	defaultTemplate, err := templatefmt.ParseNotificationTemplate("test.default", "default: {{ .Body }}")
	if err != nil {
		t.Fatalf("parse template: %v", err)
	}
	sender := &captureSender{channel: "popup"}
	dispatcher := &Dispatcher{
		senders: map[string]ChannelSender{"popup": sender},
		templates: map[string]compiledTemplate{
			templateKey("popup", "default"): {channel: "popup", body: defaultTemplate},
		},
	}

	message := testMessage(5)
	message.Category = domain.CategoryVolume
	if err := dispatcher.Send(context.Background(), "popup", message); err != nil {
		t.Fatalf("send: %v", err)
	}
	if sender.items[0].Body != "default: price crossed threshold" {
		t.Fatalf("unexpected rendered body %q", sender.items[0].Body)
	}
}

func TestDispatcherWithoutTemplateKeepsBody(t *testing.T) {
	t.Parallel()

	sender := &captureSender{channel: "popup"}
	dispatcher := &Dispatcher{senders: map[string]ChannelSender{"popup": sender}}

	if err := dispatcher.Send(context.Background(), "popup", testMessage(5)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if sender.items[0].Body != "price crossed threshold" {
		t.Fatalf("unexpected body %q", sender.items[0].Body)
	}
}

func TestNewDispatcherChannels(t *testing.T) {
	t.Parallel()

	var cfg config.NotifyConfig
	cfg.Popup.Enabled = true
	cfg.Webhook.Enabled = true
	cfg.Webhook.URL = "http://localhost/callback"
	cfg.FileLog.Enabled = true
	cfg.FileLog.Path = filepath.Join(t.TempDir(), "alerts.log")

	dispatcher := NewDispatcher(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer dispatcher.Close()

	channels := dispatcher.Channels()
	want := []string{"filelog", "popup", "webhook"}
	if len(channels) != len(want) {
		t.Fatalf("unexpected channels %v", channels)
	}
	for i, channel := range want {
		if channels[i] != channel {
			t.Fatalf("expected channel %q at %d, got %v", channel, i, channels)
		}
	}
	if _, ok := dispatcher.Sender("popup"); !ok {
		t.Fatal("expected popup sender")
	}
}

func TestPopupFeedEviction(t *testing.T) {
	t.Parallel()

	sender := NewPopupSender(config.PopupNotifier{FeedSize: 2})
	for i := 0; i < 3; i++ {
		message := testMessage(5)
		message.Title = strings.Repeat("x", i+1)
		if err := sender.Send(context.Background(), message); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	feed := sender.Feed()
	if len(feed) != 2 {
		t.Fatalf("expected bounded feed, got %d entries", len(feed))
	}
	if feed[0].Title != "xx" || feed[1].Title != "xxx" {
		t.Fatalf("expected oldest entry evicted, got %+v", feed)
	}
}

func TestWebhookSenderPostsJSON(t *testing.T) {
	t.Parallel()

	var received domain.NotificationMessage
	var header string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Token")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := NewWebhookSender(config.WebhookNotifier{
		URL:     server.URL,
		Method:  "POST",
		Headers: map[string]string{"X-Token": "secret"},
	})
	if err := sender.Send(context.Background(), testMessage(7)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if received.MessageID != "msg-1" || received.Priority != 7 {
		t.Fatalf("unexpected payload %+v", received)
	}
	if header != "secret" {
		t.Fatalf("expected custom header, got %q", header)
	}
}

func TestWebhookSenderRejectsErrorStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	sender := NewWebhookSender(config.WebhookNotifier{URL: server.URL})
	err := sender.Send(context.Background(), testMessage(5))
	if err == nil || !strings.Contains(err.Error(), "status=502") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestEmailSenderBuildsMessage(t *testing.T) {
	t.Parallel()

	var gotAddr, gotFrom string
	var gotTo []string
	var gotBody []byte
	sender := NewEmailSender(config.EmailNotifier{
		Host:          "smtp.example.com",
		Port:          587,
		From:          "alerts@example.com",
		To:            []string{"ops@example.com"},
		SubjectPrefix: "[marketwatch]",
	})
	sender.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotBody = addr, from, to, msg
		return nil
	}

	if err := sender.Send(context.Background(), testMessage(5)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotAddr != "smtp.example.com:587" || gotFrom != "alerts@example.com" {
		t.Fatalf("unexpected smtp target %q from %q", gotAddr, gotFrom)
	}
	if len(gotTo) != 1 || gotTo[0] != "ops@example.com" {
		t.Fatalf("unexpected recipients %v", gotTo)
	}
	body := string(gotBody)
	if !strings.Contains(body, "Subject: [marketwatch] btc-breakout\r\n") {
		t.Fatalf("expected prefixed subject in %q", body)
	}
	if !strings.Contains(body, "price crossed threshold") {
		t.Fatalf("expected body text in %q", body)
	}
}

func TestFileLogSenderAppendsJSONLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "alerts.log")
	sender := NewFileLogSender(config.FileLogNotifier{Path: path, MaxSizeMB: 1})
	defer sender.Close()

	if err := sender.Send(context.Background(), testMessage(5)); err != nil {
		t.Fatalf("send: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d", len(lines))
	}
	var decoded domain.NotificationMessage
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatalf("decode line: %v", err)
	}
	if decoded.MessageID != "msg-1" {
		t.Fatalf("unexpected payload %+v", decoded)
	}
}

func TestDesktopSenderRequiresCommand(t *testing.T) {
	t.Parallel()

	sender := NewDesktopSender(config.DesktopNotifier{})
	if err := sender.Send(context.Background(), testMessage(5)); err == nil {
		t.Fatal("expected missing command error")
	}
}

func TestTelegramSenderRequiresCredentials(t *testing.T) {
	t.Parallel()

	sender := NewTelegramSender(config.TelegramNotifier{})
	if err := sender.Send(context.Background(), testMessage(5)); err == nil {
		t.Fatal("expected missing token error")
	}
}
