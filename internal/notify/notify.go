package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/smtp"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"time"

	"marketwatch/internal/config"
	"marketwatch/internal/domain"
	"marketwatch/internal/templatefmt"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"gopkg.in/natefinch/lumberjack.v2"
)

// defaultTemplateName is the fallback template key when no category template exists.
const defaultTemplateName = "default"

// compiledTemplate holds parsed template with channel binding.
// Params: channel key and parsed template object.
// Returns: template metadata for dispatcher rendering.
type compiledTemplate struct {
	channel string
	body    *template.Template
}

// ChannelSender sends one outbound notification to one channel.
// Params: context and rendered notification payload.
// Returns: transport error when send fails.
type ChannelSender interface {
	Channel() string
	Send(ctx context.Context, message domain.NotificationMessage) error
}

// Dispatcher delivers notifications with configured retries/backoff.
// Params: sender list, per-channel retry policy, and compiled template set.
// Returns: send helper for manager layer.
type Dispatcher struct {
	senders      map[string]ChannelSender
	channels     []string
	retries      map[string]config.NotifyRetry
	logger       *slog.Logger
	templates    map[string]compiledTemplate
	templateErrs map[string]error
}

// NewDispatcher builds notification dispatcher from enabled channels.
// Params: global notify config and optional logger.
// Returns: configured dispatcher with available senders.
func NewDispatcher(cfg config.NotifyConfig, logger *slog.Logger) *Dispatcher {
	senders := make(map[string]ChannelSender)
	retries := make(map[string]config.NotifyRetry)
	for _, channel := range config.EnabledNotifyChannels(cfg) {
		sender := newSenderForChannel(channel, cfg)
		if sender == nil {
			continue
		}
		senders[channel] = sender
		if common, ok := config.ChannelSettings(cfg, channel); ok {
			retries[channel] = common.Retry
		}
	}
	channels := make([]string, 0, len(senders))
	for channel := range senders {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	compiledTemplates, templateErrs := buildTemplateSet(cfg)
	return &Dispatcher{
		senders:      senders,
		channels:     channels,
		retries:      retries,
		logger:       logger,
		templates:    compiledTemplates,
		templateErrs: templateErrs,
	}
}

// newSenderForChannel builds transport sender implementation for one channel key.
// Params: normalized channel key and full notify config.
// Returns: channel sender or nil when channel is unknown.
func newSenderForChannel(channel string, cfg config.NotifyConfig) ChannelSender {
	switch channel {
	case config.NotifyChannelPopup:
		return NewPopupSender(cfg.Popup)
	case config.NotifyChannelDesktop:
		return NewDesktopSender(cfg.Desktop)
	case config.NotifyChannelTelegram:
		return NewTelegramSender(cfg.Telegram)
	case config.NotifyChannelEmail:
		return NewEmailSender(cfg.Email)
	case config.NotifyChannelWebhook:
		return NewWebhookSender(cfg.Webhook)
	case config.NotifyChannelFileLog:
		return NewFileLogSender(cfg.FileLog)
	default:
		return nil
	}
}

// Send renders and sends one notification to channel with retry policy.
// Params: destination channel and notification payload.
// Returns: final error after retries.
func (d *Dispatcher) Send(ctx context.Context, channel string, message domain.NotificationMessage) error {
	sender, ok := d.senders[channel]
	if !ok {
		return fmt.Errorf("notify channel %q is not configured", channel)
	}

	rendered := message
	body, err := d.renderBody(channel, message)
	if err != nil {
		return err
	}
	rendered.Body = body

	return d.sendWithRetry(ctx, sender, rendered, d.retries[channel])
}

// sendWithRetry sends one notification with channel-specific retry policy.
// Params: sender, payload, and retry policy for the sender channel.
// Returns: final error after retries.
func (d *Dispatcher) sendWithRetry(ctx context.Context, sender ChannelSender, message domain.NotificationMessage, retry config.NotifyRetry) error {
	if !retry.Enabled {
		return sender.Send(ctx, message)
	}

	attempt := 0
	backoff := time.Duration(retry.InitialMS) * time.Millisecond
	maxBackoff := time.Duration(retry.MaxMS) * time.Millisecond
	var timer *time.Timer
	stopTimer := func() {
		if timer != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}

	for {
		attempt++
		err := sender.Send(ctx, message)
		if err == nil {
			stopTimer()
			if retry.LogEachAttempt && attempt > 1 && d.logger != nil {
				d.logger.Info("notify send recovered after retries", "channel", sender.Channel(), "attempt", attempt)
			}
			return nil
		}
		if retry.LogEachAttempt && d.logger != nil {
			d.logger.Warn("notify send attempt failed", "channel", sender.Channel(), "attempt", attempt, "error", err.Error())
		}

		if retry.MaxAttempts > 0 && attempt >= retry.MaxAttempts {
			stopTimer()
			return fmt.Errorf("channel %s failed after %d attempts: %w", sender.Channel(), attempt, err)
		}

		if timer == nil {
			timer = time.NewTimer(backoff)
		} else {
			stopTimer()
			timer.Reset(backoff)
		}
		select {
		case <-ctx.Done():
			stopTimer()
			return ctx.Err()
		case <-timer.C:
		}

		if strings.EqualFold(retry.Backoff, "exponential") {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// Channels returns configured channel list.
// Params: none.
// Returns: deterministic sender keys.
func (d *Dispatcher) Channels() []string {
	return d.channels
}

// Sender returns one configured channel sender.
// Params: channel key.
// Returns: sender and presence flag.
func (d *Dispatcher) Sender(channel string) (ChannelSender, bool) {
	sender, ok := d.senders[channel]
	return sender, ok
}

// Close releases sender resources that hold file handles.
// Params: none.
// Returns: first close error.
func (d *Dispatcher) Close() error {
	var firstErr error
	for _, sender := range d.senders {
		closer, ok := sender.(io.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// renderBody applies the category template for the channel when one exists.
// Params: destination channel and notification payload.
// Returns: rendered body, falling back to the pre-built message body.
func (d *Dispatcher) renderBody(channel string, message domain.NotificationMessage) (string, error) {
	compiled, err := d.resolveTemplate(channel, string(message.Category))
	if err != nil {
		return "", err
	}
	if compiled.body == nil {
		return message.Body, nil
	}
	var rendered strings.Builder
	if err := compiled.body.Execute(&rendered, message); err != nil {
		return "", fmt.Errorf("render notify template for channel %q: %w", channel, err)
	}
	return rendered.String(), nil
}

// resolveTemplate selects compiled template by category with default fallback.
// Params: destination channel and event category token.
// Returns: compiled template, zero value when the channel has no matching template.
func (d *Dispatcher) resolveTemplate(channel, category string) (compiledTemplate, error) {
	for _, name := range []string{category, defaultTemplateName} {
		key := templateKey(channel, name)
		if err, ok := d.templateErrs[key]; ok && err != nil {
			return compiledTemplate{}, fmt.Errorf("notify template %q is invalid: %w", name, err)
		}
		if compiled, ok := d.templates[key]; ok {
			return compiled, nil
		}
	}
	return compiledTemplate{}, nil
}

// buildTemplateSet compiles named templates from channel-scoped notify config.
// Params: notify config snapshot.
// Returns: compiled template lookup and parse errors by template key.
func buildTemplateSet(cfg config.NotifyConfig) (map[string]compiledTemplate, map[string]error) {
	compiled := make(map[string]compiledTemplate)
	parseErrs := make(map[string]error)
	for _, channel := range config.EnabledNotifyChannels(cfg) {
		for _, templateConfig := range config.ChannelTemplates(cfg, channel) {
			name := strings.ToLower(strings.TrimSpace(templateConfig.Name))
			if name == "" {
				continue
			}
			key := templateKey(channel, name)
			entry, err := templatefmt.ParseNotificationTemplate("notify."+channel+".name-template."+name, templateConfig.Message)
			if err != nil {
				parseErrs[key] = err
			}
			compiled[key] = compiledTemplate{
				channel: channel,
				body:    entry,
			}
		}
	}
	return compiled, parseErrs
}

// templateKey builds deterministic template lookup key by channel+template.
// Params: normalized channel and template names.
// Returns: unique dispatcher lookup key.
func templateKey(channel, name string) string {
	return strings.ToLower(strings.TrimSpace(channel)) + "/" + strings.ToLower(strings.TrimSpace(name))
}

// PopupSender keeps an in-process feed of recent notifications.
// Params: bounded feed guarded by mutex.
// Returns: popup channel sender.
type PopupSender struct {
	mu       sync.Mutex
	feedSize int
	feed     []domain.NotificationMessage
}

// NewPopupSender creates the in-process popup feed sender.
// Params: popup notifier config.
// Returns: initialized sender with bounded feed.
func NewPopupSender(cfg config.PopupNotifier) *PopupSender {
	feedSize := cfg.FeedSize
	if feedSize <= 0 {
		feedSize = 100
	}
	return &PopupSender{
		feedSize: feedSize,
		feed:     make([]domain.NotificationMessage, 0, feedSize),
	}
}

// Channel returns sender channel name.
// Params: none.
// Returns: static channel key.
func (s *PopupSender) Channel() string {
	return config.NotifyChannelPopup
}

// Send appends one notification to the popup feed, evicting the oldest entry.
// Params: context (unused) and notification payload.
// Returns: nil.
func (s *PopupSender) Send(_ context.Context, message domain.NotificationMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feed = append(s.feed, message)
	if len(s.feed) > s.feedSize {
		s.feed = s.feed[len(s.feed)-s.feedSize:]
	}
	return nil
}

// Feed returns a copy of the current popup feed, newest last.
// Params: none.
// Returns: feed snapshot.
func (s *PopupSender) Feed() []domain.NotificationMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.NotificationMessage, len(s.feed))
	copy(out, s.feed)
	return out
}

// DesktopSender shells out to a desktop notification command.
// Params: command name and per-invocation timeout.
// Returns: desktop channel sender.
type DesktopSender struct {
	command string
	timeout time.Duration
}

// NewDesktopSender creates the desktop notification sender.
// Params: desktop notifier config.
// Returns: initialized sender.
func NewDesktopSender(cfg config.DesktopNotifier) *DesktopSender {
	timeoutSec := cfg.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = 5
	}
	return &DesktopSender{
		command: strings.TrimSpace(cfg.Command),
		timeout: time.Duration(timeoutSec) * time.Second,
	}
}

// Channel returns sender channel name.
// Params: none.
// Returns: static channel key.
func (s *DesktopSender) Channel() string {
	return config.NotifyChannelDesktop
}

// Send invokes the configured command with title and body arguments.
// Params: context and notification payload.
// Returns: command start/exit error.
func (s *DesktopSender) Send(ctx context.Context, message domain.NotificationMessage) error {
	if s.command == "" {
		return errors.New("desktop notify command is not configured")
	}
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.command, message.Title, message.Body)
	if output, err := cmd.CombinedOutput(); err != nil {
		trimmed := strings.TrimSpace(string(output))
		if trimmed == "" {
			return fmt.Errorf("desktop notify command: %w", err)
		}
		return fmt.Errorf("desktop notify command: %w (output: %s)", err, trimmed)
	}
	return nil
}

// TelegramSender sends notifications to Telegram Bot API.
// Params: bot token and chat id from config.
// Returns: Telegram channel sender.
type TelegramSender struct {
	client  *tgbot.Bot
	chatID  any
	initErr error
}

// NewTelegramSender creates Telegram sender with HTTP client.
// Params: Telegram notifier config.
// Returns: initialized sender.
func NewTelegramSender(cfg config.TelegramNotifier) *TelegramSender {
	sender := &TelegramSender{
		chatID: normalizeChatID(cfg.ChatID),
	}

	if strings.TrimSpace(cfg.BotToken) == "" {
		sender.initErr = errors.New("telegram bot token is required")
		return sender
	}
	if strings.TrimSpace(cfg.ChatID) == "" {
		sender.initErr = errors.New("telegram chat_id is required")
		return sender
	}

	botClient, err := tgbot.New(cfg.BotToken, tgbot.WithSkipGetMe())
	if err != nil {
		sender.initErr = fmt.Errorf("init telegram bot: %w", err)
		return sender
	}
	sender.client = botClient
	return sender
}

// Channel returns sender channel name.
// Params: none.
// Returns: static channel key.
func (s *TelegramSender) Channel() string {
	return config.NotifyChannelTelegram
}

// Send posts one notification message to Telegram chat.
// Params: context and notification payload.
// Returns: transport or HTTP error.
func (s *TelegramSender) Send(ctx context.Context, message domain.NotificationMessage) error {
	if s.initErr != nil {
		return s.initErr
	}
	if s.client == nil {
		return errors.New("telegram client is not initialized")
	}

	text := message.Body
	if strings.TrimSpace(message.Title) != "" {
		text = "<b>" + message.Title + "</b>\n" + message.Body
	}
	sent, err := s.client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID:    s.chatID,
		Text:      text,
		ParseMode: tgmodels.ParseModeHTML,
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	if sent == nil || sent.ID <= 0 {
		return errors.New("telegram send returned empty message id")
	}
	return nil
}

// normalizeChatID converts numeric chat IDs to int64 and keeps non-numeric IDs as string.
// Params: configured chat ID value from TOML.
// Returns: Telegram API chat id union value.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}

// EmailSender sends notifications through an SMTP relay.
// Params: server, auth, and addressing fields from config.
// Returns: email channel sender.
type EmailSender struct {
	cfg  config.EmailNotifier
	send func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailSender creates the SMTP sender.
// Params: email notifier config.
// Returns: initialized sender.
func NewEmailSender(cfg config.EmailNotifier) *EmailSender {
	return &EmailSender{
		cfg:  cfg,
		send: smtp.SendMail,
	}
}

// Channel returns sender channel name.
// Params: none.
// Returns: static channel key.
func (s *EmailSender) Channel() string {
	return config.NotifyChannelEmail
}

// Send submits one plain-text email to every configured recipient.
// Params: context (checked before dialing) and notification payload.
// Returns: SMTP error.
func (s *EmailSender) Send(ctx context.Context, message domain.NotificationMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(s.cfg.Host) == "" {
		return errors.New("email host is not configured")
	}
	if len(s.cfg.To) == 0 {
		return errors.New("email recipients are not configured")
	}

	subject := strings.TrimSpace(s.cfg.SubjectPrefix + " " + message.Title)
	var body bytes.Buffer
	fmt.Fprintf(&body, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&body, "To: %s\r\n", strings.Join(s.cfg.To, ", "))
	fmt.Fprintf(&body, "Subject: %s\r\n", subject)
	body.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	body.WriteString(message.Body)
	body.WriteString("\r\n")

	var auth smtp.Auth
	if strings.TrimSpace(s.cfg.Username) != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	if err := s.send(addr, auth, s.cfg.From, s.cfg.To, body.Bytes()); err != nil {
		return fmt.Errorf("email send: %w", err)
	}
	return nil
}

// WebhookSender posts notification payload to configured HTTP endpoint.
// Params: endpoint URL, method, timeout, and headers.
// Returns: webhook channel sender.
type WebhookSender struct {
	cfg    config.WebhookNotifier
	client *http.Client
}

// NewWebhookSender creates generic HTTP webhook sender.
// Params: webhook notifier config.
// Returns: initialized sender.
func NewWebhookSender(cfg config.WebhookNotifier) *WebhookSender {
	timeoutSec := cfg.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = 10
	}
	return &WebhookSender{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(timeoutSec) * time.Second,
		},
	}
}

// Channel returns sender channel name.
// Params: none.
// Returns: static channel key.
func (s *WebhookSender) Channel() string {
	return config.NotifyChannelWebhook
}

// Send delivers JSON payload to configured HTTP endpoint.
// Params: context and notification payload.
// Returns: transport or HTTP error.
func (s *WebhookSender) Send(ctx context.Context, message domain.NotificationMessage) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	method := strings.ToUpper(strings.TrimSpace(s.cfg.Method))
	if method == "" {
		method = http.MethodPost
	}
	request, err := http.NewRequestWithContext(ctx, method, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range s.cfg.Headers {
		request.Header.Set(key, value)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("webhook send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return unexpectedHTTPStatusError("webhook", response)
	}
	return nil
}

// unexpectedHTTPStatusError formats non-2xx HTTP response with optional body.
// Params: sender prefix label and HTTP response pointer.
// Returns: status-only or status+body error.
func unexpectedHTTPStatusError(prefix string, response *http.Response) error {
	if response == nil {
		return fmt.Errorf("%s status=0", prefix)
	}
	rawBody, readErr := io.ReadAll(response.Body)
	if readErr != nil {
		return fmt.Errorf("%s status=%d (read body error: %w)", prefix, response.StatusCode, readErr)
	}
	trimmedBody := strings.TrimSpace(string(rawBody))
	if trimmedBody == "" {
		return fmt.Errorf("%s status=%d", prefix, response.StatusCode)
	}
	return fmt.Errorf("%s status=%d body=%s", prefix, response.StatusCode, trimmedBody)
}

// FileLogSender appends notifications as JSON lines to a rotating log file.
// Params: rotating writer from config rotation limits.
// Returns: file log channel sender.
type FileLogSender struct {
	mu     sync.Mutex
	writer *lumberjack.Logger
}

// NewFileLogSender creates the rotating alert log sender.
// Params: file log notifier config.
// Returns: initialized sender.
func NewFileLogSender(cfg config.FileLogNotifier) *FileLogSender {
	return &FileLogSender{
		writer: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		},
	}
}

// Channel returns sender channel name.
// Params: none.
// Returns: static channel key.
func (s *FileLogSender) Channel() string {
	return config.NotifyChannelFileLog
}

// Send appends one JSON line with the full notification payload.
// Params: context (unused) and notification payload.
// Returns: encode or write error.
func (s *FileLogSender) Send(_ context.Context, message domain.NotificationMessage) error {
	line, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode filelog payload: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("filelog write: %w", err)
	}
	return nil
}

// Close closes the rotating log file handle.
// Params: none.
// Returns: close error.
func (s *FileLogSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.Close()
}
