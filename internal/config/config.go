package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"marketwatch/internal/condition"
	"marketwatch/internal/domain"
	"marketwatch/internal/templatefmt"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultHTTPListen         = ":8080"
	defaultHealthPath         = "/healthz"
	defaultReadyPath          = "/readyz"
	defaultIngestPath         = "/ingest"
	defaultStatusPath         = "/status"
	defaultNATSSubject        = "marketwatch.snapshots"
	defaultNATSIngestStream   = "MARKETWATCH_SNAPSHOTS"
	defaultNATSIngestConsumer = "marketwatch-ingest"
	defaultNATSIngestGroup    = "marketwatch-workers"
	defaultNATSIngestWorkers  = 1
	defaultNATSAckWaitSec     = 30
	defaultNATSNackDelayMS    = 1000
	defaultNATSMaxDeliver     = -1
	defaultNATSMaxAckPending  = 2048
	defaultNATSURL            = "nats://127.0.0.1:4222"

	defaultEngineMaxParallel       = 8
	defaultEngineCacheTTLSec       = 300
	defaultEngineAdaptiveThreshold = 10
	defaultEngineMaxExecutionMS    = 5000

	defaultNotifyMaxQueue   = 1024
	defaultNotifyBatchSize  = 16
	defaultNotifyRateWindow = 60

	// ServiceModeNATS keeps NATS-backed ingest/queue settings.
	ServiceModeNATS = "nats"
	// ServiceModeSingle keeps single-instance mode without NATS dependencies.
	ServiceModeSingle = "single"

	// NotifyChannelPopup identifies the in-process popup feed transport.
	NotifyChannelPopup = "popup"
	// NotifyChannelDesktop identifies the desktop notification transport.
	NotifyChannelDesktop = "desktop"
	// NotifyChannelTelegram identifies the Telegram bot transport.
	NotifyChannelTelegram = "telegram"
	// NotifyChannelEmail identifies the SMTP transport.
	NotifyChannelEmail = "email"
	// NotifyChannelWebhook identifies the generic HTTP webhook transport.
	NotifyChannelWebhook = "webhook"
	// NotifyChannelFileLog identifies the rotating alert log transport.
	NotifyChannelFileLog = "filelog"
)

var (
	notifyChannelOrder = []string{
		NotifyChannelPopup,
		NotifyChannelDesktop,
		NotifyChannelTelegram,
		NotifyChannelEmail,
		NotifyChannelWebhook,
		NotifyChannelFileLog,
	}
	notifyChannelRegistry = map[string]notifyChannelDescriptor{
		NotifyChannelPopup: {
			enabled:   func(cfg NotifyConfig) bool { return cfg.Popup.Enabled },
			channel:   func(cfg NotifyConfig) ChannelCommon { return cfg.Popup.ChannelCommon },
			templates: func(cfg NotifyConfig) []NamedTemplateConfig { return cfg.Popup.NameTemplate },
		},
		NotifyChannelDesktop: {
			enabled:   func(cfg NotifyConfig) bool { return cfg.Desktop.Enabled },
			channel:   func(cfg NotifyConfig) ChannelCommon { return cfg.Desktop.ChannelCommon },
			templates: func(cfg NotifyConfig) []NamedTemplateConfig { return cfg.Desktop.NameTemplate },
		},
		NotifyChannelTelegram: {
			enabled:   func(cfg NotifyConfig) bool { return cfg.Telegram.Enabled },
			channel:   func(cfg NotifyConfig) ChannelCommon { return cfg.Telegram.ChannelCommon },
			templates: func(cfg NotifyConfig) []NamedTemplateConfig { return cfg.Telegram.NameTemplate },
		},
		NotifyChannelEmail: {
			enabled:   func(cfg NotifyConfig) bool { return cfg.Email.Enabled },
			channel:   func(cfg NotifyConfig) ChannelCommon { return cfg.Email.ChannelCommon },
			templates: func(cfg NotifyConfig) []NamedTemplateConfig { return cfg.Email.NameTemplate },
		},
		NotifyChannelWebhook: {
			enabled:   func(cfg NotifyConfig) bool { return cfg.Webhook.Enabled },
			channel:   func(cfg NotifyConfig) ChannelCommon { return cfg.Webhook.ChannelCommon },
			templates: func(cfg NotifyConfig) []NamedTemplateConfig { return cfg.Webhook.NameTemplate },
		},
		NotifyChannelFileLog: {
			enabled:   func(cfg NotifyConfig) bool { return cfg.FileLog.Enabled },
			channel:   func(cfg NotifyConfig) ChannelCommon { return cfg.FileLog.ChannelCommon },
			templates: func(cfg NotifyConfig) []NamedTemplateConfig { return cfg.FileLog.NameTemplate },
		},
	}
	unsupportedNotifyQueueURLPattern = regexp.MustCompile(`(?si)\[\s*notify\.queue\s*\][^\[]*\burl\s*=`)
	unsupportedIngestNATSFixedKeys   = regexp.MustCompile(`(?mi)^\s*(?:subject|stream|consumer_name|deliver_group)\s*=`)
)

// notifyChannelDescriptor stores generic accessors for one notify transport.
// Params: config readers for enabled/common/templates fields.
// Returns: channel metadata used by generic helpers.
type notifyChannelDescriptor struct {
	enabled   func(NotifyConfig) bool
	channel   func(NotifyConfig) ChannelCommon
	templates func(NotifyConfig) []NamedTemplateConfig
}

// Config holds service runtime settings and declarative conditions.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service   ServiceConfig          `toml:"service"`
	Log       LogConfig              `toml:"log"`
	Ingest    IngestConfig           `toml:"ingest"`
	Engine    EngineConfig           `toml:"engine"`
	Notify    NotifyConfig           `toml:"notify"`
	Condition []condition.Descriptor `toml:"condition"`
}

// ServiceConfig contains process-level settings.
// Params: service name and deployment mode.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name string `toml:"name"`
	Mode string `toml:"mode"`
}

// LogConfig contains console/file logging sinks.
// Params: sink settings for each output target.
// Returns: logger setup options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogFileConfig `toml:"file"`
}

// LogSinkConfig defines the console logging sink.
// Params: sink enable flag, level, and format.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
}

// LogFileConfig defines the rotating file logging sink.
// Params: sink enable flag, level, format, path, and rotation limits.
// Returns: file sink behavior.
type LogFileConfig struct {
	Enabled    bool   `toml:"enabled"`
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	Path       string `toml:"path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// IngestConfig defines inbound snapshot interfaces.
// Params: embedded HTTP and NATS subscription controls.
// Returns: ingestion runtime options.
type IngestConfig struct {
	HTTP HTTPIngestConfig `toml:"http"`
	NATS NATSIngestConfig `toml:"nats"`
}

// HTTPIngestConfig configures the HTTP snapshot intake endpoint.
// Params: enable flag, listen/endpoints, and optional body size limit.
// Returns: HTTP ingest behavior.
type HTTPIngestConfig struct {
	Enabled      bool   `toml:"enabled"`
	Listen       string `toml:"listen"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	IngestPath   string `toml:"ingest_path"`
	StatusPath   string `toml:"status_path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// NATSIngestConfig configures JetStream queue-consumer snapshot intake.
// Params: connection + worker/ack/redelivery policy; stream routing keys are runtime-fixed.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"url"`
	Subject       string   `toml:"-"`
	Stream        string   `toml:"-"`
	ConsumerName  string   `toml:"-"`
	DeliverGroup  string   `toml:"-"`
	Workers       int      `toml:"workers"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
}

// EngineConfig tunes condition evaluation behavior.
// Params: default strategy, parallelism, cache, and timeout policy.
// Returns: engine runtime options.
type EngineConfig struct {
	Strategy          string `toml:"strategy"`
	MaxParallel       int    `toml:"max_parallel"`
	CacheEnabled      bool   `toml:"cache_enabled"`
	CacheTTLSec       int    `toml:"cache_ttl_sec"`
	AdaptiveThreshold int    `toml:"adaptive_threshold"`
	MaxExecutionMS    int    `toml:"max_execution_ms"`
	TimeoutHandling   string `toml:"timeout_handling"`
}

// NotifyConfig defines outbound notification behavior.
// Params: queue sizing, delivery queue, and per-channel transport settings.
// Returns: notification controls.
type NotifyConfig struct {
	MaxQueueSize       int              `toml:"max_queue_size"`
	BatchSize          int              `toml:"batch_size"`
	RateLimitWindowSec int              `toml:"rate_limit_window_sec"`
	Queue              NotifyQueue      `toml:"queue"`
	Popup              PopupNotifier    `toml:"popup"`
	Desktop            DesktopNotifier  `toml:"desktop"`
	Telegram           TelegramNotifier `toml:"telegram"`
	Email              EmailNotifier    `toml:"email"`
	Webhook            WebhookNotifier  `toml:"webhook"`
	FileLog            FileLogNotifier  `toml:"filelog"`
}

// NotifyQueue defines asynchronous delivery queue settings.
// Params: enable flag, worker/ack policy, and optional fixed DLQ toggle.
// Returns: async notify pipeline controls.
type NotifyQueue struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"-"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
	DLQ           bool     `toml:"dlq"`
}

// ChannelCommon holds filter and retry fields shared by all transports.
// Params: minimum event priority, per-window rate limit, and retry policy.
// Returns: shared channel controls embedded into transport configs.
type ChannelCommon struct {
	MinPriority     int         `toml:"min_priority"`
	RateLimitPerWin int         `toml:"rate_limit"`
	Retry           NotifyRetry `toml:"retry"`
}

// NotifyRetry configures outbound delivery retries.
// Params: retry toggle, backoff, attempt limits, and logging.
// Returns: retry policy for notifications.
type NotifyRetry struct {
	Enabled        bool   `toml:"enabled"`
	Backoff        string `toml:"backoff"`
	InitialMS      int    `toml:"initial_ms"`
	MaxMS          int    `toml:"max_ms"`
	MaxAttempts    int    `toml:"max_attempts"`
	LogEachAttempt bool   `toml:"log_each_attempt"`
}

// NamedTemplateConfig describes one reusable message template within one channel section.
// Params: template name and Go text/template body.
// Returns: template entry referenced by trigger category.
type NamedTemplateConfig struct {
	Name    string `toml:"name"`
	Message string `toml:"message"`
}

// PopupNotifier defines the in-process popup feed channel.
// Params: enabled flag, feed capacity, and shared channel controls.
// Returns: popup sender configuration.
type PopupNotifier struct {
	Enabled  bool `toml:"enabled"`
	FeedSize int  `toml:"feed_size"`
	ChannelCommon
	NameTemplate []NamedTemplateConfig `toml:"name-template"`
}

// DesktopNotifier defines the desktop notification channel.
// Params: enabled flag, notifier command, and shared channel controls.
// Returns: desktop sender configuration.
type DesktopNotifier struct {
	Enabled    bool   `toml:"enabled"`
	Command    string `toml:"command"`
	TimeoutSec int    `toml:"timeout_sec"`
	ChannelCommon
	NameTemplate []NamedTemplateConfig `toml:"name-template"`
}

// TelegramNotifier defines Telegram bot channel settings.
// Params: enabled flag, bot token, chat ID, and shared channel controls.
// Returns: Telegram sender configuration.
type TelegramNotifier struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
	ChannelCommon
	NameTemplate []NamedTemplateConfig `toml:"name-template"`
}

// EmailNotifier defines SMTP channel settings.
// Params: enabled flag, server/auth/addressing fields, and shared channel controls.
// Returns: email sender configuration.
type EmailNotifier struct {
	Enabled       bool     `toml:"enabled"`
	Host          string   `toml:"host"`
	Port          int      `toml:"port"`
	Username      string   `toml:"username"`
	Password      string   `toml:"password"`
	From          string   `toml:"from"`
	To            []string `toml:"to"`
	SubjectPrefix string   `toml:"subject_prefix"`
	ChannelCommon
	NameTemplate []NamedTemplateConfig `toml:"name-template"`
}

// WebhookNotifier defines generic outbound HTTP webhook settings.
// Params: URL, method, timeout, optional static headers, and shared channel controls.
// Returns: webhook sender configuration.
type WebhookNotifier struct {
	Enabled    bool              `toml:"enabled"`
	URL        string            `toml:"url"`
	Method     string            `toml:"method"`
	TimeoutSec int               `toml:"timeout_sec"`
	Headers    map[string]string `toml:"headers"`
	ChannelCommon
	NameTemplate []NamedTemplateConfig `toml:"name-template"`
}

// FileLogNotifier defines the rotating alert log channel.
// Params: enabled flag, path, rotation limits, and shared channel controls.
// Returns: file log sender configuration.
type FileLogNotifier struct {
	Enabled    bool   `toml:"enabled"`
	Path       string `toml:"path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
	ChannelCommon
	NameTemplate []NamedTemplateConfig `toml:"name-template"`
}

// ConfigSource describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NormalizeServiceMode lowers and defaults the deployment mode token.
// Params: raw mode token from config.
// Returns: normalized mode, single-instance by default.
func NormalizeServiceMode(mode string) string {
	mode = strings.TrimSpace(strings.ToLower(mode))
	if mode == "" {
		return ServiceModeSingle
	}
	return mode
}

// IsSupportedServiceMode reports whether the mode token is known.
// Params: normalized mode token.
// Returns: true for nats/single.
func IsSupportedServiceMode(mode string) bool {
	return mode == ServiceModeNATS || mode == ServiceModeSingle
}

// EnabledNotifyChannels lists enabled transports in deterministic order.
// Params: notify configuration snapshot.
// Returns: ordered enabled channel name list.
func EnabledNotifyChannels(cfg NotifyConfig) []string {
	out := make([]string, 0, len(notifyChannelOrder))
	for _, name := range notifyChannelOrder {
		if notifyChannelRegistry[name].enabled(cfg) {
			out = append(out, name)
		}
	}
	return out
}

// ChannelSettings returns the shared filter/retry block for one transport.
// Params: notify configuration and channel name.
// Returns: shared settings and presence flag.
func ChannelSettings(cfg NotifyConfig, channel string) (ChannelCommon, bool) {
	descriptor, ok := notifyChannelRegistry[channel]
	if !ok {
		return ChannelCommon{}, false
	}
	return descriptor.channel(cfg), true
}

// ChannelTemplates returns the named template list for one transport.
// Params: notify configuration and channel name.
// Returns: template list, nil for unknown channels.
func ChannelTemplates(cfg NotifyConfig, channel string) []NamedTemplateConfig {
	descriptor, ok := notifyChannelRegistry[channel]
	if !ok {
		return nil
	}
	return descriptor.templates(cfg)
}

// rejectUnsupportedSyntax checks forbidden TOML syntax and returns explicit error.
// Params: raw TOML file body.
// Returns: error when unsupported syntax is detected.
func rejectUnsupportedSyntax(body []byte) error {
	if unsupportedNotifyQueueURLPattern.Match(body) {
		return errors.New("notify.queue.url is not supported; notify queue NATS URL is derived from ingest.nats.url")
	}
	if unsupportedIngestNATSFixedKeys.Match(body) {
		return errors.New("ingest.nats.subject/stream/consumer_name/deliver_group are fixed in runtime and must not be configured")
	}
	return nil
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := rejectUnsupportedSyntax(body); err != nil {
		return Config{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(body, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	return cfg, nil
}

// loadDir reads and merges TOML files from one directory in name order.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.ToLower(filepath.Ext(entry.Name())) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	for _, file := range files {
		fragment, err := loadFile(file)
		if err != nil {
			return Config{}, err
		}
		mergeConfig(&merged, fragment)
	}
	return merged, nil
}

// mergeConfig overlays one fragment onto the destination snapshot.
// Params: destination config and next fragment.
// Returns: merged configuration side-effect in dst; conditions append.
func mergeConfig(dst *Config, src Config) {
	if src.Service != (ServiceConfig{}) {
		dst.Service = src.Service
	}
	if src.Log != (LogConfig{}) {
		dst.Log = src.Log
	}
	if hasIngestConfig(src.Ingest) {
		dst.Ingest = src.Ingest
	}
	if src.Engine != (EngineConfig{}) {
		dst.Engine = src.Engine
	}
	if hasNotifyConfig(src.Notify) {
		dst.Notify = src.Notify
	}
	if len(src.Condition) > 0 {
		dst.Condition = append(dst.Condition, src.Condition...)
	}
}

// hasIngestConfig checks whether ingest section contains any explicit values.
// Params: ingest configuration fragment.
// Returns: true when section should replace the destination.
func hasIngestConfig(cfg IngestConfig) bool {
	if cfg.HTTP != (HTTPIngestConfig{}) {
		return true
	}
	return cfg.NATS.Enabled || len(cfg.NATS.URL) > 0 || cfg.NATS.Workers != 0 ||
		cfg.NATS.AckWaitSec != 0 || cfg.NATS.NackDelayMS != 0 ||
		cfg.NATS.MaxDeliver != 0 || cfg.NATS.MaxAckPending != 0
}

// hasNotifyConfig checks whether notify section contains any explicit values.
// Params: notify configuration fragment.
// Returns: true when section should replace the destination.
func hasNotifyConfig(cfg NotifyConfig) bool {
	if cfg.MaxQueueSize != 0 || cfg.BatchSize != 0 || cfg.RateLimitWindowSec != 0 {
		return true
	}
	if cfg.Queue.Enabled || cfg.Queue.AckWaitSec != 0 || cfg.Queue.NackDelayMS != 0 ||
		cfg.Queue.MaxDeliver != 0 || cfg.Queue.MaxAckPending != 0 || cfg.Queue.DLQ {
		return true
	}
	for _, name := range notifyChannelOrder {
		descriptor := notifyChannelRegistry[name]
		if descriptor.enabled(cfg) || len(descriptor.templates(cfg)) > 0 {
			return true
		}
		if descriptor.channel(cfg) != (ChannelCommon{}) {
			return true
		}
	}
	return false
}

// applyDefaults fills omitted config fields with safe defaults.
// Params: cfg pointer to decoded snapshot.
// Returns: defaults applied in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = "marketwatch"
	}
	cfg.Service.Mode = NormalizeServiceMode(cfg.Service.Mode)

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if cfg.Log.File.MaxSizeMB <= 0 {
		cfg.Log.File.MaxSizeMB = 64
	}
	if cfg.Log.File.MaxBackups <= 0 {
		cfg.Log.File.MaxBackups = 5
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	if strings.TrimSpace(cfg.Ingest.HTTP.Listen) == "" {
		cfg.Ingest.HTTP.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.HealthPath) == "" {
		cfg.Ingest.HTTP.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.ReadyPath) == "" {
		cfg.Ingest.HTTP.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.IngestPath) == "" {
		cfg.Ingest.HTTP.IngestPath = defaultIngestPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.StatusPath) == "" {
		cfg.Ingest.HTTP.StatusPath = defaultStatusPath
	}
	if cfg.Ingest.HTTP.MaxBodyBytes <= 0 {
		cfg.Ingest.HTTP.MaxBodyBytes = 2 << 20
	}

	if cfg.Service.Mode == ServiceModeSingle {
		// Single mode always disables NATS-dependent paths regardless of user flags.
		cfg.Ingest.NATS.Enabled = false
		cfg.Notify.Queue.Enabled = false
		cfg.Notify.Queue.DLQ = false
	} else {
		cfg.Ingest.NATS.URL = normalizeNATSURLs(cfg.Ingest.NATS.URL)
		if len(cfg.Ingest.NATS.URL) == 0 {
			cfg.Ingest.NATS.URL = []string{defaultNATSURL}
		}
		cfg.Ingest.NATS.Subject = defaultNATSSubject
		cfg.Ingest.NATS.Stream = defaultNATSIngestStream
		cfg.Ingest.NATS.ConsumerName = defaultNATSIngestConsumer
		cfg.Ingest.NATS.DeliverGroup = defaultNATSIngestGroup
		if cfg.Ingest.NATS.Workers == 0 {
			cfg.Ingest.NATS.Workers = defaultNATSIngestWorkers
		}
		if cfg.Ingest.NATS.AckWaitSec <= 0 {
			cfg.Ingest.NATS.AckWaitSec = defaultNATSAckWaitSec
		}
		if cfg.Ingest.NATS.NackDelayMS <= 0 {
			cfg.Ingest.NATS.NackDelayMS = defaultNATSNackDelayMS
		}
		if cfg.Ingest.NATS.MaxDeliver == 0 {
			cfg.Ingest.NATS.MaxDeliver = defaultNATSMaxDeliver
		}
		if cfg.Ingest.NATS.MaxAckPending <= 0 {
			cfg.Ingest.NATS.MaxAckPending = defaultNATSMaxAckPending
		}
		if !cfg.Ingest.HTTP.Enabled && !cfg.Ingest.NATS.Enabled {
			cfg.Ingest.HTTP.Enabled = true
		}
	}

	if strings.TrimSpace(cfg.Engine.Strategy) == "" {
		cfg.Engine.Strategy = string(domain.StrategySequential)
	}
	if cfg.Engine.MaxParallel <= 0 {
		cfg.Engine.MaxParallel = defaultEngineMaxParallel
	}
	if cfg.Engine.CacheTTLSec <= 0 {
		cfg.Engine.CacheTTLSec = defaultEngineCacheTTLSec
	}
	if cfg.Engine.AdaptiveThreshold <= 0 {
		cfg.Engine.AdaptiveThreshold = defaultEngineAdaptiveThreshold
	}
	if cfg.Engine.MaxExecutionMS <= 0 {
		cfg.Engine.MaxExecutionMS = defaultEngineMaxExecutionMS
	}
	if strings.TrimSpace(cfg.Engine.TimeoutHandling) == "" {
		cfg.Engine.TimeoutHandling = string(domain.TimeoutMark)
	}

	if cfg.Notify.MaxQueueSize <= 0 {
		cfg.Notify.MaxQueueSize = defaultNotifyMaxQueue
	}
	if cfg.Notify.BatchSize <= 0 {
		cfg.Notify.BatchSize = defaultNotifyBatchSize
	}
	if cfg.Notify.RateLimitWindowSec <= 0 {
		cfg.Notify.RateLimitWindowSec = defaultNotifyRateWindow
	}
	if cfg.Service.Mode == ServiceModeNATS {
		// Queue uses the same NATS URL list as ingest in multi-instance mode.
		cfg.Notify.Queue.URL = append([]string(nil), cfg.Ingest.NATS.URL...)
		if cfg.Notify.Queue.AckWaitSec <= 0 {
			cfg.Notify.Queue.AckWaitSec = defaultNATSAckWaitSec
		}
		if cfg.Notify.Queue.NackDelayMS <= 0 {
			cfg.Notify.Queue.NackDelayMS = defaultNATSNackDelayMS
		}
		if cfg.Notify.Queue.MaxDeliver == 0 {
			cfg.Notify.Queue.MaxDeliver = defaultNATSMaxDeliver
		}
		if cfg.Notify.Queue.MaxAckPending <= 0 {
			cfg.Notify.Queue.MaxAckPending = defaultNATSMaxAckPending
		}
	} else {
		cfg.Notify.Queue.URL = nil
	}

	fillChannelDefaults(&cfg.Notify.Popup.ChannelCommon)
	if cfg.Notify.Popup.FeedSize <= 0 {
		cfg.Notify.Popup.FeedSize = 100
	}
	fillChannelDefaults(&cfg.Notify.Desktop.ChannelCommon)
	if strings.TrimSpace(cfg.Notify.Desktop.Command) == "" {
		cfg.Notify.Desktop.Command = "notify-send"
	}
	if cfg.Notify.Desktop.TimeoutSec <= 0 {
		cfg.Notify.Desktop.TimeoutSec = 5
	}
	fillChannelDefaults(&cfg.Notify.Telegram.ChannelCommon)
	fillChannelDefaults(&cfg.Notify.Email.ChannelCommon)
	if cfg.Notify.Email.Port <= 0 {
		cfg.Notify.Email.Port = 587
	}
	if strings.TrimSpace(cfg.Notify.Email.SubjectPrefix) == "" {
		cfg.Notify.Email.SubjectPrefix = "[marketwatch]"
	}
	fillChannelDefaults(&cfg.Notify.Webhook.ChannelCommon)
	if strings.TrimSpace(cfg.Notify.Webhook.Method) == "" {
		cfg.Notify.Webhook.Method = "POST"
	}
	if cfg.Notify.Webhook.TimeoutSec <= 0 {
		cfg.Notify.Webhook.TimeoutSec = 10
	}
	fillChannelDefaults(&cfg.Notify.FileLog.ChannelCommon)
	if cfg.Notify.FileLog.MaxSizeMB <= 0 {
		cfg.Notify.FileLog.MaxSizeMB = 32
	}
	if cfg.Notify.FileLog.MaxBackups <= 0 {
		cfg.Notify.FileLog.MaxBackups = 3
	}

	for i := range cfg.Condition {
		descriptor := &cfg.Condition[i]
		if descriptor.Priority <= 0 {
			descriptor.Priority = 5
		}
	}
}

// fillChannelDefaults normalizes shared channel fields for one transport.
// Params: shared channel block pointer.
// Returns: defaults applied in place.
func fillChannelDefaults(common *ChannelCommon) {
	if common.MinPriority <= 0 {
		common.MinPriority = 1
	}
	fillNotifyRetryDefaults(&common.Retry)
}

// fillNotifyRetryDefaults normalizes retry policy fields for one channel.
// Params: retry policy pointer.
// Returns: policy defaults applied in place.
func fillNotifyRetryDefaults(retry *NotifyRetry) {
	if retry == nil {
		return
	}
	if retry.Backoff == "" {
		retry.Backoff = "exponential"
	}
	if retry.InitialMS <= 0 {
		retry.InitialMS = 500
	}
	if retry.MaxMS <= 0 {
		retry.MaxMS = 60000
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 3
	}
}

// normalizeNATSURLs trims and deduplicates the NATS URL list.
// Params: raw URL list from config.
// Returns: normalized list without blanks or duplicates.
func normalizeNATSURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	seen := make(map[string]struct{}, len(urls))
	for _, raw := range urls {
		url := strings.TrimSpace(raw)
		if url == "" {
			continue
		}
		if _, dup := seen[url]; dup {
			continue
		}
		seen[url] = struct{}{}
		out = append(out, url)
	}
	return out
}

// validateConfig validates full runtime configuration.
// Params: cfg snapshot to validate.
// Returns: first validation error.
func validateConfig(cfg Config) error {
	mode := NormalizeServiceMode(cfg.Service.Mode)
	if !IsSupportedServiceMode(mode) {
		return fmt.Errorf("service.mode has unsupported value %q", cfg.Service.Mode)
	}
	if err := validateLogConfig(cfg.Log); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.Listen) == "" {
		return errors.New("ingest.http.listen is required")
	}
	if err := validateEngineConfig(cfg.Engine); err != nil {
		return err
	}
	if err := validateNotifyConfig(cfg.Notify); err != nil {
		return err
	}
	return validateConditions(cfg.Condition)
}

// validateLogConfig checks sink levels, formats, and file path presence.
// Params: log configuration snapshot.
// Returns: first validation error.
func validateLogConfig(cfg LogConfig) error {
	if !isValidLogLevel(cfg.Console.Level) {
		return fmt.Errorf("log.console.level has unsupported value %q", cfg.Console.Level)
	}
	if cfg.Console.Format != "line" && cfg.Console.Format != "json" {
		return fmt.Errorf("log.console.format has unsupported value %q", cfg.Console.Format)
	}
	if !isValidLogLevel(cfg.File.Level) {
		return fmt.Errorf("log.file.level has unsupported value %q", cfg.File.Level)
	}
	if cfg.File.Format != "line" && cfg.File.Format != "json" {
		return fmt.Errorf("log.file.format has unsupported value %q", cfg.File.Format)
	}
	if cfg.File.Enabled && strings.TrimSpace(cfg.File.Path) == "" {
		return errors.New("log.file.path is required when file sink is enabled")
	}
	return nil
}

// isValidLogLevel reports whether the level token is supported.
// Params: level token.
// Returns: true for debug/info/warn/error.
func isValidLogLevel(level string) bool {
	switch strings.TrimSpace(strings.ToLower(level)) {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

// validateEngineConfig checks evaluation strategy and timeout policy tokens.
// Params: engine configuration snapshot.
// Returns: first validation error.
func validateEngineConfig(cfg EngineConfig) error {
	if !domain.ValidStrategy(domain.EvaluationStrategy(cfg.Strategy)) {
		return fmt.Errorf("engine.strategy has unsupported value %q", cfg.Strategy)
	}
	policy := domain.TimeoutPolicy(cfg.TimeoutHandling)
	if policy != domain.TimeoutSkip && policy != domain.TimeoutMark {
		return fmt.Errorf("engine.timeout_handling has unsupported value %q", cfg.TimeoutHandling)
	}
	return nil
}

// validateNotifyConfig checks per-channel required fields and templates.
// Params: notify configuration snapshot.
// Returns: first validation error.
func validateNotifyConfig(cfg NotifyConfig) error {
	if cfg.Telegram.Enabled {
		if strings.TrimSpace(cfg.Telegram.BotToken) == "" {
			return errors.New("notify.telegram.bot_token is required when telegram is enabled")
		}
		if strings.TrimSpace(cfg.Telegram.ChatID) == "" {
			return errors.New("notify.telegram.chat_id is required when telegram is enabled")
		}
	}
	if cfg.Email.Enabled {
		if strings.TrimSpace(cfg.Email.Host) == "" {
			return errors.New("notify.email.host is required when email is enabled")
		}
		if strings.TrimSpace(cfg.Email.From) == "" {
			return errors.New("notify.email.from is required when email is enabled")
		}
		if len(cfg.Email.To) == 0 {
			return errors.New("notify.email.to requires at least one recipient")
		}
	}
	if cfg.Webhook.Enabled && strings.TrimSpace(cfg.Webhook.URL) == "" {
		return errors.New("notify.webhook.url is required when webhook is enabled")
	}
	if cfg.FileLog.Enabled && strings.TrimSpace(cfg.FileLog.Path) == "" {
		return errors.New("notify.filelog.path is required when filelog is enabled")
	}

	for _, name := range notifyChannelOrder {
		descriptor := notifyChannelRegistry[name]
		common := descriptor.channel(cfg)
		if common.MinPriority < 1 || common.MinPriority > 10 {
			return fmt.Errorf("notify.%s.min_priority must be in [1, 10]", name)
		}
		if common.RateLimitPerWin < 0 {
			return fmt.Errorf("notify.%s.rate_limit must be >=0", name)
		}
		if err := validateRetry(name, common.Retry); err != nil {
			return err
		}
		if err := validateTemplates(name, descriptor.templates(cfg)); err != nil {
			return err
		}
	}
	return nil
}

// validateRetry checks retry policy fields for one channel.
// Params: channel name and retry policy.
// Returns: first validation error.
func validateRetry(channel string, retry NotifyRetry) error {
	switch retry.Backoff {
	case "exponential", "fixed":
	default:
		return fmt.Errorf("notify.%s.retry.backoff has unsupported value %q", channel, retry.Backoff)
	}
	if retry.MaxMS < retry.InitialMS {
		return fmt.Errorf("notify.%s.retry.max_ms must be >= initial_ms", channel)
	}
	return nil
}

// validateTemplates parses each named template with shared helpers.
// Params: channel name and template entries.
// Returns: first parse/uniqueness error.
func validateTemplates(channel string, templates []NamedTemplateConfig) error {
	seen := make(map[string]struct{}, len(templates))
	for _, entry := range templates {
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			return fmt.Errorf("notify.%s template name is required", channel)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("notify.%s template %q is duplicated", channel, name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(entry.Message) == "" {
			return fmt.Errorf("notify.%s template %q has empty message", channel, name)
		}
		if _, err := templatefmt.ParseNotificationTemplate(channel+"."+name, entry.Message); err != nil {
			return fmt.Errorf("notify.%s template %q: %w", channel, name, err)
		}
	}
	return nil
}

// validateConditions builds every declared condition to surface config errors.
// Params: declarative condition list.
// Returns: first construction/uniqueness error.
func validateConditions(descriptors []condition.Descriptor) error {
	seen := make(map[string]struct{}, len(descriptors))
	for i, descriptor := range descriptors {
		name := strings.TrimSpace(descriptor.Name)
		if name == "" {
			return fmt.Errorf("condition[%d].name is required", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("condition %q is duplicated", name)
		}
		seen[name] = struct{}{}
		if len(descriptor.ChildIDs) > 0 && !isCompositeConditionType(descriptor.ConditionType) {
			return fmt.Errorf("condition %q: child_ids are only valid for and/or/not", name)
		}
		if isCompositeConditionType(descriptor.ConditionType) {
			for _, childName := range descriptor.ChildIDs {
				if strings.TrimSpace(childName) == "" {
					return fmt.Errorf("condition %q references an empty child name", name)
				}
			}
		}
		if _, err := condition.Create(descriptor); err != nil {
			return fmt.Errorf("condition %q: %w", name, err)
		}
	}
	return nil
}

// isCompositeConditionType reports whether the raw type token is a combinator.
// Params: raw condition_type token.
// Returns: true for and/or/not.
func isCompositeConditionType(conditionType string) bool {
	switch strings.ToLower(strings.TrimSpace(conditionType)) {
	case "and", "or", "not":
		return true
	}
	return false
}
