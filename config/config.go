package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/quillmail/quill/helpers"
)

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Output string `toml:"output"` // "stdout", "stderr", "syslog", or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// DatabaseConfig holds Postgres connection configuration for the draft store
// and the durable correspondence log.
type DatabaseConfig struct {
	Host         string `toml:"host"`
	Port         string `toml:"port"`
	User         string `toml:"user"`
	Password     string `toml:"password"`
	Name         string `toml:"name"`
	TLSMode      bool   `toml:"tls"`
	MaxConns     int    `toml:"max_conns"`
	MinConns     int    `toml:"min_conns"`
	QueryTimeout string `toml:"query_timeout"` // default "30s"
	LogQueries   bool   `toml:"log_queries"`
}

// GetQueryTimeout parses the query timeout with a 30s default.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// IndexConfig configures the context index: the local sqlite vector store and
// the embedding backend it calls.
type IndexConfig struct {
	Path           string `toml:"path"`            // sqlite database path (default "data/index.db")
	EmbeddingURL   string `toml:"embedding_url"`   // default "http://localhost:11434"
	EmbeddingModel string `toml:"embedding_model"` // default "nomic-embed-text"
	SearchTimeout  string `toml:"search_timeout"`  // deadline per similarity query (default "5s")
	RetryAttempts  int    `toml:"retry_attempts"`  // bounded retries for embedding calls (default 3)
	TopK           int    `toml:"top_k"`           // retrieved snippets per draft (default 5)
	SnippetBudget  int    `toml:"snippet_budget"`  // max characters per prompt snippet (default 240)
}

func (c *IndexConfig) GetPath() string {
	if c.Path == "" {
		return "data/index.db"
	}
	return c.Path
}

func (c *IndexConfig) GetEmbeddingURL() string {
	if c.EmbeddingURL == "" {
		return "http://localhost:11434"
	}
	return c.EmbeddingURL
}

func (c *IndexConfig) GetEmbeddingModel() string {
	if c.EmbeddingModel == "" {
		return "nomic-embed-text"
	}
	return c.EmbeddingModel
}

func (c *IndexConfig) GetSearchTimeout() (time.Duration, error) {
	if c.SearchTimeout == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(c.SearchTimeout)
}

func (c *IndexConfig) GetRetryAttempts() int {
	if c.RetryAttempts <= 0 {
		return 3
	}
	return c.RetryAttempts
}

func (c *IndexConfig) GetTopK() int {
	if c.TopK <= 0 {
		return 5
	}
	return c.TopK
}

func (c *IndexConfig) GetSnippetBudget() int {
	if c.SnippetBudget <= 0 {
		return 240
	}
	return c.SnippetBudget
}

// GenerationConfig configures the text-completion backend.
type GenerationConfig struct {
	URL           string  `toml:"url"`            // default "http://localhost:11434"
	Model         string  `toml:"model"`          // default "mistral:7b-instruct"
	Timeout       string  `toml:"timeout"`        // per-call deadline (default "30s")
	RetryAttempts int     `toml:"retry_attempts"` // default 3
	Temperature   float64 `toml:"temperature"`    // default 0.7
	// Circuit breaker: consecutive failures before the breaker opens, and how
	// long it stays open before probing again.
	BreakerThreshold int    `toml:"breaker_threshold"` // default 5
	BreakerCooldown  string `toml:"breaker_cooldown"`  // default "60s"
}

func (c *GenerationConfig) GetURL() string {
	if c.URL == "" {
		return "http://localhost:11434"
	}
	return c.URL
}

func (c *GenerationConfig) GetModel() string {
	if c.Model == "" {
		return "mistral:7b-instruct"
	}
	return c.Model
}

func (c *GenerationConfig) GetTimeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(c.Timeout)
}

func (c *GenerationConfig) GetRetryAttempts() int {
	if c.RetryAttempts <= 0 {
		return 3
	}
	return c.RetryAttempts
}

func (c *GenerationConfig) GetTemperature() float64 {
	if c.Temperature <= 0 {
		return 0.7
	}
	return c.Temperature
}

func (c *GenerationConfig) GetBreakerThreshold() int {
	if c.BreakerThreshold <= 0 {
		return 5
	}
	return c.BreakerThreshold
}

func (c *GenerationConfig) GetBreakerCooldown() (time.Duration, error) {
	if c.BreakerCooldown == "" {
		return 60 * time.Second, nil
	}
	return helpers.ParseDuration(c.BreakerCooldown)
}

// WatcherConfig configures the mail polling cycle.
type WatcherConfig struct {
	PollInterval string `toml:"poll_interval"` // default "300s"
	BatchSize    int    `toml:"batch_size"`    // candidates admitted per cycle (default 10)
}

func (c *WatcherConfig) GetPollInterval() (time.Duration, error) {
	if c.PollInterval == "" {
		return 300 * time.Second, nil
	}
	return helpers.ParseDuration(c.PollInterval)
}

func (c *WatcherConfig) GetBatchSize() int {
	if c.BatchSize <= 0 {
		return 10
	}
	return c.BatchSize
}

// PipelineConfig bounds concurrent draft processing.
type PipelineConfig struct {
	Concurrency int `toml:"concurrency"` // simultaneous drafts in flight (default 3)
}

func (c *PipelineConfig) GetConcurrency() int {
	if c.Concurrency <= 0 {
		return 3
	}
	return c.Concurrency
}

// ScoringWeights holds the five confidence factor weights. They must sum
// to 1.0; Validate enforces this.
type ScoringWeights struct {
	SenderFamiliarity float64 `toml:"sender_familiarity"`
	ResponseLength    float64 `toml:"response_length"`
	ToneMatch         float64 `toml:"tone_match"`
	ContextRelevance  float64 `toml:"context_relevance"`
	ContentSafety     float64 `toml:"content_safety"`
}

// DefaultScoringWeights returns the design-default factor weights. These are
// defaults, not measured calibration; operators tune them in config.
func DefaultScoringWeights() ScoringWeights {
	return ScoringWeights{
		SenderFamiliarity: 0.25,
		ResponseLength:    0.15,
		ToneMatch:         0.15,
		ContextRelevance:  0.20,
		ContentSafety:     0.25,
	}
}

func (w ScoringWeights) sum() float64 {
	return w.SenderFamiliarity + w.ResponseLength + w.ToneMatch + w.ContextRelevance + w.ContentSafety
}

func (w ScoringWeights) isZero() bool {
	return w.sum() == 0
}

// ScoringConfig holds scorer thresholds, the acceptable length band, and
// optional risk pattern overrides.
type ScoringConfig struct {
	AutoSendThreshold     float64        `toml:"auto_send_threshold"`     // default 0.9
	ManualReviewThreshold float64        `toml:"manual_review_threshold"` // default 0.5
	Weights               ScoringWeights `toml:"weights"`
	LengthMin             int            `toml:"length_min"`         // acceptable band lower bound (default 50)
	LengthMax             int            `toml:"length_max"`         // acceptable band upper bound (default 500)
	MonetaryThreshold     float64        `toml:"monetary_threshold"` // dollar amount that escalates risk (default 10000)

	// Optional extra patterns merged into the built-in category sets.
	FinancialPatterns []string `toml:"financial_patterns"`
	LegalPatterns     []string `toml:"legal_patterns"`
	SensitivePatterns []string `toml:"sensitive_patterns"`
	UrgentPatterns    []string `toml:"urgent_patterns"`
}

func (c *ScoringConfig) GetAutoSendThreshold() float64 {
	if c.AutoSendThreshold <= 0 {
		return 0.9
	}
	return c.AutoSendThreshold
}

func (c *ScoringConfig) GetManualReviewThreshold() float64 {
	if c.ManualReviewThreshold <= 0 {
		return 0.5
	}
	return c.ManualReviewThreshold
}

func (c *ScoringConfig) GetWeights() ScoringWeights {
	if c.Weights.isZero() {
		return DefaultScoringWeights()
	}
	return c.Weights
}

func (c *ScoringConfig) GetLengthBand() (min, max int) {
	min, max = c.LengthMin, c.LengthMax
	if min <= 0 {
		min = 50
	}
	if max <= 0 {
		max = 500
	}
	return min, max
}

func (c *ScoringConfig) GetMonetaryThreshold() float64 {
	if c.MonetaryThreshold <= 0 {
		return 10000
	}
	return c.MonetaryThreshold
}

// ToneConfig describes one named tone profile.
type ToneConfig struct {
	ID           string `toml:"id"`
	Instruction  string `toml:"instruction"`
	TargetLength int    `toml:"target_length"`
}

// TonesConfig holds the tone table and the default tone id.
type TonesConfig struct {
	Default  string       `toml:"default"` // default "match-style"
	Profiles []ToneConfig `toml:"profiles"`
}

func (c *TonesConfig) GetDefault() string {
	if c.Default == "" {
		return "match-style"
	}
	return c.Default
}

// IntakeConfig configures the noise classifier and the owning user.
type IntakeConfig struct {
	OwnerAddress string `toml:"owner_address"` // messages from this address are never drafted against

	// Optional extra tokens/phrases merged into the built-in sets.
	SkipSenderTokens []string `toml:"skip_sender_tokens"`
	SkipPhrases      []string `toml:"skip_phrases"`
}

// IMAPConfig configures the inbound mail source.
type IMAPConfig struct {
	Addr     string `toml:"addr"` // host:port
	Username string `toml:"username"`
	Password string `toml:"password"`
	Mailbox  string `toml:"mailbox"` // default "INBOX"
	NoTLS    bool   `toml:"no_tls"`  // plaintext connection, for local testing only
}

func (c *IMAPConfig) GetMailbox() string {
	if c.Mailbox == "" {
		return "INBOX"
	}
	return c.Mailbox
}

// SMTPConfig configures the outbound sender.
type SMTPConfig struct {
	Addr     string `toml:"addr"` // host:port
	Username string `toml:"username"`
	Password string `toml:"password"`
	From     string `toml:"from"` // envelope sender, defaults to username
}

func (c *SMTPConfig) GetFrom() string {
	if c.From == "" {
		return c.Username
	}
	return c.From
}

// MailConfig groups the mail provider endpoints.
type MailConfig struct {
	IMAP IMAPConfig `toml:"imap"`
	SMTP SMTPConfig `toml:"smtp"`
}

// NotifierConfig configures push notifications (ntfy-compatible).
type NotifierConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`   // default "https://ntfy.sh"
	Topic   string `toml:"topic"` // default "quill-drafts"
	Timeout string `toml:"timeout"`
}

func (c *NotifierConfig) GetURL() string {
	if c.URL == "" {
		return "https://ntfy.sh"
	}
	return c.URL
}

func (c *NotifierConfig) GetTopic() string {
	if c.Topic == "" {
		return "quill-drafts"
	}
	return c.Topic
}

func (c *NotifierConfig) GetTimeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(c.Timeout)
}

// APIConfig configures the HTTP review surface.
type APIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`    // default "127.0.0.1:8080"
	APIKey       string   `toml:"api_key"` // plaintext key, or a bcrypt hash ($2…)
	AllowedHosts []string `toml:"allowed_hosts"`
	TLS          bool     `toml:"tls"`
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`
}

func (c *APIConfig) GetAddr() string {
	if c.Addr == "" {
		return "127.0.0.1:8080"
	}
	return c.Addr
}

// ArchiveConfig configures optional S3 archival of raw inbound messages once
// their draft reaches a terminal state.
type ArchiveConfig struct {
	Enabled    bool   `toml:"enabled"`
	Endpoint   string `toml:"endpoint"`
	AccessKey  string `toml:"access_key"`
	SecretKey  string `toml:"secret_key"`
	Bucket     string `toml:"bucket"`
	DisableTLS bool   `toml:"disable_tls"`
}

// Config is the root configuration, loaded once at startup.
type Config struct {
	Logging    LoggingConfig    `toml:"logging"`
	Database   DatabaseConfig   `toml:"database"`
	Index      IndexConfig      `toml:"index"`
	Generation GenerationConfig `toml:"generation"`
	Watcher    WatcherConfig    `toml:"watcher"`
	Pipeline   PipelineConfig   `toml:"pipeline"`
	Scoring    ScoringConfig    `toml:"scoring"`
	Tones      TonesConfig      `toml:"tones"`
	Intake     IntakeConfig     `toml:"intake"`
	Mail       MailConfig       `toml:"mail"`
	Notifier   NotifierConfig   `toml:"notifier"`
	API        APIConfig        `toml:"api"`
	Archive    ArchiveConfig    `toml:"archive"`
}

// NewDefaultConfig returns a Config whose accessors all resolve to defaults.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{Output: "stderr", Format: "console", Level: "info"},
		Database: DatabaseConfig{
			Host: "localhost",
			Port: "5432",
			User: "quill",
			Name: "quill",
		},
	}
}

// LoadConfigFromFile loads and validates a TOML config file, layering it over
// the defaults.
func LoadConfigFromFile(path string) (Config, error) {
	cfg := NewDefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %q: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

const weightSumTolerance = 1e-6

// Validate checks cross-field constraints that TOML decoding cannot.
func (c *Config) Validate() error {
	weights := c.Scoring.GetWeights()
	if diff := math.Abs(weights.sum() - 1.0); diff > weightSumTolerance {
		return fmt.Errorf("scoring weights must sum to 1.0, got %.4f", weights.sum())
	}

	auto := c.Scoring.GetAutoSendThreshold()
	manual := c.Scoring.GetManualReviewThreshold()
	if auto > 1.0 {
		return fmt.Errorf("auto_send_threshold must be <= 1.0, got %.2f", auto)
	}
	if manual > auto {
		return fmt.Errorf("manual_review_threshold (%.2f) must not exceed auto_send_threshold (%.2f)", manual, auto)
	}

	if min, max := c.Scoring.GetLengthBand(); min >= max {
		return fmt.Errorf("length band invalid: min %d must be below max %d", min, max)
	}

	seen := make(map[string]bool, len(c.Tones.Profiles))
	for _, tone := range c.Tones.Profiles {
		if tone.ID == "" {
			return fmt.Errorf("tone profile with empty id")
		}
		if seen[tone.ID] {
			return fmt.Errorf("duplicate tone profile %q", tone.ID)
		}
		seen[tone.ID] = true
	}

	if c.API.Start && c.API.APIKey == "" {
		return fmt.Errorf("api.api_key is required when the API server is enabled")
	}
	if c.API.TLS && (c.API.TLSCertFile == "" || c.API.TLSKeyFile == "") {
		return fmt.Errorf("api.tls requires tls_cert_file and tls_key_file")
	}

	if c.Archive.Enabled {
		if c.Archive.Endpoint == "" || c.Archive.Bucket == "" {
			return fmt.Errorf("archive requires endpoint and bucket when enabled")
		}
	}

	return nil
}
