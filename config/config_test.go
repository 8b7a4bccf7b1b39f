package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
[database]
host = "db.local"
user = "quill"
name = "quill"
`)

	cfg, err := LoadConfigFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "db.local", cfg.Database.Host)

	interval, err := cfg.Watcher.GetPollInterval()
	require.NoError(t, err)
	assert.Equal(t, 300*time.Second, interval)
	assert.Equal(t, 10, cfg.Watcher.GetBatchSize())

	timeout, err := cfg.Generation.GetTimeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, timeout)

	searchTimeout, err := cfg.Index.GetSearchTimeout()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, searchTimeout)

	assert.Equal(t, 0.9, cfg.Scoring.GetAutoSendThreshold())
	assert.Equal(t, 0.5, cfg.Scoring.GetManualReviewThreshold())
	assert.InDelta(t, 1.0, cfg.Scoring.GetWeights().sum(), weightSumTolerance)

	min, max := cfg.Scoring.GetLengthBand()
	assert.Equal(t, 50, min)
	assert.Equal(t, 500, max)

	assert.Equal(t, "match-style", cfg.Tones.GetDefault())
	assert.Equal(t, "INBOX", cfg.Mail.IMAP.GetMailbox())
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
[watcher]
poll_interval = "1m"
batch_size = 25

[scoring]
auto_send_threshold = 0.95
manual_review_threshold = 0.6
length_min = 20
length_max = 800

[scoring.weights]
sender_familiarity = 0.2
response_length = 0.2
tone_match = 0.2
context_relevance = 0.2
content_safety = 0.2

[[tones.profiles]]
id = "terse"
instruction = "Reply in one sentence."
target_length = 60
`)

	cfg, err := LoadConfigFromFile(path)
	require.NoError(t, err)

	interval, err := cfg.Watcher.GetPollInterval()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, interval)
	assert.Equal(t, 25, cfg.Watcher.GetBatchSize())
	assert.Equal(t, 0.95, cfg.Scoring.GetAutoSendThreshold())

	min, max := cfg.Scoring.GetLengthBand()
	assert.Equal(t, 20, min)
	assert.Equal(t, 800, max)

	require.Len(t, cfg.Tones.Profiles, 1)
	assert.Equal(t, "terse", cfg.Tones.Profiles[0].ID)
}

func TestValidateRejectsBadWeights(t *testing.T) {
	path := writeConfig(t, `
[scoring.weights]
sender_familiarity = 0.5
response_length = 0.5
tone_match = 0.5
context_relevance = 0.5
content_safety = 0.5
`)

	_, err := LoadConfigFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weights must sum to 1.0")
}

func TestValidateRejectsInvertedThresholds(t *testing.T) {
	path := writeConfig(t, `
[scoring]
auto_send_threshold = 0.6
manual_review_threshold = 0.8
`)

	_, err := LoadConfigFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not exceed auto_send_threshold")
}

func TestValidateRejectsDuplicateTones(t *testing.T) {
	path := writeConfig(t, `
[[tones.profiles]]
id = "casual"
instruction = "a"

[[tones.profiles]]
id = "casual"
instruction = "b"
`)

	_, err := LoadConfigFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate tone profile")
}

func TestValidateRequiresAPIKey(t *testing.T) {
	path := writeConfig(t, `
[api]
start = true
`)

	_, err := LoadConfigFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key is required")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
