package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir()) // keep a developer .env out of the test

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", cfg.BaseURL)
	assert.Equal(t, 16000, cfg.CaptureSampleRate)
	assert.Equal(t, 4096, cfg.CaptureBlockSize)
	assert.Equal(t, 60, cfg.PendingFrames)
	assert.Equal(t, 24000, cfg.DefaultOutRate)
	assert.Equal(t, 15*time.Second, cfg.DialTimeout)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Equal(t, "Assistant", cfg.DefaultAgentName)
}

func TestLoadConfigVoiceRates(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("VOICE_SAMPLE_RATES", "aria:24000,kore:16000")
	t.Setenv("DEFAULT_OUTPUT_SAMPLE_RATE", "16000")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 24000, cfg.VoiceRate("aria"))
	assert.Equal(t, 16000, cfg.VoiceRate("kore"))
	assert.Equal(t, 16000, cfg.VoiceRate("unknown"))
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"bad scheme", "VOICE_BASE_URL", "ftp://example.com"},
		{"no host", "VOICE_BASE_URL", "not a url"},
		{"bad output rate", "DEFAULT_OUTPUT_SAMPLE_RATE", "44100"},
		{"bad voice rate", "VOICE_SAMPLE_RATES", "aria:8000"},
		{"bad pending cap", "PENDING_CAPTURE_FRAMES", "0"},
		{"bad peer mode", "PEER_MODE", "twilio"},
		{"gemini without key", "PEER_MODE", "gemini"},
		{"not a duration", "DIAL_TIMEOUT", "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv("GEMINI_API_KEY", "")
			t.Setenv(tt.key, tt.val)
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}
