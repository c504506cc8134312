package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds client and development-peer configuration
type Config struct {
	// Voice pipeline
	BaseURL          string         `env:"VOICE_BASE_URL" envDefault:"http://localhost:8080"`
	Model            string         `env:"VOICE_MODEL" envDefault:""`
	VoiceID          string         `env:"VOICE_ID" envDefault:""`
	VoiceSampleRates map[string]int `env:"VOICE_SAMPLE_RATES" envKeyValSeparator:":"`
	DefaultOutRate   int            `env:"DEFAULT_OUTPUT_SAMPLE_RATE" envDefault:"24000"`
	SystemPrompt     string         `env:"SYSTEM_PROMPT" envDefault:""`
	Language         string         `env:"LANGUAGE" envDefault:"en"`
	DefaultAgentName string         `env:"DEFAULT_AGENT_NAME" envDefault:"Assistant"`

	// Capture
	CaptureSampleRate int `env:"CAPTURE_SAMPLE_RATE" envDefault:"16000"`
	CaptureBlockSize  int `env:"CAPTURE_BLOCK_SIZE" envDefault:"4096"`
	PendingFrames     int `env:"PENDING_CAPTURE_FRAMES" envDefault:"60"`

	// Transport
	DialTimeout  time.Duration `env:"DIAL_TIMEOUT" envDefault:"15s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	PingPeriod   time.Duration `env:"PING_PERIOD" envDefault:"30s"`

	// Registry (optional, Redis is skipped when unreachable)
	RedisURL      string        `env:"REDIS_URL" envDefault:"localhost:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"30m"`

	// Observability
	MetricsAddr string `env:"METRICS_ADDR" envDefault:""`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"console"`

	// Host devices
	SoxPath string `env:"SOX_PATH" envDefault:"sox"`

	// Development peer
	PeerPort       int      `env:"PEER_PORT" envDefault:"8080"`
	PeerMode       string   `env:"PEER_MODE" envDefault:"script"`
	GeminiAPIKey   string   `env:"GEMINI_API_KEY"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	PeerAgentName  string   `env:"PEER_AGENT_NAME" envDefault:"Alex"`
	PeerCompany    string   `env:"PEER_COMPANY_NAME" envDefault:""`
}

// LoadConfig loads configuration from the environment (and .env when present)
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values env.Parse cannot
func (c *Config) Validate() error {
	u, err := url.Parse(strings.TrimSpace(c.BaseURL))
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid VOICE_BASE_URL %q", c.BaseURL)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("VOICE_BASE_URL must use http(s) or ws(s), got %q", u.Scheme)
	}

	if !validOutputRate(c.DefaultOutRate) {
		return fmt.Errorf("invalid DEFAULT_OUTPUT_SAMPLE_RATE: %d (must be 16000 or 24000)", c.DefaultOutRate)
	}
	for voice, rate := range c.VoiceSampleRates {
		if !validOutputRate(rate) {
			return fmt.Errorf("invalid VOICE_SAMPLE_RATES entry %s:%d (must be 16000 or 24000)", voice, rate)
		}
	}
	if c.CaptureSampleRate <= 0 {
		return fmt.Errorf("invalid CAPTURE_SAMPLE_RATE: %d", c.CaptureSampleRate)
	}
	if c.CaptureBlockSize <= 0 {
		return fmt.Errorf("invalid CAPTURE_BLOCK_SIZE: %d", c.CaptureBlockSize)
	}
	if c.PendingFrames <= 0 {
		return fmt.Errorf("invalid PENDING_CAPTURE_FRAMES: %d", c.PendingFrames)
	}

	switch c.PeerMode {
	case "script", "gemini":
	default:
		return fmt.Errorf("invalid PEER_MODE: must be 'script' or 'gemini'")
	}
	if c.PeerMode == "gemini" && strings.TrimSpace(c.GeminiAPIKey) == "" {
		return fmt.Errorf("GEMINI_API_KEY is required when PEER_MODE is gemini")
	}
	return nil
}

// VoiceRate returns the synthesis sample rate declared for a voice
func (c *Config) VoiceRate(voiceID string) int {
	if rate, ok := c.VoiceSampleRates[voiceID]; ok {
		return rate
	}
	return c.DefaultOutRate
}

// PeerAddr returns the development peer listen address
func (c *Config) PeerAddr() string {
	return fmt.Sprintf(":%d", c.PeerPort)
}

func validOutputRate(rate int) bool {
	return rate == 16000 || rate == 24000
}
