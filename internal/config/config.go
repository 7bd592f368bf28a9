package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the multimodal companion
// service. Nothing here is mutated after startup.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	SessionIdleTimeout   time.Duration
	SessionSweepInterval time.Duration
	SessionHistoryLimit  int
	PendingResponseCap   int

	FusionStaleness   time.Duration
	ClassifierTimeout time.Duration
	ResponderTimeout  time.Duration

	AudioMaxBytes   int
	AudioMinBytes   int
	AudioSampleRate int

	AuthMode      string // optional | required
	AuthJWTSecret string

	FacialClassifierURL string
	VoiceClassifierURL  string
	TextClassifierURL   string

	ResponderMode    string
	ResponderAPIKey  string
	ResponderBaseURL string
	ResponderModel   string

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "mira"),
		AllowAnyOrigin:       false,
		ShutdownTimeout:      15 * time.Second,
		SessionIdleTimeout:   2 * time.Minute,
		SessionSweepInterval: 5 * time.Second,
		SessionHistoryLimit:  20,
		PendingResponseCap:   16,
		FusionStaleness:      30 * time.Second,
		ClassifierTimeout:    5 * time.Second,
		ResponderTimeout:     20 * time.Second,
		// 16kHz mono PCM16: ~10MB is over five minutes of speech.
		AudioMaxBytes:       10 << 20,
		AudioMinBytes:       8000, // 250ms; shorter segments are noise
		AudioSampleRate:     16000,
		AuthMode:            strings.ToLower(envOrDefault("AUTH_MODE", "optional")),
		AuthJWTSecret:       stringsTrimSpace("AUTH_JWT_SECRET"),
		FacialClassifierURL: stringsTrimSpace("FACIAL_CLASSIFIER_URL"),
		VoiceClassifierURL:  stringsTrimSpace("VOICE_CLASSIFIER_URL"),
		TextClassifierURL:   stringsTrimSpace("TEXT_CLASSIFIER_URL"),
		ResponderMode:       envOrDefault("RESPONDER_MODE", "auto"),
		ResponderAPIKey:     stringsTrimSpace("RESPONDER_API_KEY"),
		ResponderBaseURL:    stringsTrimSpace("RESPONDER_BASE_URL"),
		ResponderModel:      stringsTrimSpace("RESPONDER_MODEL"),
		DatabaseURL:         stringsTrimSpace("DATABASE_URL"),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionIdleTimeout, err = durationFromEnv("SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionSweepInterval, err = durationFromEnv("SESSION_SWEEP_INTERVAL", cfg.SessionSweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.FusionStaleness, err = durationFromEnv("FUSION_STALENESS", cfg.FusionStaleness)
	if err != nil {
		return Config{}, err
	}
	cfg.ClassifierTimeout, err = durationFromEnv("CLASSIFIER_TIMEOUT", cfg.ClassifierTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ResponderTimeout, err = durationFromEnv("RESPONDER_TIMEOUT", cfg.ResponderTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionHistoryLimit, err = intFromEnv("SESSION_HISTORY_LIMIT", cfg.SessionHistoryLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.PendingResponseCap, err = intFromEnv("SESSION_PENDING_RESPONSE_CAP", cfg.PendingResponseCap)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioMaxBytes, err = intFromEnv("AUDIO_MAX_BYTES", cfg.AudioMaxBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioMinBytes, err = intFromEnv("AUDIO_MIN_BYTES", cfg.AudioMinBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioSampleRate, err = intFromEnv("AUDIO_SAMPLE_RATE", cfg.AudioSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionIdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	if cfg.FusionStaleness <= 0 {
		return Config{}, fmt.Errorf("FUSION_STALENESS must be positive")
	}
	if cfg.ClassifierTimeout <= 0 || cfg.ResponderTimeout <= 0 {
		return Config{}, fmt.Errorf("classifier and responder timeouts must be positive")
	}
	if cfg.SessionHistoryLimit <= 0 {
		return Config{}, fmt.Errorf("SESSION_HISTORY_LIMIT must be positive")
	}
	if cfg.PendingResponseCap <= 0 {
		return Config{}, fmt.Errorf("SESSION_PENDING_RESPONSE_CAP must be positive")
	}
	if cfg.AudioMaxBytes <= 0 || cfg.AudioMinBytes < 0 || cfg.AudioMinBytes >= cfg.AudioMaxBytes {
		return Config{}, fmt.Errorf("audio byte bounds are inconsistent")
	}
	if cfg.AudioSampleRate <= 0 {
		return Config{}, fmt.Errorf("AUDIO_SAMPLE_RATE must be positive")
	}
	switch cfg.AuthMode {
	case "optional", "required":
	default:
		return Config{}, fmt.Errorf("AUTH_MODE must be optional or required, got %q", cfg.AuthMode)
	}
	if cfg.AuthMode == "required" && cfg.AuthJWTSecret == "" {
		return Config{}, fmt.Errorf("AUTH_MODE=required needs AUTH_JWT_SECRET")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
