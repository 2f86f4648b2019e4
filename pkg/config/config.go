// Package config loads the companion client configuration from the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Transport selects which connection strategy the session uses.
type Transport string

const (
	TransportWebSocket    Transport = "websocket"
	TransportServerStream Transport = "server-stream"
	TransportPolling      Transport = "polling"
)

type Config struct {
	// Endpoint is the backend base URL. The websocket strategy rewrites
	// the scheme to ws/wss itself.
	Endpoint string

	Transport      Transport
	ConnectTimeout time.Duration

	// Token is the bearer token when provided via the environment; when
	// empty the CLI prompts for it.
	Token string

	// Persona sliders, each 0-5.
	Empathy    int
	Directness int
	Warmth     int
	Challenge  int

	Voice      string
	LocalLingo bool
	Timezone   string

	// Orchestrate settings. Nil means server default.
	Extract   *bool
	Summarize *int

	// Speech-to-text service used for live transcription; optional.
	STTURL    string
	STTAPIKey string
	STTLang   string

	// MetricsAddr serves the prometheus endpoint when set.
	MetricsAddr string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Endpoint:       envOr("COMPANION_ENDPOINT", "wss://api.companion.local/live"),
		Transport:      Transport(envOr("COMPANION_TRANSPORT", string(TransportWebSocket))),
		ConnectTimeout: envDurationOr("COMPANION_CONNECT_TIMEOUT", 10*time.Second),
		Token:          strings.TrimSpace(os.Getenv("COMPANION_TOKEN")),
		Empathy:        envIntOr("COMPANION_EMPATHY", 3),
		Directness:     envIntOr("COMPANION_DIRECTNESS", 3),
		Warmth:         envIntOr("COMPANION_WARMTH", 3),
		Challenge:      envIntOr("COMPANION_CHALLENGE", 2),
		Voice:          envOr("COMPANION_VOICE", ""),
		LocalLingo:     envBoolOr("COMPANION_LOCAL_LINGO", false),
		Timezone:       envOr("COMPANION_TIMEZONE", ""),
		STTURL:         envOr("COMPANION_STT_URL", ""),
		STTAPIKey:      strings.TrimSpace(os.Getenv("COMPANION_STT_API_KEY")),
		STTLang:        envOr("COMPANION_STT_LANG", "en"),
		MetricsAddr:    envOr("COMPANION_METRICS_ADDR", ""),
	}

	if raw := strings.TrimSpace(os.Getenv("COMPANION_EXTRACT")); raw != "" {
		v := envBoolOr("COMPANION_EXTRACT", false)
		cfg.Extract = &v
	}
	if raw := strings.TrimSpace(os.Getenv("COMPANION_SUMMARIZE")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("COMPANION_SUMMARIZE must be an integer")
		}
		cfg.Summarize = &n
	}

	switch cfg.Transport {
	case TransportWebSocket, TransportServerStream, TransportPolling:
	default:
		return Config{}, fmt.Errorf("COMPANION_TRANSPORT must be one of websocket|server-stream|polling")
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return Config{}, fmt.Errorf("COMPANION_ENDPOINT must not be empty")
	}
	if cfg.ConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("COMPANION_CONNECT_TIMEOUT must be > 0")
	}
	for _, s := range []struct {
		name  string
		value int
	}{
		{"COMPANION_EMPATHY", cfg.Empathy},
		{"COMPANION_DIRECTNESS", cfg.Directness},
		{"COMPANION_WARMTH", cfg.Warmth},
		{"COMPANION_CHALLENGE", cfg.Challenge},
	} {
		if s.value < 0 || s.value > 5 {
			return Config{}, fmt.Errorf("%s must be within 0-5", s.name)
		}
	}
	if cfg.Summarize != nil && *cfg.Summarize < 0 {
		return Config{}, fmt.Errorf("COMPANION_SUMMARIZE must be >= 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
