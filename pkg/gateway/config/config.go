package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Agent provider credentials. The API key is sent only to the issuance
	// endpoint and never logged.
	AgentID          string
	APIKey           string
	ElevenLabsBase   string
	IssueTimeout     time.Duration
	AgentDialTimeout time.Duration

	// Call-control document. PublicHost overrides the request Host when the
	// stream URL is rendered.
	PublicHost   string
	StreamScheme string
	WebhookPath  string
	StreamPath   string

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// This should only be enabled when the bridge is deployed behind a trusted proxy/LB.
	TrustProxyHeaders bool

	// Per-client limits. Zero disables the limit.
	MaxConcurrentCalls int
	WebhookRPS         float64
	WebhookBurst       int

	WSWriteTimeout    time.Duration
	WSMaxMessageBytes int64

	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration

	MetricsEnabled bool
	LogLevel       string
	LogFormat      string
}

// LoadFromEnv builds the configuration from the environment. When
// CALLBRIDGE_CONFIG names a YAML file its values are the defaults the
// environment overrides.
func LoadFromEnv() (Config, error) {
	base, err := loadFile(os.Getenv("CALLBRIDGE_CONFIG"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Addr:                envOr("CALLBRIDGE_ADDR", base.Addr),
		AgentID:             envOr("ELEVENLABS_AGENT_ID", base.AgentID),
		APIKey:              envOr("ELEVENLABS_API_KEY", ""),
		ElevenLabsBase:      envOr("CALLBRIDGE_ELEVENLABS_API_BASE", base.ElevenLabsBase),
		IssueTimeout:        envDurationOr("CALLBRIDGE_ISSUE_TIMEOUT", base.IssueTimeout),
		AgentDialTimeout:    envDurationOr("CALLBRIDGE_AGENT_DIAL_TIMEOUT", base.AgentDialTimeout),
		PublicHost:          envOr("CALLBRIDGE_PUBLIC_HOST", base.PublicHost),
		StreamScheme:        strings.ToLower(envOr("CALLBRIDGE_STREAM_SCHEME", base.StreamScheme)),
		WebhookPath:         envOr("CALLBRIDGE_WEBHOOK_PATH", base.WebhookPath),
		StreamPath:          envOr("CALLBRIDGE_STREAM_PATH", base.StreamPath),
		TrustProxyHeaders:   envBoolOr("CALLBRIDGE_TRUST_PROXY_HEADERS", base.TrustProxyHeaders),
		MaxConcurrentCalls:  envIntOr("CALLBRIDGE_MAX_CONCURRENT_CALLS", base.MaxConcurrentCalls),
		WebhookRPS:          envFloat64Or("CALLBRIDGE_WEBHOOK_RPS", base.WebhookRPS),
		WebhookBurst:        envIntOr("CALLBRIDGE_WEBHOOK_BURST", base.WebhookBurst),
		WSWriteTimeout:      envDurationOr("CALLBRIDGE_WS_WRITE_TIMEOUT", base.WSWriteTimeout),
		WSMaxMessageBytes:   envInt64Or("CALLBRIDGE_WS_MAX_MESSAGE_BYTES", base.WSMaxMessageBytes),
		ReadHeaderTimeout:   envDurationOr("CALLBRIDGE_READ_HEADER_TIMEOUT", base.ReadHeaderTimeout),
		ShutdownGracePeriod: envDurationOr("CALLBRIDGE_SHUTDOWN_GRACE_PERIOD", base.ShutdownGracePeriod),
		MetricsEnabled:      envBoolOr("CALLBRIDGE_METRICS_ENABLED", base.MetricsEnabled),
		LogLevel:            strings.ToLower(envOr("CALLBRIDGE_LOG_LEVEL", base.LogLevel)),
		LogFormat:           strings.ToLower(envOr("CALLBRIDGE_LOG_FORMAT", base.LogFormat)),
	}

	if strings.TrimSpace(cfg.AgentID) == "" {
		return Config{}, fmt.Errorf("ELEVENLABS_AGENT_ID must be set")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return Config{}, fmt.Errorf("ELEVENLABS_API_KEY must be set")
	}
	if u, err := url.Parse(cfg.ElevenLabsBase); err != nil || u.Scheme == "" || u.Host == "" {
		return Config{}, fmt.Errorf("CALLBRIDGE_ELEVENLABS_API_BASE must be an absolute URL")
	}
	switch cfg.StreamScheme {
	case "ws", "wss":
	default:
		return Config{}, fmt.Errorf("CALLBRIDGE_STREAM_SCHEME must be one of ws|wss")
	}
	if !strings.HasPrefix(cfg.WebhookPath, "/") {
		return Config{}, fmt.Errorf("CALLBRIDGE_WEBHOOK_PATH must start with /")
	}
	if !strings.HasPrefix(cfg.StreamPath, "/") {
		return Config{}, fmt.Errorf("CALLBRIDGE_STREAM_PATH must start with /")
	}
	if cfg.WebhookPath == cfg.StreamPath {
		return Config{}, fmt.Errorf("CALLBRIDGE_WEBHOOK_PATH and CALLBRIDGE_STREAM_PATH must differ")
	}
	if strings.ContainsAny(cfg.PublicHost, "/ ") {
		return Config{}, fmt.Errorf("CALLBRIDGE_PUBLIC_HOST must be a bare host[:port]")
	}

	if cfg.MaxConcurrentCalls < 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_MAX_CONCURRENT_CALLS must be >= 0")
	}
	if cfg.WebhookRPS < 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_WEBHOOK_RPS must be >= 0")
	}
	if cfg.WebhookBurst < 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_WEBHOOK_BURST must be >= 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.IssueTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_ISSUE_TIMEOUT must be > 0")
	}
	if cfg.AgentDialTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_AGENT_DIAL_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("CALLBRIDGE_LOG_LEVEL must be one of debug|info|warn|error")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("CALLBRIDGE_LOG_FORMAT must be one of text|json")
	}

	return cfg, nil
}

// Defaults returns the built-in values used when neither a config file nor
// the environment sets a key.
func Defaults() Config {
	return Config{
		Addr:                ":8080",
		ElevenLabsBase:      "https://api.elevenlabs.io",
		IssueTimeout:        10 * time.Second,
		AgentDialTimeout:    10 * time.Second,
		StreamScheme:        "wss",
		WebhookPath:         "/incoming-call-eleven",
		StreamPath:          "/media-stream",
		MaxConcurrentCalls:  0,
		WebhookRPS:          5,
		WebhookBurst:        10,
		WSWriteTimeout:      10 * time.Second,
		WSMaxMessageBytes:   1 << 20, // 1 MiB
		ReadHeaderTimeout:   10 * time.Second,
		ShutdownGracePeriod: 30 * time.Second,
		MetricsEnabled:      true,
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
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

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
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
