package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the YAML layout of CALLBRIDGE_CONFIG. The API key is
// read only from the environment.
type fileConfig struct {
	Addr string `yaml:"addr"`

	Agent struct {
		ID           string   `yaml:"id"`
		APIBase      string   `yaml:"api_base"`
		IssueTimeout duration `yaml:"issue_timeout"`
		DialTimeout  duration `yaml:"dial_timeout"`
	} `yaml:"agent"`

	Telephony struct {
		PublicHost   string `yaml:"public_host"`
		StreamScheme string `yaml:"stream_scheme"`
		WebhookPath  string `yaml:"webhook_path"`
		StreamPath   string `yaml:"stream_path"`
	} `yaml:"telephony"`

	Limits struct {
		TrustProxyHeaders  *bool    `yaml:"trust_proxy_headers"`
		MaxConcurrentCalls *int     `yaml:"max_concurrent_calls"`
		WebhookRPS         *float64 `yaml:"webhook_rps"`
		WebhookBurst       *int     `yaml:"webhook_burst"`
	} `yaml:"limits"`

	WebSocket struct {
		WriteTimeout    duration `yaml:"write_timeout"`
		MaxMessageBytes int64    `yaml:"max_message_bytes"`
	} `yaml:"websocket"`

	Server struct {
		ReadHeaderTimeout   duration `yaml:"read_header_timeout"`
		ShutdownGracePeriod duration `yaml:"shutdown_grace_period"`
		MetricsEnabled      *bool    `yaml:"metrics_enabled"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// duration accepts Go duration strings ("10s", "1m30s").
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = duration(parsed)
	return nil
}

// loadFile returns Defaults overlaid with the YAML file at path. An empty path
// returns Defaults unchanged.
func loadFile(path string) (Config, error) {
	cfg := Defaults()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse yaml config: %w", err)
	}
	fc.apply(&cfg)
	return cfg, nil
}

func (fc *fileConfig) apply(cfg *Config) {
	setString(&cfg.Addr, fc.Addr)
	setString(&cfg.AgentID, fc.Agent.ID)
	setString(&cfg.ElevenLabsBase, fc.Agent.APIBase)
	setDuration(&cfg.IssueTimeout, fc.Agent.IssueTimeout)
	setDuration(&cfg.AgentDialTimeout, fc.Agent.DialTimeout)

	setString(&cfg.PublicHost, fc.Telephony.PublicHost)
	setString(&cfg.StreamScheme, fc.Telephony.StreamScheme)
	setString(&cfg.WebhookPath, fc.Telephony.WebhookPath)
	setString(&cfg.StreamPath, fc.Telephony.StreamPath)

	if fc.Limits.TrustProxyHeaders != nil {
		cfg.TrustProxyHeaders = *fc.Limits.TrustProxyHeaders
	}
	if fc.Limits.MaxConcurrentCalls != nil {
		cfg.MaxConcurrentCalls = *fc.Limits.MaxConcurrentCalls
	}
	if fc.Limits.WebhookRPS != nil {
		cfg.WebhookRPS = *fc.Limits.WebhookRPS
	}
	if fc.Limits.WebhookBurst != nil {
		cfg.WebhookBurst = *fc.Limits.WebhookBurst
	}

	setDuration(&cfg.WSWriteTimeout, fc.WebSocket.WriteTimeout)
	if fc.WebSocket.MaxMessageBytes != 0 {
		cfg.WSMaxMessageBytes = fc.WebSocket.MaxMessageBytes
	}

	setDuration(&cfg.ReadHeaderTimeout, fc.Server.ReadHeaderTimeout)
	setDuration(&cfg.ShutdownGracePeriod, fc.Server.ShutdownGracePeriod)
	if fc.Server.MetricsEnabled != nil {
		cfg.MetricsEnabled = *fc.Server.MetricsEnabled
	}

	setString(&cfg.LogLevel, fc.Log.Level)
	setString(&cfg.LogFormat, fc.Log.Format)
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v duration) {
	if v != 0 {
		*dst = time.Duration(v)
	}
}
