package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/samber/lo"

	"renung/internal/ratelimit"
)

// Config is the full server configuration.
type Config struct {
	HTTP       *HTTPConfig      `json:"http"`
	WebSocket  *WebSocketConfig `json:"websocket"`
	Journal    *JournalConfig   `json:"journal"`
	RateLimits *RateLimitConfig `json:"rate_limits"`
	Log        *LogConfig       `json:"log"`
	CORS       *CORSConfig      `json:"cors"`
	Metrics    *MetricsConfig   `json:"metrics"`
}

type HTTPConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	Mode            string        `json:"mode"`
	Gzip            bool          `json:"gzip"`
}

type WebSocketConfig struct {
	PingInterval     time.Duration `json:"ping_interval"`
	PongWait         time.Duration `json:"pong_wait"`
	WriteWait        time.Duration `json:"write_wait"`
	HandshakeTimeout time.Duration `json:"handshake_timeout"`
	MaxMessageSize   int64         `json:"max_message_size"`
	FrameRate        float64       `json:"frame_rate"`
	FrameBurst       int           `json:"frame_burst"`
	HubQueueSize     int           `json:"hub_queue_size"`
}

// JournalConfig controls the SQLite event journal.
type JournalConfig struct {
	Enabled    bool          `json:"enabled"`
	Path       string        `json:"path"`
	QueueSize  int           `json:"queue_size"`
	RetryDelay time.Duration `json:"retry_delay"`
}

type RateLimitConfig struct {
	Policies        ratelimit.Policies `json:"policies"`
	CleanupInterval time.Duration      `json:"cleanup_interval"`
}

type LogConfig struct {
	Level        string `json:"level"`
	JSON         bool   `json:"json"`
	ReportCaller bool   `json:"report_caller"`
}

type CORSConfig struct {
	AllowedOrigins []string `json:"allowed_origins"`
}

// MetricsConfig controls the runtime metrics dashboard, served on its own
// listener so it never shares the public port.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// DefaultConfig listens on :4000 and allows the local web client.
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            4000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			Mode:            "release",
			Gzip:            true,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:     30 * time.Second,
			PongWait:         60 * time.Second,
			WriteWait:        5 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			MaxMessageSize:   64 * 1024,
			FrameRate:        20,
			FrameBurst:       40,
			HubQueueSize:     1000,
		},
		Journal: &JournalConfig{
			Enabled:    true,
			Path:       "./data/renung.db",
			QueueSize:  256,
			RetryDelay: time.Second,
		},
		RateLimits: &RateLimitConfig{
			Policies:        ratelimit.DefaultPolicies(),
			CleanupInterval: ratelimit.DefaultCleanupInterval,
		},
		Log: &LogConfig{
			Level: "info",
		},
		CORS: &CORSConfig{
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Metrics: &MetricsConfig{
			Addr: "127.0.0.1:6060",
		},
	}
}

var validLevels = []string{"debug", "info", "warn", "error"}
var validModes = []string{"debug", "release", "test"}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("HTTP shutdown timeout must be positive")
	}
	if !lo.Contains(validModes, c.HTTP.Mode) {
		return fmt.Errorf("HTTP mode must be one of %v", validModes)
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.PongWait <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket pong wait must exceed the ping interval")
	}
	if c.WebSocket.WriteWait <= 0 || c.WebSocket.HandshakeTimeout <= 0 {
		return fmt.Errorf("WebSocket write wait and handshake timeout must be positive")
	}
	if c.WebSocket.FrameRate <= 0 || c.WebSocket.FrameBurst <= 0 {
		return fmt.Errorf("WebSocket frame rate and burst must be positive")
	}
	if c.WebSocket.HubQueueSize <= 0 {
		return fmt.Errorf("WebSocket hub queue size must be positive")
	}

	if c.Journal == nil {
		return fmt.Errorf("journal configuration is required")
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("journal path cannot be empty when the journal is enabled")
	}

	if c.RateLimits == nil {
		return fmt.Errorf("rate limit configuration is required")
	}
	if err := c.RateLimits.Policies.Validate(); err != nil {
		return fmt.Errorf("rate limits: %w", err)
	}
	if c.RateLimits.CleanupInterval <= 0 {
		return fmt.Errorf("rate limit cleanup interval must be positive")
	}

	if c.Log == nil {
		return fmt.Errorf("log configuration is required")
	}
	if !lo.Contains(validLevels, strings.ToLower(c.Log.Level)) {
		return fmt.Errorf("log level must be one of %v", validLevels)
	}

	if c.CORS == nil || len(c.CORS.AllowedOrigins) == 0 {
		return fmt.Errorf("at least one allowed origin is required")
	}

	if c.Metrics == nil {
		return fmt.Errorf("metrics configuration is required")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics address cannot be empty when metrics are enabled")
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// LoadDotEnv loads .env style files into the process environment. Missing
// files are skipped; variables already set are kept.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// LoadFromEnv overlays environment variables on the defaults.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	applyEnv(cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	setInt("PORT", &cfg.HTTP.Port)
	setInt("RENUNG_HTTP_PORT", &cfg.HTTP.Port)
	setString("RENUNG_HTTP_HOST", &cfg.HTTP.Host)
	setDuration("RENUNG_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout)
	setDuration("RENUNG_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout)
	setDuration("RENUNG_HTTP_SHUTDOWN_TIMEOUT", &cfg.HTTP.ShutdownTimeout)
	setString("RENUNG_HTTP_MODE", &cfg.HTTP.Mode)
	setBool("RENUNG_HTTP_GZIP", &cfg.HTTP.Gzip)

	setDuration("RENUNG_WS_PING_INTERVAL", &cfg.WebSocket.PingInterval)
	setDuration("RENUNG_WS_PONG_WAIT", &cfg.WebSocket.PongWait)
	setDuration("RENUNG_WS_WRITE_WAIT", &cfg.WebSocket.WriteWait)
	setFloat("RENUNG_WS_FRAME_RATE", &cfg.WebSocket.FrameRate)
	setInt("RENUNG_WS_FRAME_BURST", &cfg.WebSocket.FrameBurst)
	setInt("RENUNG_WS_HUB_QUEUE_SIZE", &cfg.WebSocket.HubQueueSize)

	setBool("RENUNG_JOURNAL_ENABLED", &cfg.Journal.Enabled)
	setString("RENUNG_JOURNAL_PATH", &cfg.Journal.Path)
	setInt("RENUNG_JOURNAL_QUEUE_SIZE", &cfg.Journal.QueueSize)

	setDuration("RENUNG_RATE_CLEANUP_INTERVAL", &cfg.RateLimits.CleanupInterval)

	setString("RENUNG_LOG_LEVEL", &cfg.Log.Level)
	setBool("RENUNG_LOG_JSON", &cfg.Log.JSON)
	setBool("RENUNG_LOG_CALLER", &cfg.Log.ReportCaller)

	setBool("RENUNG_METRICS_ENABLED", &cfg.Metrics.Enabled)
	setString("RENUNG_METRICS_ADDR", &cfg.Metrics.Addr)

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.CORS.AllowedOrigins = splitList(origins)
	}
}

func splitList(s string) []string {
	parts := lo.Map(strings.Split(s, ","), func(p string, _ int) string { return strings.TrimSpace(p) })
	return lo.Compact(parts)
}

func setString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// ConfigFile mirrors Config with durations written as strings ("30s", "15m").
type ConfigFile struct {
	HTTP       *HTTPConfigFile      `json:"http"`
	WebSocket  *WebSocketConfigFile `json:"websocket"`
	Journal    *JournalConfigFile   `json:"journal"`
	RateLimits *RateLimitConfigFile `json:"rate_limits"`
	Log        *LogConfig           `json:"log"`
	CORS       *CORSConfig          `json:"cors"`
	Metrics    *MetricsConfigFile   `json:"metrics"`
}

type HTTPConfigFile struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	ReadTimeout     string `json:"read_timeout"`
	WriteTimeout    string `json:"write_timeout"`
	IdleTimeout     string `json:"idle_timeout"`
	ShutdownTimeout string `json:"shutdown_timeout"`
	Mode            string `json:"mode"`
	Gzip            *bool  `json:"gzip"`
}

type WebSocketConfigFile struct {
	PingInterval     string  `json:"ping_interval"`
	PongWait         string  `json:"pong_wait"`
	WriteWait        string  `json:"write_wait"`
	HandshakeTimeout string  `json:"handshake_timeout"`
	MaxMessageSize   int64   `json:"max_message_size"`
	FrameRate        float64 `json:"frame_rate"`
	FrameBurst       int     `json:"frame_burst"`
	HubQueueSize     int     `json:"hub_queue_size"`
}

type JournalConfigFile struct {
	Enabled    *bool  `json:"enabled"`
	Path       string `json:"path"`
	QueueSize  int    `json:"queue_size"`
	RetryDelay string `json:"retry_delay"`
}

type MetricsConfigFile struct {
	Enabled *bool  `json:"enabled"`
	Addr    string `json:"addr"`
}

type PolicyFile struct {
	Max    int    `json:"max"`
	Window string `json:"window"`
}

type RateLimitConfigFile struct {
	CreateRoom      *PolicyFile `json:"create_room"`
	JoinRoom        *PolicyFile `json:"join_room"`
	Global          *PolicyFile `json:"global"`
	DrawCardEvent   *PolicyFile `json:"draw_card_event"`
	JoinRoomEvent   *PolicyFile `json:"join_room_event"`
	GeneralEvent    *PolicyFile `json:"general_event"`
	CleanupInterval string      `json:"cleanup_interval"`
}

// LoadFromFile reads a JSON file over the defaults and validates the result.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := applyFile(cfg, path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	var errs []error
	duration := func(field, v string, dst *time.Duration) {
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
			return
		}
		*dst = d
	}

	if h := file.HTTP; h != nil {
		if h.Host != "" {
			cfg.HTTP.Host = h.Host
		}
		if h.Port > 0 {
			cfg.HTTP.Port = h.Port
		}
		if h.Mode != "" {
			cfg.HTTP.Mode = h.Mode
		}
		if h.Gzip != nil {
			cfg.HTTP.Gzip = *h.Gzip
		}
		duration("http.read_timeout", h.ReadTimeout, &cfg.HTTP.ReadTimeout)
		duration("http.write_timeout", h.WriteTimeout, &cfg.HTTP.WriteTimeout)
		duration("http.idle_timeout", h.IdleTimeout, &cfg.HTTP.IdleTimeout)
		duration("http.shutdown_timeout", h.ShutdownTimeout, &cfg.HTTP.ShutdownTimeout)
	}

	if w := file.WebSocket; w != nil {
		duration("websocket.ping_interval", w.PingInterval, &cfg.WebSocket.PingInterval)
		duration("websocket.pong_wait", w.PongWait, &cfg.WebSocket.PongWait)
		duration("websocket.write_wait", w.WriteWait, &cfg.WebSocket.WriteWait)
		duration("websocket.handshake_timeout", w.HandshakeTimeout, &cfg.WebSocket.HandshakeTimeout)
		if w.MaxMessageSize > 0 {
			cfg.WebSocket.MaxMessageSize = w.MaxMessageSize
		}
		if w.FrameRate > 0 {
			cfg.WebSocket.FrameRate = w.FrameRate
		}
		if w.FrameBurst > 0 {
			cfg.WebSocket.FrameBurst = w.FrameBurst
		}
		if w.HubQueueSize > 0 {
			cfg.WebSocket.HubQueueSize = w.HubQueueSize
		}
	}

	if j := file.Journal; j != nil {
		if j.Enabled != nil {
			cfg.Journal.Enabled = *j.Enabled
		}
		if j.Path != "" {
			cfg.Journal.Path = j.Path
		}
		if j.QueueSize > 0 {
			cfg.Journal.QueueSize = j.QueueSize
		}
		duration("journal.retry_delay", j.RetryDelay, &cfg.Journal.RetryDelay)
	}

	if r := file.RateLimits; r != nil {
		policy := func(field string, src *PolicyFile, dst *ratelimit.Policy) {
			if src == nil {
				return
			}
			if src.Max > 0 {
				dst.MaxRequests = src.Max
			}
			duration("rate_limits."+field+".window", src.Window, &dst.Window)
		}
		p := &cfg.RateLimits.Policies
		policy("create_room", r.CreateRoom, &p.CreateRoom)
		policy("join_room", r.JoinRoom, &p.JoinRoom)
		policy("global", r.Global, &p.Global)
		policy("draw_card_event", r.DrawCardEvent, &p.DrawCardEvent)
		policy("join_room_event", r.JoinRoomEvent, &p.JoinRoomEvent)
		policy("general_event", r.GeneralEvent, &p.GeneralEvent)
		duration("rate_limits.cleanup_interval", r.CleanupInterval, &cfg.RateLimits.CleanupInterval)
	}

	if l := file.Log; l != nil {
		if l.Level != "" {
			cfg.Log.Level = l.Level
		}
		cfg.Log.JSON = l.JSON
		cfg.Log.ReportCaller = l.ReportCaller
	}

	if c := file.CORS; c != nil && len(c.AllowedOrigins) > 0 {
		cfg.CORS.AllowedOrigins = c.AllowedOrigins
	}

	if m := file.Metrics; m != nil {
		if m.Enabled != nil {
			cfg.Metrics.Enabled = *m.Enabled
		}
		if m.Addr != "" {
			cfg.Metrics.Addr = m.Addr
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid durations in %s: %w", path, err)
	}
	return nil
}

// LoadConfigWithPrecedence resolves file > environment > defaults. An empty
// path skips the file layer.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	cfg := LoadFromEnv()

	if path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
