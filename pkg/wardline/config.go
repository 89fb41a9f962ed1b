package wardline

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"

	"github.com/harunnryd/wardline/pkg/callctx"
	twiliotransport "github.com/harunnryd/wardline/pkg/transports/twilio"
)

type Config struct {
	Environment  string             `mapstructure:"environment"`
	LogLevel     string             `mapstructure:"log_level"`
	LogFormat    string             `mapstructure:"log_format"`
	Server       ServerConfig       `mapstructure:"server"`
	Twilio       TwilioConfig       `mapstructure:"twilio"`
	Vendors      VendorsConfig      `mapstructure:"vendors"`
	Hospital     HospitalConfig     `mapstructure:"hospital"`
	Conversation ConversationConfig `mapstructure:"conversation"`
	Calls        CallsConfig        `mapstructure:"calls"`
	Events       EventsConfig       `mapstructure:"events"`
	Audit        AuditConfig        `mapstructure:"audit"`
	Privacy      PrivacyConfig      `mapstructure:"privacy"`
}

type ServerConfig struct {
	Addr           string `mapstructure:"addr"`
	PublicURL      string `mapstructure:"public_url"`
	DrainTimeoutMS int    `mapstructure:"drain_timeout_ms"`
}

type TwilioConfig struct {
	AccountSID     string   `mapstructure:"account_sid"`
	AuthToken      string   `mapstructure:"auth_token"`
	Mode           string   `mapstructure:"mode"`
	Voice          string   `mapstructure:"voice"`
	Language       string   `mapstructure:"language"`
	IncomingPath   string   `mapstructure:"incoming_path"`
	ProcessPath    string   `mapstructure:"process_path"`
	StatusPath     string   `mapstructure:"status_path"`
	WebsocketPath  string   `mapstructure:"ws_path"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	LLM VendorConfig `mapstructure:"llm"`
}

type HospitalConfig struct {
	APIURL      string `mapstructure:"api_url"`
	APIKey      string `mapstructure:"api_key"`
	DefaultName string `mapstructure:"default_name"`
	TimeoutMS   int    `mapstructure:"timeout_ms"`
	RetryCount  int    `mapstructure:"retry_count"`
}

type ConversationConfig struct {
	HistoryTurns        int    `mapstructure:"history_turns"`
	MaxTokens           int    `mapstructure:"max_tokens"`
	CompletionTimeoutMS int    `mapstructure:"completion_timeout_ms"`
	TransferNumber      string `mapstructure:"transfer_number"`
	HoldSeconds         int    `mapstructure:"hold_seconds"`
	SideEffectTimeoutMS int    `mapstructure:"side_effect_timeout_ms"`
	SentimentEvery      int    `mapstructure:"sentiment_every"`
	SentimentWindow     int    `mapstructure:"sentiment_window"`
	SentimentWorkers    int    `mapstructure:"sentiment_workers"`
	SentimentQueue      int    `mapstructure:"sentiment_queue"`
}

type CallsConfig struct {
	DuplicatePolicy string `mapstructure:"duplicate_policy"`
	IdleTimeoutMS   int    `mapstructure:"idle_timeout_ms"`
	SweepIntervalMS int    `mapstructure:"sweep_interval_ms"`
}

type EventsConfig struct {
	Redis     RedisEventsConfig `mapstructure:"redis"`
	Dashboard DashboardConfig   `mapstructure:"dashboard"`
}

type RedisEventsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
	MaxLen   int64  `mapstructure:"max_len"`
}

type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Path           string   `mapstructure:"path"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type AuditConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

// TransportConfig maps the server and twilio sections onto the transport.
func (c Config) TransportConfig() twiliotransport.Config {
	return twiliotransport.Config{
		ServerAddr:     c.Server.Addr,
		PublicURL:      c.Server.PublicURL,
		AuthToken:      c.Twilio.AuthToken,
		AccountSID:     c.Twilio.AccountSID,
		Mode:           c.Twilio.Mode,
		IncomingPath:   c.Twilio.IncomingPath,
		ProcessPath:    c.Twilio.ProcessPath,
		StatusPath:     c.Twilio.StatusPath,
		WebsocketPath:  c.Twilio.WebsocketPath,
		Voice:          c.Twilio.Voice,
		Language:       c.Twilio.Language,
		AllowAnyOrigin: c.Twilio.AllowAnyOrigin,
		AllowedOrigins: c.Twilio.AllowedOrigins,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.drain_timeout_ms", 30000)
	v.SetDefault("twilio.mode", twiliotransport.ModeGather)
	v.SetDefault("twilio.voice", "Polly.Joanna")
	v.SetDefault("twilio.language", "en-US")
	v.SetDefault("twilio.incoming_path", "/voice/incoming")
	v.SetDefault("twilio.process_path", "/voice/process")
	v.SetDefault("twilio.status_path", "/voice/status")
	v.SetDefault("twilio.ws_path", "/ws")
	v.SetDefault("twilio.allow_any_origin", true)
	v.SetDefault("vendors.llm.provider", "mock")
	v.SetDefault("vendors.stt.provider", "mock")
	v.SetDefault("hospital.api_url", "")
	v.SetDefault("hospital.default_name", "Wardline Medical Center")
	v.SetDefault("hospital.timeout_ms", 10000)
	v.SetDefault("hospital.retry_count", 2)
	v.SetDefault("conversation.history_turns", 8)
	v.SetDefault("conversation.max_tokens", 100)
	v.SetDefault("conversation.completion_timeout_ms", 4000)
	v.SetDefault("conversation.transfer_number", "")
	v.SetDefault("conversation.hold_seconds", 30)
	v.SetDefault("conversation.side_effect_timeout_ms", 3000)
	v.SetDefault("conversation.sentiment_every", 3)
	v.SetDefault("conversation.sentiment_window", 6)
	v.SetDefault("conversation.sentiment_workers", 2)
	v.SetDefault("conversation.sentiment_queue", 256)
	v.SetDefault("calls.duplicate_policy", string(callctx.PolicyReject))
	v.SetDefault("calls.idle_timeout_ms", 60*60*1000)
	v.SetDefault("calls.sweep_interval_ms", 15*60*1000)
	v.SetDefault("events.redis.enabled", false)
	v.SetDefault("events.redis.addr", "localhost:6379")
	v.SetDefault("events.redis.db", 0)
	v.SetDefault("events.redis.stream", "wardline:calls")
	v.SetDefault("events.redis.max_len", 10000)
	v.SetDefault("events.dashboard.enabled", true)
	v.SetDefault("events.dashboard.path", "/dashboard/ws")
	v.SetDefault("audit.dsn", "")
	v.SetDefault("audit.max_conns", 4)
	v.SetDefault("privacy.redact_pii", true)
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return decodeConfig(v)
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	v := viper.New()
	setDefaults(v)
	cfg, _ := decodeConfig(v)
	return cfg
}

func decodeConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
		return fmt.Errorf("vendors.llm.provider is required")
	}
	mode := strings.ToLower(strings.TrimSpace(c.Twilio.Mode))
	switch mode {
	case "", twiliotransport.ModeGather:
	case twiliotransport.ModeStream:
		if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
			return fmt.Errorf("vendors.stt.provider is required in stream mode")
		}
		if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" {
			return fmt.Errorf("twilio.account_sid and twilio.auth_token are required in stream mode")
		}
	default:
		return fmt.Errorf("twilio.mode must be one of [gather, stream], got %s", c.Twilio.Mode)
	}
	switch strings.ToLower(strings.TrimSpace(c.Calls.DuplicatePolicy)) {
	case "", string(callctx.PolicyReject), string(callctx.PolicyReplace):
	default:
		return fmt.Errorf("calls.duplicate_policy must be one of [reject, replace], got %s", c.Calls.DuplicatePolicy)
	}
	if c.Events.Redis.Enabled && strings.TrimSpace(c.Events.Redis.Addr) == "" {
		return fmt.Errorf("events.redis.addr is required when events.redis.enabled")
	}
	if c.Conversation.HoldSeconds < 0 {
		return fmt.Errorf("conversation.hold_seconds must not be negative")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
