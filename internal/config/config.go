package config

import (
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/viper"
)

// Config application configuration structure
type Config struct {
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
	Output   OutputConfig   `yaml:"output" mapstructure:"output"`
	Recorder RecorderConfig `yaml:"recorder" mapstructure:"recorder"`
	Storage  StorageConfig  `yaml:"storage" mapstructure:"storage"`
	Replay   ReplayConfig   `yaml:"replay" mapstructure:"replay"`
	Generate GenerateConfig `yaml:"generate" mapstructure:"generate"`
	Web      WebConfig      `yaml:"web" mapstructure:"web"`
}

// ServerConfig HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port" mapstructure:"port"`
	Path string `yaml:"path" mapstructure:"path"`
	// MaxBodyBytes limits the size of accepted request bodies (0 = unlimited)
	MaxBodyBytes int64                     `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	Responses    []ImmediateResponseConfig `yaml:"responses" mapstructure:"responses"`
}

// ImmediateResponseConfig describes an inline response rule for incoming requests
type ImmediateResponseConfig struct {
	Name       string            `yaml:"name" mapstructure:"name"`
	Methods    []string          `yaml:"methods" mapstructure:"methods"`
	Path       string            `yaml:"path" mapstructure:"path"`
	PathPrefix string            `yaml:"path_prefix" mapstructure:"path_prefix"`
	Status     int               `yaml:"status" mapstructure:"status"`
	Body       string            `yaml:"body" mapstructure:"body"`
	Headers    map[string]string `yaml:"headers" mapstructure:"headers"`
}

// LogConfig log configuration
type LogConfig struct {
	Level       string        `yaml:"level" mapstructure:"level"`
	FileLogging FileLogConfig `yaml:"file_logging" mapstructure:"file_logging"`
}

// FileLogConfig file log configuration
type FileLogConfig struct {
	Enable     bool   `yaml:"enable" mapstructure:"enable"`
	Path       string `yaml:"path" mapstructure:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// OutputConfig controls CLI output style
type OutputConfig struct {
	Mode     string         `yaml:"mode" mapstructure:"mode"`
	Silence  bool           `yaml:"silence" mapstructure:"silence"`
	BodyView BodyViewConfig `yaml:"body_view" mapstructure:"body_view"`
}

// BodyViewConfig controls how bodies are pretty printed on the console
type BodyViewConfig struct {
	Enable          bool           `yaml:"enable" mapstructure:"enable"`
	MaxPreviewBytes int            `yaml:"max_preview_bytes" mapstructure:"max_preview_bytes"`
	Json            JSONViewConfig `yaml:"json" mapstructure:"json"`
	XML             MarkupView     `yaml:"xml" mapstructure:"xml"`
	HTML            MarkupView     `yaml:"html" mapstructure:"html"`
}

// JSONViewConfig JSON display options
type JSONViewConfig struct {
	Pretty         bool `yaml:"pretty" mapstructure:"pretty"`
	MaxIndentBytes int  `yaml:"max_indent_bytes" mapstructure:"max_indent_bytes"`
}

// MarkupView XML/HTML display options
type MarkupView struct {
	Pretty       bool `yaml:"pretty" mapstructure:"pretty"`
	StripControl bool `yaml:"strip_control" mapstructure:"strip_control"`
}

// RecorderConfig capture behaviour
type RecorderConfig struct {
	Enable          bool     `yaml:"enable" mapstructure:"enable"`
	CaptureBody     bool     `yaml:"capture_body" mapstructure:"capture_body"`
	CaptureResponse bool     `yaml:"capture_response" mapstructure:"capture_response"`
	ExcludePaths    []string `yaml:"exclude_paths" mapstructure:"exclude_paths"`
	RedactHeaders   []string `yaml:"redact_headers" mapstructure:"redact_headers"`
	RedactionToken  string   `yaml:"redaction_token" mapstructure:"redaction_token"`
}

// StorageConfig persistence parameters
type StorageConfig struct {
	Driver        string        `yaml:"driver" mapstructure:"driver"`
	Path          string        `yaml:"path" mapstructure:"path"`
	MaxEntries    int           `yaml:"max_entries" mapstructure:"max_entries"`
	MaxAge        time.Duration `yaml:"max_age" mapstructure:"max_age"`
	FlushInterval time.Duration `yaml:"flush_interval" mapstructure:"flush_interval"`
}

// ReplayConfig replay transport configuration
type ReplayConfig struct {
	BaseURL               string                   `yaml:"base_url" mapstructure:"base_url"`
	Timeout               int                      `yaml:"timeout" mapstructure:"timeout"`
	MaxConcurrent         int                      `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	MaxIdleConns          int                      `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost   int                      `yaml:"max_idle_conns_per_host" mapstructure:"max_idle_conns_per_host"`
	MaxConnsPerHost       int                      `yaml:"max_conns_per_host" mapstructure:"max_conns_per_host"`
	IdleConnTimeout       int                      `yaml:"idle_conn_timeout" mapstructure:"idle_conn_timeout"`
	ResponseHeaderTimeout int                      `yaml:"response_header_timeout" mapstructure:"response_header_timeout"`
	TLSHandshakeTimeout   int                      `yaml:"tls_handshake_timeout" mapstructure:"tls_handshake_timeout"`
	TLSInsecureSkipVerify bool                     `yaml:"tls_insecure_skip_verify" mapstructure:"tls_insecure_skip_verify"`
	IncludeCredentials    bool                     `yaml:"include_credentials" mapstructure:"include_credentials"`
	HeaderBlacklist       []string                 `yaml:"header_blacklist" mapstructure:"header_blacklist"`
	PathStrategy          ReplayPathStrategyConfig `yaml:"path_strategy" mapstructure:"path_strategy"`
}

// ReplayPathStrategyConfig configures how target paths are constructed
type ReplayPathStrategyConfig struct {
	Mode        string                    `yaml:"mode" mapstructure:"mode"`
	StripPrefix string                    `yaml:"strip_prefix" mapstructure:"strip_prefix"`
	Rules       []ReplayRewriteRuleConfig `yaml:"rules" mapstructure:"rules"`
}

// ReplayRewriteRuleConfig defines a rewrite rule when mode is rewrite
type ReplayRewriteRuleConfig struct {
	Name    string `yaml:"name" mapstructure:"name"`
	Match   string `yaml:"match" mapstructure:"match"`
	Replace string `yaml:"replace" mapstructure:"replace"`
	Regex   bool   `yaml:"regex" mapstructure:"regex"`
}

// GenerateConfig test artifact defaults
type GenerateConfig struct {
	Format            string `yaml:"format" mapstructure:"format"`
	Naming            string `yaml:"naming" mapstructure:"naming"`
	PackageName       string `yaml:"package_name" mapstructure:"package_name"`
	BaseURL           string `yaml:"base_url" mapstructure:"base_url"`
	DropClientHeaders bool   `yaml:"drop_client_headers" mapstructure:"drop_client_headers"`
	LatencyFactor     int    `yaml:"latency_factor" mapstructure:"latency_factor"`
	LatencyFloorMs    int    `yaml:"latency_floor_ms" mapstructure:"latency_floor_ms"`
}

// WebConfig admin API configuration
type WebConfig struct {
	Enable    bool          `yaml:"enable" mapstructure:"enable"`
	AdminPath string        `yaml:"admin_path" mapstructure:"admin_path"`
	Auth      WebAuthConfig `yaml:"auth" mapstructure:"auth"`
}

// WebAuthConfig bearer token authentication
type WebAuthConfig struct {
	Enable bool     `yaml:"enable" mapstructure:"enable"`
	Tokens []string `yaml:"tokens" mapstructure:"tokens"`
}

// LoadConfig load configuration
// If v is nil, a new viper instance will be created
func LoadConfig(configPath string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	setDefaults(v)

	v.SetEnvPrefix("REWIND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.rewind")
		v.AddConfigPath("/etc/rewind")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults")
		} else {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		log.Printf("Config file loaded: %s", v.ConfigFileUsed())
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// Unmarshal doesn't apply defaults to zero-value fields
	applyDefaults(&config, v)

	return &config, nil
}

// applyDefaults apply default values to zero-value fields in the struct.
// Command line flags are bound to viper keys in main.go, so reading through
// v keeps their priority.
func applyDefaults(cfg *Config, v *viper.Viper) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = v.GetInt("server.port")
	}
	if cfg.Server.Path == "" {
		cfg.Server.Path = v.GetString("server.path")
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = v.GetInt64("server.max_body_bytes")
	}
	if len(cfg.Server.Responses) == 0 {
		var defaults []ImmediateResponseConfig
		if err := v.UnmarshalKey("server.responses", &defaults); err == nil {
			cfg.Server.Responses = defaults
		}
	}
	for i := range cfg.Server.Responses {
		cfg.Server.Responses[i].Headers = canonicalizeHeaders(cfg.Server.Responses[i].Headers)
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = v.GetString("log.level")
	}
	// Bool fields always come from viper so defaults survive a partial file
	cfg.Log.FileLogging.Enable = v.GetBool("log.file_logging.enable")
	cfg.Log.FileLogging.Compress = v.GetBool("log.file_logging.compress")
	if cfg.Log.FileLogging.Path == "" {
		cfg.Log.FileLogging.Path = v.GetString("log.file_logging.path")
	}
	if cfg.Log.FileLogging.MaxSizeMB == 0 {
		cfg.Log.FileLogging.MaxSizeMB = v.GetInt("log.file_logging.max_size_mb")
	}
	if cfg.Log.FileLogging.MaxBackups == 0 {
		cfg.Log.FileLogging.MaxBackups = v.GetInt("log.file_logging.max_backups")
	}
	if cfg.Log.FileLogging.MaxAgeDays == 0 {
		cfg.Log.FileLogging.MaxAgeDays = v.GetInt("log.file_logging.max_age_days")
	}

	if cfg.Output.Mode == "" {
		cfg.Output.Mode = v.GetString("output.mode")
	}
	cfg.Output.Silence = v.GetBool("output.silence")
	cfg.Output.BodyView.Enable = v.GetBool("output.body_view.enable")
	if cfg.Output.BodyView.MaxPreviewBytes == 0 {
		cfg.Output.BodyView.MaxPreviewBytes = v.GetInt("output.body_view.max_preview_bytes")
	}
	cfg.Output.BodyView.Json.Pretty = v.GetBool("output.body_view.json.pretty")
	if cfg.Output.BodyView.Json.MaxIndentBytes == 0 {
		cfg.Output.BodyView.Json.MaxIndentBytes = v.GetInt("output.body_view.json.max_indent_bytes")
	}
	cfg.Output.BodyView.XML.Pretty = v.GetBool("output.body_view.xml.pretty")
	cfg.Output.BodyView.XML.StripControl = v.GetBool("output.body_view.xml.strip_control")
	cfg.Output.BodyView.HTML.Pretty = v.GetBool("output.body_view.html.pretty")
	cfg.Output.BodyView.HTML.StripControl = v.GetBool("output.body_view.html.strip_control")

	cfg.Recorder.Enable = v.GetBool("recorder.enable")
	cfg.Recorder.CaptureBody = v.GetBool("recorder.capture_body")
	cfg.Recorder.CaptureResponse = v.GetBool("recorder.capture_response")
	if len(cfg.Recorder.ExcludePaths) == 0 {
		cfg.Recorder.ExcludePaths = v.GetStringSlice("recorder.exclude_paths")
	}
	if len(cfg.Recorder.RedactHeaders) == 0 {
		cfg.Recorder.RedactHeaders = v.GetStringSlice("recorder.redact_headers")
	}
	cfg.Recorder.RedactHeaders = normalizeHeaderList(cfg.Recorder.RedactHeaders)
	if cfg.Recorder.RedactionToken == "" {
		cfg.Recorder.RedactionToken = v.GetString("recorder.redaction_token")
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = v.GetString("storage.driver")
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = v.GetString("storage.path")
	}
	if cfg.Storage.MaxEntries == 0 {
		cfg.Storage.MaxEntries = v.GetInt("storage.max_entries")
	}
	if cfg.Storage.MaxAge == 0 {
		cfg.Storage.MaxAge = v.GetDuration("storage.max_age")
	}
	if cfg.Storage.FlushInterval == 0 {
		cfg.Storage.FlushInterval = v.GetDuration("storage.flush_interval")
	}

	if cfg.Replay.BaseURL == "" {
		cfg.Replay.BaseURL = v.GetString("replay.base_url")
	}
	if cfg.Replay.Timeout == 0 {
		cfg.Replay.Timeout = v.GetInt("replay.timeout")
	}
	if cfg.Replay.MaxConcurrent == 0 {
		cfg.Replay.MaxConcurrent = v.GetInt("replay.max_concurrent")
	}
	if cfg.Replay.MaxIdleConns == 0 {
		cfg.Replay.MaxIdleConns = v.GetInt("replay.max_idle_conns")
	}
	if cfg.Replay.MaxIdleConnsPerHost == 0 {
		cfg.Replay.MaxIdleConnsPerHost = v.GetInt("replay.max_idle_conns_per_host")
	}
	if cfg.Replay.MaxConnsPerHost == 0 {
		cfg.Replay.MaxConnsPerHost = v.GetInt("replay.max_conns_per_host")
	}
	if cfg.Replay.IdleConnTimeout == 0 {
		cfg.Replay.IdleConnTimeout = v.GetInt("replay.idle_conn_timeout")
	}
	if cfg.Replay.ResponseHeaderTimeout == 0 {
		cfg.Replay.ResponseHeaderTimeout = v.GetInt("replay.response_header_timeout")
	}
	if cfg.Replay.TLSHandshakeTimeout == 0 {
		cfg.Replay.TLSHandshakeTimeout = v.GetInt("replay.tls_handshake_timeout")
	}
	cfg.Replay.TLSInsecureSkipVerify = v.GetBool("replay.tls_insecure_skip_verify")
	cfg.Replay.IncludeCredentials = v.GetBool("replay.include_credentials")
	if len(cfg.Replay.HeaderBlacklist) == 0 {
		cfg.Replay.HeaderBlacklist = v.GetStringSlice("replay.header_blacklist")
	}
	cfg.Replay.HeaderBlacklist = normalizeHeaderList(cfg.Replay.HeaderBlacklist)
	if cfg.Replay.PathStrategy.Mode == "" {
		cfg.Replay.PathStrategy.Mode = v.GetString("replay.path_strategy.mode")
	}
	if cfg.Replay.PathStrategy.StripPrefix == "" {
		cfg.Replay.PathStrategy.StripPrefix = v.GetString("replay.path_strategy.strip_prefix")
	}
	if len(cfg.Replay.PathStrategy.Rules) == 0 {
		var rules []ReplayRewriteRuleConfig
		if err := v.UnmarshalKey("replay.path_strategy.rules", &rules); err == nil {
			cfg.Replay.PathStrategy.Rules = rules
		}
	}

	if cfg.Generate.Format == "" {
		cfg.Generate.Format = v.GetString("generate.format")
	}
	if cfg.Generate.Naming == "" {
		cfg.Generate.Naming = v.GetString("generate.naming")
	}
	if cfg.Generate.PackageName == "" {
		cfg.Generate.PackageName = v.GetString("generate.package_name")
	}
	if cfg.Generate.BaseURL == "" {
		cfg.Generate.BaseURL = v.GetString("generate.base_url")
	}
	cfg.Generate.DropClientHeaders = v.GetBool("generate.drop_client_headers")
	if cfg.Generate.LatencyFactor == 0 {
		cfg.Generate.LatencyFactor = v.GetInt("generate.latency_factor")
	}
	if cfg.Generate.LatencyFloorMs == 0 {
		cfg.Generate.LatencyFloorMs = v.GetInt("generate.latency_floor_ms")
	}

	cfg.Web.Enable = v.GetBool("web.enable")
	if cfg.Web.AdminPath == "" {
		cfg.Web.AdminPath = v.GetString("web.admin_path")
	}
	cfg.Web.Auth.Enable = v.GetBool("web.auth.enable")
	if len(cfg.Web.Auth.Tokens) == 0 {
		cfg.Web.Auth.Tokens = v.GetStringSlice("web.auth.tokens")
	}
}

// setDefaults set default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 38888)
	v.SetDefault("server.path", "/")
	v.SetDefault("server.max_body_bytes", int64(10*1024*1024))
	v.SetDefault("server.responses", []map[string]interface{}{
		{
			"name":   "default-ok",
			"status": 200,
			"body":   "ok",
			"headers": map[string]string{
				"Content-Type": "text/plain",
			},
		},
	})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file_logging.enable", false)
	v.SetDefault("log.file_logging.path", "./rewind.log")
	v.SetDefault("log.file_logging.max_size_mb", 10)
	v.SetDefault("log.file_logging.max_backups", 5)
	v.SetDefault("log.file_logging.max_age_days", 30)
	v.SetDefault("log.file_logging.compress", true)

	v.SetDefault("output.mode", "console")
	v.SetDefault("output.silence", false)
	v.SetDefault("output.body_view.enable", true)
	v.SetDefault("output.body_view.max_preview_bytes", int(32*1024))
	v.SetDefault("output.body_view.json.pretty", true)
	v.SetDefault("output.body_view.json.max_indent_bytes", int(128*1024))
	v.SetDefault("output.body_view.xml.pretty", true)
	v.SetDefault("output.body_view.xml.strip_control", true)
	v.SetDefault("output.body_view.html.pretty", false)
	v.SetDefault("output.body_view.html.strip_control", true)

	v.SetDefault("recorder.enable", true)
	v.SetDefault("recorder.capture_body", true)
	v.SetDefault("recorder.capture_response", true)
	v.SetDefault("recorder.exclude_paths", []string{"/favicon.ico", "/health"})
	v.SetDefault("recorder.redact_headers", []string{
		"authorization",
		"cookie",
		"set-cookie",
		"x-api-key",
		"api-key",
		"x-auth-token",
		"proxy-authorization",
	})
	v.SetDefault("recorder.redaction_token", "[REDACTED]")

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.path", "./data/rewind")
	v.SetDefault("storage.max_entries", 1000)
	v.SetDefault("storage.max_age", "24h")
	v.SetDefault("storage.flush_interval", "200ms")

	v.SetDefault("replay.base_url", "")
	v.SetDefault("replay.timeout", 30)
	v.SetDefault("replay.max_concurrent", 4)
	v.SetDefault("replay.max_idle_conns", 100)
	v.SetDefault("replay.max_idle_conns_per_host", 20)
	v.SetDefault("replay.max_conns_per_host", 50)
	v.SetDefault("replay.idle_conn_timeout", 90)
	v.SetDefault("replay.response_header_timeout", 15)
	v.SetDefault("replay.tls_handshake_timeout", 10)
	v.SetDefault("replay.tls_insecure_skip_verify", false)
	v.SetDefault("replay.include_credentials", false)
	v.SetDefault("replay.header_blacklist", []string{})
	v.SetDefault("replay.path_strategy.mode", "append")
	v.SetDefault("replay.path_strategy.strip_prefix", "")
	v.SetDefault("replay.path_strategy.rules", []map[string]string{})

	v.SetDefault("generate.format", "go-test")
	v.SetDefault("generate.naming", "descriptive")
	v.SetDefault("generate.package_name", "replay_test")
	v.SetDefault("generate.base_url", "http://localhost:38888")
	v.SetDefault("generate.drop_client_headers", true)
	v.SetDefault("generate.latency_factor", 3)
	v.SetDefault("generate.latency_floor_ms", 1000)

	v.SetDefault("web.enable", true)
	v.SetDefault("web.admin_path", "/_rewind")
	v.SetDefault("web.auth.enable", false)
	v.SetDefault("web.auth.tokens", []string{})
}

// Validate checks the configuration and fills derived defaults
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.Path == "" {
		return fmt.Errorf("server path cannot be empty")
	}
	if c.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server max body bytes cannot be negative")
	}
	for i, resp := range c.Server.Responses {
		if resp.Status < 100 || resp.Status > 599 {
			return fmt.Errorf("server response %d status must be between 100 and 599", i+1)
		}
		if resp.Path != "" && !strings.HasPrefix(resp.Path, "/") {
			return fmt.Errorf("server response %d path must start with '/'", i+1)
		}
		if resp.PathPrefix != "" && !strings.HasPrefix(resp.PathPrefix, "/") {
			return fmt.Errorf("server response %d path_prefix must start with '/'", i+1)
		}
		for _, method := range resp.Methods {
			if method == "" {
				return fmt.Errorf("server response %d contains empty method", i+1)
			}
		}
	}

	switch strings.ToLower(c.Output.Mode) {
	case "", "console", "json":
		if c.Output.Mode == "" {
			c.Output.Mode = "console"
		}
	default:
		return fmt.Errorf("output mode must be 'console' or 'json'")
	}
	if c.Output.BodyView.MaxPreviewBytes < 0 {
		return fmt.Errorf("output.body_view.max_preview_bytes cannot be negative")
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	if c.Log.FileLogging.Enable {
		if c.Log.FileLogging.Path == "" {
			return fmt.Errorf("log file path cannot be empty when file logging is enabled")
		}
		if c.Log.FileLogging.MaxSizeMB < 1 {
			return fmt.Errorf("log file max size must be at least 1MB")
		}
		if c.Log.FileLogging.MaxBackups < 0 {
			return fmt.Errorf("log file max backups cannot be negative")
		}
		if c.Log.FileLogging.MaxAgeDays < 0 {
			return fmt.Errorf("log file max age cannot be negative")
		}
	}

	for i, pattern := range c.Recorder.ExcludePaths {
		if strings.TrimSpace(pattern) == "" {
			return fmt.Errorf("recorder exclude_paths[%d] cannot be empty", i)
		}
		if !strings.HasPrefix(pattern, "/") {
			return fmt.Errorf("recorder exclude_paths[%d] must start with '/'", i)
		}
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("recorder exclude_paths[%d] is not a valid pattern: %s", i, pattern)
		}
	}
	if c.Recorder.RedactionToken == "" {
		c.Recorder.RedactionToken = "[REDACTED]"
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "memory":
		c.Storage.Driver = "memory"
	case "file":
		c.Storage.Driver = "file"
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage path cannot be empty for the file driver")
		}
	case "sqlite", "sqlite3":
		c.Storage.Driver = "sqlite"
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage path cannot be empty for the sqlite driver")
		}
	default:
		return fmt.Errorf("storage driver must be memory, file or sqlite")
	}
	if c.Storage.MaxEntries < 0 {
		return fmt.Errorf("storage max_entries cannot be negative")
	}
	if c.Storage.MaxAge < 0 {
		return fmt.Errorf("storage max_age cannot be negative")
	}
	if c.Storage.FlushInterval < 0 {
		return fmt.Errorf("storage flush_interval cannot be negative")
	}

	if c.Replay.Timeout < 0 {
		return fmt.Errorf("replay timeout cannot be negative")
	}
	if c.Replay.MaxConcurrent < 1 {
		return fmt.Errorf("replay max concurrent must be at least 1")
	}
	if c.Replay.BaseURL != "" && !strings.HasPrefix(c.Replay.BaseURL, "http://") && !strings.HasPrefix(c.Replay.BaseURL, "https://") {
		return fmt.Errorf("replay base_url must be an http or https URL")
	}
	switch strings.ToLower(c.Replay.PathStrategy.Mode) {
	case "", "append", "strip_prefix", "rewrite":
		if c.Replay.PathStrategy.Mode == "" {
			c.Replay.PathStrategy.Mode = "append"
		}
	default:
		return fmt.Errorf("replay path strategy mode must be append, strip_prefix, or rewrite")
	}
	if strings.ToLower(c.Replay.PathStrategy.Mode) == "rewrite" {
		if len(c.Replay.PathStrategy.Rules) == 0 {
			return fmt.Errorf("replay path strategy rules cannot be empty when mode is rewrite")
		}
		for i, rule := range c.Replay.PathStrategy.Rules {
			if rule.Match == "" {
				return fmt.Errorf("replay path rule %d match cannot be empty", i+1)
			}
		}
	}
	for i, h := range c.Replay.HeaderBlacklist {
		if strings.TrimSpace(h) == "" {
			return fmt.Errorf("replay header_blacklist[%d] cannot be empty", i)
		}
	}

	switch c.Generate.Format {
	case "", "go-test", "go-testify", "postman", "har":
		if c.Generate.Format == "" {
			c.Generate.Format = "go-test"
		}
	default:
		return fmt.Errorf("generate format must be go-test, go-testify, postman or har")
	}
	switch c.Generate.Naming {
	case "", "sequential", "descriptive", "outcome":
		if c.Generate.Naming == "" {
			c.Generate.Naming = "descriptive"
		}
	default:
		return fmt.Errorf("generate naming must be sequential, descriptive or outcome")
	}
	if c.Generate.LatencyFactor < 0 || c.Generate.LatencyFloorMs < 0 {
		return fmt.Errorf("generate latency bounds cannot be negative")
	}

	if c.Web.Enable {
		if c.Web.AdminPath == "" {
			return fmt.Errorf("web admin path cannot be empty")
		}
		if !strings.HasPrefix(c.Web.AdminPath, "/") {
			return fmt.Errorf("web admin path must start with '/'")
		}
		if c.Web.Auth.Enable {
			if len(c.Web.Auth.Tokens) == 0 {
				return fmt.Errorf("web auth requires at least one token")
			}
			for i, token := range c.Web.Auth.Tokens {
				if strings.TrimSpace(token) == "" {
					return fmt.Errorf("web auth token %d cannot be empty", i+1)
				}
			}
		}
	}

	return nil
}

func canonicalizeHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return headers
	}
	canonical := make(map[string]string, len(headers))
	for key, value := range headers {
		canonical[http.CanonicalHeaderKey(key)] = value
	}
	return canonical
}

func normalizeHeaderList(list []string) []string {
	if len(list) == 0 {
		return list
	}
	set := make(map[string]struct{}, len(list))
	result := make([]string, 0, len(list))
	for _, h := range list {
		norm := strings.ToLower(strings.TrimSpace(h))
		if norm == "" {
			continue
		}
		if _, exists := set[norm]; exists {
			continue
		}
		set[norm] = struct{}{}
		result = append(result, norm)
	}
	return result
}
