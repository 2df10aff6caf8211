package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds configuration for the voxbridge server. Values are resolved
// with precedence defaults < file < env < flags.
type Config struct {
	Port         int           `yaml:"port"`
	MetricsAddr  string        `yaml:"metrics_addr"`
	LogLevel     string        `yaml:"log_level"`
	ConfigFile   string        `yaml:"-"`
	PublicHost   string        `yaml:"public_host"`
	RedisAddr    string        `yaml:"redis_addr"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	AllowedOrigins []string `yaml:"allowed_origins"`

	TwilioAccountSID string `yaml:"twilio_account_sid"`
	TwilioAuthToken  string `yaml:"twilio_auth_token"`
	TwilioFromNumber string `yaml:"twilio_from_number"`

	ElevenAPIKey  string `yaml:"eleven_api_key"`
	ElevenAgentID string `yaml:"eleven_agent_id"`
}

// SetDefaults initializes c with built-in defaults.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 30 * time.Second
	}
}

// LoadFile overlays values from a YAML config file onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("CONFIG_FILE"); v != "" {
		c.ConfigFile = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		if strings.Contains(v, ":") {
			c.MetricsAddr = v
		} else {
			c.MetricsAddr = ":" + v
		}
	}
	if v := os.Getenv("PUBLIC_HOST"); v != "" {
		c.PublicHost = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("DRAIN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DrainTimeout = d
		}
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := os.Getenv("TWILIO_ACCOUNT_SID"); v != "" {
		c.TwilioAccountSID = v
	}
	if v := os.Getenv("TWILIO_AUTH_TOKEN"); v != "" {
		c.TwilioAuthToken = v
	}
	if v := os.Getenv("TWILIO_FROM_NUMBER"); v != "" {
		c.TwilioFromNumber = v
	}
	if v := os.Getenv("ELEVENLABS_API_KEY"); v != "" {
		c.ElevenAPIKey = v
	}
	if v := os.Getenv("ELEVENLABS_AGENT_ID"); v != "" {
		c.ElevenAgentID = v
	}
}

// BindFlagsFromCurrent binds command line flags using the current config
// values as defaults.
func (c *Config) BindFlagsFromCurrent() {
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "server config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.IntVar(&c.Port, "port", c.Port, "HTTP listen port")
	flag.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port; defaults to the value of --port")
	flag.StringVar(&c.PublicHost, "public-host", c.PublicHost, "externally reachable hostname used in Twilio callback and stream URLs")
	flag.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for server state; empty keeps state in memory")
	flag.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "how long to wait for live calls to finish on shutdown")
	flag.StringVar(&c.TwilioAccountSID, "twilio-account-sid", c.TwilioAccountSID, "Twilio account SID")
	flag.StringVar(&c.TwilioAuthToken, "twilio-auth-token", c.TwilioAuthToken, "Twilio auth token")
	flag.StringVar(&c.TwilioFromNumber, "twilio-from-number", c.TwilioFromNumber, "E.164 number outbound calls originate from")
	flag.StringVar(&c.ElevenAPIKey, "eleven-api-key", c.ElevenAPIKey, "ElevenLabs API key")
	flag.StringVar(&c.ElevenAgentID, "eleven-agent-id", c.ElevenAgentID, "ElevenLabs conversational agent ID")
	flag.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
}

// Validate reports the credentials and identifiers the process cannot run
// without. A non-nil error is fatal at startup.
func (c *Config) Validate() error {
	var missing []string
	if c.TwilioAccountSID == "" {
		missing = append(missing, "twilio account SID")
	}
	if c.TwilioAuthToken == "" {
		missing = append(missing, "twilio auth token")
	}
	if c.TwilioFromNumber == "" {
		missing = append(missing, "twilio from number")
	}
	if c.ElevenAPIKey == "" {
		missing = append(missing, "elevenlabs API key")
	}
	if c.ElevenAgentID == "" {
		missing = append(missing, "elevenlabs agent ID")
	}
	if c.PublicHost == "" {
		missing = append(missing, "public host")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// ErrNotExist matches Load's error when the requested config file is
// absent. A file path is only ever set explicitly (flag or CONFIG_FILE),
// so pointing at a missing file is fatal rather than ignored.
var ErrNotExist = os.ErrNotExist

// Load resolves the full configuration from defaults, an optional config
// file, the environment, and command line flags, in that order.
func Load(args []string) (Config, error) {
	var c Config
	c.SetDefaults()
	c.ApplyEnv()
	// Allow --config to override the file path before loading it.
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--config" && i+1 < len(args) {
			c.ConfigFile = args[i+1]
			break
		}
		if strings.HasPrefix(a, "--config=") {
			c.ConfigFile = strings.TrimPrefix(a, "--config=")
			break
		}
	}
	if c.ConfigFile != "" {
		if err := c.LoadFile(c.ConfigFile); err != nil {
			return c, fmt.Errorf("load config %s: %w", c.ConfigFile, err)
		}
		// Env and flags win over the file.
		c.ApplyEnv()
	}
	c.BindFlagsFromCurrent()
	if err := flag.CommandLine.Parse(args); err != nil {
		return c, err
	}
	return c, nil
}

func splitComma(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
