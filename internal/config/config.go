package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// CodeMode controls where sharer pairing codes come from
type CodeMode string

const (
	CodeGenerated CodeMode = "generated" // Server assigns a code from the restricted alphabet
	CodeDeclared  CodeMode = "declared"  // Sharer supplies its own code at registration
)

// PairingFlow controls how a viewer reaches a sharer
type PairingFlow string

const (
	FlowEager   PairingFlow = "eager"    // register with a code pairs immediately; pair is still accepted
	FlowTwoStep PairingFlow = "two_step" // register never pairs; the viewer must send pair
)

// ReconnectPolicy controls what happens when a connection closes
type ReconnectPolicy string

const (
	ReconnectImmediate ReconnectPolicy = "immediate" // Tear down at once
	ReconnectGrace     ReconnectPolicy = "grace"     // Keep the session until the reaper evicts it
)

// SharerCodePolicy decides what a re-registering sharer gets in generated mode
type SharerCodePolicy string

const (
	SharerCodeKeep   SharerCodePolicy = "keep"   // Reuse the code it already holds
	SharerCodeRotate SharerCodePolicy = "rotate" // Release the old code, then generate a new one
)

// PairingConfig holds the pairing and reconnection policy
type PairingConfig struct {
	CodeMode        CodeMode
	Flow            PairingFlow
	Reconnect       ReconnectPolicy
	SharerCode      SharerCodePolicy
	GracePeriod     time.Duration
	ReapInterval    time.Duration
	CodeMaxAttempts int
}

// Config holds all relay configuration
type Config struct {
	Port           string
	Pairing        PairingConfig
	MaxMessageSize int64
	RedisAddr      string
	StatsInterval  time.Duration
	LogLevel       string
	LogFormat      string
	AllowedOrigins string
}

// Load reads configuration from the environment
func Load() *Config {
	cfg := &Config{
		Port: getEnv("PORT", "8080"),
		Pairing: PairingConfig{
			CodeMode:        CodeMode(getEnv("CODE_MODE", string(CodeGenerated))),
			Flow:            PairingFlow(getEnv("PAIRING_FLOW", string(FlowEager))),
			Reconnect:       ReconnectPolicy(getEnv("RECONNECT_POLICY", string(ReconnectGrace))),
			SharerCode:      SharerCodePolicy(getEnv("SHARER_CODE_POLICY", string(SharerCodeKeep))),
			GracePeriod:     getEnvDuration("GRACE_PERIOD", 5*time.Minute),
			ReapInterval:    getEnvDuration("REAP_INTERVAL", 60*time.Second),
			CodeMaxAttempts: getEnvInt("CODE_MAX_ATTEMPTS", 100),
		},
		MaxMessageSize: int64(getEnvInt("MAX_MESSAGE_SIZE", 4096)),
		RedisAddr:      strings.TrimPrefix(getEnv("REDIS_ADDR", ""), "redis://"),
		StatsInterval:  getEnvDuration("STATS_INTERVAL", 15*time.Second),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "text"),
		AllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
	}
	cfg.Normalize()
	return cfg
}

// Normalize lower-cases and trims the policy names, wherever they were set
func (c *Config) Normalize() {
	lower := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
	c.Pairing.CodeMode = CodeMode(lower(string(c.Pairing.CodeMode)))
	c.Pairing.Flow = PairingFlow(lower(string(c.Pairing.Flow)))
	c.Pairing.Reconnect = ReconnectPolicy(lower(string(c.Pairing.Reconnect)))
	c.Pairing.SharerCode = SharerCodePolicy(lower(string(c.Pairing.SharerCode)))
	c.LogFormat = lower(c.LogFormat)
}

// Validate rejects unknown policy names and non-positive limits
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("invalid port %q: %w", c.Port, err)
	}
	if err := c.Pairing.Validate(); err != nil {
		return err
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("max message size must be positive")
	}
	if c.RedisAddr != "" && c.StatsInterval <= 0 {
		return fmt.Errorf("stats interval must be positive")
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// Validate checks the pairing policy
func (p PairingConfig) Validate() error {
	switch p.CodeMode {
	case CodeGenerated, CodeDeclared:
	default:
		return fmt.Errorf("unknown code mode %q", p.CodeMode)
	}
	switch p.Flow {
	case FlowEager, FlowTwoStep:
	default:
		return fmt.Errorf("unknown pairing flow %q", p.Flow)
	}
	switch p.Reconnect {
	case ReconnectImmediate, ReconnectGrace:
	default:
		return fmt.Errorf("unknown reconnect policy %q", p.Reconnect)
	}
	switch p.SharerCode {
	case SharerCodeKeep, SharerCodeRotate:
	default:
		return fmt.Errorf("unknown sharer code policy %q", p.SharerCode)
	}
	if p.GracePeriod <= 0 {
		return fmt.Errorf("grace period must be positive")
	}
	if p.ReapInterval <= 0 {
		return fmt.Errorf("reap interval must be positive")
	}
	if p.CodeMaxAttempts <= 0 {
		return fmt.Errorf("code max attempts must be positive")
	}
	return nil
}

// DefaultPairing returns the pairing policy used when nothing is configured
func DefaultPairing() PairingConfig {
	return PairingConfig{
		CodeMode:        CodeGenerated,
		Flow:            FlowEager,
		Reconnect:       ReconnectGrace,
		SharerCode:      SharerCodeKeep,
		GracePeriod:     5 * time.Minute,
		ReapInterval:    60 * time.Second,
		CodeMaxAttempts: 100,
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90")
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if n, err := strconv.Atoi(val); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultVal
}
