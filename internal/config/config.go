// Package config loads runtime configuration for the SIP signaling core
// from CLI flags and environment variables, CLI taking precedence.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// AuthConfig holds the brute-force guard tuning (spec §6 auth block).
type AuthConfig struct {
	MaxAttempts    int
	LockoutSeconds int
	WindowSeconds  int
}

// RateLimitConfig holds the per-IP sliding-window request limiter tuning.
type RateLimitConfig struct {
	MaxRequests   int
	WindowSeconds int
}

// Config holds all runtime configuration for the SIP signaling core.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	ListenUDP string // bind address for the UDP listener, e.g. "0.0.0.0:5060"; empty disables it
	ListenTCP string // bind address for the TCP listener; empty disables it
	ListenTLS string // bind address for the TLS listener; empty disables it

	TLSCertPath string
	TLSKeyPath  string

	Realm   string // default SIP realm used in digest challenges
	LocalIP string // host handed to the MediaSessionFactory when answering an INVITE; not used for Contact/Via and not auto-detected when empty

	Auth      AuthConfig
	RateLimit RateLimitConfig

	NonceTTLSeconds        int
	BindingDefaultExpires  int
	SupportedAlgorithms    []string // subset of {MD5, SHA-256, SHA-512-256}
	PendingMessageCapacity int      // bounded FIFO per recipient AOR

	LogLevel  string
	LogFormat string // "text" or "json"
	SIPTrace  string // "off", "headers", or "full" — raw SIP message tracing
}

const (
	defaultListenUDP = "0.0.0.0:5060"
	defaultListenTCP = "0.0.0.0:5060"

	defaultRealm = "sipcore"

	defaultAuthMaxAttempts    = 5
	defaultAuthLockoutSeconds = 15 * 60
	defaultAuthWindowSeconds  = 5 * 60

	defaultRateLimitMaxRequests   = 10
	defaultRateLimitWindowSeconds = 60

	defaultNonceTTLSeconds       = 5 * 60
	defaultBindingDefaultExpires = 3600
	defaultPendingMessageCap     = 100

	defaultLogLevel  = "info"
	defaultLogFormat = "text"
	defaultSIPTrace  = "off"
)

const envPrefix = "SIPCORE_"

// Load parses configuration from CLI flags and environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	var algos string

	fs := flag.NewFlagSet("sipcored", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenUDP, "listen-udp", defaultListenUDP, "UDP listen address (empty disables)")
	fs.StringVar(&cfg.ListenTCP, "listen-tcp", defaultListenTCP, "TCP listen address (empty disables)")
	fs.StringVar(&cfg.ListenTLS, "listen-tls", "", "TLS listen address (empty disables)")
	fs.StringVar(&cfg.TLSCertPath, "tls-cert", "", "path to TLS certificate file (required if listen-tls is set)")
	fs.StringVar(&cfg.TLSKeyPath, "tls-key", "", "path to TLS private key file (required if listen-tls is set)")
	fs.StringVar(&cfg.Realm, "realm", defaultRealm, "default SIP realm used in digest challenges")
	fs.StringVar(&cfg.LocalIP, "local-ip", "", "local host address passed to the media session factory (not auto-detected; not used for Contact/Via)")
	fs.IntVar(&cfg.Auth.MaxAttempts, "auth-max-attempts", defaultAuthMaxAttempts, "failed auth attempts before an IP is locked out")
	fs.IntVar(&cfg.Auth.LockoutSeconds, "auth-lockout-seconds", defaultAuthLockoutSeconds, "lockout duration in seconds")
	fs.IntVar(&cfg.Auth.WindowSeconds, "auth-window-seconds", defaultAuthWindowSeconds, "rolling window in seconds for counting auth failures")
	fs.IntVar(&cfg.RateLimit.MaxRequests, "rate-limit-max-requests", defaultRateLimitMaxRequests, "max requests per source IP per window")
	fs.IntVar(&cfg.RateLimit.WindowSeconds, "rate-limit-window-seconds", defaultRateLimitWindowSeconds, "sliding window in seconds for rate limiting")
	fs.IntVar(&cfg.NonceTTLSeconds, "nonce-ttl-seconds", defaultNonceTTLSeconds, "digest nonce lifetime in seconds")
	fs.IntVar(&cfg.BindingDefaultExpires, "binding-default-expires", defaultBindingDefaultExpires, "default registrar binding expiry in seconds")
	fs.IntVar(&cfg.PendingMessageCapacity, "pending-message-capacity", defaultPendingMessageCap, "bounded FIFO capacity per offline-MESSAGE recipient")
	fs.StringVar(&algos, "supported-algorithms", "MD5,SHA-256,SHA-512-256", "comma-separated digest algorithms to offer in challenges")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.SIPTrace, "sip-trace", defaultSIPTrace, "raw SIP message tracing verbosity (off, headers, full)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg, &algos)

	cfg.SupportedAlgorithms = splitAlgorithms(algos)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag not
// explicitly provided on the command line. CLI flags still win.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config, algos *string) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	lookup := func(name string) (string, bool) {
		if set[name] {
			return "", false
		}
		env := envPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		val, ok := os.LookupEnv(env)
		if !ok || val == "" {
			return "", false
		}
		return val, true
	}

	if v, ok := lookup("listen-udp"); ok {
		cfg.ListenUDP = v
	}
	if v, ok := lookup("listen-tcp"); ok {
		cfg.ListenTCP = v
	}
	if v, ok := lookup("listen-tls"); ok {
		cfg.ListenTLS = v
	}
	if v, ok := lookup("tls-cert"); ok {
		cfg.TLSCertPath = v
	}
	if v, ok := lookup("tls-key"); ok {
		cfg.TLSKeyPath = v
	}
	if v, ok := lookup("realm"); ok {
		cfg.Realm = v
	}
	if v, ok := lookup("local-ip"); ok {
		cfg.LocalIP = v
	}
	if v, ok := lookup("auth-max-attempts"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Auth.MaxAttempts = n
		}
	}
	if v, ok := lookup("auth-lockout-seconds"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Auth.LockoutSeconds = n
		}
	}
	if v, ok := lookup("auth-window-seconds"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Auth.WindowSeconds = n
		}
	}
	if v, ok := lookup("rate-limit-max-requests"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.MaxRequests = n
		}
	}
	if v, ok := lookup("rate-limit-window-seconds"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.WindowSeconds = n
		}
	}
	if v, ok := lookup("nonce-ttl-seconds"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NonceTTLSeconds = n
		}
	}
	if v, ok := lookup("binding-default-expires"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BindingDefaultExpires = n
		}
	}
	if v, ok := lookup("pending-message-capacity"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PendingMessageCapacity = n
		}
	}
	if v, ok := lookup("supported-algorithms"); ok {
		*algos = v
	}
	if v, ok := lookup("log-level"); ok {
		cfg.LogLevel = v
	}
	if v, ok := lookup("log-format"); ok {
		cfg.LogFormat = v
	}
	if v, ok := lookup("sip-trace"); ok {
		cfg.SIPTrace = v
	}
}

func splitAlgorithms(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

var validAlgorithms = map[string]bool{"MD5": true, "SHA-256": true, "SHA-512-256": true}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}
	if c.ListenTLS != "" && c.TLSCertPath == "" {
		return fmt.Errorf("listen-tls requires tls-cert and tls-key")
	}
	if c.ListenUDP == "" && c.ListenTCP == "" && c.ListenTLS == "" {
		return fmt.Errorf("at least one of listen-udp, listen-tcp, listen-tls must be set")
	}
	if len(c.SupportedAlgorithms) == 0 {
		return fmt.Errorf("supported-algorithms must name at least one algorithm")
	}
	for _, a := range c.SupportedAlgorithms {
		if !validAlgorithms[a] {
			return fmt.Errorf("unsupported digest algorithm %q", a)
		}
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	validTrace := map[string]bool{"off": true, "headers": true, "full": true}
	if !validTrace[strings.ToLower(c.SIPTrace)] {
		return fmt.Errorf("sip-trace must be one of off, headers, full; got %q", c.SIPTrace)
	}
	c.SIPTrace = strings.ToLower(c.SIPTrace)

	return nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
