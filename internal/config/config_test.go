package config

import (
	"log/slog"
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	for _, env := range []string{
		"SIPCORE_LISTEN_UDP", "SIPCORE_LISTEN_TCP", "SIPCORE_LISTEN_TLS",
		"SIPCORE_TLS_CERT", "SIPCORE_TLS_KEY", "SIPCORE_REALM",
		"SIPCORE_LOG_LEVEL", "SIPCORE_LOG_FORMAT", "SIPCORE_SIP_TRACE",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"sipcored"}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ListenUDP != defaultListenUDP {
		t.Errorf("ListenUDP = %q, want %q", cfg.ListenUDP, defaultListenUDP)
	}
	if cfg.ListenTCP != defaultListenTCP {
		t.Errorf("ListenTCP = %q, want %q", cfg.ListenTCP, defaultListenTCP)
	}
	if cfg.ListenTLS != "" {
		t.Errorf("ListenTLS = %q, want empty", cfg.ListenTLS)
	}
	if cfg.Realm != defaultRealm {
		t.Errorf("Realm = %q, want %q", cfg.Realm, defaultRealm)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
	if cfg.SIPTrace != defaultSIPTrace {
		t.Errorf("SIPTrace = %q, want %q", cfg.SIPTrace, defaultSIPTrace)
	}
	if len(cfg.SupportedAlgorithms) == 0 {
		t.Error("SupportedAlgorithms should not be empty by default")
	}
}

func TestEnvVarOverride(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"sipcored"}
	t.Setenv("SIPCORE_REALM", "example.com")
	t.Setenv("SIPCORE_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Realm != "example.com" {
		t.Errorf("Realm = %q, want example.com", cfg.Realm)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"sipcored", "--realm", "cli.example.com", "--log-level", "warn"}
	t.Setenv("SIPCORE_REALM", "env.example.com")
	t.Setenv("SIPCORE_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Realm != "cli.example.com" {
		t.Errorf("Realm = %q, want cli.example.com (CLI should override env)", cfg.Realm)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestValidateNoListenersConfigured(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"sipcored", "--listen-udp=", "--listen-tcp="}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error when no listener is configured")
	}
}

func TestValidateInvalidLogLevel(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"sipcored", "--log-level", "verbose"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
}

func TestValidateInvalidSIPTrace(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"sipcored", "--sip-trace", "everything"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid sip-trace level, got nil")
	}
}

func TestValidateTLSMismatch(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"sipcored", "--tls-cert", "cert.pem"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error when tls-cert provided without tls-key")
	}
}

func TestValidateUnsupportedAlgorithm(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"sipcored", "--supported-algorithms", "MD5,ROT13"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for unsupported digest algorithm")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
