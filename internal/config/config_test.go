package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "secret")

	cfg, err := Load(false)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DBFile != "chatio.db" {
		t.Errorf("DBFile = %q", cfg.DBFile)
	}
	if cfg.AdminAddr != "localhost:8081" {
		t.Errorf("AdminAddr = %q", cfg.AdminAddr)
	}
	if cfg.TokenExpiry != 24*time.Hour {
		t.Errorf("TokenExpiry = %v", cfg.TokenExpiry)
	}
	if cfg.RedisAddr != "" {
		t.Errorf("RedisAddr = %q, want single node by default", cfg.RedisAddr)
	}
	if !cfg.ValidateJoin {
		t.Error("ValidateJoin should default to true")
	}
	if cfg.SendBuffer != 100 {
		t.Errorf("SendBuffer = %d", cfg.SendBuffer)
	}
	if cfg.PresenceTTL != 30*time.Second {
		t.Errorf("PresenceTTL = %v", cfg.PresenceTTL)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v", cfg.LogLevel)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("AUTH_SECRET", "secret")
	t.Setenv("CHATIO_DB", "/tmp/x.db")
	t.Setenv("TOKEN_EXPIRY", "90m")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("VALIDATE_JOIN", "false")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(false)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DBFile != "/tmp/x.db" || cfg.TokenExpiry != 90*time.Minute || cfg.RedisAddr != "redis:6379" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.ValidateJoin {
		t.Error("ValidateJoin should be false")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v", cfg.LogLevel)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		cliMode bool
		wantErr bool
	}{
		{"missing secret", map[string]string{}, false, true},
		{"missing secret in cli mode", map[string]string{}, true, false},
		{"bad duration", map[string]string{"AUTH_SECRET": "s", "TOKEN_EXPIRY": "soon"}, false, true},
		{"zero expiry", map[string]string{"AUTH_SECRET": "s", "TOKEN_EXPIRY": "0s"}, false, true},
		{"zero buffer", map[string]string{"AUTH_SECRET": "s", "SEND_BUFFER": "0"}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("AUTH_SECRET", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(tt.cliMode)
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
