package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("server.base_url", "https://sync.example.com")
	configViper.Set("instance.number", "+15550001234")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.OpsAddress != "127.0.0.1:8710" {
		t.Fatalf("unexpected ops address %q", cfg.OpsAddress)
	}
	if cfg.DatabasePath != "dialtone.db" {
		t.Fatalf("unexpected database path %q", cfg.DatabasePath)
	}
	if cfg.UploadChunkSize != 25 || cfg.DownloadPageSize != 50 {
		t.Fatalf("unexpected batch defaults: %+v", cfg)
	}
	if cfg.PassInterval != 15*time.Second {
		t.Fatalf("unexpected pass interval %v", cfg.PassInterval)
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Fatalf("unexpected request timeout %v", cfg.RequestTimeout)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("unexpected log level %q", cfg.LogLevel)
	}
}

func TestLoadRequiresServerBaseURL(t *testing.T) {
	configViper := NewViper()
	configViper.Set("instance.number", "+15550001234")

	if _, err := Load(configViper); err == nil || !strings.Contains(err.Error(), "server.base_url") {
		t.Fatalf("expected server.base_url error, got %v", err)
	}
}

func TestLoadRequiresInstanceNumber(t *testing.T) {
	configViper := NewViper()
	configViper.Set("server.base_url", "https://sync.example.com")

	if _, err := Load(configViper); err == nil || !strings.Contains(err.Error(), "instance.number") {
		t.Fatalf("expected instance.number error, got %v", err)
	}
}

func TestLoadRejectsNonPositiveChunkSize(t *testing.T) {
	configViper := NewViper()
	configViper.Set("server.base_url", "https://sync.example.com")
	configViper.Set("instance.number", "+15550001234")
	configViper.Set("upload.chunk_size", 0)

	if _, err := Load(configViper); err == nil || !strings.Contains(err.Error(), "upload.chunk_size") {
		t.Fatalf("expected upload.chunk_size error, got %v", err)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("DIALTONE_SERVER_BASE_URL", "https://env.example.com")
	t.Setenv("DIALTONE_INSTANCE_NUMBER", "+15550009999")
	t.Setenv("DIALTONE_LOG_LEVEL", "debug")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ServerBaseURL != "https://env.example.com" {
		t.Fatalf("unexpected server url %q", cfg.ServerBaseURL)
	}
	if cfg.InstanceNumber != "+15550009999" {
		t.Fatalf("unexpected instance number %q", cfg.InstanceNumber)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("unexpected log level %q", cfg.LogLevel)
	}
}
