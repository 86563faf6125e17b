package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromMissingFileReturnsDefaults(t *testing.T) {
	c, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if c.ListenAddr != ":8080" || c.RedisAddr != "localhost:6379" || c.OUI != "90b8d0" {
		t.Errorf("defaults = %+v", c)
	}
}

func TestLoadFromOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netregd.yaml")
	data := []byte("listen_addr: \":9090\"\noui: \"02abcd\"\nlog_level: debug\nip_retries: 5\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if c.ListenAddr != ":9090" || c.OUI != "02abcd" || c.LogLevel != "debug" || c.IPRetries != 5 {
		t.Errorf("loaded = %+v", c)
	}
	// Fields absent from the file keep their defaults.
	if c.RedisAddr != "localhost:6379" {
		t.Errorf("redis_addr = %q, want default", c.RedisAddr)
	}
}

func TestLoadFromRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad oui", "oui: \"zzz\"\n"},
		{"oui too wide", "oui: \"1000000\"\n"},
		{"bad log level", "log_level: chatty\n"},
		{"empty listen addr", "listen_addr: \"\"\n"},
		{"broken yaml", "listen_addr: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "netregd.yaml")
			if err := os.WriteFile(path, []byte(tt.data), 0o644); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			if _, err := LoadFrom(path); err == nil {
				t.Error("bad config accepted")
			}
		})
	}
}

func TestParseOUI(t *testing.T) {
	c := &Config{OUI: "90b8d0"}
	v, err := c.ParseOUI()
	if err != nil || v != 0x90b8d0 {
		t.Errorf("ParseOUI = %06x, %v", v, err)
	}
}
