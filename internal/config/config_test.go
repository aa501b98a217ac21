package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("VOICE_CONFIG", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HistoryLimit != 100 {
		t.Errorf("expected history limit 100, got %d", cfg.HistoryLimit)
	}
	if cfg.SignalBufferLimit != 50 {
		t.Errorf("expected signal buffer limit 50, got %d", cfg.SignalBufferLimit)
	}
	if len(cfg.STUNServers) != 1 || cfg.STUNServers[0] != DefaultSTUN {
		t.Errorf("expected default STUN, got %v", cfg.STUNServers)
	}
	if err := cfg.RequireSignalURL(); err == nil {
		t.Error("expected missing signal URL to be reported")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "voice.yaml")
	yml := "signal_url: wss://file.example/ws\npoll_interval: 5s\nhistory_limit: 20\nstun_servers:\n  - stun:a.example:3478\n"
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("VOICE_CONFIG", path)
	t.Setenv("VOICE_SIGNAL_URL", "wss://env.example/ws")
	t.Setenv("VOICE_CALL_TIMEOUT", "45s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SignalURL != "wss://env.example/ws" {
		t.Errorf("expected env signal URL, got %q", cfg.SignalURL)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Errorf("expected poll interval from file, got %s", cfg.PollInterval)
	}
	if cfg.HistoryLimit != 20 {
		t.Errorf("expected history limit from file, got %d", cfg.HistoryLimit)
	}
	if cfg.CallTimeout != 45*time.Second {
		t.Errorf("expected call timeout 45s, got %s", cfg.CallTimeout)
	}
	if len(cfg.STUNServers) != 1 || cfg.STUNServers[0] != "stun:a.example:3478" {
		t.Errorf("unexpected STUN servers %v", cfg.STUNServers)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("VOICE_CONFIG", "")

	t.Setenv("VOICE_POLL_INTERVAL", "soon")
	if _, err := Load(); err == nil {
		t.Error("expected bad duration to fail")
	}

	t.Setenv("VOICE_POLL_INTERVAL", "")
	t.Setenv("VOICE_HISTORY_LIMIT", "0")
	if _, err := Load(); err == nil {
		t.Error("expected zero history limit to fail")
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" stun:a , ,stun:b")
	if len(got) != 2 || got[0] != "stun:a" || got[1] != "stun:b" {
		t.Errorf("unexpected split %v", got)
	}
}

func TestResolvePath(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/var/lib/voice"
	if got := cfg.ResolvePath("token"); got != "/var/lib/voice/token" {
		t.Errorf("unexpected relative resolve %q", got)
	}
	if got := cfg.ResolvePath("/etc/token"); got != "/etc/token" {
		t.Errorf("unexpected absolute resolve %q", got)
	}
}
