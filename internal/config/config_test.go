package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("CHECK_INTERVAL_SECONDS", "")
	t.Setenv("CONSOLE_ADDR", "")
	t.Setenv("PRIORITY_OFFICE_IDS", "")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.CheckInterval != 120*time.Second {
		t.Errorf("CheckInterval = %v, want 2m", cfg.CheckInterval)
	}
	if cfg.TokenLifetime != 280*time.Second {
		t.Errorf("TokenLifetime = %v, want 280s", cfg.TokenLifetime)
	}
	if cfg.SessionTTL != 15*time.Minute {
		t.Errorf("SessionTTL = %v, want 15m", cfg.SessionTTL)
	}
	if cfg.APITimeout != 10*time.Second {
		t.Errorf("APITimeout = %v, want 10s", cfg.APITimeout)
	}
	if cfg.FailureThreshold != 5 || cfg.SweepEvery != 5 {
		t.Errorf("threshold/sweep = %d/%d, want 5/5", cfg.FailureThreshold, cfg.SweepEvery)
	}
}

func TestFromEnvCheckIntervalBounds(t *testing.T) {
	tests := []struct {
		val     string
		wantErr bool
	}{
		{"4", true},
		{"5", false},
		{"600", false},
		{"601", true},
		{"abc", true},
	}
	for _, tt := range tests {
		t.Run(tt.val, func(t *testing.T) {
			t.Setenv("CHECK_INTERVAL_SECONDS", tt.val)
			t.Setenv("CONSOLE_ADDR", "")
			_, err := FromEnv()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFromEnvPriorityOffices(t *testing.T) {
	t.Setenv("CONSOLE_ADDR", "")
	t.Setenv("PRIORITY_OFFICE_IDS", "10461, 10470,,10502")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	want := []int{10461, 10470, 10502}
	if len(cfg.PriorityOfficeIDs) != len(want) {
		t.Fatalf("PriorityOfficeIDs = %v, want %v", cfg.PriorityOfficeIDs, want)
	}
	for i := range want {
		if cfg.PriorityOfficeIDs[i] != want[i] {
			t.Fatalf("PriorityOfficeIDs = %v, want %v", cfg.PriorityOfficeIDs, want)
		}
	}
}

func TestFromEnvConsoleKeys(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	path := filepath.Join(t.TempDir(), "block")
	if err := os.WriteFile(path, []byte(key+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CONSOLE_ADDR", ":8080")
	t.Setenv("COOKIE_HASH_KEY", "")
	t.Setenv("COOKIE_BLOCK_KEY", "")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error without cookie keys")
	}

	t.Setenv("COOKIE_HASH_KEY", key)
	t.Setenv("COOKIE_BLOCK_KEY", path)
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if len(cfg.CookieHashKey) != 32 || len(cfg.CookieBlockKey) != 32 {
		t.Fatalf("key lengths = %d/%d, want 32/32", len(cfg.CookieHashKey), len(cfg.CookieBlockKey))
	}
}
