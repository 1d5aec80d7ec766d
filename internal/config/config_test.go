package config

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configFile, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return configFile
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Spider.Workers < MinWorkers || cfg.Spider.Workers > MaxWorkers {
		t.Errorf("default workers %d out of range", cfg.Spider.Workers)
	}
	if cfg.HTTP.BaseURL == "" {
		t.Error("expected default base url")
	}
	if cfg.ServerAddr() != "127.0.0.1:8080" {
		t.Errorf("expected 127.0.0.1:8080, got %s", cfg.ServerAddr())
	}
}

func TestConfig_Normalize(t *testing.T) {
	tests := []struct {
		name        string
		workers     int
		preload     int
		wantWorkers int
		wantPreload int
	}{
		{"in range", 4, 10, 4, 10},
		{"too few workers", 0, 5, 1, 5},
		{"too many workers", 50, 5, 10, 5},
		{"negative preload", 3, -1, 3, 0},
		{"preload above max", 3, 500, 3, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Spider.Workers = tt.workers
			cfg.Spider.Preload = tt.preload
			cfg.Normalize()
			if cfg.Spider.Workers != tt.wantWorkers {
				t.Errorf("workers: expected %d, got %d", tt.wantWorkers, cfg.Spider.Workers)
			}
			if cfg.Spider.Preload != tt.wantPreload {
				t.Errorf("preload: expected %d, got %d", tt.wantPreload, cfg.Spider.Preload)
			}
		})
	}
}

func TestNewManager(t *testing.T) {
	t.Run("loads from config file", func(t *testing.T) {
		configFile := writeConfig(t, `
spider:
  workers: 7
  decode_cache_ttl: 90s
http:
  base_url: "https://example.test"
`)

		mgr, err := NewManager(configFile, "")
		if err != nil {
			t.Fatalf("failed to create manager: %v", err)
		}

		cfg := mgr.Get()
		if cfg.Spider.Workers != 7 {
			t.Errorf("expected 7 workers, got %d", cfg.Spider.Workers)
		}
		if cfg.Spider.DecodeCacheTTL != 90*time.Second {
			t.Errorf("expected 90s ttl, got %s", cfg.Spider.DecodeCacheTTL)
		}
		if cfg.HTTP.BaseURL != "https://example.test" {
			t.Errorf("expected https://example.test, got %s", cfg.HTTP.BaseURL)
		}
		// Unset keys fall back to defaults
		if cfg.Spider.Preload != DefaultConfig().Spider.Preload {
			t.Errorf("expected default preload, got %d", cfg.Spider.Preload)
		}
	})

	t.Run("missing config in home uses defaults", func(t *testing.T) {
		mgr, err := NewManager("", t.TempDir())
		if err != nil {
			t.Fatalf("failed to create manager: %v", err)
		}
		if mgr.Get().HTTP.Timeout != DefaultConfig().HTTP.Timeout {
			t.Errorf("expected default timeout, got %s", mgr.Get().HTTP.Timeout)
		}
	})

	t.Run("env overrides file", func(t *testing.T) {
		t.Setenv("SPIDER_SPIDER_PRELOAD", "9")
		configFile := writeConfig(t, "spider:\n  preload: 2\n")

		mgr, err := NewManager(configFile, "")
		if err != nil {
			t.Fatalf("failed to create manager: %v", err)
		}
		if mgr.Get().Spider.Preload != 9 {
			t.Errorf("expected preload 9 from env, got %d", mgr.Get().Spider.Preload)
		}
	})
}

func TestManager_Value(t *testing.T) {
	mgr, err := NewManager(writeConfig(t, "server:\n  port: \"9999\"\n"), "")
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	v, err := mgr.Value("server.port")
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if v != "9999" {
		t.Errorf("expected 9999, got %v", v)
	}

	if _, err := mgr.Value("no.such.key"); !errors.Is(err, ErrNoDefault) {
		t.Errorf("expected ErrNoDefault, got %v", err)
	}
	if _, err := mgr.Value("bad key"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestManager_Entries(t *testing.T) {
	mgr, err := NewManager(writeConfig(t, "spider:\n  workers: 7\n"), "")
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	entries := mgr.Entries()
	if len(entries) != len(DefaultEntries()) {
		t.Fatalf("got %d entries, want %d", len(entries), len(DefaultEntries()))
	}
	for _, e := range entries {
		if e.Key == "spider.workers" && e.Value != 7 {
			t.Errorf("spider.workers = %v (%T), want 7", e.Value, e.Value)
		}
		if e.Key == "server.port" && e.Value != DefaultConfig().Server.Port {
			t.Errorf("server.port = %v, want default", e.Value)
		}
	}
}

func TestManager_OnChange_Multiple(t *testing.T) {
	mgr, err := NewManager(writeConfig(t, "spider:\n  workers: 2\n"), "")
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	mgr.OnChange(func(cfg *Config) {})
	mgr.OnChange(func(cfg *Config) {})
	mgr.OnChange(func(cfg *Config) {})

	mgr.mu.RLock()
	if len(mgr.callbacks) != 3 {
		t.Errorf("expected 3 callbacks, got %d", len(mgr.callbacks))
	}
	mgr.mu.RUnlock()
}

func TestManager_Get_ThreadSafe(t *testing.T) {
	mgr, err := NewManager(writeConfig(t, "spider:\n  workers: 2\n"), "")
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				cfg := mgr.Get()
				_ = cfg.Spider.Workers
			}
			done <- struct{}{}
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}
}

func TestManager_WatchConfig(t *testing.T) {
	configFile := writeConfig(t, "spider:\n  workers: 2\n")

	mgr, err := NewManager(configFile, "")
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	if mgr.Get().Spider.Workers != 2 {
		t.Errorf("initial value mismatch: expected 2, got %d", mgr.Get().Spider.Workers)
	}

	var callbackCount atomic.Int32
	var lastValue atomic.Int64

	mgr.OnChange(func(cfg *Config) {
		callbackCount.Add(1)
		lastValue.Store(int64(cfg.Spider.Workers))
	})

	mgr.WatchConfig()

	// Give fsnotify time to set up the watcher
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(configFile, []byte("spider:\n  workers: 6\n"), 0644); err != nil {
		t.Fatalf("failed to write updated config file: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if callbackCount.Load() > 0 && lastValue.Load() == 6 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	if callbackCount.Load() == 0 {
		t.Fatal("callback was not invoked after config file change")
	}
	if got := mgr.Get().Spider.Workers; got != 6 {
		t.Errorf("config not updated: expected 6, got %d", got)
	}
	if v := lastValue.Load(); v != 6 {
		t.Errorf("callback received wrong value: expected 6, got %d", v)
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	mgr, err := NewManager(path, "")
	if err != nil {
		t.Fatalf("failed to load written default: %v", err)
	}
	want := DefaultConfig()
	got := mgr.Get()
	if got.Spider != want.Spider {
		t.Errorf("spider section: expected %+v, got %+v", want.Spider, got.Spider)
	}
	if got.HTTP != want.HTTP {
		t.Errorf("http section: expected %+v, got %+v", want.HTTP, got.HTTP)
	}
}
