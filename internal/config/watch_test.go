package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchReloadsOnFileChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memengine.toml")
	if err := os.WriteFile(path, []byte("hybrid_alpha = 0.5\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	reloaded := make(chan *Config, 1)
	w, err := Watch(path, func(cfg *Config, err error) {
		if err != nil {
			t.Errorf("onChange err = %v", err)
			return
		}
		reloaded <- cfg
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("hybrid_alpha = 0.9\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.HybridAlpha != 0.9 {
			t.Errorf("HybridAlpha = %v, want 0.9", cfg.HybridAlpha)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload notification")
	}
}

func TestWatchRejectsEmptyPath(t *testing.T) {
	if _, err := Watch("", func(*Config, error) {}); err == nil {
		t.Error("Watch(\"\") should error")
	}
}
