package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("Defaults().Validate() error = %v", err)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HybridAlpha != 0.5 {
		t.Errorf("HybridAlpha = %v, want 0.5", cfg.HybridAlpha)
	}
	if cfg.EmbeddingConcurrency != 2 {
		t.Errorf("EmbeddingConcurrency = %v, want 2", cfg.EmbeddingConcurrency)
	}
}

func TestLoadReadsTOMLOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memengine.toml")
	contents := "hybrid_alpha = 0.75\nrerank_topk = 50\npermission_mode = \"permissive\"\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HybridAlpha != 0.75 {
		t.Errorf("HybridAlpha = %v, want 0.75", cfg.HybridAlpha)
	}
	if cfg.RerankTopK != 50 {
		t.Errorf("RerankTopK = %v, want 50", cfg.RerankTopK)
	}
	if cfg.PermissionMode != PermissionModePermissive {
		t.Errorf("PermissionMode = %v, want permissive", cfg.PermissionMode)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memengine.toml")
	if err := os.WriteFile(path, []byte("hybrid_alpha = 0.75\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("MEMCTL_HYBRID_ALPHA", "0.2")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HybridAlpha != 0.2 {
		t.Errorf("HybridAlpha = %v, want 0.2 (env override)", cfg.HybridAlpha)
	}
}

func TestValidateRejectsOutOfRangeAlpha(t *testing.T) {
	cfg := Defaults()
	cfg.HybridAlpha = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for hybridAlpha > 1")
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	priority := 1
	doc := &Document{
		Version:    1,
		ExportedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Entries: []ExportEntry{
			{
				Type:      "guideline",
				ScopeType: "global",
				Name:      "use-tls",
				Priority:  &priority,
				Content:   "Always use TLS.",
				Tags:      []string{"security"},
			},
		},
	}

	data, err := MarshalDocument(doc)
	if err != nil {
		t.Fatalf("MarshalDocument() error = %v", err)
	}

	got, err := UnmarshalDocument(data)
	if err != nil {
		t.Fatalf("UnmarshalDocument() error = %v", err)
	}
	if len(got.Entries) != 1 || got.Entries[0].Name != "use-tls" {
		t.Errorf("UnmarshalDocument() = %+v", got)
	}
	if got.Entries[0].Priority == nil || *got.Entries[0].Priority != 1 {
		t.Errorf("Priority = %v, want 1", got.Entries[0].Priority)
	}
}

func TestConflictStrategyIsValid(t *testing.T) {
	for _, s := range []ConflictStrategy{ConflictSkip, ConflictUpdate, ConflictReplace, ConflictError} {
		if !s.IsValid() {
			t.Errorf("%q should be valid", s)
		}
	}
	if ConflictStrategy("bogus").IsValid() {
		t.Error("bogus strategy should be invalid")
	}
}
