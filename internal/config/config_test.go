package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REVAUDIT_CONFIG_PATH", "")
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Service.Addr != ":8080" {
		t.Errorf("addr = %q, want :8080", cfg.Service.Addr)
	}
	if cfg.LLM.Enabled {
		t.Error("llm enabled by default")
	}
	if cfg.Budget.DailyLimitUSD != 25.0 {
		t.Errorf("daily limit = %v, want 25", cfg.Budget.DailyLimitUSD)
	}
	if cfg.Review.Strategy != "fixed" {
		t.Errorf("strategy = %q, want fixed", cfg.Review.Strategy)
	}
	if cfg.Streaming.QueueCapacity != 64 {
		t.Errorf("queue capacity = %d, want 64", cfg.Streaming.QueueCapacity)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "revaudit.yaml")
	yaml := `
service:
  addr: ":9090"
llm:
  enabled: true
  base_url: "http://llm.internal:8000"
  api_key: "sk-live"
  model: "gpt-4o"
budget:
  daily_limit_usd: 5.5
review:
  strategy: supervisor
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("REVAUDIT_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Service.Addr != ":9090" {
		t.Errorf("addr = %q, want :9090", cfg.Service.Addr)
	}
	if !cfg.LLM.Enabled || cfg.LLM.BaseURL != "http://llm.internal:8000" {
		t.Errorf("llm config not applied: %+v", cfg.LLM)
	}
	if cfg.LLM.Model != "gpt-4o" {
		t.Errorf("model = %q", cfg.LLM.Model)
	}
	if cfg.LLM.APIKey != "sk-live" {
		t.Errorf("api_key = %q", cfg.LLM.APIKey)
	}
	if cfg.LLM.Provider != "openai" {
		t.Errorf("provider default lost: %q", cfg.LLM.Provider)
	}
	if cfg.Budget.DailyLimitUSD != 5.5 {
		t.Errorf("daily limit = %v, want 5.5", cfg.Budget.DailyLimitUSD)
	}
	if cfg.Review.Strategy != "supervisor" {
		t.Errorf("strategy = %q, want supervisor", cfg.Review.Strategy)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("REVAUDIT_CONFIG_PATH", "")
	t.Setenv("REVAUDIT_SERVICE_ADDR", ":7070")
	t.Setenv("REVAUDIT_BUDGET_DAILY_LIMIT_USD", "100")
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Service.Addr != ":7070" {
		t.Errorf("addr = %q, want :7070", cfg.Service.Addr)
	}
	if cfg.Budget.DailyLimitUSD != 100 {
		t.Errorf("daily limit = %v, want 100", cfg.Budget.DailyLimitUSD)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "revaudit.yaml")
	yaml := `
review:
  strategy: roulette
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("REVAUDIT_CONFIG_PATH", path)

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestLoadRejectsEnabledLLMWithoutBaseURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "revaudit.yaml")
	if err := os.WriteFile(path, []byte("llm:\n  enabled: true\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("REVAUDIT_CONFIG_PATH", path)

	if _, err := Load(); err == nil {
		t.Fatal("expected error for enabled llm without base_url")
	}
}

func TestWatcherInvokesHandlerOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	if err := os.WriteFile(path, []byte("pricing: {}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	w, err := NewWatcher(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	var fired atomic.Int32
	w.OnChange("models.yaml", func() error {
		fired.Add(1)
		return nil
	})
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := os.WriteFile(path, []byte("pricing:\n  defaults: {}\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if fired.Load() == 0 {
		t.Fatal("handler not invoked after file write")
	}
}

func TestWatcherIgnoresUnregisteredFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	var fired atomic.Int32
	w.OnChange("models.yaml", func() error {
		fired.Add(1)
		return nil
	})
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	other := filepath.Join(dir, "other.yaml")
	if err := os.WriteFile(other, []byte("x: 1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if fired.Load() != 0 {
		t.Errorf("handler fired %d times for unregistered file", fired.Load())
	}
}
