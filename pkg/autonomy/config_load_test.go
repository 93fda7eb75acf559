package autonomy

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoadConfigAppliesOverridesOnTopOfDefaults(t *testing.T) {
	path := writeConfigFile(t, `
autonomy:
  default_level: full
  max_concurrent_tasks: 12
scheduler:
  check_interval: 5s
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Autonomy.DefaultLevel != LevelFull {
		t.Errorf("DefaultLevel = %v, want full", cfg.Autonomy.DefaultLevel)
	}
	if cfg.Autonomy.MaxConcurrentTasks != 12 {
		t.Errorf("MaxConcurrentTasks = %d, want 12", cfg.Autonomy.MaxConcurrentTasks)
	}
	if cfg.Scheduler.CheckInterval != 5*time.Second {
		t.Errorf("CheckInterval = %v, want 5s", cfg.Scheduler.CheckInterval)
	}
	// Untouched sections keep their DefaultConfig values.
	if cfg.Feedback.SaveInterval != 60*time.Second {
		t.Errorf("SaveInterval = %v, want default 60s", cfg.Feedback.SaveInterval)
	}
}

func TestLoadConfigExpandsEnvVars(t *testing.T) {
	t.Setenv("AUTONOMY_STATE_DIR", "/var/run/autonomy")
	path := writeConfigFile(t, `
autonomy:
  persistence:
    dir: ${AUTONOMY_STATE_DIR}
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Autonomy.Persistence.Dir != "/var/run/autonomy" {
		t.Errorf("Persistence.Dir = %q, want /var/run/autonomy", cfg.Autonomy.Persistence.Dir)
	}
}

func TestLoadConfigMissingFileReturnsError(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadConfigRejectsMultipleDocuments(t *testing.T) {
	path := writeConfigFile(t, `
autonomy:
  default_level: full
---
autonomy:
  default_level: assisted
`)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for multi-document config file")
	}
}

func TestLoadConfigRecurringTasks(t *testing.T) {
	path := writeConfigFile(t, `
scheduler:
  recurring_tasks:
    - name: nightly
      action: daily_review
      kind: interval
      interval_seconds: 86400
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.Scheduler.RecurringTasks) != 1 {
		t.Fatalf("RecurringTasks length = %d, want 1", len(cfg.Scheduler.RecurringTasks))
	}
	rt := cfg.Scheduler.RecurringTasks[0]
	if rt.Name != "nightly" || rt.Action != "daily_review" || rt.Kind != ScheduleInterval {
		t.Errorf("unexpected recurring task: %+v", rt)
	}
}
