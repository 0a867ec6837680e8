package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWorkerCountClamp(t *testing.T) {
	t.Setenv("WORKER_COUNT", "500")
	cfg := Load()
	if cfg.WorkerCount != 64 {
		t.Fatalf("expected worker count clamped to 64, got %d", cfg.WorkerCount)
	}
}

func TestPollIntervalFloor(t *testing.T) {
	t.Setenv("TRANSCRIBE_POLL_INTERVAL_MS", "10")
	cfg := Load()
	if cfg.AssemblyAI.PollInterval.Milliseconds() != 200 {
		t.Fatalf("expected poll interval floored to 200ms, got %v", cfg.AssemblyAI.PollInterval)
	}
}

func TestMaxRoundsDefault(t *testing.T) {
	os.Unsetenv("REFLECT_MAX_ROUNDS")
	cfg := Load()
	if cfg.Reflect.MaxRounds != 5 {
		t.Fatalf("expected default max rounds 5, got %d", cfg.Reflect.MaxRounds)
	}
}

func TestLoadPromptsOverridesOnlyProvidedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	body := "prompts:\n  integrate: |\n    Custom integration rules.\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	prompts, err := LoadPrompts(path)
	if err != nil {
		t.Fatalf("load prompts: %v", err)
	}
	if prompts.Integrate == DefaultPrompts().Integrate {
		t.Fatalf("expected integrate prompt overridden")
	}
	if prompts.InitialQuestions != DefaultPrompts().InitialQuestions {
		t.Fatalf("expected initial questions prompt unchanged")
	}
}
