package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/carterbs/gardener/internal/agent"
	"github.com/carterbs/gardener/internal/fsm"
)

func TestDefaultAppConfigPassesValidation(t *testing.T) {
	cfg := DefaultAppConfig()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate(default) error: %v", err)
	}
}

func TestLoadWithoutConfigFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(CliOverrides{})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Orchestrator.Parallelism != 3 {
		t.Fatalf("Parallelism = %d, want 3", cfg.Orchestrator.Parallelism)
	}
	if cfg.Agent.Default == nil || *cfg.Agent.Default != agent.AgentCodex {
		t.Fatalf("Agent.Default = %v, want codex", cfg.Agent.Default)
	}
}

func TestLoadMergesYAMLFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gardener.yaml")
	content := `
orchestrator:
  parallelism: 7
validation:
  command: "make validate"
prompts:
  token_budget:
    doing: 20000
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	cfg, err := Load(CliOverrides{ConfigPath: path})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Orchestrator.Parallelism != 7 {
		t.Fatalf("Parallelism = %d, want 7", cfg.Orchestrator.Parallelism)
	}
	if cfg.Validation.Command != "make validate" {
		t.Fatalf("Validation.Command = %q, want %q", cfg.Validation.Command, "make validate")
	}
	if cfg.Prompts.TokenBudget.Doing != 20000 {
		t.Fatalf("TokenBudget.Doing = %d, want 20000", cfg.Prompts.TokenBudget.Doing)
	}
	// Fields the file didn't set keep their defaults.
	if cfg.Prompts.TokenBudget.Planning != 9000 {
		t.Fatalf("TokenBudget.Planning = %d, want default 9000", cfg.Prompts.TokenBudget.Planning)
	}
	if cfg.Scheduler.LeaseTimeoutSeconds != 900 {
		t.Fatalf("Scheduler.LeaseTimeoutSeconds = %d, want default 900", cfg.Scheduler.LeaseTimeoutSeconds)
	}
}

func TestCliOverridesTakePrecedenceOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gardener.yaml")
	if err := os.WriteFile(path, []byte("orchestrator:\n  parallelism: 7\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	override := uint32(12)
	cfg, err := Load(CliOverrides{ConfigPath: path, Parallelism: &override})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Orchestrator.Parallelism != 12 {
		t.Fatalf("Parallelism = %d, want 12 (CLI override wins)", cfg.Orchestrator.Parallelism)
	}
}

func TestValidateRejectsZeroParallelism(t *testing.T) {
	cfg := DefaultAppConfig()
	cfg.Orchestrator.Parallelism = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("Validate() with zero parallelism returned nil error")
	}
}

func TestValidateRequiresDefaultAgentWhenAnyStateBackendOmitted(t *testing.T) {
	cfg := DefaultAppConfig()
	cfg.Agent.Default = nil
	cfg.States = map[string]StateConfig{
		"doing": {Model: "gpt-5-codex"},
	}
	if err := Validate(cfg); err == nil {
		t.Fatalf("Validate() with no default agent and no state backend returned nil error")
	}
}

func TestValidatePassesWhenEveryStateHasExplicitBackend(t *testing.T) {
	cfg := DefaultAppConfig()
	cfg.Agent.Default = nil
	codex := agent.AgentCodex
	cfg.States = map[string]StateConfig{
		"doing": {Backend: &codex, Model: "gpt-5-codex"},
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
}

func TestEffectiveAgentForStateFallsBackToDefault(t *testing.T) {
	cfg := DefaultAppConfig()
	got := EffectiveAgentForState(cfg, fsm.StateDoing)
	if got == nil || *got != agent.AgentCodex {
		t.Fatalf("EffectiveAgentForState() = %v, want codex default", got)
	}
}

func TestEffectiveAgentForStatePrefersPerStateOverride(t *testing.T) {
	cfg := DefaultAppConfig()
	claude := agent.AgentClaude
	cfg.States = map[string]StateConfig{
		"doing": {Backend: &claude},
	}
	got := EffectiveAgentForState(cfg, fsm.StateDoing)
	if got == nil || *got != agent.AgentClaude {
		t.Fatalf("EffectiveAgentForState() = %v, want claude override", got)
	}
}

func TestValidateSeedingModelRejectsPlaceholder(t *testing.T) {
	if err := ValidateSeedingModel("..."); err == nil {
		t.Fatalf("ValidateSeedingModel(\"...\") returned nil error")
	}
	if err := ValidateSeedingModel("gpt-5-codex"); err != nil {
		t.Fatalf("ValidateSeedingModel() error: %v", err)
	}
}
