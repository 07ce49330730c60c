// Package config loads and validates AppConfig: built-in defaults,
// merged with an optional YAML file, merged again with CLI overrides,
// then validated before the rest of the core trusts it.
package config

import (
	"os"
	"strings"

	"github.com/carterbs/gardener/internal/agent"
	"github.com/carterbs/gardener/internal/fsm"
	"github.com/carterbs/gardener/internal/gardenerrors"
	"gopkg.in/yaml.v3"
)

// CliOverrides carries the handful of settings a caller may override
// from the command line, taking precedence over both defaults and the
// config file. Grounded on config.rs's CliOverrides.
type CliOverrides struct {
	ConfigPath        string
	WorkingDir        string
	Parallelism       *uint32
	ValidationCommand string
	Agent             *agent.AgentKind
}

// AppConfig is the fully resolved configuration every core component
// reads from. Grounded on config.rs's AppConfig, trimmed to the
// components this module implements (seeding/triage/quality-report
// belong to the upstream triage/discovery process, out of scope here).
type AppConfig struct {
	Orchestrator OrchestratorConfig     `yaml:"orchestrator"`
	Scope        ScopeConfig            `yaml:"scope"`
	Startup      StartupConfig          `yaml:"startup"`
	Validation   ValidationConfig       `yaml:"validation"`
	Agent        AgentConfig            `yaml:"agent"`
	States       map[string]StateConfig `yaml:"states"`
	Scheduler    SchedulerConfig        `yaml:"scheduler"`
	Prompts      PromptsConfig          `yaml:"prompts"`
	Learning     LearningConfig         `yaml:"learning"`
	Execution    ExecutionConfig        `yaml:"execution"`
}

type OrchestratorConfig struct {
	Parallelism uint32 `yaml:"parallelism"`
}

type ScopeConfig struct {
	WorkingDir string `yaml:"working_dir"`
	// ExcludeGlobs are doublestar patterns (matched against each entry in
	// a doing turn's files_changed) a worker is never allowed to touch,
	// regardless of what the agent CLI reports having edited.
	ExcludeGlobs []string `yaml:"exclude_globs"`
}

type StartupConfig struct {
	ValidateOnBoot    bool   `yaml:"validate_on_boot"`
	ValidationCommand string `yaml:"validation_command"`
}

type ValidationConfig struct {
	Command             string `yaml:"command"`
	AllowAgentDiscovery bool   `yaml:"allow_agent_discovery"`
}

type AgentConfig struct {
	Default *agent.AgentKind `yaml:"default"`
}

type StateConfig struct {
	Backend *agent.AgentKind `yaml:"backend"`
	Model   string           `yaml:"model"`
}

type SchedulerConfig struct {
	LeaseTimeoutSeconds        uint64 `yaml:"lease_timeout_seconds"`
	HeartbeatIntervalSeconds   uint64 `yaml:"heartbeat_interval_seconds"`
	StarvationThresholdSeconds uint64 `yaml:"starvation_threshold_seconds"`
	ReconcileIntervalSeconds   uint64 `yaml:"reconcile_interval_seconds"`
}

type PromptsConfig struct {
	TokenBudget TokenBudgetConfig `yaml:"token_budget"`
}

type TokenBudgetConfig struct {
	Understand uint32 `yaml:"understand"`
	Planning   uint32 `yaml:"planning"`
	Doing      uint32 `yaml:"doing"`
	Gitting    uint32 `yaml:"gitting"`
	Reviewing  uint32 `yaml:"reviewing"`
	Merging    uint32 `yaml:"merging"`
}

type LearningConfig struct {
	ConfidenceDecayPerDay     float64 `yaml:"confidence_decay_per_day"`
	DeactivateBelowConfidence float64 `yaml:"deactivate_below_confidence"`
}

type ExecutionConfig struct {
	PermissionsMode string `yaml:"permissions_mode"`
	WorkerMode      string `yaml:"worker_mode"`
	TestMode        bool   `yaml:"test_mode"`
}

// DefaultAppConfig returns the built-in defaults every config starts
// from, before any file or CLI override is applied. Values mirror
// config.rs's Default impl.
func DefaultAppConfig() AppConfig {
	defaultAgent := agent.AgentCodex
	return AppConfig{
		Orchestrator: OrchestratorConfig{Parallelism: 3},
		Scope:        ScopeConfig{ExcludeGlobs: []string{".git/**", "**/.env", "**/*.pem"}},
		Startup: StartupConfig{
			ValidateOnBoot:    false,
			ValidationCommand: "npm run validate",
		},
		Validation: ValidationConfig{
			Command:             "npm run validate",
			AllowAgentDiscovery: true,
		},
		Agent:  AgentConfig{Default: &defaultAgent},
		States: map[string]StateConfig{},
		Scheduler: SchedulerConfig{
			LeaseTimeoutSeconds:        900,
			HeartbeatIntervalSeconds:   15,
			StarvationThresholdSeconds: 180,
			ReconcileIntervalSeconds:   30,
		},
		Prompts: PromptsConfig{
			TokenBudget: TokenBudgetConfig{
				Understand: 6000,
				Planning:   9000,
				Doing:      12000,
				Gitting:    4000,
				Reviewing:  10000,
				Merging:    5000,
			},
		},
		Learning: LearningConfig{
			ConfidenceDecayPerDay:     0.01,
			DeactivateBelowConfidence: 0.20,
		},
		Execution: ExecutionConfig{
			PermissionsMode: "permissive_v1",
			WorkerMode:      "normal",
			TestMode:        false,
		},
	}
}

// partialAppConfig mirrors AppConfig but every field is a pointer/zero-
// defaultable value so merging only overwrites what the file actually
// set, matching config.rs's PartialAppConfig/merge_partial_config.
type partialAppConfig struct {
	Orchestrator *partialOrchestratorConfig `yaml:"orchestrator"`
	Scope        *partialScopeConfig        `yaml:"scope"`
	Startup      *partialStartupConfig      `yaml:"startup"`
	Validation   *partialValidationConfig   `yaml:"validation"`
	Agent        *AgentConfig               `yaml:"agent"`
	States       map[string]StateConfig     `yaml:"states"`
	Scheduler    *partialSchedulerConfig    `yaml:"scheduler"`
	Prompts      *partialPromptsConfig      `yaml:"prompts"`
	Learning     *partialLearningConfig     `yaml:"learning"`
	Execution    *partialExecutionConfig    `yaml:"execution"`
}

type partialOrchestratorConfig struct {
	Parallelism *uint32 `yaml:"parallelism"`
}

type partialScopeConfig struct {
	WorkingDir   *string  `yaml:"working_dir"`
	ExcludeGlobs []string `yaml:"exclude_globs"`
}

type partialStartupConfig struct {
	ValidateOnBoot    *bool   `yaml:"validate_on_boot"`
	ValidationCommand *string `yaml:"validation_command"`
}

type partialValidationConfig struct {
	Command             *string `yaml:"command"`
	AllowAgentDiscovery *bool   `yaml:"allow_agent_discovery"`
}

type partialSchedulerConfig struct {
	LeaseTimeoutSeconds        *uint64 `yaml:"lease_timeout_seconds"`
	HeartbeatIntervalSeconds   *uint64 `yaml:"heartbeat_interval_seconds"`
	StarvationThresholdSeconds *uint64 `yaml:"starvation_threshold_seconds"`
	ReconcileIntervalSeconds   *uint64 `yaml:"reconcile_interval_seconds"`
}

type partialPromptsConfig struct {
	TokenBudget *partialTokenBudgetConfig `yaml:"token_budget"`
}

type partialTokenBudgetConfig struct {
	Understand *uint32 `yaml:"understand"`
	Planning   *uint32 `yaml:"planning"`
	Doing      *uint32 `yaml:"doing"`
	Gitting    *uint32 `yaml:"gitting"`
	Reviewing  *uint32 `yaml:"reviewing"`
	Merging    *uint32 `yaml:"merging"`
}

type partialLearningConfig struct {
	ConfidenceDecayPerDay     *float64 `yaml:"confidence_decay_per_day"`
	DeactivateBelowConfidence *float64 `yaml:"deactivate_below_confidence"`
}

type partialExecutionConfig struct {
	PermissionsMode *string `yaml:"permissions_mode"`
	WorkerMode      *string `yaml:"worker_mode"`
	TestMode        *bool   `yaml:"test_mode"`
}

func mergePartialConfig(cfg *AppConfig, partial partialAppConfig) {
	if o := partial.Orchestrator; o != nil {
		if o.Parallelism != nil {
			cfg.Orchestrator.Parallelism = *o.Parallelism
		}
	}
	if s := partial.Scope; s != nil {
		if s.WorkingDir != nil {
			cfg.Scope.WorkingDir = *s.WorkingDir
		}
		if s.ExcludeGlobs != nil {
			cfg.Scope.ExcludeGlobs = s.ExcludeGlobs
		}
	}
	if s := partial.Startup; s != nil {
		if s.ValidateOnBoot != nil {
			cfg.Startup.ValidateOnBoot = *s.ValidateOnBoot
		}
		if s.ValidationCommand != nil {
			cfg.Startup.ValidationCommand = *s.ValidationCommand
		}
	}
	if v := partial.Validation; v != nil {
		if v.Command != nil {
			cfg.Validation.Command = *v.Command
		}
		if v.AllowAgentDiscovery != nil {
			cfg.Validation.AllowAgentDiscovery = *v.AllowAgentDiscovery
		}
	}
	if partial.Agent != nil {
		cfg.Agent = *partial.Agent
	}
	if partial.States != nil {
		cfg.States = partial.States
	}
	if sch := partial.Scheduler; sch != nil {
		if sch.LeaseTimeoutSeconds != nil {
			cfg.Scheduler.LeaseTimeoutSeconds = *sch.LeaseTimeoutSeconds
		}
		if sch.HeartbeatIntervalSeconds != nil {
			cfg.Scheduler.HeartbeatIntervalSeconds = *sch.HeartbeatIntervalSeconds
		}
		if sch.StarvationThresholdSeconds != nil {
			cfg.Scheduler.StarvationThresholdSeconds = *sch.StarvationThresholdSeconds
		}
		if sch.ReconcileIntervalSeconds != nil {
			cfg.Scheduler.ReconcileIntervalSeconds = *sch.ReconcileIntervalSeconds
		}
	}
	if p := partial.Prompts; p != nil && p.TokenBudget != nil {
		tb := p.TokenBudget
		if tb.Understand != nil {
			cfg.Prompts.TokenBudget.Understand = *tb.Understand
		}
		if tb.Planning != nil {
			cfg.Prompts.TokenBudget.Planning = *tb.Planning
		}
		if tb.Doing != nil {
			cfg.Prompts.TokenBudget.Doing = *tb.Doing
		}
		if tb.Gitting != nil {
			cfg.Prompts.TokenBudget.Gitting = *tb.Gitting
		}
		if tb.Reviewing != nil {
			cfg.Prompts.TokenBudget.Reviewing = *tb.Reviewing
		}
		if tb.Merging != nil {
			cfg.Prompts.TokenBudget.Merging = *tb.Merging
		}
	}
	if l := partial.Learning; l != nil {
		if l.ConfidenceDecayPerDay != nil {
			cfg.Learning.ConfidenceDecayPerDay = *l.ConfidenceDecayPerDay
		}
		if l.DeactivateBelowConfidence != nil {
			cfg.Learning.DeactivateBelowConfidence = *l.DeactivateBelowConfidence
		}
	}
	if e := partial.Execution; e != nil {
		if e.PermissionsMode != nil {
			cfg.Execution.PermissionsMode = *e.PermissionsMode
		}
		if e.WorkerMode != nil {
			cfg.Execution.WorkerMode = *e.WorkerMode
		}
		if e.TestMode != nil {
			cfg.Execution.TestMode = *e.TestMode
		}
	}
}

func applyCliOverrides(cfg *AppConfig, overrides CliOverrides) {
	if overrides.Parallelism != nil {
		cfg.Orchestrator.Parallelism = *overrides.Parallelism
	}
	if overrides.Agent != nil {
		cfg.Agent.Default = overrides.Agent
	}
	if overrides.ValidationCommand != "" {
		cfg.Validation.Command = overrides.ValidationCommand
	}
	if overrides.WorkingDir != "" {
		cfg.Scope.WorkingDir = overrides.WorkingDir
	}
}

// Load builds an AppConfig from built-in defaults, an optional YAML
// file named by overrides.ConfigPath, and CLI overrides, in that
// precedence order, then validates the result.
func Load(overrides CliOverrides) (AppConfig, error) {
	cfg := DefaultAppConfig()

	if overrides.ConfigPath != "" {
		data, err := os.ReadFile(overrides.ConfigPath)
		if err != nil {
			return AppConfig{}, gardenerrors.IO("read config file", err)
		}
		var partial partialAppConfig
		if err := yaml.Unmarshal(data, &partial); err != nil {
			return AppConfig{}, gardenerrors.ConfigParse("parse config file", err)
		}
		mergePartialConfig(&cfg, partial)
	}

	applyCliOverrides(&cfg, overrides)

	if err := Validate(cfg); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Validate enforces the invariants load_config/validate_config in the
// original require before the rest of the core trusts a config.
func Validate(cfg AppConfig) error {
	if cfg.Orchestrator.Parallelism == 0 {
		return gardenerrors.InvalidConfig("orchestrator.parallelism must be greater than zero")
	}

	if cfg.Agent.Default == nil {
		for _, state := range cfg.States {
			if state.Backend == nil {
				return gardenerrors.InvalidConfig("agent.default is required when any state backend is omitted")
			}
		}
	}

	return nil
}

// ValidateSeedingModel rejects empty or placeholder seeding model ids,
// mirroring config.rs's model-id guard in validate_config. Exposed
// separately since AppConfig itself carries no seeding section in this
// module's trimmed scope; callers that do configure a seeding model
// (e.g. from a higher-level discovery flow) can still apply the same
// rule via agent.ValidateModel.
func ValidateSeedingModel(model string) error {
	return agent.ValidateModel(model)
}

// EffectiveAgentForState resolves which backend drives a given FSM
// state: a per-state backend override if configured, else the
// config-wide default.
func EffectiveAgentForState(cfg AppConfig, state fsm.WorkerState) *agent.AgentKind {
	if stateCfg, ok := cfg.States[stateKey(state)]; ok && stateCfg.Backend != nil {
		return stateCfg.Backend
	}
	return cfg.Agent.Default
}

// DefaultModel is the model id used for a state when its per-state
// config supplies none.
const DefaultModel = "gpt-5-codex"

// EffectiveModelForState resolves which model id drives a given FSM
// state: a per-state override if configured, else DefaultModel.
func EffectiveModelForState(cfg AppConfig, state fsm.WorkerState) string {
	if stateCfg, ok := cfg.States[stateKey(state)]; ok && stateCfg.Model != "" {
		return stateCfg.Model
	}
	return DefaultModel
}

// TokenBudgetForState resolves the configured token budget for a given
// FSM state. States without a structured output turn (seeding and the
// terminal states) have no budget and return 0.
func TokenBudgetForState(cfg AppConfig, state fsm.WorkerState) uint32 {
	switch state {
	case fsm.StateUnderstand:
		return cfg.Prompts.TokenBudget.Understand
	case fsm.StatePlanning:
		return cfg.Prompts.TokenBudget.Planning
	case fsm.StateDoing:
		return cfg.Prompts.TokenBudget.Doing
	case fsm.StateGitting:
		return cfg.Prompts.TokenBudget.Gitting
	case fsm.StateReviewing:
		return cfg.Prompts.TokenBudget.Reviewing
	case fsm.StateMerging:
		return cfg.Prompts.TokenBudget.Merging
	default:
		return 0
	}
}

func stateKey(state fsm.WorkerState) string {
	return strings.ToLower(state.AsStr())
}
