// Package agent wraps the two external coding-agent CLIs (Codex, Claude)
// as AgentAdapter implementations: capability preflight via --help/
// --version substring probing, exact argv construction per backend, and
// the (intentionally asymmetric) per-backend policy for picking a turn's
// terminal event out of its streamed output.
package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/carterbs/gardener/internal/gardenerrors"
	"github.com/carterbs/gardener/internal/protocol"
	"github.com/carterbs/gardener/internal/runtime"
)

// AgentKind identifies which CLI backend an adapter drives.
type AgentKind string

const (
	AgentCodex  AgentKind = "codex"
	AgentClaude AgentKind = "claude"
)

// ParseCLIAgentKind maps a CLI-facing backend name onto an AgentKind.
func ParseCLIAgentKind(s string) (AgentKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "codex":
		return AgentCodex, nil
	case "claude":
		return AgentClaude, nil
	default:
		return "", gardenerrors.Cli(fmt.Sprintf("unknown agent backend: %q", s))
	}
}

// AdapterContext carries everything an adapter needs to run one turn.
type AdapterContext struct {
	WorkerID            string
	SessionID           string
	SandboxID           string
	Model               string
	Cwd                 string
	PromptVersion       string
	ContextManifestHash string
	OutputSchema        *string
	OutputFile          *string
	PermissiveMode      bool
	MaxTurns            *uint32
	KnowledgeRefs       []string
	CancelRequested     bool
}

// AdapterCapabilities records what an agent CLI build supports, as
// detected by probing --help/--version substrings.
type AdapterCapabilities struct {
	Backend                   AgentKind `json:"backend"`
	Version                   string    `json:"version"`
	SupportsJSON              bool      `json:"supports_json"`
	SupportsStreamJSON        bool      `json:"supports_stream_json"`
	SupportsOutputSchema      bool      `json:"supports_output_schema"`
	SupportsOutputLastMessage bool      `json:"supports_output_last_message"`
	SupportsMaxTurns          bool      `json:"supports_max_turns"`
	SupportsListenStdio       bool      `json:"supports_listen_stdio"`
	SupportsStdinPrompt       bool      `json:"supports_stdin_prompt"`
}

// CapabilitySnapshot is the timestamped, persisted record of every
// adapter's detected capabilities.
type CapabilitySnapshot struct {
	GeneratedAtUnix int64                          `json:"generated_at_unix"`
	Adapters        map[string]AdapterCapabilities `json:"adapters"`
}

// AgentAdapter is the contract every backend's CLI wrapper satisfies.
type AgentAdapter interface {
	Backend() AgentKind
	ProbeCapabilities(runner runtime.ProcessRunner) (AdapterCapabilities, error)
	Execute(runner runtime.ProcessRunner, ctx AdapterContext, prompt string) (protocol.StepResult, error)
}

// ValidateModel rejects empty model ids and placeholder strings left
// over from an unconfigured template ("...", "todo", case-insensitive).
func ValidateModel(model string) error {
	trimmed := strings.TrimSpace(model)
	if trimmed == "" {
		return gardenerrors.InvalidConfig("model must not be empty")
	}
	if trimmed == "..." {
		return gardenerrors.InvalidConfig("model is a placeholder value")
	}
	if strings.EqualFold(trimmed, "todo") {
		return gardenerrors.InvalidConfig("model is a placeholder value")
	}
	return nil
}

const capabilitySnapshotPath = ".cache/gardener/adapter-capabilities.json"

// ProbeAndPersist probes every supplied adapter's capabilities and
// writes a timestamped snapshot under <cwd>/.cache/gardener/.
func ProbeAndPersist(runner runtime.ProcessRunner, fs runtime.FileSystem, clock runtime.Clock, cwd string, adapters []AgentAdapter) (CapabilitySnapshot, error) {
	snapshot := CapabilitySnapshot{
		GeneratedAtUnix: clock.Now().Unix(),
		Adapters:        make(map[string]AdapterCapabilities, len(adapters)),
	}
	for _, a := range adapters {
		caps, err := a.ProbeCapabilities(runner)
		if err != nil {
			return CapabilitySnapshot{}, err
		}
		snapshot.Adapters[string(a.Backend())] = caps
	}

	path := joinPath(cwd, capabilitySnapshotPath)
	if err := fs.CreateDirAll(parentDir(path)); err != nil {
		return CapabilitySnapshot{}, gardenerrors.IO("create capability snapshot directory", err)
	}
	encoded, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return CapabilitySnapshot{}, gardenerrors.IO("encode capability snapshot", err)
	}
	if err := fs.WriteString(path, string(encoded)); err != nil {
		return CapabilitySnapshot{}, gardenerrors.IO("write capability snapshot", err)
	}
	return snapshot, nil
}

func joinPath(cwd, rel string) string {
	if cwd == "" {
		return rel
	}
	return strings.TrimRight(cwd, "/") + "/" + rel
}

func parentDir(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "."
	}
	return path[:idx]
}

func detectsSubstring(helpText string, substrings ...string) bool {
	for _, s := range substrings {
		if strings.Contains(helpText, s) {
			return true
		}
	}
	return false
}
