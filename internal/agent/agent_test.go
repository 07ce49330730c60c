package agent

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/carterbs/gardener/internal/runtime"
)

func TestProbeAndPersistWritesCapabilitySnapshot(t *testing.T) {
	fs := runtime.NewFakeFileSystem()
	clock := runtime.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	runner := runtime.NewFakeProcessRunner()
	runner.PushResponse(runtime.ProcessOutput{ExitCode: 0, Stdout: "usage: codex exec --json"}, nil)
	runner.PushResponse(runtime.ProcessOutput{ExitCode: 0, Stdout: "codex-cli 1.0.0"}, nil)

	snapshot, err := ProbeAndPersist(runner, fs, clock, "/work", []AgentAdapter{CodexAdapter{}})
	if err != nil {
		t.Fatalf("ProbeAndPersist() error: %v", err)
	}
	if snapshot.GeneratedAtUnix != clock.Now().Unix() {
		t.Fatalf("GeneratedAtUnix = %d, want %d", snapshot.GeneratedAtUnix, clock.Now().Unix())
	}
	if _, ok := snapshot.Adapters["codex"]; !ok {
		t.Fatalf("snapshot missing codex entry: %+v", snapshot)
	}

	persisted, err := fs.ReadToString("/work/.cache/gardener/adapter-capabilities.json")
	if err != nil {
		t.Fatalf("ReadToString() error: %v", err)
	}
	var decoded CapabilitySnapshot
	if err := json.Unmarshal([]byte(persisted), &decoded); err != nil {
		t.Fatalf("json.Unmarshal() error: %v", err)
	}
	if !strings.Contains(persisted, `"backend": "codex"`) {
		t.Fatalf("persisted snapshot missing backend field: %s", persisted)
	}
}

func TestParseCLIAgentKind(t *testing.T) {
	cases := map[string]AgentKind{
		"codex":  AgentCodex,
		"Codex":  AgentCodex,
		"claude": AgentClaude,
	}
	for input, want := range cases {
		got, err := ParseCLIAgentKind(input)
		if err != nil {
			t.Fatalf("ParseCLIAgentKind(%q) error: %v", input, err)
		}
		if got != want {
			t.Errorf("ParseCLIAgentKind(%q) = %v, want %v", input, got, want)
		}
	}
	if _, err := ParseCLIAgentKind("gemini"); err == nil {
		t.Fatalf("ParseCLIAgentKind(gemini) returned nil error")
	}
}
