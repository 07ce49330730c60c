package agent

import (
	"testing"

	"github.com/carterbs/gardener/internal/protocol"
	"github.com/carterbs/gardener/internal/runtime"
)

func TestCodexParsesNDJSONAndFinishesOnTurnCompleted(t *testing.T) {
	runner := runtime.NewFakeProcessRunner()
	stdout := `{"type":"thread.started"}
{"type":"turn.started"}
{"type":"turn.completed","result":{"summary":"done"}}
`
	runner.PushResponse(runtime.ProcessOutput{ExitCode: 0, Stdout: stdout}, nil)

	adapter := CodexAdapter{}
	result, err := adapter.Execute(runner, AdapterContext{Model: "gpt-5-codex", Cwd: "/work"}, "do the thing")
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if result.Terminal != protocol.TerminalSuccess {
		t.Fatalf("Terminal = %v, want %v", result.Terminal, protocol.TerminalSuccess)
	}
	if string(result.Payload) != `{"summary":"done"}` {
		t.Fatalf("Payload = %s, want %s", result.Payload, `{"summary":"done"}`)
	}
}

func TestCodexTurnFailedIsFailureTerminalEvenWithLaterCompletion(t *testing.T) {
	runner := runtime.NewFakeProcessRunner()
	stdout := `{"type":"turn.failed","error":{"message":"boom"}}
{"type":"turn.completed","result":{"summary":"ignored"}}
`
	runner.PushResponse(runtime.ProcessOutput{ExitCode: 0, Stdout: stdout}, nil)

	adapter := CodexAdapter{}
	result, err := adapter.Execute(runner, AdapterContext{Model: "gpt-5-codex", Cwd: "/work"}, "do the thing")
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if result.Terminal != protocol.TerminalFailure {
		t.Fatalf("Terminal = %v, want %v (first-failure-wins)", result.Terminal, protocol.TerminalFailure)
	}
}

func TestCodexProbeDetectsJSONAndSchemaFlags(t *testing.T) {
	runner := runtime.NewFakeProcessRunner()
	runner.PushResponse(runtime.ProcessOutput{ExitCode: 0, Stdout: "usage: codex exec --json --output-schema <file> --max-turns <n>"}, nil)
	runner.PushResponse(runtime.ProcessOutput{ExitCode: 0, Stdout: "codex-cli 1.0.0"}, nil)

	adapter := CodexAdapter{}
	caps, err := adapter.ProbeCapabilities(runner)
	if err != nil {
		t.Fatalf("ProbeCapabilities() error: %v", err)
	}
	if !caps.SupportsJSON || !caps.SupportsOutputSchema || !caps.SupportsMaxTurns {
		t.Fatalf("ProbeCapabilities() = %+v, want json/schema/max-turns all true", caps)
	}
	if !caps.SupportsStdinPrompt {
		t.Fatalf("ProbeCapabilities() SupportsStdinPrompt = false, want true (always true for codex)")
	}
}

func TestCodexMissingTurnCompletedEventErrors(t *testing.T) {
	runner := runtime.NewFakeProcessRunner()
	runner.PushResponse(runtime.ProcessOutput{ExitCode: 0, Stdout: `{"type":"turn.started"}` + "\n"}, nil)

	adapter := CodexAdapter{}
	_, err := adapter.Execute(runner, AdapterContext{Model: "gpt-5-codex", Cwd: "/work"}, "do the thing")
	if err == nil {
		t.Fatalf("Execute() returned nil error, want missing turn.completed event error")
	}
}
