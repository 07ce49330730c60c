package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/carterbs/gardener/internal/gardenerrors"
	"github.com/carterbs/gardener/internal/protocol"
	"github.com/carterbs/gardener/internal/runtime"
)

// CodexAdapter drives the Codex CLI (`codex exec ...`). Codex reports a
// mid-stream "turn.failed" or "error" event anywhere in the stream as an
// unconditional terminal failure, even when a later "turn.completed"
// event exists — that asymmetry with Claude's adapter is intentional,
// not a bug to fix.
type CodexAdapter struct {
	Executable string // defaults to "codex" when empty
}

func (a CodexAdapter) Backend() AgentKind { return AgentCodex }

func (a CodexAdapter) executable() string {
	if a.Executable == "" {
		return "codex"
	}
	return a.Executable
}

func (a CodexAdapter) ProbeCapabilities(runner runtime.ProcessRunner) (AdapterCapabilities, error) {
	helpOut, err := runner.Run(runtime.ProcessRequest{Program: a.executable(), Args: []string{"--help"}})
	if err != nil {
		return AdapterCapabilities{}, gardenerrors.ProcessWrap("codex --help probe failed", err)
	}
	versionOut, err := runner.Run(runtime.ProcessRequest{Program: a.executable(), Args: []string{"--version"}})
	if err != nil {
		return AdapterCapabilities{}, gardenerrors.ProcessWrap("codex --version probe failed", err)
	}
	help := helpOut.Stdout + helpOut.Stderr

	return AdapterCapabilities{
		Backend:                   AgentCodex,
		Version:                   strings.TrimSpace(versionOut.Stdout),
		SupportsJSON:              detectsSubstring(help, "--json"),
		SupportsStreamJSON:        detectsSubstring(help, "--json"),
		SupportsOutputSchema:      detectsSubstring(help, "--output-schema"),
		SupportsOutputLastMessage: detectsSubstring(help, "--output-last-message", " -o "),
		SupportsMaxTurns:          detectsSubstring(help, "--max-turns"),
		SupportsListenStdio:       detectsSubstring(help, "--listen stdio://", "websocket"),
		SupportsStdinPrompt:       true,
	}, nil
}

// Execute spawns `codex exec --json --dangerously-bypass-approvals-and-sandbox
// --model <model> -C <cwd> -o <output_file> [--output-schema <schema>] <prompt>`,
// parses stdout as a concatenated-JSON event stream, and treats the first
// turn.failed/error event found anywhere in the stream as terminal failure
// before ever looking for a turn.completed event.
func (a CodexAdapter) Execute(runner runtime.ProcessRunner, ctx AdapterContext, prompt string) (protocol.StepResult, error) {
	if err := ValidateModel(ctx.Model); err != nil {
		return protocol.StepResult{}, err
	}

	outputFile := ctx.Cwd + "/.cache/gardener/codex-last-message.json"
	if ctx.OutputFile != nil {
		outputFile = *ctx.OutputFile
	}

	args := []string{
		"exec",
		"--json",
		"--dangerously-bypass-approvals-and-sandbox",
		"--model", ctx.Model,
		"-C", ctx.Cwd,
		"-o", outputFile,
	}
	if ctx.OutputSchema != nil {
		args = append(args, "--output-schema", *ctx.OutputSchema)
	}
	args = append(args, prompt)

	handle, err := runner.Spawn(runtime.ProcessRequest{Program: a.executable(), Args: args, Cwd: ctx.Cwd})
	if err != nil {
		return protocol.StepResult{}, gardenerrors.ProcessWrap("failed to spawn codex", err)
	}

	if ctx.CancelRequested {
		_ = runner.Kill(handle)
		return protocol.StepResult{}, gardenerrors.Process("codex adapter canceled: child terminated")
	}

	out, err := runner.Wait(handle)
	if err != nil {
		return protocol.StepResult{}, gardenerrors.ProcessWrap("codex wait failed", err)
	}
	if out.ExitCode != 0 {
		return protocol.StepResult{}, gardenerrors.Process(fmt.Sprintf("codex exited with status %d: %s", out.ExitCode, out.Stderr))
	}

	records, err := protocol.ParseJSONL(out.Stdout)
	if err != nil {
		return protocol.StepResult{}, gardenerrors.OutputEnvelope(err.Error())
	}

	events := make([]protocol.AgentEvent, 0, len(records))
	for _, raw := range records {
		events = append(events, protocol.MapCodexEvent(raw))
	}

	diagnostics := splitNonEmptyLines(out.Stderr)

	// First-failure-wins: search forward, not in reverse, so an earlier
	// turn.failed/error event always wins over a later turn.completed.
	for _, ev := range events {
		if ev.Kind == protocol.KindTurnFailed {
			return protocol.StepResult{
				Terminal:    protocol.TerminalFailure,
				Events:      events,
				Payload:     ev.Payload,
				Diagnostics: diagnostics,
			}, nil
		}
	}

	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == protocol.KindTurnCompleted {
			payload, perr := extractResultField(events[i].Payload)
			if perr != nil {
				return protocol.StepResult{}, gardenerrors.OutputEnvelope(perr.Error())
			}
			return protocol.StepResult{
				Terminal:    protocol.TerminalSuccess,
				Events:      events,
				Payload:     payload,
				Diagnostics: diagnostics,
			}, nil
		}
	}

	return protocol.StepResult{}, gardenerrors.OutputEnvelope("missing turn.completed event")
}

func extractResultField(raw json.RawMessage) (json.RawMessage, error) {
	var wrapper struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Result, nil
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}
