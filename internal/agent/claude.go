package agent

import (
	"strconv"
	"strings"

	"github.com/carterbs/gardener/internal/gardenerrors"
	"github.com/carterbs/gardener/internal/protocol"
	"github.com/carterbs/gardener/internal/runtime"
)

// ClaudeAdapter drives the Claude CLI in print mode. Unlike Codex,
// Claude's terminal event is selected by scanning backward for the LAST
// result event with subtype=success — a later success always overrides
// an earlier failure. This asymmetry with Codex's first-failure-wins
// policy is intentional.
type ClaudeAdapter struct {
	Executable string // defaults to "claude" when empty
}

func (a ClaudeAdapter) Backend() AgentKind { return AgentClaude }

func (a ClaudeAdapter) executable() string {
	if a.Executable == "" {
		return "claude"
	}
	return a.Executable
}

func (a ClaudeAdapter) ProbeCapabilities(runner runtime.ProcessRunner) (AdapterCapabilities, error) {
	helpOut, err := runner.Run(runtime.ProcessRequest{Program: a.executable(), Args: []string{"--help"}})
	if err != nil {
		return AdapterCapabilities{}, gardenerrors.ProcessWrap("claude --help probe failed", err)
	}
	versionOut, err := runner.Run(runtime.ProcessRequest{Program: a.executable(), Args: []string{"--version"}})
	if err != nil {
		return AdapterCapabilities{}, gardenerrors.ProcessWrap("claude --version probe failed", err)
	}
	help := helpOut.Stdout + helpOut.Stderr

	return AdapterCapabilities{
		Backend:             AgentClaude,
		Version:             strings.TrimSpace(versionOut.Stdout),
		SupportsJSON:        detectsSubstring(help, "--output-format"),
		SupportsStreamJSON:  detectsSubstring(help, "--output-format"),
		SupportsMaxTurns:    detectsSubstring(help, "--max-turns"),
		SupportsStdinPrompt: false,
	}, nil
}

// Execute spawns `claude -p <prompt> --output-format stream-json --verbose
// --model <model> [--max-turns <n>]`, parses stdout as NDJSON, and finds
// the LAST event with type=result && subtype=success as the terminal
// payload (reverse scan). If no success result exists, it falls back to
// the last result event with any other subtype and reports it as a
// Failure; "missing success result event" is returned only when no
// result event is present at all.
func (a ClaudeAdapter) Execute(runner runtime.ProcessRunner, ctx AdapterContext, prompt string) (protocol.StepResult, error) {
	if err := ValidateModel(ctx.Model); err != nil {
		return protocol.StepResult{}, err
	}

	args := []string{
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--model", ctx.Model,
	}
	if ctx.MaxTurns != nil {
		args = append(args, "--max-turns", strconv.FormatUint(uint64(*ctx.MaxTurns), 10))
	}

	handle, err := runner.Spawn(runtime.ProcessRequest{Program: a.executable(), Args: args, Cwd: ctx.Cwd})
	if err != nil {
		return protocol.StepResult{}, gardenerrors.ProcessWrap("failed to spawn claude", err)
	}

	if ctx.CancelRequested {
		_ = runner.Kill(handle)
		return protocol.StepResult{}, gardenerrors.Process("claude adapter canceled: child terminated")
	}

	out, err := runner.Wait(handle)
	if err != nil {
		return protocol.StepResult{}, gardenerrors.ProcessWrap("claude wait failed", err)
	}
	if out.ExitCode != 0 {
		return protocol.StepResult{}, gardenerrors.Process("claude exited with status " + strconv.Itoa(out.ExitCode) + ": " + out.Stderr)
	}

	records, err := protocol.ParseJSONL(out.Stdout)
	if err != nil {
		return protocol.StepResult{}, gardenerrors.OutputEnvelope(err.Error())
	}

	events := make([]protocol.AgentEvent, 0, len(records))
	for _, raw := range records {
		events = append(events, protocol.MapClaudeEvent(raw))
	}

	diagnostics := splitNonEmptyLines(out.Stderr)

	// Last-success-wins: scan backward for the last turn_completed event.
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

	// No success result: scan backward for the last result event with a
	// non-success subtype and report it as a Failure rather than erroring.
	// Absence of any result event at all is the only case treated as an
	// adapter-level error.
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == protocol.KindTurnFailed {
			payload, perr := extractResultField(events[i].Payload)
			if perr != nil {
				return protocol.StepResult{}, gardenerrors.OutputEnvelope(perr.Error())
			}
			return protocol.StepResult{
				Terminal:    protocol.TerminalFailure,
				Events:      events,
				Payload:     payload,
				Diagnostics: diagnostics,
			}, nil
		}
	}

	return protocol.StepResult{}, gardenerrors.OutputEnvelope("missing success result event")
}
