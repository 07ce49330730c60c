package replay

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/carterbs/gardener/internal/agent"
	"github.com/carterbs/gardener/internal/fsm"
	"github.com/carterbs/gardener/internal/protocol"
	"github.com/carterbs/gardener/internal/runtime"
)

func readEntries(t *testing.T, path string) []RecordEntry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open(%s) error: %v", path, err)
	}
	defer f.Close()
	var entries []RecordEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e RecordEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("Unmarshal line error: %v", err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestRecordingProcessRunnerEmitsProcessCallOnWait(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	InitSessionRecorder(path)
	t.Cleanup(ClearSessionRecorder)

	inner := runtime.NewFakeProcessRunner()
	inner.PushResponse(runtime.ProcessOutput{ExitCode: 0, Stdout: "done"}, nil)

	runner := NewRecordingProcessRunner(inner, "worker-1")
	out, err := runner.Run(runtime.ProcessRequest{Program: "codex", Args: []string{"exec"}})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if out.Stdout != "done" {
		t.Fatalf("Stdout = %q, want done", out.Stdout)
	}

	entries := readEntries(t, path)
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].Type != entryProcessCall {
		t.Fatalf("entry type = %q, want %q", entries[0].Type, entryProcessCall)
	}
	call := entries[0].ProcessCall
	if call.WorkerID != "worker-1" {
		t.Fatalf("WorkerID = %q, want worker-1", call.WorkerID)
	}
	if call.Request.Program != "codex" {
		t.Fatalf("Request.Program = %q, want codex", call.Request.Program)
	}
	if call.Result.Stdout != "done" {
		t.Fatalf("Result.Stdout = %q, want done", call.Result.Stdout)
	}
}

func TestRecordingProcessRunnerKillSkipsEmission(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	InitSessionRecorder(path)
	t.Cleanup(ClearSessionRecorder)

	inner := runtime.NewFakeProcessRunner()
	runner := NewRecordingProcessRunner(inner, "worker-1")
	handle, err := runner.Spawn(runtime.ProcessRequest{Program: "codex"})
	if err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}
	if err := runner.Kill(handle); err != nil {
		t.Fatalf("Kill() error: %v", err)
	}

	if _, err := os.Stat(path); err == nil {
		entries := readEntries(t, path)
		if len(entries) != 0 {
			t.Fatalf("len(entries) = %d, want 0 after Kill", len(entries))
		}
	}
}

func TestEmitRecordIsNoopWithoutActiveRecorder(t *testing.T) {
	ClearSessionRecorder()
	if err := emitRecord(NewSessionEndEntry(SessionEndRecord{})); err != nil {
		t.Fatalf("emitRecord() with no active recorder error: %v", err)
	}
}

type stubAgentAdapter struct {
	result protocol.StepResult
	err    error
}

func (s *stubAgentAdapter) Backend() agent.AgentKind { return agent.AgentCodex }

func (s *stubAgentAdapter) ProbeCapabilities(runner runtime.ProcessRunner) (agent.AdapterCapabilities, error) {
	return agent.AdapterCapabilities{Backend: agent.AgentCodex}, nil
}

func (s *stubAgentAdapter) Execute(runner runtime.ProcessRunner, ctx agent.AdapterContext, prompt string) (protocol.StepResult, error) {
	return s.result, s.err
}

func TestRecordingAgentAdapterEmitsAgentTurnWithSetState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	InitSessionRecorder(path)
	t.Cleanup(ClearSessionRecorder)

	inner := &stubAgentAdapter{result: protocol.StepResult{Terminal: protocol.TerminalSuccess}}
	wrapped := NewRecordingAgentAdapter(inner, "worker-2")
	wrapped.SetState(fsm.StateDoing)

	if _, err := wrapped.Execute(nil, agent.AdapterContext{WorkerID: "worker-2"}, "do the thing"); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	entries := readEntries(t, path)
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	turn := entries[0].AgentTurn
	if turn == nil {
		t.Fatalf("AgentTurn entry is nil")
	}
	if turn.WorkerID != "worker-2" {
		t.Fatalf("WorkerID = %q, want worker-2", turn.WorkerID)
	}
	if turn.State != "doing" {
		t.Fatalf("State = %q, want doing", turn.State)
	}
	if turn.Terminal != "success" {
		t.Fatalf("Terminal = %q, want success", turn.Terminal)
	}
}

func TestNextSeqIsMonotonic(t *testing.T) {
	a := nextSeq()
	b := nextSeq()
	if b <= a {
		t.Fatalf("nextSeq() not increasing: %d then %d", a, b)
	}
}
