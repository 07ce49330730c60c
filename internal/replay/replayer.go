package replay

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/carterbs/gardener/internal/agent"
	"github.com/carterbs/gardener/internal/fsm"
	"github.com/carterbs/gardener/internal/protocol"
	"github.com/carterbs/gardener/internal/runtime"
)

// SessionRecording is a fully parsed JSONL session file: its header,
// the backlog snapshot taken at session start, and the full ordered
// entry list. Grounded on replayer.rs's SessionRecording::load.
type SessionRecording struct {
	Header  SessionStartRecord
	Backlog []BacklogTaskRecord
	Entries []RecordEntry
}

// LoadSessionRecording reads and parses a recorded session file.
func LoadSessionRecording(path string) (*SessionRecording, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rec := &SessionRecording{}
	haveHeader := false

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry RecordEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("parse recording line: %w", err)
		}
		rec.Entries = append(rec.Entries, entry)
		switch entry.Type {
		case entrySessionStart:
			rec.Header = *entry.SessionStart
			haveHeader = true
		case entryBacklogSnapshot:
			rec.Backlog = entry.BacklogSnapshot.Tasks
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !haveHeader {
		return nil, errors.New("recording has no SessionStart entry")
	}
	return rec, nil
}

// WorkerIDs returns the distinct worker ids referenced anywhere in the
// recording, in first-seen order.
func (r *SessionRecording) WorkerIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	note := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}
	for _, e := range r.Entries {
		switch e.Type {
		case entryProcessCall:
			note(e.ProcessCall.WorkerID)
		case entryAgentTurn:
			note(e.AgentTurn.WorkerID)
		case entryBacklogMutation:
			note(e.BacklogMutation.WorkerID)
		}
	}
	return ids
}

// ProcessCallsFor returns every recorded process call made by workerID,
// in original order.
func (r *SessionRecording) ProcessCallsFor(workerID string) []ProcessCallRecord {
	var out []ProcessCallRecord
	for _, e := range r.Entries {
		if e.Type == entryProcessCall && e.ProcessCall.WorkerID == workerID {
			out = append(out, *e.ProcessCall)
		}
	}
	return out
}

// AgentTurnsFor returns every recorded agent turn made by workerID, in
// original order.
func (r *SessionRecording) AgentTurnsFor(workerID string) []AgentTurnRecord {
	var out []AgentTurnRecord
	for _, e := range r.Entries {
		if e.Type == entryAgentTurn && e.AgentTurn.WorkerID == workerID {
			out = append(out, *e.AgentTurn)
		}
	}
	return out
}

// BacklogMutations returns every recorded backlog mutation, in
// original order.
func (r *SessionRecording) BacklogMutations() []BacklogMutationRecord {
	var out []BacklogMutationRecord
	for _, e := range r.Entries {
		if e.Type == entryBacklogMutation {
			out = append(out, *e.BacklogMutation)
		}
	}
	return out
}

// RequestMismatch reports that the Nth replayed process call did not
// target the program the recording expected.
type RequestMismatch struct {
	Position        int
	ExpectedProgram string
	ActualProgram   string
}

// ReplayProcessRunner feeds a worker's recorded process outputs back
// out in FIFO order instead of spawning real subprocesses. Grounded on
// replayer.rs's ReplayProcessRunner.
type ReplayProcessRunner struct {
	mu               sync.Mutex
	responses        []ProcessOutputRecord
	expectedRequests []ProcessCallRecord
	actualRequests   []runtime.ProcessRequest
	nextHandle       uint64
}

// NewReplayProcessRunnerFromRecording builds a ReplayProcessRunner fed
// from workerID's recorded process calls.
func NewReplayProcessRunnerFromRecording(rec *SessionRecording, workerID string) *ReplayProcessRunner {
	calls := rec.ProcessCallsFor(workerID)
	responses := make([]ProcessOutputRecord, len(calls))
	for i, c := range calls {
		responses[i] = c.Result
	}
	return &ReplayProcessRunner{
		responses:        responses,
		expectedRequests: calls,
	}
}

func (r *ReplayProcessRunner) Spawn(req runtime.ProcessRequest) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actualRequests = append(r.actualRequests, req)
	r.nextHandle++
	return r.nextHandle, nil
}

func (r *ReplayProcessRunner) Wait(handle uint64) (runtime.ProcessOutput, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.responses) == 0 {
		return runtime.ProcessOutput{}, errors.New("replay: no more recorded responses")
	}
	next := r.responses[0]
	r.responses = r.responses[1:]
	stdout := next.Stdout
	if next.StdoutTruncated {
		stdout = ""
	}
	return runtime.ProcessOutput{
		ExitCode: next.ExitCode,
		Stdout:   stdout,
		Stderr:   next.Stderr,
	}, nil
}

// Kill is a no-op: a replayed process was never really spawned.
func (r *ReplayProcessRunner) Kill(handle uint64) error {
	return nil
}

func (r *ReplayProcessRunner) Run(req runtime.ProcessRequest) (runtime.ProcessOutput, error) {
	handle, err := r.Spawn(req)
	if err != nil {
		return runtime.ProcessOutput{}, err
	}
	return r.Wait(handle)
}

// VerifyRequestAlignment compares the requests actually issued during
// replay against the requests the recording expected at the same
// positions, reporting every program mismatch.
func (r *ReplayProcessRunner) VerifyRequestAlignment() []RequestMismatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	var mismatches []RequestMismatch
	n := len(r.actualRequests)
	if len(r.expectedRequests) < n {
		n = len(r.expectedRequests)
	}
	for i := 0; i < n; i++ {
		expected := r.expectedRequests[i].Request.Program
		actual := r.actualRequests[i].Program
		if expected != actual {
			mismatches = append(mismatches, RequestMismatch{
				Position:        i,
				ExpectedProgram: expected,
				ActualProgram:   actual,
			})
		}
	}
	return mismatches
}

// ReplayAgentAdapter feeds a worker's recorded agent turns back out in
// FIFO order instead of driving a real agent CLI. Grounded on
// replayer.rs's ReplayAgentAdapter.
type ReplayAgentAdapter struct {
	mu        sync.Mutex
	responses []protocol.StepResult
	backend   agent.AgentKind
}

// NewReplayAgentAdapterFromRecording builds a ReplayAgentAdapter fed
// from workerID's recorded agent turns.
func NewReplayAgentAdapterFromRecording(rec *SessionRecording, workerID string, backend agent.AgentKind) *ReplayAgentAdapter {
	turns := rec.AgentTurnsFor(workerID)
	responses := make([]protocol.StepResult, len(turns))
	for i, t := range turns {
		terminal := protocol.TerminalFailure
		if t.Terminal == "success" {
			terminal = protocol.TerminalSuccess
		}
		responses[i] = protocol.StepResult{
			Terminal: terminal,
			Payload:  t.Payload,
		}
	}
	return &ReplayAgentAdapter{responses: responses, backend: backend}
}

func (a *ReplayAgentAdapter) Backend() agent.AgentKind {
	return a.backend
}

// ProbeCapabilities returns a stub snapshot: replay never probes a
// real CLI, so every capability flag reports unsupported except the
// version marker, which identifies the adapter as a replay fake.
func (a *ReplayAgentAdapter) ProbeCapabilities(runner runtime.ProcessRunner) (agent.AdapterCapabilities, error) {
	return agent.AdapterCapabilities{
		Backend: a.backend,
		Version: "replay",
	}, nil
}

func (a *ReplayAgentAdapter) Execute(runner runtime.ProcessRunner, ctx agent.AdapterContext, prompt string) (protocol.StepResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.responses) == 0 {
		return protocol.StepResult{}, errors.New("replay: no more recorded agent turns")
	}
	next := a.responses[0]
	a.responses = a.responses[1:]
	return next, nil
}

// ReplayOutcome is the per-worker result of driving a replayed session
// through to its conclusion.
type ReplayOutcome struct {
	WorkerID          string
	FinalState        fsm.WorkerState
	RequestMismatches []RequestMismatch
	Passed            bool
}

// SessionReplayReport aggregates every worker's ReplayOutcome.
type SessionReplayReport struct {
	Outcomes  []ReplayOutcome
	AllPassed bool
}

// NewSessionReplayReport folds a slice of per-worker outcomes into an
// aggregate pass/fail report.
func NewSessionReplayReport(outcomes []ReplayOutcome) SessionReplayReport {
	allPassed := true
	for _, o := range outcomes {
		if !o.Passed {
			allPassed = false
			break
		}
	}
	return SessionReplayReport{Outcomes: outcomes, AllPassed: allPassed}
}
