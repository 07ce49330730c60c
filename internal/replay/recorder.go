package replay

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carterbs/gardener/internal/agent"
	"github.com/carterbs/gardener/internal/fsm"
	"github.com/carterbs/gardener/internal/protocol"
	"github.com/carterbs/gardener/internal/runtime"
)

// recordSeq is the global monotonically increasing sequence number
// stamped on every emitted record, starting at 1.
var recordSeq uint64 = 0

func nextSeq() uint64 {
	return atomic.AddUint64(&recordSeq, 1)
}

func timestampNs() uint64 {
	return uint64(time.Now().UnixNano())
}

// Go has no thread-locals, unlike the original source's thread_local!
// worker-id cell: each worker's identity is instead threaded explicitly
// through the constructors below (NewRecordingProcessRunner,
// NewRecordingAgentAdapter) and stamped directly onto every record
// they emit, rather than recovered from a goroutine-keyed registry.

// recorderState guards the append-only JSONL file a session is
// recorded to. Matches recorder.rs's RecorderState: a mutex around the
// write, released before returning, so concurrent recordings from
// multiple workers serialize but never block on slow disk I/O for
// unrelated goroutines longer than the single write.
type recorderState struct {
	path string
	mu   sync.Mutex
}

func (r *recorderState) emit(entry RecordEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(line)
	return err
}

// sessionRecorder is the process-wide active recorder, analogous to
// recorder.rs's OnceLock<Mutex<Option<Arc<RecorderState>>>>.
var (
	sessionRecorderMu sync.Mutex
	sessionRecorder   *recorderState
)

// InitSessionRecorder activates recording to path for the remainder of
// the process, replacing any prior active recorder.
func InitSessionRecorder(path string) {
	sessionRecorderMu.Lock()
	defer sessionRecorderMu.Unlock()
	sessionRecorder = &recorderState{path: path}
}

// ClearSessionRecorder deactivates recording.
func ClearSessionRecorder() {
	sessionRecorderMu.Lock()
	defer sessionRecorderMu.Unlock()
	sessionRecorder = nil
}

// emitRecord writes entry to the active recorder, if any. The recorder
// pointer is cloned under the lock and then released before doing I/O,
// so a slow write never holds up a concurrent ClearSessionRecorder or
// a second emitRecord from another goroutine targeting the same file
// via its own internal mutex.
func emitRecord(entry RecordEntry) error {
	sessionRecorderMu.Lock()
	rec := sessionRecorder
	sessionRecorderMu.Unlock()
	if rec == nil {
		return nil
	}
	return rec.emit(entry)
}

// inFlightCall tracks a spawned process call awaiting its Wait.
type inFlightCall struct {
	request   ProcessRequestRecord
	startedNs uint64
}

// RecordingProcessRunner wraps a real runtime.ProcessRunner, emitting a
// ProcessCallRecord to the active session recorder each time a spawned
// process finishes. Grounded on recorder.rs's RecordingProcessRunner.
type RecordingProcessRunner struct {
	inner    runtime.ProcessRunner
	workerID string

	mu       sync.Mutex
	inFlight map[uint64]inFlightCall
}

// NewRecordingProcessRunner wraps inner so every call it serves is
// recorded under workerID.
func NewRecordingProcessRunner(inner runtime.ProcessRunner, workerID string) *RecordingProcessRunner {
	return &RecordingProcessRunner{
		inner:    inner,
		workerID: workerID,
		inFlight: make(map[uint64]inFlightCall),
	}
}

func (r *RecordingProcessRunner) Spawn(req runtime.ProcessRequest) (uint64, error) {
	handle, err := r.inner.Spawn(req)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	r.inFlight[handle] = inFlightCall{
		request: ProcessRequestRecord{
			Program: req.Program,
			Args:    req.Args,
			Cwd:     req.Cwd,
		},
		startedNs: timestampNs(),
	}
	r.mu.Unlock()
	return handle, nil
}

func (r *RecordingProcessRunner) Wait(handle uint64) (runtime.ProcessOutput, error) {
	out, err := r.inner.Wait(handle)
	if err != nil {
		return out, err
	}
	r.emitProcessCall(handle, out)
	return out, nil
}

// Kill removes the in-flight bookkeeping for handle without emitting a
// record: a killed process produced no completed output to recall.
func (r *RecordingProcessRunner) Kill(handle uint64) error {
	err := r.inner.Kill(handle)
	r.mu.Lock()
	delete(r.inFlight, handle)
	r.mu.Unlock()
	return err
}

func (r *RecordingProcessRunner) Run(req runtime.ProcessRequest) (runtime.ProcessOutput, error) {
	handle, err := r.Spawn(req)
	if err != nil {
		return runtime.ProcessOutput{}, err
	}
	return r.Wait(handle)
}

func (r *RecordingProcessRunner) emitProcessCall(handle uint64, out runtime.ProcessOutput) {
	r.mu.Lock()
	call, ok := r.inFlight[handle]
	delete(r.inFlight, handle)
	r.mu.Unlock()
	if !ok {
		return
	}
	finishedNs := timestampNs()
	_ = emitRecord(NewProcessCallEntry(ProcessCallRecord{
		Seq:         nextSeq(),
		TimestampNs: finishedNs,
		WorkerID:    r.workerID,
		Request:     call.request,
		Result:      NewProcessOutputRecord(out.ExitCode, out.Stdout, out.Stderr),
		DurationNs:  finishedNs - call.startedNs,
	}))
}

// RecordingAgentAdapter wraps a real agent.AgentAdapter, emitting an
// AgentTurnRecord each time Execute returns. Grounded on the agent-turn
// recording half of recorder.rs (the analogue for AgentAdapter rather
// than ProcessRunner).
type RecordingAgentAdapter struct {
	inner    agent.AgentAdapter
	workerID string

	mu    sync.Mutex
	state fsm.WorkerState
}

func NewRecordingAgentAdapter(inner agent.AgentAdapter, workerID string) *RecordingAgentAdapter {
	return &RecordingAgentAdapter{inner: inner, workerID: workerID}
}

// SetState records which FSM state the next Execute call belongs to.
// A worker drives its task through one state at a time, so the caller
// sets this immediately before invoking Execute for that state.
func (a *RecordingAgentAdapter) SetState(state fsm.WorkerState) {
	a.mu.Lock()
	a.state = state
	a.mu.Unlock()
}

func (a *RecordingAgentAdapter) Backend() agent.AgentKind {
	return a.inner.Backend()
}

func (a *RecordingAgentAdapter) ProbeCapabilities(runner runtime.ProcessRunner) (agent.AdapterCapabilities, error) {
	return a.inner.ProbeCapabilities(runner)
}

func (a *RecordingAgentAdapter) Execute(runner runtime.ProcessRunner, ctx agent.AdapterContext, prompt string) (protocol.StepResult, error) {
	result, err := a.inner.Execute(runner, ctx, prompt)
	if err != nil {
		return result, err
	}
	a.mu.Lock()
	state := a.state
	a.mu.Unlock()
	_ = emitRecord(NewAgentTurnEntry(AgentTurnRecord{
		Seq:             nextSeq(),
		TimestampNs:     timestampNs(),
		WorkerID:        a.workerID,
		State:           state.AsStr(),
		Terminal:        terminalLabel(result.Terminal),
		Payload:         result.Payload,
		DiagnosticCount: len(result.Diagnostics),
	}))
	return result, nil
}

func terminalLabel(t protocol.AgentTerminal) string {
	if t == protocol.TerminalSuccess {
		return "success"
	}
	return "failure"
}
