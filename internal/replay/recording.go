// Package replay records every subprocess call and agent turn a
// gardener run makes into a JSONL session file, and can later replay
// that file's recorded responses back through fake ProcessRunner and
// AgentAdapter implementations to deterministically re-drive a worker's
// FSM without touching a real agent CLI or filesystem.
package replay

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/carterbs/gardener/internal/backlog"
)

// largeOutputThreshold is the stdout size above which RecordEntry
// capture replaces the literal text with a content hash, keeping
// session files small when an agent dumps megabytes of build output.
const largeOutputThreshold = 64 * 1024

// BacklogTaskRecord is a serializable snapshot of one backlog row,
// captured at session start.
type BacklogTaskRecord struct {
	TaskID         string  `json:"task_id"`
	Kind           string  `json:"kind"`
	Title          string  `json:"title"`
	Details        string  `json:"details"`
	Rationale      string  `json:"rationale"`
	ScopeKey       string  `json:"scope_key"`
	Priority       string  `json:"priority"`
	Status         string  `json:"status"`
	LastUpdated    int64   `json:"last_updated"`
	LeaseOwner     *string `json:"lease_owner"`
	LeaseExpiresAt *int64  `json:"lease_expires_at"`
	Source         string  `json:"source"`
	RelatedPR      *int64  `json:"related_pr"`
	RelatedBranch  *string `json:"related_branch"`
	AttemptCount   int64   `json:"attempt_count"`
	CreatedAt      int64   `json:"created_at"`
}

// BacklogTaskRecordFrom converts a live backlog row into its
// serializable snapshot form.
func BacklogTaskRecordFrom(t backlog.BacklogTask) BacklogTaskRecord {
	return BacklogTaskRecord{
		TaskID:         t.TaskID,
		Kind:           t.Kind.AsStr(),
		Title:          t.Title,
		Details:        t.Details,
		Rationale:      t.Rationale,
		ScopeKey:       t.ScopeKey,
		Priority:       string(t.Priority),
		Status:         t.Status.AsStr(),
		LastUpdated:    t.LastUpdated,
		LeaseOwner:     t.LeaseOwner,
		LeaseExpiresAt: t.LeaseExpiresAt,
		Source:         t.Source,
		RelatedPR:      t.RelatedPR,
		RelatedBranch:  t.RelatedBranch,
		AttemptCount:   t.AttemptCount,
		CreatedAt:      t.CreatedAt,
	}
}

// ProcessRequestRecord is a serializable mirror of runtime.ProcessRequest.
type ProcessRequestRecord struct {
	Program string   `json:"program"`
	Args    []string `json:"args"`
	Cwd     string   `json:"cwd,omitempty"`
}

// ProcessOutputRecord is a serializable mirror of runtime.ProcessOutput,
// with large stdout replaced by a content hash.
type ProcessOutputRecord struct {
	ExitCode        int    `json:"exit_code"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	StdoutTruncated bool   `json:"stdout_truncated,omitempty"`
}

// NewProcessOutputRecord builds a ProcessOutputRecord, truncating stdout
// above largeOutputThreshold to a "<hash:sha256:XXXXXXXXXXXXXXXX>"
// placeholder (first 16 hex chars of the SHA-256 digest).
func NewProcessOutputRecord(exitCode int, stdout, stderr string) ProcessOutputRecord {
	if len(stdout) <= largeOutputThreshold {
		return ProcessOutputRecord{ExitCode: exitCode, Stdout: stdout, Stderr: stderr}
	}
	sum := sha256.Sum256([]byte(stdout))
	prefix := hex.EncodeToString(sum[:8])
	return ProcessOutputRecord{
		ExitCode:        exitCode,
		Stdout:          "<hash:sha256:" + prefix + ">",
		Stderr:          stderr,
		StdoutTruncated: true,
	}
}

// RecordEntry is the tagged union serialized as one JSONL line. Exactly
// one of the typed fields is non-nil, selected by Type.
type RecordEntry struct {
	Type            string                 `json:"type"`
	SessionStart    *SessionStartRecord    `json:"-"`
	BacklogSnapshot *BacklogSnapshotRecord `json:"-"`
	ProcessCall     *ProcessCallRecord     `json:"-"`
	AgentTurn       *AgentTurnRecord       `json:"-"`
	BacklogMutation *BacklogMutationRecord `json:"-"`
	SessionEnd      *SessionEndRecord      `json:"-"`
}

const (
	entrySessionStart    = "session_start"
	entryBacklogSnapshot = "backlog_snapshot"
	entryProcessCall     = "process_call"
	entryAgentTurn       = "agent_turn"
	entryBacklogMutation = "backlog_mutation"
	entrySessionEnd      = "session_end"
)

// MarshalJSON flattens whichever typed field is set into a single
// object alongside its "type" tag, matching the original tagged-enum
// wire shape (one JSON object per line, discriminated by "type").
func (e RecordEntry) MarshalJSON() ([]byte, error) {
	var payload any
	switch e.Type {
	case entrySessionStart:
		payload = e.SessionStart
	case entryBacklogSnapshot:
		payload = e.BacklogSnapshot
	case entryProcessCall:
		payload = e.ProcessCall
	case entryAgentTurn:
		payload = e.AgentTurn
	case entryBacklogMutation:
		payload = e.BacklogMutation
	case entrySessionEnd:
		payload = e.SessionEnd
	}
	inner, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(inner, &fields); err != nil {
		return nil, err
	}
	fields["type"] = json.RawMessage(`"` + e.Type + `"`)
	return json.Marshal(fields)
}

// UnmarshalJSON reads the "type" discriminator and decodes the rest of
// the object into the matching typed field.
func (e *RecordEntry) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	e.Type = probe.Type
	switch probe.Type {
	case entrySessionStart:
		e.SessionStart = &SessionStartRecord{}
		return json.Unmarshal(data, e.SessionStart)
	case entryBacklogSnapshot:
		e.BacklogSnapshot = &BacklogSnapshotRecord{}
		return json.Unmarshal(data, e.BacklogSnapshot)
	case entryProcessCall:
		e.ProcessCall = &ProcessCallRecord{}
		return json.Unmarshal(data, e.ProcessCall)
	case entryAgentTurn:
		e.AgentTurn = &AgentTurnRecord{}
		return json.Unmarshal(data, e.AgentTurn)
	case entryBacklogMutation:
		e.BacklogMutation = &BacklogMutationRecord{}
		return json.Unmarshal(data, e.BacklogMutation)
	case entrySessionEnd:
		e.SessionEnd = &SessionEndRecord{}
		return json.Unmarshal(data, e.SessionEnd)
	}
	return nil
}

// SessionStartRecord opens a recording with the run's identity and a
// full config snapshot.
type SessionStartRecord struct {
	RunID            string          `json:"run_id"`
	RecordedAtUnixNs uint64          `json:"recorded_at_unix_ns"`
	GardenerVersion  string          `json:"gardener_version"`
	ConfigSnapshot   json.RawMessage `json:"config_snapshot"`
}

func NewSessionStartEntry(r SessionStartRecord) RecordEntry {
	return RecordEntry{Type: entrySessionStart, SessionStart: &r}
}

// BacklogSnapshotRecord captures every backlog row at session start.
type BacklogSnapshotRecord struct {
	Tasks []BacklogTaskRecord `json:"tasks"`
}

func NewBacklogSnapshotEntry(tasks []BacklogTaskRecord) RecordEntry {
	return RecordEntry{Type: entryBacklogSnapshot, BacklogSnapshot: &BacklogSnapshotRecord{Tasks: tasks}}
}

// ProcessCallRecord captures one subprocess invocation end-to-end.
type ProcessCallRecord struct {
	Seq         uint64               `json:"seq"`
	TimestampNs uint64               `json:"timestamp_ns"`
	WorkerID    string               `json:"worker_id"`
	GoroutineID string               `json:"goroutine_id"`
	Request     ProcessRequestRecord `json:"request"`
	Result      ProcessOutputRecord  `json:"result"`
	DurationNs  uint64               `json:"duration_ns"`
}

func NewProcessCallEntry(r ProcessCallRecord) RecordEntry {
	return RecordEntry{Type: entryProcessCall, ProcessCall: &r}
}

// AgentTurnRecord captures one completed agent turn's terminal outcome.
type AgentTurnRecord struct {
	Seq             uint64          `json:"seq"`
	TimestampNs     uint64          `json:"timestamp_ns"`
	WorkerID        string          `json:"worker_id"`
	State           string          `json:"state"`
	Terminal        string          `json:"terminal"`
	Payload         json.RawMessage `json:"payload"`
	DiagnosticCount int             `json:"diagnostic_count"`
}

func NewAgentTurnEntry(r AgentTurnRecord) RecordEntry {
	return RecordEntry{Type: entryAgentTurn, AgentTurn: &r}
}

// BacklogMutationRecord captures one write the FSM made to the backlog.
type BacklogMutationRecord struct {
	Seq         uint64 `json:"seq"`
	TimestampNs uint64 `json:"timestamp_ns"`
	WorkerID    string `json:"worker_id"`
	Operation   string `json:"operation"`
	TaskID      string `json:"task_id"`
	ResultOK    bool   `json:"result_ok"`
}

func NewBacklogMutationEntry(r BacklogMutationRecord) RecordEntry {
	return RecordEntry{Type: entryBacklogMutation, BacklogMutation: &r}
}

// SessionEndRecord closes a recording with run-level totals.
type SessionEndRecord struct {
	CompletedTasks  uint64 `json:"completed_tasks"`
	TotalDurationNs uint64 `json:"total_duration_ns"`
}

func NewSessionEndEntry(r SessionEndRecord) RecordEntry {
	return RecordEntry{Type: entrySessionEnd, SessionEnd: &r}
}
