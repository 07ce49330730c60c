package replay

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestProcessOutputRecordPassesThroughSmallStdout(t *testing.T) {
	out := NewProcessOutputRecord(0, "ok", "")
	if out.StdoutTruncated {
		t.Fatalf("StdoutTruncated = true for small output")
	}
	if out.Stdout != "ok" {
		t.Fatalf("Stdout = %q, want %q", out.Stdout, "ok")
	}
}

func TestProcessOutputRecordTruncatesLargeStdoutToHashPlaceholder(t *testing.T) {
	big := strings.Repeat("x", largeOutputThreshold+1)
	out := NewProcessOutputRecord(0, big, "")
	if !out.StdoutTruncated {
		t.Fatalf("StdoutTruncated = false for oversized output")
	}
	if !strings.HasPrefix(out.Stdout, "<hash:sha256:") || !strings.HasSuffix(out.Stdout, ">") {
		t.Fatalf("Stdout = %q, want <hash:sha256:...> placeholder", out.Stdout)
	}
	hexPart := strings.TrimSuffix(strings.TrimPrefix(out.Stdout, "<hash:sha256:"), ">")
	if len(hexPart) != 16 {
		t.Fatalf("hash prefix length = %d, want 16", len(hexPart))
	}
}

func TestProcessOutputRecordHashIsDeterministic(t *testing.T) {
	big := strings.Repeat("y", largeOutputThreshold+10)
	a := NewProcessOutputRecord(0, big, "")
	b := NewProcessOutputRecord(0, big, "")
	if a.Stdout != b.Stdout {
		t.Fatalf("hash placeholder not deterministic: %q != %q", a.Stdout, b.Stdout)
	}
}

func TestRecordEntryRoundTripsThroughJSONByType(t *testing.T) {
	entries := []RecordEntry{
		NewSessionStartEntry(SessionStartRecord{RunID: "run-1", GardenerVersion: "v1"}),
		NewBacklogSnapshotEntry([]BacklogTaskRecord{{TaskID: "t1", Title: "seed"}}),
		NewProcessCallEntry(ProcessCallRecord{Seq: 1, WorkerID: "w1", Request: ProcessRequestRecord{Program: "codex"}}),
		NewAgentTurnEntry(AgentTurnRecord{Seq: 2, WorkerID: "w1", State: "doing", Terminal: "success"}),
		NewBacklogMutationEntry(BacklogMutationRecord{Seq: 3, WorkerID: "w1", Operation: "mark_complete", TaskID: "t1", ResultOK: true}),
		NewSessionEndEntry(SessionEndRecord{CompletedTasks: 1}),
	}

	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			t.Fatalf("Marshal(%s) error: %v", entry.Type, err)
		}
		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("Unmarshal into map error: %v", err)
		}
		if decoded["type"] != entry.Type {
			t.Fatalf("type field = %v, want %q", decoded["type"], entry.Type)
		}

		var roundTripped RecordEntry
		if err := json.Unmarshal(data, &roundTripped); err != nil {
			t.Fatalf("Unmarshal(%s) error: %v", entry.Type, err)
		}
		if roundTripped.Type != entry.Type {
			t.Fatalf("roundTripped.Type = %q, want %q", roundTripped.Type, entry.Type)
		}
	}
}

func TestRecordEntrySessionStartFieldsSurviveRoundTrip(t *testing.T) {
	entry := NewSessionStartEntry(SessionStartRecord{
		RunID:           "run-42",
		GardenerVersion: "v9.9.9",
		ConfigSnapshot:  json.RawMessage(`{"parallelism":3}`),
	})
	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	var decoded RecordEntry
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if decoded.SessionStart == nil {
		t.Fatalf("SessionStart field is nil after round trip")
	}
	if decoded.SessionStart.RunID != "run-42" {
		t.Fatalf("RunID = %q, want run-42", decoded.SessionStart.RunID)
	}
	if decoded.SessionStart.GardenerVersion != "v9.9.9" {
		t.Fatalf("GardenerVersion = %q, want v9.9.9", decoded.SessionStart.GardenerVersion)
	}
}
