// Package protocol decodes the streaming NDJSON/concatenated-JSON event
// stream each agent CLI writes to stdout, maps backend-specific raw event
// types onto a normalized AgentEventKind, and selects the terminal result
// of a turn according to each backend's own (intentionally asymmetric)
// policy.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ProtocolVersion is the wire version stamped onto every AgentEvent.
const ProtocolVersion = 1

// AgentEventKind is the normalized event kind every backend's raw events
// are mapped onto.
type AgentEventKind string

const (
	KindThreadStarted AgentEventKind = "thread_started"
	KindTurnStarted    AgentEventKind = "turn_started"
	KindToolCall       AgentEventKind = "tool_call"
	KindToolResult     AgentEventKind = "tool_result"
	KindMessage        AgentEventKind = "message"
	KindTurnCompleted  AgentEventKind = "turn_completed"
	KindTurnFailed     AgentEventKind = "turn_failed"
	KindUnknown        AgentEventKind = "unknown"
)

// AgentEvent is one normalized event parsed out of a backend's raw
// stdout stream.
type AgentEvent struct {
	ProtocolVersion int
	Kind            AgentEventKind
	RawType         string
	Payload         json.RawMessage
}

// AgentTerminal reports how a turn concluded.
type AgentTerminal string

const (
	TerminalSuccess AgentTerminal = "success"
	TerminalFailure AgentTerminal = "failure"
)

// StepResult is the outcome of running one agent turn to completion.
type StepResult struct {
	Terminal    AgentTerminal
	Events      []AgentEvent
	Payload     json.RawMessage
	Diagnostics []string
}

// ParseJSONRecords decodes a string containing one or more concatenated
// JSON values (NDJSON or back-to-back objects, whitespace-separated or
// not) into raw JSON values in order.
func ParseJSONRecords(input string) ([]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(input)))
	var records []json.RawMessage
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			excerpt := input
			if len(excerpt) > 256 {
				excerpt = excerpt[:256]
			}
			return nil, fmt.Errorf("invalid json stream: %s; input=%s", err, excerpt)
		}
		records = append(records, raw)
	}
	return records, nil
}

// ParseJSONL decodes a strict line-oriented NDJSON stream, skipping blank
// lines and delegating each non-empty line to ParseJSONRecords so a line
// containing multiple concatenated values still decodes correctly.
func ParseJSONL(input string) ([]json.RawMessage, error) {
	var all []json.RawMessage
	start := 0
	for i := 0; i <= len(input); i++ {
		if i == len(input) || input[i] == '\n' {
			line := input[start:i]
			start = i + 1
			trimmed := bytes.TrimSpace([]byte(line))
			if len(trimmed) == 0 {
				continue
			}
			records, err := ParseJSONRecords(string(trimmed))
			if err != nil {
				return nil, err
			}
			all = append(all, records...)
		}
	}
	return all, nil
}

type rawEvent struct {
	Type string `json:"type"`
}

// MapCodexEvent maps a raw Codex CLI event's "type" field onto a
// normalized AgentEventKind.
func MapCodexEvent(raw json.RawMessage) AgentEvent {
	var re rawEvent
	_ = json.Unmarshal(raw, &re)
	var kind AgentEventKind
	switch re.Type {
	case "thread.started":
		kind = KindThreadStarted
	case "turn.started":
		kind = KindTurnStarted
	case "item.started", "item.updated":
		kind = KindToolCall
	case "item.completed":
		kind = KindToolResult
	case "turn.completed":
		kind = KindTurnCompleted
	case "turn.failed", "error":
		kind = KindTurnFailed
	default:
		kind = KindUnknown
	}
	return AgentEvent{ProtocolVersion: ProtocolVersion, Kind: kind, RawType: re.Type, Payload: raw}
}

type rawClaudeEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
}

// MapClaudeEvent maps a raw Claude CLI event's "type"/"subtype" fields
// onto a normalized AgentEventKind.
func MapClaudeEvent(raw json.RawMessage) AgentEvent {
	var re rawClaudeEvent
	_ = json.Unmarshal(raw, &re)
	var kind AgentEventKind
	switch re.Type {
	case "message_start":
		kind = KindThreadStarted
	case "content_block_start":
		kind = KindTurnStarted
	case "content_block_delta":
		kind = KindMessage
	case "tool_use":
		kind = KindToolCall
	case "tool_result":
		kind = KindToolResult
	case "result":
		if re.Subtype == "success" {
			kind = KindTurnCompleted
		} else {
			kind = KindTurnFailed
		}
	default:
		kind = KindUnknown
	}
	return AgentEvent{ProtocolVersion: ProtocolVersion, Kind: kind, RawType: re.Type, Payload: raw}
}
