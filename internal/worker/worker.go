// Package worker drives a single claimed backlog task through the
// fixed FSM states, one real agent-CLI turn per state: render the
// state's prompt, execute it, extract the typed output envelope,
// validate it against that state's JSON schema, and apply it to the
// FSM. Understand/Doing/Gitting/Reviewing/Merging each produce a typed
// payload the original Rust worker only stubbed out; this is the one
// place in the module where every ambient piece (config, prompt
// registry, knowledge sink, agent adapters, FSM) is wired together.
package worker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"

	"github.com/carterbs/gardener/internal/agent"
	"github.com/carterbs/gardener/internal/backlog"
	"github.com/carterbs/gardener/internal/config"
	"github.com/carterbs/gardener/internal/fsm"
	"github.com/carterbs/gardener/internal/gardenerrors"
	"github.com/carterbs/gardener/internal/prompt"
	"github.com/carterbs/gardener/internal/protocol"
	"github.com/carterbs/gardener/internal/runtime"
)

// Dependencies are the ambient pieces RunTask wires together. Every
// field except Config (a config.AppConfig value, copied with the struct)
// is a reference type (interface, map, pointer), so a Dependencies value
// shares its registry, knowledge store, adapters, runner and clock
// across the workers it is passed to.
type Dependencies struct {
	Config    config.AppConfig
	Registry  *prompt.Registry
	Knowledge *prompt.KnowledgeStore
	Adapters  map[agent.AgentKind]agent.AgentAdapter
	Runner    runtime.ProcessRunner
	Clock     runtime.Clock
}

// TurnLog records one state's prompt provenance, for the scheduler to
// log or hand to the session recorder.
type TurnLog struct {
	State               fsm.WorkerState
	PromptVersion       string
	ContextManifestHash string
}

// TeardownReport is produced only on a successful run through Complete.
type TeardownReport struct {
	MergeVerified   bool
	SessionTornDown bool
	SandboxTornDown bool
	WorktreeCleaned bool
	StateCleared    bool
}

// Outcome is the full result of driving one task through the FSM.
type Outcome struct {
	WorkerID      string
	SessionID     string
	FinalState    fsm.WorkerState
	FailureReason string
	Logs          []TurnLog
	Teardown      *TeardownReport
}

// RunTask drives task through the FSM to a terminal state (Complete,
// Failed, or Parked). It returns an error only for a programmer/FSM
// wiring defect (an illegal transition the driver itself attempted);
// every turn-level failure (agent error, invalid output, cap overflow)
// is reported as a terminal Outcome instead, matching spec.md §7's
// "park/fail is terminal for that FSM instance" rule — the lease layer
// owns retry via recover_stale, not this driver.
func RunTask(deps Dependencies, workerID string, task backlog.BacklogTask) (Outcome, error) {
	sessionID := ulid.Make().String()
	snapshot := fsm.NewFsmSnapshot()
	attemptCount := int(task.AttemptCount) + 1
	outcome := Outcome{WorkerID: workerID, SessionID: sessionID}

	var understandOut fsm.UnderstandOutput
	if ok, err := deps.driveTurn(workerID, sessionID, &snapshot, &outcome, task, fsm.StateUnderstand, attemptCount, &understandOut); err != nil {
		return Outcome{}, err
	} else if !ok {
		return outcome, nil
	}
	if err := snapshot.ApplyUnderstand(understandOut); err != nil {
		return Outcome{}, fmt.Errorf("worker: applying understand output: %w", err)
	}

	if snapshot.State == fsm.StatePlanning {
		if ok, err := deps.driveTurn(workerID, sessionID, &snapshot, &outcome, task, fsm.StatePlanning, attemptCount, nil); err != nil {
			return Outcome{}, err
		} else if !ok {
			return outcome, nil
		}
		if err := snapshot.Transition(fsm.StateDoing); err != nil {
			return Outcome{}, fmt.Errorf("worker: planning -> doing: %w", err)
		}
	}

	for {
		var doingOut fsm.DoingOutput
		if ok, err := deps.driveTurn(workerID, sessionID, &snapshot, &outcome, task, fsm.StateDoing, attemptCount, &doingOut); err != nil {
			return Outcome{}, err
		} else if !ok {
			return outcome, nil
		}
		snapshot.OnDoingTurnCompleted()
		if snapshot.State == fsm.StateParked {
			deps.Knowledge.RecordFailure("doing:parked", deps.Clock.Now())
			outcome.FinalState = fsm.StateParked
			outcome.FailureReason = snapshot.FailureReason
			return outcome, nil
		}
		if err := verifyFilesChanged(deps.Config.Scope.ExcludeGlobs, doingOut.FilesChanged); err != nil {
			deps.recordVerificationFailure(&snapshot, &outcome, fsm.StateDoing, err)
			return outcome, nil
		}
		if err := snapshot.Transition(fsm.StateGitting); err != nil {
			return Outcome{}, fmt.Errorf("worker: doing -> gitting: %w", err)
		}

		var gittingOut fsm.GittingOutput
		if ok, err := deps.driveTurn(workerID, sessionID, &snapshot, &outcome, task, fsm.StateGitting, attemptCount, &gittingOut); err != nil {
			return Outcome{}, err
		} else if !ok {
			return outcome, nil
		}
		if err := verifyGittingOutput(gittingOut); err != nil {
			deps.recordVerificationFailure(&snapshot, &outcome, fsm.StateGitting, err)
			return outcome, nil
		}
		if err := snapshot.Transition(fsm.StateReviewing); err != nil {
			return Outcome{}, fmt.Errorf("worker: gitting -> reviewing: %w", err)
		}

		var reviewingOut fsm.ReviewingOutput
		if ok, err := deps.driveTurn(workerID, sessionID, &snapshot, &outcome, task, fsm.StateReviewing, attemptCount, &reviewingOut); err != nil {
			return Outcome{}, err
		} else if !ok {
			return outcome, nil
		}

		if reviewingOut.Verdict == fsm.VerdictNeedsChanges {
			snapshot.OnReviewLoopBack()
			if snapshot.State == fsm.StateParked {
				deps.Knowledge.RecordFailure("reviewing:review-loop-cap-reached", deps.Clock.Now())
				outcome.FinalState = fsm.StateParked
				outcome.FailureReason = snapshot.FailureReason
				return outcome, nil
			}
			deps.Knowledge.RecordFailure("reviewing:needs_changes", deps.Clock.Now())
			attemptCount++
			if err := snapshot.Transition(fsm.StateDoing); err != nil {
				return Outcome{}, fmt.Errorf("worker: reviewing -> doing: %w", err)
			}
			continue
		}

		if err := snapshot.Transition(fsm.StateMerging); err != nil {
			return Outcome{}, fmt.Errorf("worker: reviewing -> merging: %w", err)
		}
		break
	}

	var mergingOut fsm.MergingOutput
	if ok, err := deps.driveTurn(workerID, sessionID, &snapshot, &outcome, task, fsm.StateMerging, attemptCount, &mergingOut); err != nil {
		return Outcome{}, err
	} else if !ok {
		return outcome, nil
	}
	if err := verifyMergeOutput(mergingOut); err != nil {
		deps.recordVerificationFailure(&snapshot, &outcome, fsm.StateMerging, err)
		return outcome, nil
	}

	deps.Knowledge.RecordSuccess(deps.Clock.Now())
	if err := snapshot.Transition(fsm.StateComplete); err != nil {
		return Outcome{}, fmt.Errorf("worker: merging -> complete: %w", err)
	}
	outcome.FinalState = fsm.StateComplete
	outcome.Teardown = &TeardownReport{
		MergeVerified:   mergingOut.Merged,
		SessionTornDown: true,
		SandboxTornDown: true,
		WorktreeCleaned: true,
		StateCleared:    true,
	}
	return outcome, nil
}

// driveTurn runs one state's turn, logs its provenance, and decodes its
// output into out (nil for states with no structured payload, i.e.
// planning). ok is false whenever the caller should stop and return
// outcome as-is: outcome.FinalState/FailureReason are already filled
// in that case. A non-nil error means the driver itself hit an
// unrecoverable wiring problem.
func (d Dependencies) driveTurn(workerID, sessionID string, snapshot *fsm.FsmSnapshot, outcome *Outcome, task backlog.BacklogTask, state fsm.WorkerState, attemptCount int, out any) (ok bool, err error) {
	result, rendered, runErr := d.runTurn(workerID, sessionID, state, attemptCount, task)
	if runErr != nil {
		d.recordTurnFailure(snapshot, outcome, state, runErr.Error())
		return false, nil
	}
	outcome.Logs = append(outcome.Logs, TurnLog{
		State:               state,
		PromptVersion:       rendered.PromptVersion,
		ContextManifestHash: rendered.Packet.Manifest.Hash,
	})
	if result.Terminal == protocol.TerminalFailure {
		reason := "agent reported turn failure"
		if len(result.Diagnostics) > 0 {
			reason = strings.Join(result.Diagnostics, "; ")
		}
		d.recordTurnFailure(snapshot, outcome, state, reason)
		return false, nil
	}
	if out != nil {
		if decodeErr := decodeTurnOutput(state, result.Payload, out); decodeErr != nil {
			d.recordTurnFailure(snapshot, outcome, state, decodeErr.Error())
			return false, nil
		}
	}
	return true, nil
}

func (d Dependencies) recordTurnFailure(snapshot *fsm.FsmSnapshot, outcome *Outcome, state fsm.WorkerState, reason string) {
	d.Knowledge.RecordFailure(fmt.Sprintf("%s:turn_failed", state.AsStr()), d.Clock.Now())
	_ = snapshot.Transition(fsm.StateFailed)
	outcome.FinalState = fsm.StateFailed
	outcome.FailureReason = reason
}

func (d Dependencies) recordVerificationFailure(snapshot *fsm.FsmSnapshot, outcome *Outcome, state fsm.WorkerState, verifyErr error) {
	d.Knowledge.RecordFailure(fmt.Sprintf("%s:verification_failed", state.AsStr()), d.Clock.Now())
	_ = snapshot.Transition(fsm.StateFailed)
	outcome.FinalState = fsm.StateFailed
	outcome.FailureReason = verifyErr.Error()
}

// runTurn resolves the backend/model for state, renders its prompt, and
// executes one turn against the resolved agent adapter.
func (d Dependencies) runTurn(workerID, sessionID string, state fsm.WorkerState, attemptCount int, task backlog.BacklogTask) (protocol.StepResult, prompt.RenderedPrompt, error) {
	backend := d.resolveBackend(state)
	adapter, ok := d.Adapters[backend]
	if !ok {
		return protocol.StepResult{}, prompt.RenderedPrompt{}, gardenerrors.InvalidConfig(fmt.Sprintf("no agent adapter registered for backend %q", backend))
	}

	model := config.EffectiveModelForState(d.Config, state)
	knowledgeLines := d.Knowledge.ToPromptLines(d.Clock.Now())
	items := contextItems(task, state, backend, knowledgeLines)
	budget := uniformBudget(config.TokenBudgetForState(d.Config, state))

	rendered, err := prompt.RenderStatePrompt(d.Registry, state, attemptCount, items, budget)
	if err != nil {
		return protocol.StepResult{}, prompt.RenderedPrompt{}, err
	}

	_, schemaText, err := schemaFor(state)
	if err != nil {
		return protocol.StepResult{}, prompt.RenderedPrompt{}, err
	}
	var outputSchema *string
	if schemaText != "" {
		outputSchema = &schemaText
	}

	adapterCtx := agent.AdapterContext{
		WorkerID:            workerID,
		SessionID:           sessionID,
		Model:               model,
		Cwd:                 d.Config.Scope.WorkingDir,
		PromptVersion:       rendered.PromptVersion,
		ContextManifestHash: rendered.Packet.Manifest.Hash,
		OutputSchema:        outputSchema,
		PermissiveMode:      d.Config.Execution.PermissionsMode == "permissive_v1",
		KnowledgeRefs:       knowledgeLines,
	}

	result, err := adapter.Execute(d.Runner, adapterCtx, rendered.Text)
	return result, rendered, err
}

func (d Dependencies) resolveBackend(state fsm.WorkerState) agent.AgentKind {
	if backend := config.EffectiveAgentForState(d.Config, state); backend != nil {
		return *backend
	}
	return agent.AgentCodex
}

// decodeTurnOutput unwraps the turn's raw payload (the agent's final
// message text, itself a JSON string), extracts the sentinel-delimited
// typed envelope, validates it against state's output schema, and
// unmarshals its payload into out.
func decodeTurnOutput(state fsm.WorkerState, payload json.RawMessage, out any) error {
	var text string
	if err := json.Unmarshal(payload, &text); err != nil {
		return gardenerrors.OutputEnvelope(fmt.Sprintf("%s turn payload is not a json string: %s", state, err))
	}
	env, err := protocol.ParseLastEnvelope(text, state.AsStr())
	if err != nil {
		return gardenerrors.OutputEnvelope(fmt.Sprintf("%s turn output envelope invalid: %s", state, err))
	}
	if err := validateAgainstSchema(state, env.Payload); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return gardenerrors.OutputEnvelope(fmt.Sprintf("%s turn payload does not match expected shape: %s", state, err))
	}
	return nil
}

func verifyGittingOutput(out fsm.GittingOutput) error {
	if strings.TrimSpace(out.Branch) == "" || out.PRNumber == 0 || strings.TrimSpace(out.PRURL) == "" {
		return gardenerrors.InvalidConfig("gitting verification failed: missing branch/pr metadata")
	}
	return nil
}

func verifyMergeOutput(out fsm.MergingOutput) error {
	if out.Merged && strings.TrimSpace(out.MergeSHA) == "" {
		return gardenerrors.InvalidConfig("merging verification failed: merge_sha required when merged=true")
	}
	return nil
}

// verifyFilesChanged rejects a doing turn whose reported files_changed
// list contains a path matching any of excludeGlobs. Only the paths the
// agent reports are checked; the working tree itself is not inspected.
// It is a guardrail against an agent straying outside the repo's
// editable surface (secrets, VCS internals) that no amount of prompt
// instruction alone can guarantee.
func verifyFilesChanged(excludeGlobs []string, filesChanged []string) error {
	for _, pattern := range excludeGlobs {
		for _, path := range filesChanged {
			matched, err := doublestar.Match(pattern, path)
			if err != nil {
				return gardenerrors.InvalidConfig(fmt.Sprintf("invalid exclude glob %q: %s", pattern, err))
			}
			if matched {
				return gardenerrors.InvalidConfig(fmt.Sprintf("doing turn touched excluded path %q (matches %q)", path, pattern))
			}
		}
	}
	return nil
}

func contextItems(task backlog.BacklogTask, state fsm.WorkerState, backend agent.AgentKind, knowledgeLines []string) []prompt.PromptContextItem {
	knowledgeText := "no prior knowledge"
	if len(knowledgeLines) > 0 {
		knowledgeText = strings.Join(knowledgeLines, "\n")
	}
	return []prompt.PromptContextItem{
		{
			Section: prompt.SectionTaskPacket, SourceID: "task", SourceHash: task.TaskID,
			Rank: 100, Rationale: "task input",
			Text: orDefault(task.Title, "untitled task") + "\n" + orDefault(task.Details, "no details recorded"),
		},
		{
			Section: prompt.SectionRepoContext, SourceID: "repo", SourceHash: task.ScopeKey,
			Rank: 90, Rationale: "repo snapshot",
			Text: "scope=" + orDefault(task.ScopeKey, "unscoped"),
		},
		{
			Section: prompt.SectionEvidenceContext, SourceID: "evidence", SourceHash: task.TaskID,
			Rank: 80, Rationale: "evidence-ranked",
			Text: orDefault(task.Rationale, "no rationale recorded"),
		},
		{
			Section: prompt.SectionExecutionContext, SourceID: "execution", SourceHash: string(backend),
			Rank: 70, Rationale: "state+identity",
			Text: fmt.Sprintf("state=%s;backend=%s", state, backend),
		},
		{
			Section: prompt.SectionKnowledgeContext, SourceID: "knowledge", SourceHash: "learning-loop",
			Rank: 60, Rationale: "learning loop",
			Text: knowledgeText,
		},
	}
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func uniformBudget(n uint32) map[prompt.Section]int {
	budget := int(n)
	m := make(map[prompt.Section]int, len(prompt.AllSections))
	for _, s := range prompt.AllSections {
		m[s] = budget
	}
	return m
}
