// Package fsm implements the fixed per-task worker state machine: the
// fixed set of legal state transitions, the doing-turn and review-loop
// caps that park a runaway worker rather than let it spin forever, and
// the category-based routing that lets simple tasks skip planning.
package fsm

import "fmt"

// MaxDoingTurns caps how many doing-state turns a worker may take before
// it is parked.
const MaxDoingTurns = 100

// MaxReviewLoops caps how many times reviewing may send a task back to
// doing before it is parked.
const MaxReviewLoops = 3

// WorkerState is one node in the fixed per-task state machine.
type WorkerState string

const (
	StateSeeding    WorkerState = "seeding"
	StateUnderstand WorkerState = "understand"
	StatePlanning   WorkerState = "planning"
	StateDoing      WorkerState = "doing"
	StateGitting    WorkerState = "gitting"
	StateReviewing  WorkerState = "reviewing"
	StateMerging    WorkerState = "merging"
	StateComplete   WorkerState = "complete"
	StateFailed     WorkerState = "failed"
	StateParked     WorkerState = "parked"
)

func (s WorkerState) AsStr() string { return string(s) }

// TaskCategory determines whether a task's understand step may skip
// straight to doing or must first go through planning.
type TaskCategory string

const (
	CategoryTask     TaskCategory = "task"
	CategoryChore    TaskCategory = "chore"
	CategoryInfra    TaskCategory = "infra"
	CategoryFeature  TaskCategory = "feature"
	CategoryBugfix   TaskCategory = "bugfix"
	CategoryRefactor TaskCategory = "refactor"
)

// RequiresPlanning reports whether this category must route through
// planning rather than going directly to doing.
func (c TaskCategory) RequiresPlanning() bool {
	switch c {
	case CategoryFeature, CategoryBugfix, CategoryRefactor:
		return true
	default:
		return false
	}
}

// UnderstandOutput is the structured result of the understand state.
type UnderstandOutput struct {
	TaskType  TaskCategory `json:"task_type"`
	Reasoning string       `json:"reasoning"`
}

// DoingOutput is the structured result of one doing-state turn.
type DoingOutput struct {
	Summary       string   `json:"summary"`
	FilesChanged  []string `json:"files_changed"`
	CommitMessage string   `json:"commit_message"`
}

// GittingOutput is the structured result of the gitting state.
type GittingOutput struct {
	Branch   string `json:"branch"`
	PRNumber int64  `json:"pr_number"`
	PRURL    string `json:"pr_url"`
}

// ReviewVerdict is reviewing's decision on a gitting output.
type ReviewVerdict string

const (
	VerdictApprove      ReviewVerdict = "approve"
	VerdictNeedsChanges ReviewVerdict = "needs_changes"
)

// ReviewingOutput is the structured result of the reviewing state.
type ReviewingOutput struct {
	Verdict     ReviewVerdict `json:"verdict"`
	Suggestions []string      `json:"suggestions"`
}

// MergingOutput is the structured result of the merging state. Merged
// true requires a non-empty MergeSHA.
type MergingOutput struct {
	Merged   bool   `json:"merged"`
	MergeSHA string `json:"merge_sha"`
}

// FsmSnapshot is the FSM's full observable state for one worker.
type FsmSnapshot struct {
	State         WorkerState
	Category      TaskCategory
	DoingTurns    uint32
	ReviewLoops   uint32
	FailureReason string
}

// NewFsmSnapshot returns a fresh snapshot starting in Understand.
func NewFsmSnapshot() FsmSnapshot {
	return FsmSnapshot{State: StateUnderstand}
}

// Transition validates and applies a state change.
func (s *FsmSnapshot) Transition(to WorkerState) error {
	if err := ValidateTransition(s.State, to); err != nil {
		return err
	}
	s.State = to
	return nil
}

// ApplyUnderstand routes out of Understand based on the classified task
// category, recording the category on the snapshot.
func (s *FsmSnapshot) ApplyUnderstand(output UnderstandOutput) error {
	if s.State != StateUnderstand {
		return fmt.Errorf("illegal transition: %s -> %s", s.State, StatePlanning)
	}
	s.Category = output.TaskType
	next := StateDoing
	if output.TaskType.RequiresPlanning() {
		next = StatePlanning
	}
	return s.Transition(next)
}

// OnDoingTurnCompleted increments the doing-turn counter and parks the
// worker if the cap is exceeded.
func (s *FsmSnapshot) OnDoingTurnCompleted() {
	s.DoingTurns++
	if s.DoingTurns > MaxDoingTurns {
		s.State = StateParked
		s.FailureReason = fmt.Sprintf("doing turn limit exceeded (%d)", MaxDoingTurns)
	}
}

// OnReviewLoopBack increments the review-loop counter and parks the
// worker if the cap is exceeded.
func (s *FsmSnapshot) OnReviewLoopBack() {
	s.ReviewLoops++
	if s.ReviewLoops > MaxReviewLoops {
		s.State = StateParked
		s.FailureReason = fmt.Sprintf("review loop cap exceeded (%d)", MaxReviewLoops)
	}
}

// ValidateTransition reports an error unless to is a legal successor of
// from in the fixed transition table.
func ValidateTransition(from, to WorkerState) error {
	legal := map[WorkerState][]WorkerState{
		StateUnderstand: {StatePlanning, StateDoing, StateFailed, StateParked},
		StatePlanning:   {StateDoing, StateFailed, StateParked},
		StateDoing:      {StateGitting, StateFailed, StateParked},
		StateGitting:    {StateReviewing, StateFailed, StateParked},
		StateReviewing:  {StateDoing, StateMerging, StateFailed, StateParked},
		StateMerging:    {StateComplete, StateFailed, StateParked},
		StateComplete:   {},
		StateFailed:     {},
		StateParked:     {},
		StateSeeding:    {},
	}
	for _, candidate := range legal[from] {
		if candidate == to {
			return nil
		}
	}
	return fmt.Errorf("illegal transition: %s -> %s", from, to)
}
