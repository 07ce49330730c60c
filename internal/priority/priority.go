// Package priority computes a backlog task's scheduling priority from a
// small set of escalation signals. ClassifyPriority is a pure function:
// it never reads the backlog or performs I/O, so it composes cleanly
// with both the backlog store's priority-upgrade-only upsert rule and
// the FSM's task intake path.
package priority

import "github.com/carterbs/gardener/internal/taskident"

// Priority is the backlog's scheduling tier. Lower rank claims first.
type Priority string

const (
	P0 Priority = "P0"
	P1 Priority = "P1"
	P2 Priority = "P2"
)

// Rank returns the claim-ordering rank for a priority: lower claims first.
func (p Priority) Rank() int {
	switch p {
	case P0:
		return 0
	case P1:
		return 1
	default:
		return 2
	}
}

// FromDB parses the string stored in the backlog's priority column,
// defaulting to P2 for any unrecognized value.
func FromDB(s string) Priority {
	switch s {
	case string(P0):
		return P0
	case string(P1):
		return P1
	default:
		return P2
	}
}

// ClassifierInput carries the escalation signals ClassifyPriority needs.
type ClassifierInput struct {
	Kind             taskident.TaskKind
	ValidationFailed bool
	HasRelatedOpenPR bool
	MergeConflict    bool
	SchedulerBlocked bool
}

// ClassifyPriority escalates to P0 on validation failure, merge
// conflict, scheduler-blocked state, a pr_collision/merge_conflict/infra
// kind, or an existing open related PR. Feature/bugfix/quality_gap tasks
// are P1. Everything else is P2.
func ClassifyPriority(input ClassifierInput) Priority {
	if input.ValidationFailed ||
		input.MergeConflict ||
		input.SchedulerBlocked ||
		input.Kind == taskident.KindPrCollision ||
		input.Kind == taskident.KindMergeConflict ||
		input.Kind == taskident.KindInfra ||
		input.HasRelatedOpenPR {
		return P0
	}
	switch input.Kind {
	case taskident.KindFeature, taskident.KindBugfix, taskident.KindQualityGap:
		return P1
	default:
		return P2
	}
}
