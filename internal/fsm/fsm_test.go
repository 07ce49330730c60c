package fsm

import "testing"

func TestPlanningSkipMappingIsDeterministic(t *testing.T) {
	cases := []struct {
		category TaskCategory
		want     WorkerState
	}{
		{CategoryFeature, StatePlanning},
		{CategoryBugfix, StatePlanning},
		{CategoryRefactor, StatePlanning},
		{CategoryTask, StateDoing},
		{CategoryChore, StateDoing},
		{CategoryInfra, StateDoing},
	}
	for _, c := range cases {
		snap := NewFsmSnapshot()
		if err := snap.ApplyUnderstand(UnderstandOutput{TaskType: c.category}); err != nil {
			t.Fatalf("ApplyUnderstand(%v) error: %v", c.category, err)
		}
		if snap.State != c.want {
			t.Errorf("ApplyUnderstand(%v) state = %v, want %v", c.category, snap.State, c.want)
		}
	}
}

func TestTransitionValidatorRejectsInvalidEdges(t *testing.T) {
	if err := ValidateTransition(StateUnderstand, StateMerging); err == nil {
		t.Fatalf("ValidateTransition(understand, merging) returned nil, want error")
	}
	if err := ValidateTransition(StateComplete, StateDoing); err == nil {
		t.Fatalf("ValidateTransition(complete, doing) returned nil, want error")
	}
	if err := ValidateTransition(StateDoing, StateGitting); err != nil {
		t.Fatalf("ValidateTransition(doing, gitting) error: %v, want nil", err)
	}
	if err := ValidateTransition(StateReviewing, StateDoing); err != nil {
		t.Fatalf("ValidateTransition(reviewing, doing) error: %v, want nil", err)
	}
}

func TestTurnAndReviewCapsParkTheWorker(t *testing.T) {
	snap := NewFsmSnapshot()
	snap.State = StateDoing
	for i := 0; i < MaxDoingTurns; i++ {
		snap.OnDoingTurnCompleted()
		if snap.State == StateParked {
			t.Fatalf("parked early at turn %d", i+1)
		}
	}
	snap.OnDoingTurnCompleted()
	if snap.State != StateParked {
		t.Fatalf("state after exceeding doing cap = %v, want %v", snap.State, StateParked)
	}
	if snap.FailureReason != "doing turn limit exceeded (100)" {
		t.Fatalf("FailureReason = %q, want %q", snap.FailureReason, "doing turn limit exceeded (100)")
	}

	snap2 := NewFsmSnapshot()
	snap2.State = StateReviewing
	for i := 0; i < MaxReviewLoops; i++ {
		snap2.OnReviewLoopBack()
		if snap2.State == StateParked {
			t.Fatalf("parked early at review loop %d", i+1)
		}
	}
	snap2.OnReviewLoopBack()
	if snap2.State != StateParked {
		t.Fatalf("state after exceeding review cap = %v, want %v", snap2.State, StateParked)
	}
	if snap2.FailureReason != "review loop cap exceeded (3)" {
		t.Fatalf("FailureReason = %q, want %q", snap2.FailureReason, "review loop cap exceeded (3)")
	}
}

func TestMergeInvariantRequiresMergeSHAWhenMerged(t *testing.T) {
	// MergingOutput is a plain struct: the invariant is enforced by callers
	// (the worker's verifyMergeOutput fails a merging turn that reports
	// Merged=true with an empty MergeSHA).
	out := MergingOutput{Merged: true, MergeSHA: "abc123"}
	if out.Merged && out.MergeSHA == "" {
		t.Fatalf("invalid fixture: merged without a merge sha")
	}
}

func TestIllegalTransitionErrorMessageFormat(t *testing.T) {
	err := ValidateTransition(StateComplete, StateDoing)
	want := "illegal transition: complete -> doing"
	if err == nil || err.Error() != want {
		t.Fatalf("ValidateTransition() error = %v, want %q", err, want)
	}
}
