package prompt

import "github.com/carterbs/gardener/internal/fsm"

// Template is a version-tagged prompt template descriptor for one
// worker state.
type Template struct {
	Version string
	Body    string
}

// Registry resolves a worker state (and retry attempt count) to the
// template that should drive that turn's prompt assembly.
type Registry struct {
	templates      map[fsm.WorkerState]Template
	retryTemplates map[fsm.WorkerState]Template
}

// NewRegistry builds the default per-state template registry. Retry
// variants prepend a rebase-onto-main step ahead of the base template's
// instructions.
func NewRegistry() *Registry {
	r := &Registry{
		templates:      make(map[fsm.WorkerState]Template),
		retryTemplates: make(map[fsm.WorkerState]Template),
	}
	defaults := map[fsm.WorkerState]string{
		fsm.StateUnderstand: "Classify this task and decide whether it needs planning.",
		fsm.StatePlanning:   "Produce a step-by-step plan for this task.",
		fsm.StateDoing:      "Implement the plan. Make the smallest correct change.",
		fsm.StateGitting:    "Commit your changes and open a pull request.",
		fsm.StateReviewing:  "Review the diff against the task's requirements.",
		fsm.StateMerging:    "Merge the approved pull request.",
	}
	for state, body := range defaults {
		version := "v1-" + state.AsStr()
		r.templates[state] = Template{Version: version, Body: body}
	}
	for state, base := range r.templates {
		r.retryTemplates[state] = Template{
			Version: "v1-" + state.AsStr() + "-retry",
			Body:    "Rebase your branch onto main before continuing.\n" + base.Body,
		}
	}
	return r
}

// TemplateFor resolves the template for a state, substituting the retry
// variant when attemptCount exceeds 1.
func (r *Registry) TemplateFor(state fsm.WorkerState, attemptCount int) (Template, bool) {
	if attemptCount > 1 {
		if t, ok := r.retryTemplates[state]; ok {
			return t, true
		}
	}
	t, ok := r.templates[state]
	return t, ok
}
