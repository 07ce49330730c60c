package prompt

import (
	"strings"
	"testing"

	"github.com/carterbs/gardener/internal/fsm"
)

func TestRegistryResolvesBaseTemplateForFirstAttempt(t *testing.T) {
	r := NewRegistry()
	tmpl, ok := r.TemplateFor(fsm.StateDoing, 1)
	if !ok {
		t.Fatalf("TemplateFor(StateDoing, 1) not found")
	}
	if tmpl.Version != "v1-doing" {
		t.Errorf("Version = %q, want %q", tmpl.Version, "v1-doing")
	}
	if strings.Contains(tmpl.Body, "Rebase") {
		t.Errorf("base template unexpectedly contains retry instruction: %q", tmpl.Body)
	}
}

func TestRegistrySwitchesToRetryTemplateAfterFirstAttempt(t *testing.T) {
	r := NewRegistry()
	tmpl, ok := r.TemplateFor(fsm.StateDoing, 2)
	if !ok {
		t.Fatalf("TemplateFor(StateDoing, 2) not found")
	}
	if tmpl.Version != "v1-doing-retry" {
		t.Errorf("Version = %q, want %q", tmpl.Version, "v1-doing-retry")
	}
	if !strings.HasPrefix(tmpl.Body, "Rebase your branch onto main") {
		t.Errorf("retry template does not lead with rebase instruction: %q", tmpl.Body)
	}
	if !strings.Contains(tmpl.Body, "Implement the plan") {
		t.Errorf("retry template dropped the base instruction: %q", tmpl.Body)
	}
}

func TestRegistryUnknownStateIsNotFound(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.TemplateFor(fsm.WorkerState("bogus"), 1); ok {
		t.Fatalf("TemplateFor(bogus state) unexpectedly found")
	}
}
