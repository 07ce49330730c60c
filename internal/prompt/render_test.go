package prompt

import (
	"strings"
	"testing"

	"github.com/carterbs/gardener/internal/fsm"
)

func renderSampleItems() []PromptContextItem {
	items := make([]PromptContextItem, 0, len(AllSections))
	for i, section := range AllSections {
		items = append(items, PromptContextItem{
			Section:    section,
			SourceID:   string(section) + "-source",
			SourceHash: "hash",
			Rank:       i,
			Rationale:  "seed",
			Text:       "content for " + string(section),
		})
	}
	return items
}

func uniformTestBudget(n int) map[Section]int {
	budget := make(map[Section]int, len(AllSections))
	for _, s := range AllSections {
		budget[s] = n
	}
	return budget
}

func TestRenderStatePromptUsesFirstAttemptTemplate(t *testing.T) {
	registry := NewRegistry()
	rendered, err := RenderStatePrompt(registry, fsm.StateDoing, 1, renderSampleItems(), uniformTestBudget(50))
	if err != nil {
		t.Fatalf("RenderStatePrompt() error: %v", err)
	}
	template, _ := registry.TemplateFor(fsm.StateDoing, 1)
	if rendered.PromptVersion != template.Version {
		t.Fatalf("PromptVersion = %q, want %q", rendered.PromptVersion, template.Version)
	}
	if !strings.Contains(rendered.Text, template.Body) {
		t.Fatalf("Text does not contain the template body")
	}
	if !strings.Contains(rendered.Text, "content for task_packet") {
		t.Fatalf("Text missing task_packet section content: %q", rendered.Text)
	}
	if !strings.Contains(rendered.Text, rendered.Packet.Manifest.Hash) {
		t.Fatalf("Text missing the context manifest hash")
	}
}

func TestRenderStatePromptSelectsRetryVariantOnLaterAttempts(t *testing.T) {
	registry := NewRegistry()
	first, err := RenderStatePrompt(registry, fsm.StateDoing, 1, renderSampleItems(), uniformTestBudget(50))
	if err != nil {
		t.Fatalf("RenderStatePrompt() error: %v", err)
	}
	retry, err := RenderStatePrompt(registry, fsm.StateDoing, 2, renderSampleItems(), uniformTestBudget(50))
	if err != nil {
		t.Fatalf("RenderStatePrompt() error: %v", err)
	}
	if retry.PromptVersion == first.PromptVersion {
		t.Fatalf("PromptVersion unchanged across attempts: %q", retry.PromptVersion)
	}
	if !strings.HasSuffix(retry.PromptVersion, "-retry") {
		t.Fatalf("PromptVersion = %q, want a -retry suffix", retry.PromptVersion)
	}
}

func TestRenderStatePromptFailsForUnregisteredState(t *testing.T) {
	registry := &Registry{templates: map[fsm.WorkerState]Template{}, retryTemplates: map[fsm.WorkerState]Template{}}
	if _, err := RenderStatePrompt(registry, fsm.StateDoing, 1, renderSampleItems(), uniformTestBudget(50)); err == nil {
		t.Fatalf("RenderStatePrompt() error = nil, want an error for a state with no template")
	}
}
