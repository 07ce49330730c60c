package prompt

import (
	"fmt"

	"github.com/carterbs/gardener/internal/fsm"
	"github.com/carterbs/gardener/internal/gardenerrors"
)

// RenderedPrompt is a fully assembled prompt ready to hand an agent
// adapter, plus the provenance (template version, context manifest)
// needed to log the turn.
type RenderedPrompt struct {
	PromptVersion string
	Packet        PromptPacket
	Text          string
}

// RenderStatePrompt resolves state's template (substituting the retry
// variant when attemptCount > 1), builds the prompt packet from items
// under tokenBudget, and concatenates the template body with each
// labeled section and the manifest hash into the final prompt text.
func RenderStatePrompt(registry *Registry, state fsm.WorkerState, attemptCount int, items []PromptContextItem, tokenBudget map[Section]int) (RenderedPrompt, error) {
	template, ok := registry.TemplateFor(state, attemptCount)
	if !ok {
		return RenderedPrompt{}, gardenerrors.InvalidConfig(fmt.Sprintf("no prompt template registered for state %q", state))
	}

	packet, err := BuildPromptPacket(state, items, tokenBudget)
	if err != nil {
		return RenderedPrompt{}, err
	}

	text := fmt.Sprintf(
		"%s\n\n[task_packet]\n%s\n\n[repo_context]\n%s\n\n[evidence_context]\n%s\n\n[execution_context]\n%s\n\n[knowledge_context]\n%s\n\n[context_manifest_hash]\n%s\n",
		template.Body,
		packet.Sections[SectionTaskPacket],
		packet.Sections[SectionRepoContext],
		packet.Sections[SectionEvidenceContext],
		packet.Sections[SectionExecutionContext],
		packet.Sections[SectionKnowledgeContext],
		packet.Manifest.Hash,
	)

	return RenderedPrompt{
		PromptVersion: template.Version,
		Packet:        packet,
		Text:          text,
	}, nil
}
