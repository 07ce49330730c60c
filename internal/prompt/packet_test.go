package prompt

import (
	"testing"

	"github.com/carterbs/gardener/internal/fsm"
)

func sampleItems() []PromptContextItem {
	return []PromptContextItem{
		{Section: SectionTaskPacket, SourceID: "task-1", SourceHash: "h1", Rank: 10, Text: "fix the login bug"},
		{Section: SectionRepoContext, SourceID: "file-1", SourceHash: "h2", Rank: 5, Text: "package auth"},
		{Section: SectionEvidenceContext, SourceID: "log-1", SourceHash: "h3", Rank: 8, Text: "stack trace here"},
		{Section: SectionExecutionContext, SourceID: "cmd-1", SourceHash: "h4", Rank: 3, Text: "npm test failed"},
		{Section: SectionKnowledgeContext, SourceID: "k-1", SourceHash: "h5", Rank: 1, Text: "retry rebase first"},
	}
}

func TestPacketBuildIsDeterministicAndHasRequiredSections(t *testing.T) {
	budget := map[Section]int{
		SectionTaskPacket:       100,
		SectionRepoContext:      100,
		SectionEvidenceContext:  100,
		SectionExecutionContext: 100,
		SectionKnowledgeContext: 100,
	}
	p1, err := BuildPromptPacket(fsm.StateDoing, sampleItems(), budget)
	if err != nil {
		t.Fatalf("BuildPromptPacket() error: %v", err)
	}
	p2, err := BuildPromptPacket(fsm.StateDoing, sampleItems(), budget)
	if err != nil {
		t.Fatalf("BuildPromptPacket() error: %v", err)
	}
	if p1.Manifest.Hash != p2.Manifest.Hash {
		t.Fatalf("manifest hash not deterministic: %q != %q", p1.Manifest.Hash, p2.Manifest.Hash)
	}
	for _, s := range AllSections {
		if p1.Sections[s] == "" {
			t.Errorf("section %q is empty in built packet", s)
		}
	}
}

func TestTokenBudgetTrimmingCanFailMissingSections(t *testing.T) {
	budget := map[Section]int{
		SectionTaskPacket:       0, // forces this section to be empty
		SectionRepoContext:      100,
		SectionEvidenceContext:  100,
		SectionExecutionContext: 100,
		SectionKnowledgeContext: 100,
	}
	_, err := BuildPromptPacket(fsm.StateDoing, sampleItems(), budget)
	if err == nil {
		t.Fatalf("BuildPromptPacket() with zero budget for a required section returned nil error")
	}
}

func TestRoughTokenCountIsWordCountWithFloorOfOne(t *testing.T) {
	if got := RoughTokenCount(""); got != 0 {
		t.Errorf("RoughTokenCount(\"\") = %d, want 0", got)
	}
	if got := RoughTokenCount("one two three"); got != 3 {
		t.Errorf("RoughTokenCount() = %d, want 3", got)
	}
	if got := RoughTokenCount("x"); got != 1 {
		t.Errorf("RoughTokenCount(single char) = %d, want 1", got)
	}
}

func TestAdmissionSortOrderDiffersFromManifestSortOrder(t *testing.T) {
	items := []PromptContextItem{
		{Section: SectionTaskPacket, SourceID: "a", SourceHash: "zzz", Rank: 1, Text: "low rank high hash"},
		{Section: SectionTaskPacket, SourceID: "b", SourceHash: "aaa", Rank: 5, Text: "high rank low hash"},
	}
	admitted := admitItems(items, map[Section]int{SectionTaskPacket: 1000})
	if admitted[0].SourceID != "b" {
		t.Fatalf("admission order[0] = %q, want %q (higher rank admitted/ordered first)", admitted[0].SourceID, "b")
	}

	manifest := BuildManifest(fsm.StateDoing, admitted)
	if manifest.Entries[0].SourceID != "a" {
		t.Fatalf("manifest order[0] = %q, want %q (sorted by section/source_id/source_hash)", manifest.Entries[0].SourceID, "a")
	}
}
