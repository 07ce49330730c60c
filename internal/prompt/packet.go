// Package prompt assembles the five labeled prompt sections a worker
// sends to its agent subprocess from ranked context items under a token
// budget, builds a deterministic manifest hash over the admitted items,
// and hosts the per-state prompt template registry and learning-loop
// knowledge sink that biases future prompts toward validated strategies.
package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/carterbs/gardener/internal/fsm"
	"github.com/carterbs/gardener/internal/gardenerrors"
)

// Section is one of the five labeled regions of a prompt packet.
type Section string

const (
	SectionTaskPacket       Section = "task_packet"
	SectionRepoContext      Section = "repo_context"
	SectionEvidenceContext  Section = "evidence_context"
	SectionExecutionContext Section = "execution_context"
	SectionKnowledgeContext Section = "knowledge_context"
)

// AllSections lists every section a complete packet must populate, in
// the order they appear in the assembled prompt text.
var AllSections = []Section{
	SectionTaskPacket,
	SectionRepoContext,
	SectionEvidenceContext,
	SectionExecutionContext,
	SectionKnowledgeContext,
}

// PromptContextItem is one ranked candidate for inclusion in a prompt
// section.
type PromptContextItem struct {
	Section    Section
	SourceID   string
	SourceHash string
	Rank       int
	Rationale  string
	Text       string
}

// ManifestEntry is one admitted item's record in the context manifest.
type ManifestEntry struct {
	Section    Section
	SourceID   string
	SourceHash string
	Rationale  string
}

// ContextManifest is the deterministic record of what context fed a
// prompt packet, hashed for reproducibility auditing.
type ContextManifest struct {
	State   fsm.WorkerState
	Entries []ManifestEntry
	Hash    string
}

// PromptPacket is the fully assembled set of prompt sections plus the
// manifest describing how they were built.
type PromptPacket struct {
	Sections map[Section]string
	Manifest ContextManifest
}

// RoughTokenCount approximates token count as a whitespace-split word
// count, with a floor of 1 for any non-empty text.
func RoughTokenCount(text string) int {
	n := len(strings.Fields(text))
	if n == 0 && len(text) > 0 {
		return 1
	}
	return n
}

// BuildPromptPacket admits items into their sections under a per-section
// token budget, greedily in admission-sort order, then builds the
// manifest from a separately sorted view of the admitted items. Every
// section must end up non-empty or the build fails.
func BuildPromptPacket(state fsm.WorkerState, items []PromptContextItem, tokenBudget map[Section]int) (PromptPacket, error) {
	admitted := admitItems(items, tokenBudget)

	sections := make(map[Section]string, len(AllSections))
	for _, s := range AllSections {
		var parts []string
		for _, item := range admitted {
			if item.Section == s {
				parts = append(parts, item.Text)
			}
		}
		sections[s] = strings.Join(parts, "\n\n")
	}
	for _, s := range AllSections {
		if strings.TrimSpace(sections[s]) == "" {
			return PromptPacket{}, gardenerrors.InvalidConfig(fmt.Sprintf("prompt packet section %q is empty after admission", s))
		}
	}

	manifest := BuildManifest(state, admitted)
	return PromptPacket{Sections: sections, Manifest: manifest}, nil
}

// admitItems sorts by (rank desc, source_hash, section, source_id) and
// greedily admits items while each section stays under its token budget.
func admitItems(items []PromptContextItem, tokenBudget map[Section]int) []PromptContextItem {
	sorted := make([]PromptContextItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Rank != b.Rank {
			return a.Rank > b.Rank
		}
		if a.SourceHash != b.SourceHash {
			return a.SourceHash < b.SourceHash
		}
		if a.Section != b.Section {
			return a.Section < b.Section
		}
		return a.SourceID < b.SourceID
	})

	used := make(map[Section]int, len(AllSections))
	var admitted []PromptContextItem
	for _, item := range sorted {
		budget, ok := tokenBudget[item.Section]
		if !ok {
			budget = -1 // unbounded when no budget configured for a section
		}
		cost := RoughTokenCount(item.Text)
		if budget >= 0 && used[item.Section]+cost > budget {
			continue
		}
		used[item.Section] += cost
		admitted = append(admitted, item)
	}
	return admitted
}

// BuildManifest sorts admitted items by (section, source_id, source_hash)
// — a different order than admission — and hashes the resulting lines
// with a state + schema preamble into a deterministic SHA-256 digest.
func BuildManifest(state fsm.WorkerState, admitted []PromptContextItem) ContextManifest {
	sorted := make([]PromptContextItem, len(admitted))
	copy(sorted, admitted)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Section != b.Section {
			return a.Section < b.Section
		}
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		return a.SourceHash < b.SourceHash
	})

	var h strings.Builder
	fmt.Fprintf(&h, "state=%s;schema=1\n", state)
	entries := make([]ManifestEntry, 0, len(sorted))
	for _, item := range sorted {
		entries = append(entries, ManifestEntry{
			Section:    item.Section,
			SourceID:   item.SourceID,
			SourceHash: item.SourceHash,
			Rationale:  item.Rationale,
		})
		fmt.Fprintf(&h, "%s|%s|%s|%s\n", item.Section, item.SourceID, item.SourceHash, item.Rationale)
	}

	sum := sha256.Sum256([]byte(h.String()))
	return ContextManifest{
		State:   state,
		Entries: entries,
		Hash:    hex.EncodeToString(sum[:]),
	}
}
