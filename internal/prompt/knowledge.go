package prompt

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// KnowledgeEntry records one piece of learned strategy, confidence
// scored from accumulated evidence and decayed over time.
type KnowledgeEntry struct {
	Key        string
	Evidence   int
	Confidence float64
	RecordedAt time.Time
}

// KnowledgeStore accumulates KnowledgeEntry records from completed turns
// and filters low-confidence entries out of future prompt assembly.
type KnowledgeStore struct {
	mu              sync.Mutex
	entries         map[string]KnowledgeEntry
	decayPerDay     float64
	deactivateBelow float64
}

// NewKnowledgeStore builds a store with the given decay rate (confidence
// lost per day since an entry was last recorded) and the confidence
// floor below which an entry is dropped from ToPromptLines.
func NewKnowledgeStore(decayPerDay, deactivateBelow float64) *KnowledgeStore {
	return &KnowledgeStore{
		entries:         make(map[string]KnowledgeEntry),
		decayPerDay:     decayPerDay,
		deactivateBelow: deactivateBelow,
	}
}

// RecordSuccess adds evidence for "merge_succeeded_with_validation",
// confidence = min(1, evidence_count/5).
func (s *KnowledgeStore) RecordSuccess(now time.Time) {
	s.record("merge_succeeded_with_validation", now)
}

// RecordFailure adds evidence for "failure:<normalized reason>".
func (s *KnowledgeStore) RecordFailure(reason string, now time.Time) {
	normalized := strings.ToLower(strings.TrimSpace(reason))
	s.record(fmt.Sprintf("failure:%s", normalized), now)
}

func (s *KnowledgeStore) record(key string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entries[key]
	entry.Key = key
	entry.Evidence++
	entry.Confidence = math.Min(1, float64(entry.Evidence)/5)
	entry.RecordedAt = now
	s.entries[key] = entry
}

// decayedConfidence applies the configured per-day decay rate to an
// entry's confidence as of now, floored at zero.
func (s *KnowledgeStore) decayedConfidence(entry KnowledgeEntry, now time.Time) float64 {
	daysElapsed := now.Sub(entry.RecordedAt).Hours() / 24
	decayed := entry.Confidence - s.decayPerDay*daysElapsed
	if decayed < 0 {
		return 0
	}
	return decayed
}

// ToPromptLines returns active (confidence >= deactivateBelow after
// decay) entries as stable, sorted prompt lines.
func (s *KnowledgeStore) ToPromptLines(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var lines []string
	for _, k := range keys {
		entry := s.entries[k]
		confidence := s.decayedConfidence(entry, now)
		if confidence < s.deactivateBelow {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s (confidence=%.2f, evidence=%d)", entry.Key, confidence, entry.Evidence))
	}
	return lines
}
