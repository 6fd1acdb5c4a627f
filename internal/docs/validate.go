package docs

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"atlas/internal/llm"
	"atlas/internal/sqlcorpus"
)

const validatorPrompt = `You review five reference documents about one organization's SQL usage.
Report cross-document issues in these categories only:
1. terminology conflicts (same concept, different names)
2. contradictions (documents disagree on a fact)
3. coverage gaps (a referenced concept no document explains)
4. redundancy (the same content in two documents)
5. syntax inconsistency (differing SQL style for the same construct)
6. statistics leakage (raw counts or percentages in prose)
7. boundary violations (content belonging to another document's slot)
If there are no issues, reply with exactly PASS and nothing else.
Otherwise list each issue on its own line, naming the affected document keys
(01_MASTER, 02_SCHEMA, 03_BUSINESS, 04_FILTERS, 05_PATTERNS).`

// ValidationResult is the outcome of one cross-doc validation pass.
type ValidationResult struct {
	Passed   bool
	Report   string
	Affected []string // doc keys named in the report
}

// CrossDocValidate concatenates the docs and asks for cross-document issues.
// A response beginning with PASS short-circuits.
func (a *Author) CrossDocValidate(ctx context.Context, authored []AuthoredDoc) (*ValidationResult, error) {
	var b strings.Builder
	for _, doc := range authored {
		fmt.Fprintf(&b, "=== %s (%s) ===\n%s\n\n", doc.DocKey, doc.DocName, doc.Content)
	}

	resp, err := a.client.Complete(ctx, llm.Request{
		System:    validatorPrompt,
		Messages:  []llm.Message{{Role: "user", Content: b.String()}},
		MaxTokens: 2000,
	})
	if err != nil {
		return nil, fmt.Errorf("cross-doc validation: %w", err)
	}

	report := strings.TrimSpace(resp.Content)
	if strings.HasPrefix(strings.ToUpper(report), "PASS") {
		return &ValidationResult{Passed: true, Report: report}, nil
	}

	var affected []string
	for _, key := range []string{KeyMaster, KeySchema, KeyBusiness, KeyFilters, KeyPatterns} {
		if strings.Contains(report, key) {
			affected = append(affected, key)
		}
	}
	return &ValidationResult{Report: report, Affected: affected}, nil
}

// ReAuthor regenerates each affected doc with a corrective appendix carrying
// the validator report. Unaffected docs pass through untouched.
func (a *Author) ReAuthor(ctx context.Context, authored []AuthoredDoc, result *ValidationResult, slots []Slot, in AnalysisInput) []AuthoredDoc {
	if result == nil || result.Passed || len(result.Affected) == 0 {
		return authored
	}
	affected := make(map[string]bool, len(result.Affected))
	for _, key := range result.Affected {
		affected[key] = true
	}
	slotByKey := make(map[string]Slot, len(slots))
	for _, slot := range slots {
		slotByKey[slot.Key] = slot
	}
	appendix := "A reviewer found cross-document issues. Correct every issue that concerns this document:\n" + result.Report
	topColumns := TopColumns(in.Counters, 25)

	out := make([]AuthoredDoc, 0, len(authored))
	for _, doc := range authored {
		if !affected[doc.DocKey] {
			out = append(out, doc)
			continue
		}
		slot, ok := slotByKey[doc.DocKey]
		if !ok {
			out = append(out, doc)
			continue
		}
		redone, err := a.AuthorDoc(ctx, slot, a.builder.Build(slot.Key, in), topColumns, appendix)
		if err != nil {
			a.logger.Error("re-author %s failed, keeping original: %v", doc.DocKey, err)
			out = append(out, doc)
			continue
		}
		out = append(out, *redone)
	}
	return out
}

// SpotCheckResult records the sampled-coverage rate; it is informational,
// never gating.
type SpotCheckResult struct {
	Samples  int     `json:"samples"`
	Covered  int     `json:"covered"`
	PassRate float64 `json:"pass_rate"`
}

// SpotCheck samples up to 20 fingerprints and verifies each sample's tables
// appear textually somewhere across the authored docs.
func SpotCheck(rng *rand.Rand, fps []sqlcorpus.Fingerprint, authored []AuthoredDoc) SpotCheckResult {
	const sampleSize = 20

	var corpus strings.Builder
	for _, doc := range authored {
		corpus.WriteString(strings.ToLower(doc.Content))
		corpus.WriteByte('\n')
	}
	text := corpus.String()

	indexes := rng.Perm(len(fps))
	if len(indexes) > sampleSize {
		indexes = indexes[:sampleSize]
	}

	result := SpotCheckResult{Samples: len(indexes)}
	for _, idx := range indexes {
		covered := true
		for _, table := range fps[idx].Tables {
			if !strings.Contains(text, strings.ToLower(table)) {
				covered = false
				break
			}
		}
		if covered {
			result.Covered++
		}
	}
	if result.Samples > 0 {
		result.PassRate = float64(result.Covered) / float64(result.Samples)
	}
	return result
}
