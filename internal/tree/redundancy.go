package tree

import (
	"context"
	"encoding/json"
	"strings"

	"atlas/internal/llm"
	"atlas/internal/logging"
)

const redundancyPrompt = `You rate pairwise content overlap between context documents.
For every pair with more than 30% semantic overlap, output one JSON object
per line: {"a":"<id>","b":"<id>","score":<0-100>,"detail":"..."}.
Output nothing else: no prose, no code fences, no lines for low-overlap pairs.`

// redundancyBatchSize bounds how many leaves go into one LLM call.
const redundancyBatchSize = 10

// applyThreshold is the minimum reported score that mutates the tree.
const applyThreshold = 40

type overlapReport struct {
	A      string `json:"a"`
	B      string `json:"b"`
	Score  int    `json:"score"`
	Detail string `json:"detail"`
}

// RedundancyDetector asks the LLM for pairwise overlap, batch by batch, and
// applies reported scores to the leaves.
type RedundancyDetector struct {
	client llm.Client
	logger logging.Logger
}

// NewRedundancyDetector builds a detector.
func NewRedundancyDetector(client llm.Client, logger logging.Logger) *RedundancyDetector {
	return &RedundancyDetector{client: client, logger: logging.OrNop(logger)}
}

// Detect scans all leaves in batches of ten. Reports with score at or above
// the apply threshold set each involved leaf's redundancy score to the
// maximum incoming score and append the counterpart id to overlaps_with.
// Batch failures are logged and skipped.
func (d *RedundancyDetector) Detect(ctx context.Context, root *Node) error {
	leaves := Leaves(root)
	byID := make(map[string]*Node, len(leaves))
	for _, leaf := range leaves {
		byID[leaf.ID] = leaf
	}

	for start := 0; start < len(leaves); start += redundancyBatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + redundancyBatchSize
		if end > len(leaves) {
			end = len(leaves)
		}
		batch := leaves[start:end]
		if len(batch) < 2 {
			continue
		}

		reports, err := d.detectBatch(ctx, batch)
		if err != nil {
			d.logger.Error("redundancy batch %d failed: %v", start/redundancyBatchSize, err)
			continue
		}
		for _, report := range reports {
			if report.Score < applyThreshold {
				continue
			}
			applyOverlap(byID[report.A], report.B, report.Score, report.Detail)
			applyOverlap(byID[report.B], report.A, report.Score, report.Detail)
		}
	}
	return nil
}

func applyOverlap(leaf *Node, otherID string, score int, detail string) {
	if leaf == nil {
		return
	}
	analysis := leaf.EnsureAnalysis()
	if score > analysis.Redundancy.Score {
		analysis.Redundancy.Score = score
		analysis.Redundancy.Detail = detail
	}
	if !containsString(analysis.Redundancy.OverlapsWith, otherID) {
		analysis.Redundancy.OverlapsWith = append(analysis.Redundancy.OverlapsWith, otherID)
	}
}

func (d *RedundancyDetector) detectBatch(ctx context.Context, batch []*Node) ([]overlapReport, error) {
	docs := make([]map[string]string, 0, len(batch))
	for _, leaf := range batch {
		docs = append(docs, map[string]string{
			"id":      leaf.ID,
			"name":    leaf.Name,
			"content": clip(leaf.Desc, 2000),
		})
	}
	payload, err := json.Marshal(docs)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.Complete(ctx, llm.Request{
		System:    redundancyPrompt,
		Messages:  []llm.Message{{Role: "user", Content: string(payload)}},
		MaxTokens: 2000,
	})
	if err != nil {
		return nil, err
	}

	var reports []overlapReport
	for _, line := range strings.Split(resp.Content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var report overlapReport
		if err := json.Unmarshal([]byte(line), &report); err != nil {
			d.logger.Debug("skipping unparseable overlap line: %v", err)
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
