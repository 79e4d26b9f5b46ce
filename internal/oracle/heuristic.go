package oracle

import (
	"context"
	"math"
	"strings"
)

// Heuristic is a deterministic, offline Oracle. It answers from keyword
// overlap so the engine keeps functioning (and tests stay reproducible)
// when no LLM endpoint is configured. Confidence is capped low so its
// verdicts never cross the irreversible-action thresholds alone.
type Heuristic struct{}

// NewHeuristic creates the offline oracle.
func NewHeuristic() *Heuristic { return &Heuristic{} }

const heuristicConfidence = 0.4

// ScoreAlignment scores from progress/task keyword overlap, with an
// explicit violation scan over the constraint list.
func (h *Heuristic) ScoreAlignment(_ context.Context, req AlignmentRequest) (*AlignmentResponse, error) {
	score := keywordOverlap(req.TaskDescription, req.Progress)
	if req.Progress == "" {
		score = 0.5 // no signal either way
	}

	var violations []string
	progress := strings.ToLower(req.Progress)
	for _, c := range req.Constraints {
		// "do not X" constraints: flag when X shows up in the progress.
		lc := strings.ToLower(c)
		for _, marker := range []string{"do not ", "don't ", "never ", "avoid "} {
			if rest, ok := strings.CutPrefix(lc, marker); ok {
				if kw := firstToken(rest); kw != "" && strings.Contains(progress, kw) {
					violations = append(violations, c)
				}
			}
		}
	}
	if len(violations) > 0 {
		score = math.Max(0, score-0.3*float64(len(violations)))
	}

	return &AlignmentResponse{
		Score:      clamp01(score),
		Confidence: heuristicConfidence,
		Violations: violations,
		Rationale:  "keyword-overlap estimate (offline oracle)",
	}, nil
}

// Judge passes a criterion when its keywords appear in the diff.
func (h *Heuristic) Judge(_ context.Context, req JudgeRequest) (*JudgeResponse, error) {
	overlap := keywordOverlap(req.Criterion, req.Diff)
	return &JudgeResponse{
		Passed:     overlap >= 0.3,
		Confidence: heuristicConfidence,
		Reason:     "keyword-overlap estimate (offline oracle)",
	}, nil
}

// CompareWork flags duplicates on high mutual keyword overlap.
func (h *Heuristic) CompareWork(_ context.Context, req CompareRequest) (*CompareResponse, error) {
	sim := keywordOverlap(req.WorkA, req.WorkB)
	return &CompareResponse{
		IsDuplicate: sim >= 0.85,
		Similarity:  sim,
		Confidence:  heuristicConfidence,
		Description: "keyword-overlap estimate (offline oracle)",
	}, nil
}

// keywordOverlap is a symmetric Jaccard over word tokens.
func keywordOverlap(a, b string) float64 {
	ta, tb := tokenSet(a), tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for w := range ta {
		if tb[w] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func tokenSet(text string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-')
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		if len(f) > 1 {
			set[f] = true
		}
	}
	return set
}

func firstToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[0], ".,;:")
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
