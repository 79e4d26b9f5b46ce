package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Oracle is the LLM judging boundary. Every answer is a typed,
// schema-validated result with a confidence field; callers must treat
// low-confidence answers as advisory, never as grounds for an
// irreversible action on their own.
type Oracle interface {
	ScoreAlignment(ctx context.Context, req AlignmentRequest) (*AlignmentResponse, error)
	Judge(ctx context.Context, req JudgeRequest) (*JudgeResponse, error)
	CompareWork(ctx context.Context, req CompareRequest) (*CompareResponse, error)
}

// AlignmentRequest asks how well an attempt's trajectory matches its goal.
type AlignmentRequest struct {
	TaskDescription string   `json:"task_description"`
	Constraints     []string `json:"constraints"`
	Progress        string   `json:"progress"`
	TouchedFiles    []string `json:"touched_files"`
}

// AlignmentResponse is the oracle's alignment verdict.
type AlignmentResponse struct {
	Score      float64  `json:"score"`      // [0,1]
	Confidence float64  `json:"confidence"` // [0,1]
	Violations []string `json:"violations,omitempty"`
	Rationale  string   `json:"rationale,omitempty"`
}

func (r *AlignmentResponse) validate() error {
	if r.Score < 0 || r.Score > 1 {
		return fmt.Errorf("alignment score %f out of [0,1]", r.Score)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %f out of [0,1]", r.Confidence)
	}
	return nil
}

// JudgeRequest asks whether an artifact satisfies one acceptance criterion.
type JudgeRequest struct {
	Criterion   string `json:"criterion"`
	Description string `json:"description"`
	Diff        string `json:"diff"`
}

// JudgeResponse is the oracle's pass/fail verdict for one criterion.
type JudgeResponse struct {
	Passed     bool    `json:"passed"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

func (r *JudgeResponse) validate() error {
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %f out of [0,1]", r.Confidence)
	}
	return nil
}

// CompareRequest asks whether two work descriptions target the same outcome.
type CompareRequest struct {
	WorkA string `json:"work_a"`
	WorkB string `json:"work_b"`
}

// CompareResponse is the oracle's duplicate-work verdict.
type CompareResponse struct {
	IsDuplicate bool    `json:"is_duplicate"`
	Similarity  float64 `json:"similarity"`
	Confidence  float64 `json:"confidence"`
	Description string  `json:"description,omitempty"`
}

func (r *CompareResponse) validate() error {
	if r.Similarity < 0 || r.Similarity > 1 {
		return fmt.Errorf("similarity %f out of [0,1]", r.Similarity)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %f out of [0,1]", r.Confidence)
	}
	return nil
}

// decodeJSON strips optional markdown fences and unmarshals strictly.
func decodeJSON(raw string, out interface{}) error {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("oracle returned malformed JSON: %w", err)
	}
	return nil
}
