package validator

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/halcyonlabs/specforge/internal/domain"
	"github.com/halcyonlabs/specforge/internal/oracle"
	"go.uber.org/zap"
)

// Runner executes a task's test suite against a branch. External
// collaborator (CI or sandbox re-run); nil means tests_pass criteria
// fall back to the oracle's judgment of the diff.
type Runner interface {
	Run(ctx context.Context, branch string) (passed bool, output string, err error)
}

// Config tunes validation.
type Config struct {
	MaxRetries      int     // validation failures before the task fails terminally
	ConfidenceFloor float64 // oracle verdicts below this are inconclusive
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.ConfidenceFloor <= 0 {
		c.ConfidenceFloor = 0.5
	}
	return c
}

// Result is the structured outcome of validating one attempt.
type Result struct {
	Passed  bool     `json:"passed"`
	Reasons []string `json:"reasons,omitempty"`
}

// Validator checks a completed attempt's artifact against the task's
// acceptance criteria. It is a separate judge from the execution that
// produced the artifact: the agent's own claims are never evidence.
type Validator struct {
	oracle oracle.Oracle
	runner Runner
	cfg    Config
	logger *zap.Logger
}

// New creates a validator.
func New(o oracle.Oracle, runner Runner, cfg Config, logger *zap.Logger) *Validator {
	return &Validator{
		oracle: o,
		runner: runner,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// MaxRetries exposes the configured retry budget to the retry policy.
func (v *Validator) MaxRetries() int { return v.cfg.MaxRetries }

// Validate checks every criterion and returns pass/fail plus structured
// reasons. Reasons feed the next dispatch as retry context.
func (v *Validator) Validate(ctx context.Context, task domain.Task, artifact *domain.Artifact) (Result, error) {
	if artifact == nil {
		return Result{Reasons: []string{"attempt produced no artifact"}}, nil
	}
	if len(task.Criteria) == 0 {
		// Nothing machine-checkable; accept the artifact as-is.
		return Result{Passed: true}, nil
	}

	var reasons []string
	for _, c := range task.Criteria {
		ok, reason, err := v.check(ctx, task, artifact, c)
		if err != nil {
			return Result{}, fmt.Errorf("criterion %s: %w", c.ID, err)
		}
		if !ok {
			reasons = append(reasons, fmt.Sprintf("criterion %s: %s", c.ID, reason))
		}
	}

	res := Result{Passed: len(reasons) == 0, Reasons: reasons}
	v.logger.Info("validation finished",
		zap.String("task", task.ID.String()),
		zap.Bool("passed", res.Passed),
		zap.Int("failed_criteria", len(reasons)))
	return res, nil
}

func (v *Validator) check(ctx context.Context, task domain.Task, artifact *domain.Artifact, c domain.Criterion) (bool, string, error) {
	switch c.Kind {
	case domain.CriterionFileExists:
		for _, f := range artifact.Files {
			if f == c.Target {
				return true, "", nil
			}
		}
		return false, fmt.Sprintf("expected file %s missing from artifact", c.Target), nil

	case domain.CriterionTestsPass:
		if v.runner != nil {
			passed, output, err := v.runner.Run(ctx, artifact.Branch)
			if err != nil {
				return false, "", fmt.Errorf("test run: %w", err)
			}
			if !passed {
				return false, "tests failed: " + truncate(output, 500), nil
			}
			return true, "", nil
		}
		return v.judge(ctx, task, artifact, c)

	case domain.CriterionJudged:
		return v.judge(ctx, task, artifact, c)

	default:
		return false, fmt.Sprintf("unknown criterion kind %q", c.Kind), nil
	}
}

// judge asks the oracle for a verdict, retrying once when confidence is
// below the floor. An inconclusive verdict counts as not-passed, which
// only ever triggers a bounded retry, never a terminal failure on its own.
func (v *Validator) judge(ctx context.Context, task domain.Task, artifact *domain.Artifact, c domain.Criterion) (bool, string, error) {
	req := oracle.JudgeRequest{
		Criterion:   c.Description,
		Description: task.Description,
		Diff:        artifact.Diff,
	}
	resp, err := v.oracle.Judge(ctx, req)
	if err != nil {
		return false, "", err
	}
	if resp.Confidence < v.cfg.ConfidenceFloor {
		resp, err = v.oracle.Judge(ctx, req)
		if err != nil {
			return false, "", err
		}
		if resp.Confidence < v.cfg.ConfidenceFloor {
			return false, fmt.Sprintf("inconclusive verdict (confidence %.2f): %s", resp.Confidence, resp.Reason), nil
		}
	}
	if !resp.Passed {
		return false, resp.Reason, nil
	}
	return true, "", nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
