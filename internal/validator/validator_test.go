package validator

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/halcyonlabs/specforge/internal/domain"
	"github.com/halcyonlabs/specforge/internal/oracle"
	"go.uber.org/zap"
)

// scriptedOracle returns canned judge verdicts in order.
type scriptedOracle struct {
	verdicts []oracle.JudgeResponse
	calls    int
}

func (s *scriptedOracle) ScoreAlignment(context.Context, oracle.AlignmentRequest) (*oracle.AlignmentResponse, error) {
	return &oracle.AlignmentResponse{Score: 1, Confidence: 1}, nil
}

func (s *scriptedOracle) Judge(context.Context, oracle.JudgeRequest) (*oracle.JudgeResponse, error) {
	v := s.verdicts[s.calls%len(s.verdicts)]
	s.calls++
	return &v, nil
}

func (s *scriptedOracle) CompareWork(context.Context, oracle.CompareRequest) (*oracle.CompareResponse, error) {
	return &oracle.CompareResponse{Confidence: 1}, nil
}

type scriptedRunner struct {
	passed bool
	output string
	runs   int
}

func (r *scriptedRunner) Run(context.Context, string) (bool, string, error) {
	r.runs++
	return r.passed, r.output, nil
}

func sampleTask(criteria ...domain.Criterion) domain.Task {
	return domain.Task{
		ID:          uuid.New(),
		SpecID:      uuid.New(),
		Description: "add retry logic to the payment client",
		Criteria:    criteria,
	}
}

func sampleArtifact(files ...string) *domain.Artifact {
	return &domain.Artifact{
		Branch: "task/payment-retries",
		Diff:   "+func retry() {}",
		Files:  files,
	}
}

func TestFileExistsCriterion(t *testing.T) {
	v := New(&scriptedOracle{verdicts: []oracle.JudgeResponse{{Passed: true, Confidence: 1}}}, nil, Config{}, zap.NewNop())
	task := sampleTask(domain.Criterion{ID: "c1", Kind: domain.CriterionFileExists, Target: "client/retry.go"})

	res, err := v.Validate(context.Background(), task, sampleArtifact("client/retry.go"))
	if err != nil || !res.Passed {
		t.Fatalf("Validate with present file = %+v, %v", res, err)
	}

	res, err = v.Validate(context.Background(), task, sampleArtifact("client/other.go"))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Passed || len(res.Reasons) != 1 {
		t.Fatalf("missing file must fail with one reason, got %+v", res)
	}
	if !strings.Contains(res.Reasons[0], "client/retry.go") {
		t.Fatalf("reason should name the missing file: %q", res.Reasons[0])
	}
}

func TestTestsPassDelegatesToRunner(t *testing.T) {
	runner := &scriptedRunner{passed: false, output: "FAIL: TestRetry"}
	v := New(&scriptedOracle{verdicts: []oracle.JudgeResponse{{Passed: true, Confidence: 1}}}, runner, Config{}, zap.NewNop())
	task := sampleTask(domain.Criterion{ID: "c1", Kind: domain.CriterionTestsPass})

	res, err := v.Validate(context.Background(), task, sampleArtifact("client/retry.go"))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Passed {
		t.Fatal("failing test run must fail validation")
	}
	if runner.runs != 1 {
		t.Fatalf("runner runs = %d, want 1", runner.runs)
	}
	if !strings.Contains(res.Reasons[0], "FAIL: TestRetry") {
		t.Fatalf("reason should carry test output: %q", res.Reasons[0])
	}
}

func TestJudgedCriterionFailureCarriesReason(t *testing.T) {
	o := &scriptedOracle{verdicts: []oracle.JudgeResponse{
		{Passed: false, Confidence: 0.9, Reason: "retry loop never backs off"},
	}}
	v := New(o, nil, Config{}, zap.NewNop())
	task := sampleTask(domain.Criterion{ID: "c1", Kind: domain.CriterionJudged, Description: "retries use exponential backoff"})

	res, err := v.Validate(context.Background(), task, sampleArtifact())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Passed {
		t.Fatal("failed judgment must fail validation")
	}
	if !strings.Contains(res.Reasons[0], "never backs off") {
		t.Fatalf("reason should carry the oracle's explanation: %q", res.Reasons[0])
	}
}

func TestLowConfidenceVerdictRetriedThenInconclusive(t *testing.T) {
	// A single low-confidence verdict is re-asked; two in a row are
	// inconclusive, which is a retryable failure, not acceptance.
	o := &scriptedOracle{verdicts: []oracle.JudgeResponse{
		{Passed: true, Confidence: 0.2},
		{Passed: true, Confidence: 0.3},
	}}
	v := New(o, nil, Config{}, zap.NewNop())
	task := sampleTask(domain.Criterion{ID: "c1", Kind: domain.CriterionJudged})

	res, err := v.Validate(context.Background(), task, sampleArtifact())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Passed {
		t.Fatal("inconclusive verdicts must not pass")
	}
	if o.calls != 2 {
		t.Fatalf("oracle calls = %d, want a single re-ask", o.calls)
	}
	if !strings.Contains(res.Reasons[0], "inconclusive") {
		t.Fatalf("reason = %q, want inconclusive marker", res.Reasons[0])
	}
}

func TestLowConfidenceRecoversOnSecondAsk(t *testing.T) {
	o := &scriptedOracle{verdicts: []oracle.JudgeResponse{
		{Passed: true, Confidence: 0.2},
		{Passed: true, Confidence: 0.9},
	}}
	v := New(o, nil, Config{}, zap.NewNop())
	task := sampleTask(domain.Criterion{ID: "c1", Kind: domain.CriterionJudged})

	res, err := v.Validate(context.Background(), task, sampleArtifact())
	if err != nil || !res.Passed {
		t.Fatalf("Validate = %+v, %v; want pass after confident re-ask", res, err)
	}
}

func TestMissingArtifactFails(t *testing.T) {
	v := New(&scriptedOracle{verdicts: []oracle.JudgeResponse{{Passed: true, Confidence: 1}}}, nil, Config{}, zap.NewNop())
	res, err := v.Validate(context.Background(), sampleTask(), nil)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Passed {
		t.Fatal("nil artifact must not validate")
	}
}

func TestNoCriteriaAccepts(t *testing.T) {
	v := New(&scriptedOracle{verdicts: []oracle.JudgeResponse{{Passed: false, Confidence: 1}}}, nil, Config{}, zap.NewNop())
	res, err := v.Validate(context.Background(), sampleTask(), sampleArtifact("a.go"))
	if err != nil || !res.Passed {
		t.Fatalf("Validate without criteria = %+v, %v", res, err)
	}
}

func TestTruncateKeepsRuneBoundaries(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"short output", 500, "short output"},
		{"abcdef", 3, "abc..."},
		{"héllo", 2, "h..."}, // cut lands inside the two-byte rune
	}
	for _, c := range cases {
		got := truncate(c.in, c.n)
		if got != c.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", c.in, c.n, got, c.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d) produced invalid UTF-8: %q", c.in, c.n, got)
		}
	}
}
