package evolution

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clawinfra/skillmesh/internal/model"
	"github.com/clawinfra/skillmesh/internal/registry"
)

const testSkill = "web_translate"

const baseScript = `output = "hello"
`

const goodDiff = `--- a/web_translate/SKILL.star
+++ b/web_translate/SKILL.star
@@ -1 +1 @@
-output = "hello"
+output = "translated"
`

const secretDiff = `--- a/web_translate/SKILL.star
+++ b/web_translate/SKILL.star
@@ -1 +1 @@
-output = "hello"
+api_key = "sk_live_ABCDEF1234567890"
`

func wrapDiff(diff string) string {
	return "Here is the change.\n```diff\n" + diff + "```\nAdds web translation output.\n"
}

type mockProvider struct {
	mu        sync.Mutex
	responses []string
	calls     int
	prompts   []string
}

func (m *mockProvider) Generate(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, prompt)
	i := m.calls
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	}
	m.calls++
	return m.responses[i], nil
}

type mockTester struct {
	mu      sync.Mutex
	results []model.ShadowTestResult
	errs    []error
	calls   int
}

func (m *mockTester) ExecuteTests(ctx context.Context, skillName, diff string) (model.ShadowTestResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	if i < len(m.errs) && m.errs[i] != nil {
		return model.ShadowTestResult{}, m.errs[i]
	}
	if i >= len(m.results) {
		i = len(m.results) - 1
	}
	return m.results[i], nil
}

func passResult() model.ShadowTestResult {
	return model.ShadowTestResult{Passed: true, TestCasesRun: 1, TestCasesPassed: 1, TestedAt: time.Now().UTC()}
}

type stubExecutor struct {
	mu        sync.Mutex
	failFirst int
	calls     int
}

func (e *stubExecutor) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.calls <= e.failFirst {
		return nil, errors.New("boom")
	}
	return map[string]any{"ok": true}, nil
}

func (e *stubExecutor) HealthCheck(ctx context.Context) (bool, error) { return true, nil }
func (e *stubExecutor) Shutdown(ctx context.Context) error            { return nil }

type testEnv struct {
	svc  *Service
	reg  *registry.Registry
	exec *stubExecutor
	dir  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	skillDir := filepath.Join(dir, "skills", testSkill)
	if err := os.MkdirAll(skillDir, 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(skillDir, "SKILL.star"), []byte(baseScript), 0640); err != nil {
		t.Fatal(err)
	}

	reg, err := registry.New(filepath.Join(dir, "capability_registry"))
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	exec := &stubExecutor{}
	factory := func(skillName, scriptPath string) registry.Executor { return exec }

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	svc, err := NewService(dir, filepath.Join(dir, "skills"), reg, factory, Options{MaxAttempts: 3}, logger)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	return &testEnv{svc: svc, reg: reg, exec: exec, dir: dir}
}

func TestManualEvolutionHappyPath(t *testing.T) {
	env := newTestEnv(t)
	llm := &mockProvider{responses: []string{wrapDiff(goodDiff)}}
	tests := &mockTester{results: []model.ShadowTestResult{passResult()}}

	id, err := env.svc.TriggerManualEvolution(testSkill, "add web translation")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	completed, err := env.svc.RunPendingEvolutions(context.Background(), llm, tests)
	if err != nil {
		t.Fatalf("RunPendingEvolutions: %v", err)
	}
	if len(completed) != 1 || completed[0] != id {
		t.Fatalf("completed = %v, want [%s]", completed, id)
	}

	rec, err := env.svc.GetRecord(id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != model.StateCompleted {
		t.Errorf("state = %s, want completed", rec.State)
	}
	if rec.Patch == nil || !strings.Contains(rec.Patch.Diff, "translated") {
		t.Errorf("patch missing or wrong: %+v", rec.Patch)
	}
	if rec.Audit == nil || !rec.Audit.Passed {
		t.Errorf("audit = %+v, want passed", rec.Audit)
	}
	if rec.ShadowTest == nil || rec.ShadowTest.TestCasesPassed != 1 {
		t.Errorf("shadow test = %+v, want 1/1", rec.ShadowTest)
	}
	if rec.Rollout == nil || len(rec.Rollout.Stages) != 3 || rec.Rollout.Stages[0].Percentage != 10 {
		t.Errorf("rollout = %+v, want 3 stages starting at 10%%", rec.Rollout)
	}

	// The patch was deployed in place.
	data, err := os.ReadFile(filepath.Join(env.dir, "skills", testSkill, "SKILL.star"))
	if err != nil || !strings.Contains(string(data), "translated") {
		t.Errorf("deployed script = %q, %v", data, err)
	}

	// The capability entered shadow stage, not Active.
	capID := capabilityID(testSkill)
	d, ok := env.reg.GetDescriptor(capID)
	if !ok {
		t.Fatal("capability not registered")
	}
	if d.Status.Kind != model.StatusAvailable {
		t.Errorf("capability status = %s, want available (shadow)", d.Status.Kind)
	}

	// Five clean calls promote it.
	for range 5 {
		if _, err := env.reg.Execute(context.Background(), capID, map[string]any{"input": "hi"}); err != nil {
			t.Fatalf("execute: %v", err)
		}
	}
	d, _ = env.reg.GetDescriptor(capID)
	if d.Status.Kind != model.StatusActive {
		t.Errorf("capability status after canary = %s, want active", d.Status.Kind)
	}
}

func TestAuditRejectsSecretThenFails(t *testing.T) {
	env := newTestEnv(t)
	llm := &mockProvider{responses: []string{wrapDiff(secretDiff)}}
	tests := &mockTester{results: []model.ShadowTestResult{passResult()}}

	id, err := env.svc.TriggerManualEvolution(testSkill, "add web translation")
	if err != nil {
		t.Fatal(err)
	}

	completed, err := env.svc.RunPendingEvolutions(context.Background(), llm, tests)
	if err != nil {
		t.Fatalf("RunPendingEvolutions: %v", err)
	}
	if len(completed) != 0 {
		t.Fatalf("completed = %v, want none", completed)
	}

	rec, _ := env.svc.GetRecord(id)
	if rec.State != model.StateFailed {
		t.Errorf("state = %s, want failed after retry exhaustion", rec.State)
	}
	var sawAuditFeedback bool
	for _, fb := range rec.FeedbackHistory {
		if strings.Contains(fb.Feedback, "audit failed") {
			sawAuditFeedback = true
		}
	}
	if !sawAuditFeedback {
		t.Errorf("feedback history %+v missing audit failure", rec.FeedbackHistory)
	}
	if rec.Audit == nil || rec.Audit.Passed {
		t.Errorf("audit = %+v, want failed", rec.Audit)
	}
}

func TestShadowTestFlakeRetrySucceeds(t *testing.T) {
	env := newTestEnv(t)
	llm := &mockProvider{responses: []string{wrapDiff(goodDiff)}}
	tests := &mockTester{
		results: []model.ShadowTestResult{
			{Passed: false, TestCasesRun: 1, TestCasesPassed: 0, Errors: []string{"network timeout"}, TestedAt: time.Now().UTC()},
			passResult(),
		},
	}

	id, err := env.svc.TriggerManualEvolution(testSkill, "add web translation")
	if err != nil {
		t.Fatal(err)
	}

	completed, err := env.svc.RunPendingEvolutions(context.Background(), llm, tests)
	if err != nil {
		t.Fatalf("RunPendingEvolutions: %v", err)
	}
	if len(completed) != 1 {
		t.Fatalf("completed = %v, want the flaky record", completed)
	}

	rec, _ := env.svc.GetRecord(id)
	if rec.State != model.StateCompleted {
		t.Errorf("state = %s, want completed", rec.State)
	}
	if rec.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", rec.Attempt)
	}
	if len(rec.FeedbackHistory) != 2 {
		t.Errorf("feedback history = %+v, want 2 entries", rec.FeedbackHistory)
	}
	if !strings.Contains(rec.FeedbackHistory[0].Feedback, "network timeout") {
		t.Errorf("first feedback = %q, want the test error", rec.FeedbackHistory[0].Feedback)
	}

	// The retry prompt carried the feedback forward.
	lastPrompt := llm.prompts[len(llm.prompts)-1]
	if !strings.Contains(lastPrompt, "network timeout") {
		t.Errorf("retry prompt does not include prior feedback")
	}
}

func TestCanaryFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.exec.failFirst = 2
	llm := &mockProvider{responses: []string{wrapDiff(goodDiff)}}
	tests := &mockTester{results: []model.ShadowTestResult{passResult()}}

	id, err := env.svc.TriggerManualEvolution(testSkill, "add web translation")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.RunPendingEvolutions(context.Background(), llm, tests); err != nil {
		t.Fatal(err)
	}

	capID := capabilityID(testSkill)
	deployedVersion, _ := env.reg.GetDescriptor(capID)

	// Two failures in five calls: 40% error rate, over the 10% threshold.
	for range 5 {
		_, _ = env.reg.Execute(context.Background(), capID, map[string]any{"input": "hi"})
	}
	d, _ := env.reg.GetDescriptor(capID)
	if d.Status.Kind != model.StatusUnavailable || !strings.Contains(strings.ToLower(d.Status.Reason), "canary failed") {
		t.Fatalf("descriptor after canary = %+v, want unavailable with canary reason", d.Status)
	}

	rolledBack, err := env.svc.CheckRollbacks(context.Background())
	if err != nil {
		t.Fatalf("CheckRollbacks: %v", err)
	}
	if len(rolledBack) != 1 || rolledBack[0] != id {
		t.Fatalf("rolledBack = %v, want [%s]", rolledBack, id)
	}

	rec, _ := env.svc.GetRecord(id)
	if rec.State != model.StateRolledBack {
		t.Errorf("state = %s, want rolled_back", rec.State)
	}

	// Pre-patch artifact restored and re-bound at the prior version.
	data, _ := os.ReadFile(filepath.Join(env.dir, "skills", testSkill, "SKILL.star"))
	if string(data) != baseScript {
		t.Errorf("script = %q, want pre-patch content restored", data)
	}
	d, _ = env.reg.GetDescriptor(capID)
	if d.Status.Kind != model.StatusActive {
		t.Errorf("descriptor after rollback = %s, want active prior version", d.Status.Kind)
	}
	if d.Version == deployedVersion.Version {
		t.Errorf("version still %s, want the pre-patch version re-bound", d.Version)
	}
}

func TestDiffEscapingSkillDirectoryLoopsBack(t *testing.T) {
	env := newTestEnv(t)
	escaping := `--- a/other_skill/SKILL.star
+++ b/other_skill/SKILL.star
@@ -1 +1 @@
-x = 1
+x = 2
`
	llm := &mockProvider{responses: []string{wrapDiff(escaping)}}
	tests := &mockTester{results: []model.ShadowTestResult{passResult()}}

	id, err := env.svc.TriggerManualEvolution(testSkill, "bad patch")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.RunPendingEvolutions(context.Background(), llm, tests); err != nil {
		t.Fatal(err)
	}

	rec, _ := env.svc.GetRecord(id)
	if rec.State != model.StateFailed {
		t.Errorf("state = %s, want failed", rec.State)
	}
	if len(rec.FeedbackHistory) == 0 || !strings.Contains(rec.FeedbackHistory[0].Feedback, "escapes skill directory") {
		t.Errorf("feedback = %+v, want scope violation", rec.FeedbackHistory)
	}
}

func TestTerminalRecordIsImmutable(t *testing.T) {
	env := newTestEnv(t)
	llm := &mockProvider{responses: []string{wrapDiff(goodDiff)}}
	tests := &mockTester{results: []model.ShadowTestResult{passResult()}}

	id, _ := env.svc.TriggerManualEvolution(testSkill, "add web translation")
	if _, err := env.svc.RunPendingEvolutions(context.Background(), llm, tests); err != nil {
		t.Fatal(err)
	}

	before, _ := env.svc.GetRecord(id)
	state, changed, err := env.svc.Advance(context.Background(), id, llm, tests)
	if err != nil {
		t.Fatal(err)
	}
	if changed || state != model.StateCompleted {
		t.Errorf("Advance on terminal record: state=%s changed=%v", state, changed)
	}
	after, _ := env.svc.GetRecord(id)
	if after.UpdatedAt != before.UpdatedAt || after.Attempt != before.Attempt {
		t.Errorf("terminal record mutated: %+v vs %+v", before, after)
	}
}

func TestValidationErrors(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.svc.TriggerManualEvolution("", "x"); err == nil {
		t.Error("empty skill name accepted")
	}
	if _, err := env.svc.TriggerManualEvolution(testSkill, " "); err == nil {
		t.Error("empty description accepted")
	}
	var verr *model.ValidationError
	_, err := env.svc.TriggerAutoEvolution(testSkill, model.Trigger{Kind: model.TriggerManualRequest}, "")
	if !errors.As(err, &verr) {
		t.Errorf("manual trigger via auto path = %v, want ValidationError", err)
	}
}

func TestRecordsSurviveRestart(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.svc.TriggerManualEvolution(testSkill, "add web translation")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.svc.Close(); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	svc2, err := NewService(env.dir, filepath.Join(env.dir, "skills"), env.reg,
		func(string, string) registry.Executor { return env.exec }, Options{}, logger)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer svc2.Close()

	rec, err := svc2.GetRecord(id)
	if err != nil {
		t.Fatalf("record lost across restart: %v", err)
	}
	if rec.State != model.StateTriggered || rec.SkillName != testSkill {
		t.Errorf("reloaded record = %+v", rec)
	}
}

func TestProviderTimeoutFeedback(t *testing.T) {
	env := newTestEnv(t)
	env.svc.opts.ProviderTimeout = 10 * time.Millisecond
	slow := providerFunc(func(ctx context.Context, prompt string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	tests := &mockTester{results: []model.ShadowTestResult{passResult()}}

	id, _ := env.svc.TriggerManualEvolution(testSkill, "add web translation")
	if _, err := env.svc.RunPendingEvolutions(context.Background(), slow, tests); err != nil {
		t.Fatal(err)
	}

	rec, _ := env.svc.GetRecord(id)
	if rec.State != model.StateFailed {
		t.Errorf("state = %s, want failed", rec.State)
	}
	if len(rec.FeedbackHistory) == 0 || !strings.Contains(rec.FeedbackHistory[0].Feedback, "timeout at generating") {
		t.Errorf("feedback = %+v, want timeout at generating", rec.FeedbackHistory)
	}
}

type providerFunc func(ctx context.Context, prompt string) (string, error)

func (f providerFunc) Generate(ctx context.Context, prompt string) (string, error) { return f(ctx, prompt) }
