// Package evolution drives a skill-evolution trigger through the full
// pipeline: generate a patch, audit it, dry-run it, shadow-test it, roll
// it out behind the registry's canary, and commit or roll back. Every
// state transition is persisted before any external side effect, so the
// on-disk records reconstruct in-progress evolutions after a restart.
package evolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/skillmesh/internal/model"
	"github.com/clawinfra/skillmesh/internal/registry"
)

// ShadowTestExecutor runs a patched skill's tests in isolation. A
// minimal implementation may assume pass; a full one builds and tests in
// a sandbox.
type ShadowTestExecutor interface {
	ExecuteTests(ctx context.Context, skillName, diff string) (model.ShadowTestResult, error)
}

// Provider is the narrow LLM contract the generate stage needs.
type Provider interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ExecutorFactory builds the registry executor for a skill's patched
// artifact. It exists so the caller decides how evolved skills run (in
// the default wiring, through the dispatcher); tests substitute a stub.
type ExecutorFactory func(skillName, scriptPath string) registry.Executor

// Options tunes the service. Zero values fall back to defaults.
type Options struct {
	MaxAttempts     int
	ProviderTimeout time.Duration
	TestTimeout     time.Duration
	MaxParallel     int
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.ProviderTimeout <= 0 {
		o.ProviderTimeout = 2 * time.Minute
	}
	if o.TestTimeout <= 0 {
		o.TestTimeout = 5 * time.Minute
	}
	if o.MaxParallel <= 0 {
		o.MaxParallel = 4
	}
	return o
}

// Service owns every evolution record. Records progress strictly
// sequentially per id; distinct records may progress in parallel.
type Service struct {
	dataDir     string
	skillsDir   string
	logger      *slog.Logger
	registry    *registry.Registry
	newExecutor ExecutorFactory
	opts        Options

	store    *store
	firewall *EvolutionFirewall

	mu      sync.RWMutex
	records map[string]*model.EvolutionRecord
	locks   sync.Map // record id -> *sync.Mutex
}

// NewService opens the record store under dataDir and loads any records
// persisted by a prior run.
func NewService(dataDir, skillsDir string, reg *registry.Registry, factory ExecutorFactory, opts Options, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	st, err := newStore(dataDir)
	if err != nil {
		return nil, err
	}
	records, err := st.loadAll()
	if err != nil {
		return nil, err
	}

	fw := NewEvolutionFirewall(DefaultFirewallConfig())
	if err := fw.Snapshots.Load(dataDir); err != nil {
		return nil, &model.PersistenceError{Op: "load snapshots", Path: dataDir, Err: err}
	}

	s := &Service{
		dataDir:     dataDir,
		skillsDir:   skillsDir,
		logger:      logger,
		registry:    reg,
		newExecutor: factory,
		opts:        opts.withDefaults(),
		store:       st,
		firewall:    fw,
		records:     records,
	}
	if len(records) > 0 {
		logger.Info("loaded evolution records", "count", len(records))
	}
	return s, nil
}

// Close releases the record store.
func (s *Service) Close() error {
	return s.store.close()
}

func (s *Service) lockFor(id string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// TriggerManualEvolution creates a Triggered record for an operator's
// request and returns its id.
func (s *Service) TriggerManualEvolution(skillName, description string) (string, error) {
	if strings.TrimSpace(description) == "" {
		return "", &model.ValidationError{Field: "description", Reason: "must not be empty"}
	}
	return s.trigger(skillName, model.Trigger{
		Kind:        model.TriggerManualRequest,
		Description: description,
	}, "")
}

// TriggerAutoEvolution creates a Triggered record for a non-manual
// trigger (execution errors, degradation, API change) and returns its id.
func (s *Service) TriggerAutoEvolution(skillName string, trigger model.Trigger, errorStack string) (string, error) {
	if trigger.Kind == model.TriggerManualRequest {
		return "", &model.ValidationError{Field: "trigger", Reason: "manual requests go through TriggerManualEvolution"}
	}
	return s.trigger(skillName, trigger, errorStack)
}

func (s *Service) trigger(skillName string, trigger model.Trigger, errorStack string) (string, error) {
	if strings.TrimSpace(skillName) == "" {
		return "", &model.ValidationError{Field: "skill_name", Reason: "must not be empty"}
	}
	if allowed, reason := s.firewall.PreTriggerCheck(skillName); !allowed {
		return "", fmt.Errorf("evolution blocked for %s: %s", skillName, reason)
	}

	now := time.Now().UTC()
	rec := &model.EvolutionRecord{
		ID:          uuid.NewString(),
		SkillName:   skillName,
		State:       model.StateTriggered,
		Attempt:     1,
		MaxAttempts: s.opts.MaxAttempts,
		Context: model.EvolutionContext{
			Trigger:    trigger,
			ErrorStack: errorStack,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.save(rec); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.records[rec.ID] = rec
	s.mu.Unlock()

	s.logger.Info("evolution triggered", "id", rec.ID, "skill", skillName, "trigger", trigger.Kind)
	return rec.ID, nil
}

// GetRecord returns a copy of the record for id.
func (s *Service) GetRecord(id string) (model.EvolutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return model.EvolutionRecord{}, &model.NotFoundError{Kind: "evolution record", ID: id}
	}
	return *rec, nil
}

// ListRecords returns copies of every record, oldest first.
func (s *Service) ListRecords() []model.EvolutionRecord {
	s.mu.RLock()
	out := make([]model.EvolutionRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// RunPendingEvolutions drives every non-terminal record through the state
// machine until it reaches a terminal state or stops making progress
// (e.g. waiting on canary traffic), returning the ids that reached
// Completed during this pass.
func (s *Service) RunPendingEvolutions(ctx context.Context, llm Provider, tests ShadowTestExecutor) ([]string, error) {
	var pending []string
	for _, rec := range s.ListRecords() {
		if !rec.TerminalState() {
			pending = append(pending, rec.ID)
		}
	}

	var (
		resMu     sync.Mutex
		completed []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.MaxParallel)
	for _, id := range pending {
		g.Go(func() error {
			state, err := s.drive(gctx, id, llm, tests)
			if err != nil {
				return err
			}
			if state == model.StateCompleted {
				resMu.Lock()
				completed = append(completed, id)
				resMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return completed, err
	}
	return completed, nil
}

// drive advances one record step by step until it is terminal, stuck, or
// the context is cancelled. Cancellation is observed only at stage
// boundaries: an in-flight stage completes and is recorded first.
func (s *Service) drive(ctx context.Context, id string, llm Provider, tests ShadowTestExecutor) (model.EvolutionState, error) {
	for {
		state, changed, err := s.Advance(ctx, id, llm, tests)
		if err != nil || !changed {
			return state, err
		}
		if ctx.Err() != nil {
			return state, nil
		}
	}
}

// Advance performs at most one state transition on the record and
// persists it before any further side effect. It returns the record's
// state after the step and whether the step changed anything.
func (s *Service) Advance(ctx context.Context, id string, llm Provider, tests ShadowTestExecutor) (model.EvolutionState, bool, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return "", false, &model.NotFoundError{Kind: "evolution record", ID: id}
	}
	if rec.TerminalState() {
		return rec.State, false, nil
	}

	before := rec.State
	beforeAttempt := rec.Attempt
	var err error
	switch rec.State {
	case model.StateTriggered:
		err = s.transition(rec, model.StateGenerating)
	case model.StateGenerating:
		err = s.stepGenerate(ctx, rec, llm)
	case model.StateGenerated:
		err = s.transition(rec, model.StateAuditing)
	case model.StateAuditing:
		err = s.stepAudit(rec)
	case model.StateAuditPassed:
		err = s.stepDryRun(rec)
	case model.StateDryRunPassed:
		err = s.transition(rec, model.StateTesting)
	case model.StateTesting:
		err = s.stepTest(ctx, rec, tests)
	case model.StateTestPassed:
		err = s.stepBeginRollout(rec)
	case model.StateRollingOut:
		err = s.stepRollout(rec)
	case model.StateAuditFailed, model.StateDryRunFailed, model.StateTestFailed:
		// Retries remain, or TerminalState would have caught it above.
		rec.Attempt++
		rec.FeedbackHistory = append(rec.FeedbackHistory, model.FeedbackEntry{
			Attempt:  rec.Attempt,
			Stage:    rec.State,
			Feedback: "retrying after " + string(rec.State),
		})
		err = s.transition(rec, model.StateGenerating)
	default:
		return rec.State, false, &model.ValidationError{Field: "status", Reason: "unknown state " + string(rec.State)}
	}
	if err != nil {
		return rec.State, false, err
	}

	changed := rec.State != before || rec.Attempt != beforeAttempt
	if changed {
		s.logger.Info("evolution advanced", "id", rec.ID, "skill", rec.SkillName, "from", before, "to", rec.State, "attempt", rec.Attempt)
	}
	return rec.State, changed, nil
}

// transition is the commit point: the new state is durable before the
// caller performs any external side effect. Reaching Completed, Failed,
// or RolledBack also feeds the firewall's circuit breaker.
func (s *Service) transition(rec *model.EvolutionRecord, to model.EvolutionState) error {
	rec.State = to
	rec.UpdatedAt = time.Now().UTC()
	if err := s.store.save(rec); err != nil {
		return err
	}
	switch to {
	case model.StateCompleted:
		s.firewall.RecordOutcome(rec.SkillName, true)
	case model.StateFailed, model.StateRolledBack:
		s.firewall.RecordOutcome(rec.SkillName, false)
	}
	return nil
}

// failStage records feedback for the failing stage and moves the record
// into the stage's failure state.
func (s *Service) failStage(rec *model.EvolutionRecord, failState model.EvolutionState, feedback string) error {
	rec.FeedbackHistory = append(rec.FeedbackHistory, model.FeedbackEntry{
		Attempt:  rec.Attempt,
		Stage:    failState,
		Feedback: feedback,
	})
	return s.transition(rec, failState)
}

func (s *Service) readScript(skillName string) string {
	data, err := os.ReadFile(filepath.Join(s.skillsDir, skillName, "SKILL.star"))
	if err != nil {
		return ""
	}
	return string(data)
}

func stageFeedback(stage string, err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout at " + stage
	}
	return err.Error()
}

func (s *Service) stepGenerate(ctx context.Context, rec *model.EvolutionRecord, llm Provider) error {
	prompt := buildGenerationPrompt(rec, s.readScript(rec.SkillName))

	gctx, cancel := context.WithTimeout(ctx, s.opts.ProviderTimeout)
	response, err := llm.Generate(gctx, prompt)
	cancel()
	if err != nil {
		perr := &model.ProviderError{Op: "generate", Err: err}
		return s.generationFailure(rec, stageFeedback("generating", perr))
	}

	patch, err := parsePatch(response)
	if err != nil {
		return s.generationFailure(rec, err.Error())
	}
	if err := validateDiffScope(rec.SkillName, patch.Diff); err != nil {
		return s.generationFailure(rec, err.Error())
	}
	// A byte-identical regeneration is only an error when the prior
	// patch was rejected for its content; a test flake may legitimately
	// retry the same diff.
	if rec.Patch != nil && diffFingerprint(rec.Patch.Diff) == diffFingerprint(patch.Diff) &&
		lastRejectionWasContent(rec.FeedbackHistory) {
		return s.generationFailure(rec, "generator repeated a previously rejected patch")
	}

	rec.Patch = &patch
	return s.transition(rec, model.StateGenerated)
}

// lastRejectionWasContent reports whether the most recent stage failure
// in the feedback history rejected the patch's content (audit or dry
// run) rather than its runtime behaviour (shadow test).
func lastRejectionWasContent(history []model.FeedbackEntry) bool {
	for i := len(history) - 1; i >= 0; i-- {
		switch history[i].Stage {
		case model.StateAuditFailed, model.StateDryRunFailed:
			return true
		case model.StateTestFailed:
			return false
		}
	}
	return false
}

// generationFailure loops the record back for another attempt when
// retries remain; otherwise the record is terminally Failed.
func (s *Service) generationFailure(rec *model.EvolutionRecord, feedback string) error {
	rec.FeedbackHistory = append(rec.FeedbackHistory, model.FeedbackEntry{
		Attempt:  rec.Attempt,
		Stage:    model.StateGenerating,
		Feedback: feedback,
	})
	if rec.Attempt >= rec.MaxAttempts {
		return s.transition(rec, model.StateFailed)
	}
	rec.Attempt++
	rec.UpdatedAt = time.Now().UTC()
	return s.store.save(rec)
}

func (s *Service) stepAudit(rec *model.EvolutionRecord) error {
	audit := runAudit(rec.SkillName, rec.Patch.Diff)
	rec.Audit = &audit
	if audit.Passed {
		return s.transition(rec, model.StateAuditPassed)
	}

	detail := "audit failed"
	for _, issue := range audit.Issues {
		if issue.Severity == model.SeverityError {
			detail = "audit failed: " + issue.Message
			break
		}
	}
	return s.failStage(rec, model.StateAuditFailed, detail)
}

func (s *Service) stepDryRun(rec *model.EvolutionRecord) error {
	if err := runDryRun(s.skillsDir, rec.SkillName, rec.Patch.Diff); err != nil {
		return s.failStage(rec, model.StateDryRunFailed, "dry run failed: "+err.Error())
	}
	return s.transition(rec, model.StateDryRunPassed)
}

func (s *Service) stepTest(ctx context.Context, rec *model.EvolutionRecord, tests ShadowTestExecutor) error {
	tctx, cancel := context.WithTimeout(ctx, s.opts.TestTimeout)
	result, err := tests.ExecuteTests(tctx, rec.SkillName, rec.Patch.Diff)
	cancel()
	if err != nil {
		return s.failStage(rec, model.StateTestFailed, stageFeedback("testing", err))
	}

	rec.ShadowTest = &result
	if !result.Passed {
		detail := fmt.Sprintf("shadow test failed: %d/%d cases passed", result.TestCasesPassed, result.TestCasesRun)
		if len(result.Errors) > 0 {
			detail += ": " + strings.Join(result.Errors, "; ")
		}
		return s.failStage(rec, model.StateTestFailed, detail)
	}
	return s.transition(rec, model.StateTestPassed)
}

// defaultRolloutStages is the stable canary rollout plan every evolved
// skill starts with.
func defaultRolloutStages() []model.RolloutStage {
	return []model.RolloutStage{
		{Percentage: 10, DurationMinutes: 5, ErrorThreshold: 0.05},
		{Percentage: 50, DurationMinutes: 10, ErrorThreshold: 0.05},
		{Percentage: 100, DurationMinutes: 30, ErrorThreshold: 0.05},
	}
}

// stepBeginRollout persists the RollingOut status, then applies the patch
// to the live skill directory (snapshotting the pre-patch artifact first)
// and registers the patched skill with the registry in shadow stage.
func (s *Service) stepBeginRollout(rec *model.EvolutionRecord) error {
	rec.Rollout = &model.Rollout{Stages: defaultRolloutStages(), CurrentStage: 0}
	if err := s.transition(rec, model.StateRollingOut); err != nil {
		return err
	}

	if err := s.applyAndRegister(rec); err != nil {
		s.logger.Error("rollout deployment failed", "id", rec.ID, "skill", rec.SkillName, "error", err)
		return s.failStage(rec, model.StateFailed, "deploy failed: "+err.Error())
	}
	return nil
}

func capabilityID(skillName string) string {
	return "skill." + skillName
}

func (s *Service) applyAndRegister(rec *model.EvolutionRecord) error {
	capID := capabilityID(rec.SkillName)

	priorVersion := "0.1.0"
	if d, ok := s.registry.GetDescriptor(capID); ok {
		priorVersion = d.Version
	}

	// Snapshot every file the patch touches before applying in place, so
	// a canary failure can restore the pre-patch artifact.
	files := make(map[string]string)
	for _, p := range diffFilePaths(rec.Patch.Diff) {
		rel := normalizeDiffPath(p)
		src := filepath.Join(s.skillsDir, rel)
		data, err := os.ReadFile(src)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return &model.PersistenceError{Op: "snapshot read", Path: src, Err: err}
		}
		files[rel] = string(data)
	}
	if err := s.firewall.Snapshots.TakeSnapshot(rec.SkillName, priorVersion, files); err != nil {
		return &model.PersistenceError{Op: "take snapshot", Path: s.dataDir, Err: err}
	}
	if err := s.firewall.Snapshots.Save(s.dataDir); err != nil {
		return &model.PersistenceError{Op: "save snapshots", Path: s.dataDir, Err: err}
	}

	if err := applyUnifiedDiff(s.skillsDir, rec.SkillName, rec.Patch.Diff); err != nil {
		return err
	}

	scriptPath := filepath.Join(s.skillsDir, rec.SkillName, "SKILL.star")
	desc := model.NewCapabilityDescriptor(capID, rec.SkillName,
		"evolved skill "+rec.SkillName, model.CapabilityInternal, model.ProviderStarlark)
	desc.Version = bumpVersion(priorVersion)
	desc.ProviderPath = scriptPath
	s.registry.RegisterWithExecutor(desc, s.newExecutor(rec.SkillName, scriptPath))

	return s.registry.Save()
}

// stepRollout walks the canary rollout plan, consulting the registry's
// canary verdict between stages. A failed canary restores the pre-patch
// artifact and rolls the record back; otherwise the record commits.
func (s *Service) stepRollout(rec *model.EvolutionRecord) error {
	if s.canaryFailed(rec.SkillName) {
		return s.rollback(rec)
	}

	for rec.Rollout.CurrentStage < len(rec.Rollout.Stages) {
		rec.Rollout.CurrentStage++
		rec.UpdatedAt = time.Now().UTC()
		if err := s.store.save(rec); err != nil {
			return err
		}
		if s.canaryFailed(rec.SkillName) {
			return s.rollback(rec)
		}
	}
	return s.transition(rec, model.StateCompleted)
}

func (s *Service) canaryFailed(skillName string) bool {
	d, ok := s.registry.GetDescriptor(capabilityID(skillName))
	if !ok {
		return false
	}
	return d.Status.Kind == model.StatusUnavailable &&
		strings.HasPrefix(strings.ToLower(d.Status.Reason), "canary failed")
}

// CheckRollbacks scans Completed records for capabilities the registry
// has since demoted and rolls those records back, restoring the pre-patch
// artifact. It returns the ids transitioned to RolledBack. This polling
// direction keeps the registry unaware of evolution records.
func (s *Service) CheckRollbacks(ctx context.Context) ([]string, error) {
	ids, err := s.store.idsByState(model.StateCompleted)
	if err != nil {
		return nil, err
	}

	var rolledBack []string
	for _, id := range ids {
		if ctx.Err() != nil {
			return rolledBack, ctx.Err()
		}
		mu := s.lockFor(id)
		mu.Lock()
		s.mu.RLock()
		rec, ok := s.records[id]
		s.mu.RUnlock()
		if ok && rec.State == model.StateCompleted && s.canaryFailed(rec.SkillName) {
			if err := s.rollback(rec); err != nil {
				mu.Unlock()
				return rolledBack, err
			}
			rolledBack = append(rolledBack, id)
		}
		mu.Unlock()
	}
	return rolledBack, nil
}

// rollback restores the pre-patch files from the firewall's latest
// snapshot and re-binds the prior artifact's executor, then marks the
// record RolledBack.
func (s *Service) rollback(rec *model.EvolutionRecord) error {
	priorVersion := "0.1.0"
	if snap, err := s.firewall.Snapshots.Rollback(rec.SkillName); err == nil {
		for rel, content := range snap.Files {
			target := filepath.Join(s.skillsDir, rel)
			if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
				return &model.PersistenceError{Op: "restore mkdir", Path: target, Err: err}
			}
			if err := os.WriteFile(target, []byte(content), 0640); err != nil {
				return &model.PersistenceError{Op: "restore write", Path: target, Err: err}
			}
		}
		if snap.Version != "" {
			priorVersion = snap.Version
		}
	}

	capID := capabilityID(rec.SkillName)
	scriptPath := filepath.Join(s.skillsDir, rec.SkillName, "SKILL.star")
	if err := s.registry.ReplaceExecutor(capID, s.newExecutor(rec.SkillName, scriptPath), priorVersion); err != nil {
		var notFound *model.NotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
	}

	s.logger.Warn("evolution rolled back", "id", rec.ID, "skill", rec.SkillName, "restored_version", priorVersion)
	return s.transition(rec, model.StateRolledBack)
}

// bumpVersion increments the patch component of a semver-ish version
// string; anything unparsable restarts at 0.1.1.
func bumpVersion(v string) string {
	parts := strings.Split(v, ".")
	if len(parts) == 3 {
		if patch, err := strconv.Atoi(parts[2]); err == nil {
			return fmt.Sprintf("%s.%s.%d", parts[0], parts[1], patch+1)
		}
	}
	return "0.1.1"
}
