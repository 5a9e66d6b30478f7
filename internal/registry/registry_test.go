package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/clawinfra/skillmesh/internal/model"
)

type mockExecutor struct {
	fail bool
}

func (m *mockExecutor) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	if m.fail {
		return nil, errors.New("mock failure")
	}
	return map[string]any{"ok": true}, nil
}

func (m *mockExecutor) HealthCheck(ctx context.Context) (bool, error) { return true, nil }
func (m *mockExecutor) Shutdown(ctx context.Context) error            { return nil }

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRegisterAndList(t *testing.T) {
	r := newTestRegistry(t)
	d := model.NewCapabilityDescriptor("cap1", "Cap One", "a test capability", model.CapabilityInternal, model.ProviderBuiltIn)
	r.Register(d)

	all := r.ListAll()
	if len(all) != 1 || all[0].ID != "cap1" {
		t.Fatalf("ListAll = %+v, want one descriptor cap1", all)
	}

	got, ok := r.GetDescriptor("cap1")
	if !ok || got.ID != "cap1" {
		t.Fatalf("GetDescriptor(cap1) = %+v, %v", got, ok)
	}
}

func TestRegisterWithExecutorBuiltInGoesActive(t *testing.T) {
	r := newTestRegistry(t)
	d := model.NewCapabilityDescriptor("builtin1", "Built In", "builtin capability", model.CapabilityInternal, model.ProviderBuiltIn)
	r.RegisterWithExecutor(d, &mockExecutor{})

	got, _ := r.GetDescriptor("builtin1")
	if got.Status.Kind != model.StatusActive {
		t.Errorf("builtin descriptor status = %v, want Active", got.Status.Kind)
	}
}

func TestRegisterWithExecutorNonBuiltInStartsInShadow(t *testing.T) {
	r := newTestRegistry(t)
	d := model.NewCapabilityDescriptor("evolved1", "Evolved", "evolved capability", model.CapabilityInternal, model.ProviderProcess)
	r.RegisterWithExecutor(d, &mockExecutor{})

	got, _ := r.GetDescriptor("evolved1")
	if got.Status.Kind != model.StatusAvailable {
		t.Errorf("shadow descriptor status = %v, want Available (not yet promoted)", got.Status.Kind)
	}
}

func TestExecuteCanaryPromotesAfterMinCalls(t *testing.T) {
	r := newTestRegistry(t)
	d := model.NewCapabilityDescriptor("canary1", "Canary", "shadow capability", model.CapabilityInternal, model.ProviderProcess)
	r.RegisterWithExecutor(d, &mockExecutor{})

	for i := uint32(0); i < model.CanaryMinCalls; i++ {
		if _, err := r.Execute(context.Background(), "canary1", nil); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}

	got, _ := r.GetDescriptor("canary1")
	if got.Status.Kind != model.StatusActive {
		t.Errorf("status after clean canary run = %v, want Active", got.Status.Kind)
	}
}

func TestExecuteCanaryFailsOnHighErrorRate(t *testing.T) {
	r := newTestRegistry(t)
	d := model.NewCapabilityDescriptor("canary2", "Canary", "shadow capability", model.CapabilityInternal, model.ProviderProcess)
	r.RegisterWithExecutor(d, &mockExecutor{fail: true})

	for i := uint32(0); i < model.CanaryMinCalls; i++ {
		r.Execute(context.Background(), "canary2", nil)
	}

	got, _ := r.GetDescriptor("canary2")
	if got.Status.Kind != model.StatusUnavailable {
		t.Errorf("status after failing canary run = %v, want Unavailable", got.Status.Kind)
	}
}

func TestReplaceExecutor(t *testing.T) {
	r := newTestRegistry(t)
	d := model.NewCapabilityDescriptor("cap3", "Cap Three", "replaceable capability", model.CapabilityInternal, model.ProviderBuiltIn)
	r.RegisterWithExecutor(d, &mockExecutor{})

	if err := r.ReplaceExecutor("cap3", &mockExecutor{}, "0.2.0"); err != nil {
		t.Fatalf("ReplaceExecutor: %v", err)
	}

	got, _ := r.GetDescriptor("cap3")
	if got.Version != "0.2.0" || got.Status.Kind != model.StatusActive {
		t.Errorf("after replace = %+v, want version 0.2.0 and Active", got)
	}
}

func TestStats(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterWithExecutor(
		model.NewCapabilityDescriptor("a", "A", "a", model.CapabilityInternal, model.ProviderBuiltIn),
		&mockExecutor{})
	r.RegisterWithExecutor(
		model.NewCapabilityDescriptor("b", "B", "b", model.CapabilityInternal, model.ProviderProcess),
		&mockExecutor{})

	stats := r.Stats()
	if stats.Total != 2 {
		t.Errorf("Stats().Total = %d, want 2", stats.Total)
	}
	if stats.Active != 1 {
		t.Errorf("Stats().Active = %d, want 1", stats.Active)
	}
	if stats.Available != 1 {
		t.Errorf("Stats().Available = %d, want 1", stats.Available)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Register(model.NewCapabilityDescriptor("persisted", "Persisted", "saved capability", model.CapabilityExternal, model.ProviderScript))
	if err := r.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	r.Close()

	r2, err := New(dir)
	if err != nil {
		t.Fatalf("New (reopen): %v", err)
	}
	defer r2.Close()
	if err := r2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, ok := r2.GetDescriptor("persisted")
	if !ok || got.Description != "saved capability" {
		t.Fatalf("GetDescriptor after reload = %+v, %v", got, ok)
	}
}

func TestGenerateBriefGroupsByType(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterWithExecutor(
		model.NewCapabilityDescriptor("hw1", "Camera", "camera access", model.CapabilityHardware, model.ProviderBuiltIn),
		&mockExecutor{})
	brief := r.GenerateBrief()
	if brief == "" {
		t.Fatal("GenerateBrief returned empty string")
	}
}

func TestCanaryNoDecisionBelowMinCalls(t *testing.T) {
	r := newTestRegistry(t)
	d := model.NewCapabilityDescriptor("cap4", "Cap Four", "canary capability", model.CapabilityInternal, model.ProviderScript)
	r.RegisterWithExecutor(d, &mockExecutor{fail: true})

	// 1 error in 4 calls: below CANARY_MIN_CALLS, no decision yet.
	_, _ = r.Execute(context.Background(), "cap4", nil)
	failing, _ := r.GetExecutor("cap4")
	failing.(*mockExecutor).fail = false
	for i := 0; i < 3; i++ {
		_, _ = r.Execute(context.Background(), "cap4", nil)
	}

	got, _ := r.GetDescriptor("cap4")
	if got.Status.Kind != model.StatusAvailable {
		t.Errorf("status after 4 calls = %v, want still Available (shadow)", got.Status.Kind)
	}

	// The fifth call completes the window: 1/5 = 20% > 10%, demoted.
	_, _ = r.Execute(context.Background(), "cap4", nil)
	got, _ = r.GetDescriptor("cap4")
	if got.Status.Kind != model.StatusUnavailable {
		t.Errorf("status after 5 calls = %v, want Unavailable", got.Status.Kind)
	}
}

func TestCanaryZeroErrorsPromotes(t *testing.T) {
	r := newTestRegistry(t)
	d := model.NewCapabilityDescriptor("cap5", "Cap Five", "clean canary", model.CapabilityInternal, model.ProviderScript)
	r.RegisterWithExecutor(d, &mockExecutor{})

	for i := 0; i < 5; i++ {
		if _, err := r.Execute(context.Background(), "cap5", nil); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	got, _ := r.GetDescriptor("cap5")
	if got.Status.Kind != model.StatusActive {
		t.Errorf("status after clean canary = %v, want Active", got.Status.Kind)
	}
}

func TestExecuteMissingCapability(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Execute(context.Background(), "nope", nil)
	var notFound *model.NotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("err = %v, want NotFoundError", err)
	}
}

func TestUnloadRetiresCapability(t *testing.T) {
	r := newTestRegistry(t)
	d := model.NewCapabilityDescriptor("cap6", "Cap Six", "unloadable", model.CapabilityInternal, model.ProviderBuiltIn)
	r.RegisterWithExecutor(d, &mockExecutor{})

	if err := r.Unload("cap6"); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	got, _ := r.GetDescriptor("cap6")
	if got.Status.Kind != model.StatusUnavailable {
		t.Errorf("status = %v, want Unavailable", got.Status.Kind)
	}
	if _, ok := r.GetExecutor("cap6"); ok {
		t.Error("executor still bound after Unload")
	}
}

func TestRehydrateExecutors(t *testing.T) {
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "tool.py")
	if err := os.WriteFile(scriptPath, []byte("print('{}')\n"), 0o640); err != nil {
		t.Fatal(err)
	}

	r := newTestRegistry(t)
	withPath := model.NewCapabilityDescriptor("hydrate1", "Hydrate One", "scripted", model.CapabilityExternal, model.ProviderScript)
	withPath.ProviderPath = scriptPath
	r.Register(withPath)

	missing := model.NewCapabilityDescriptor("hydrate2", "Hydrate Two", "path gone", model.CapabilityExternal, model.ProviderScript)
	missing.ProviderPath = filepath.Join(dir, "absent.py")
	r.Register(missing)

	bound, skipped, err := r.RehydrateExecutors()
	if err != nil {
		t.Fatalf("RehydrateExecutors: %v", err)
	}
	if bound != 1 || skipped != 1 {
		t.Errorf("rehydrated bound=%d skipped=%d, want 1 and 1", bound, skipped)
	}
	if _, ok := r.GetExecutor("hydrate1"); !ok {
		t.Error("hydrate1 has no executor after rehydration")
	}
	if _, ok := r.GetExecutor("hydrate2"); ok {
		t.Error("hydrate2 bound an executor despite missing file")
	}
	got, _ := r.GetDescriptor("hydrate2")
	if got.Status.Kind == model.StatusActive {
		t.Error("hydrate2 marked Active without an executor")
	}
}

func TestHealthCheckAll(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterWithExecutor(
		model.NewCapabilityDescriptor("healthy", "Healthy", "fine", model.CapabilityInternal, model.ProviderBuiltIn),
		&mockExecutor{})

	results := r.HealthCheckAll(context.Background())
	if !results["healthy"] {
		t.Errorf("HealthCheckAll = %v, want healthy=true", results)
	}
}

func TestAvailableIDsByType(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterWithExecutor(
		model.NewCapabilityDescriptor("sys.cap", "Sys", "system capability", model.CapabilitySystem, model.ProviderBuiltIn),
		&mockExecutor{})
	if err := r.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	ids, err := r.AvailableIDsByType(context.Background(), model.CapabilitySystem)
	if err != nil {
		t.Fatalf("AvailableIDsByType: %v", err)
	}
	if len(ids) != 1 || ids[0] != "sys.cap" {
		t.Errorf("ids = %v, want [sys.cap]", ids)
	}
}

func TestListByProvider(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterWithExecutor(
		model.NewCapabilityDescriptor("p1", "P1", "process backed", model.CapabilityExternal, model.ProviderProcess),
		&mockExecutor{})
	r.RegisterWithExecutor(
		model.NewCapabilityDescriptor("b1", "B1", "builtin", model.CapabilityInternal, model.ProviderBuiltIn),
		&mockExecutor{})

	got := r.ListByProvider(model.ProviderProcess)
	if len(got) != 1 || got[0].ID != "p1" {
		t.Errorf("ListByProvider(process) = %+v, want [p1]", got)
	}
}

func TestProcessExecutorRejectsUnlistedCommand(t *testing.T) {
	e := &ProcessExecutor{Command: "not-on-the-list", Allowed: []string{"echo"}}
	if _, err := e.Execute(context.Background(), map[string]any{}); err == nil {
		t.Error("unlisted command executed")
	}

	e = &ProcessExecutor{Command: "echo; rm -rf /", Allowed: []string{"echo"}}
	if _, err := e.Execute(context.Background(), map[string]any{}); err == nil {
		t.Error("injection-bearing command executed")
	}
}

func TestScriptExecutorRejectsUnknownInterpreter(t *testing.T) {
	e := &ScriptExecutor{ScriptPath: filepath.Join(t.TempDir(), "x.py"), Interpreter: "perl"}
	if _, err := e.Execute(context.Background(), map[string]any{}); err == nil {
		t.Error("unlisted interpreter executed")
	}
}

func TestScriptExecutorRejectsPathOutsideWorkspace(t *testing.T) {
	workspace := t.TempDir()
	outside := filepath.Join(t.TempDir(), "escape.py")
	if err := os.WriteFile(outside, []byte("print('{}')\n"), 0o640); err != nil {
		t.Fatal(err)
	}

	e := &ScriptExecutor{ScriptPath: outside, WorkspaceDir: workspace}
	if _, err := e.Execute(context.Background(), map[string]any{}); err == nil {
		t.Error("script outside the workspace executed")
	}
}

func TestLoadOverwritesDescriptorKeepsLifecycle(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Register(model.NewCapabilityDescriptor("dup", "Disk", "on-disk description", model.CapabilityInternal, model.ProviderScript))
	if err := r.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	r.Close()

	r2, err := New(dir)
	if err != nil {
		t.Fatalf("New (reopen): %v", err)
	}
	defer r2.Close()
	live := model.NewCapabilityDescriptor("dup", "Live", "stale in-memory description", model.CapabilityInternal, model.ProviderScript)
	r2.RegisterWithExecutor(live, &mockExecutor{})

	if err := r2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, _ := r2.GetDescriptor("dup")
	if got.Description != "on-disk description" {
		t.Errorf("description = %q, want the on-disk descriptor to win", got.Description)
	}
	if r2.lifecycles["dup"] != model.LifecycleObserving {
		t.Errorf("lifecycle = %s, want the live Observing state preserved", r2.lifecycles["dup"])
	}
}
