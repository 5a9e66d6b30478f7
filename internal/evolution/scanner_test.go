package evolution

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/clawinfra/skillmesh/internal/model"
	"github.com/clawinfra/skillmesh/internal/registry"
)

func newScannerEnv(t *testing.T) (*Scanner, *Service) {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.New(filepath.Join(dir, "capability_registry"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	svc, err := NewService(dir, filepath.Join(dir, "skills"), reg,
		func(string, string) registry.Executor { return &stubExecutor{} }, Options{}, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svc.Close() })

	return NewScanner(svc, 3, logger), svc
}

func TestScannerTriggersAfterThreshold(t *testing.T) {
	scanner, svc := newScannerEnv(t)

	scanner.RecordFailure("flaky_skill", errors.New("timeout"))
	scanner.RecordFailure("flaky_skill", errors.New("timeout"))
	scanner.Scan()
	if n := len(svc.ListRecords()); n != 0 {
		t.Fatalf("triggered below threshold: %d records", n)
	}

	scanner.RecordFailure("flaky_skill", errors.New("timeout"))
	scanner.Scan()

	records := svc.ListRecords()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	rec := records[0]
	if rec.SkillName != "flaky_skill" || rec.State != model.StateTriggered {
		t.Errorf("record = %+v", rec)
	}
	if rec.Context.Trigger.Kind != model.TriggerConsecutiveFailures || rec.Context.Trigger.Count != 3 {
		t.Errorf("trigger = %+v, want consecutive_failures count 3", rec.Context.Trigger)
	}
	if rec.Context.ErrorStack != "timeout" {
		t.Errorf("error stack = %q", rec.Context.ErrorStack)
	}

	// A second scan does not re-trigger the same streak.
	scanner.Scan()
	if n := len(svc.ListRecords()); n != 1 {
		t.Errorf("re-triggered on unchanged streak: %d records", n)
	}
}

func TestScannerSuccessResetsStreak(t *testing.T) {
	scanner, svc := newScannerEnv(t)

	scanner.RecordFailure("skill_a", errors.New("x"))
	scanner.RecordFailure("skill_a", errors.New("x"))
	scanner.RecordSuccess("skill_a")
	scanner.RecordFailure("skill_a", errors.New("x"))
	scanner.Scan()

	if n := len(svc.ListRecords()); n != 0 {
		t.Errorf("streak not reset by success: %d records", n)
	}
}
