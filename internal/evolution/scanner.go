package evolution

import (
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/clawinfra/skillmesh/internal/model"
)

// Scanner watches live skill execution outcomes and periodically turns
// sustained failure streaks into auto-evolution triggers. The agent
// runtime reports outcomes via RecordFailure/RecordSuccess; the cron job
// does the rest.
type Scanner struct {
	svc       *Service
	logger    *slog.Logger
	threshold int
	cron      *cron.Cron
	entry     cron.EntryID

	mu       sync.Mutex
	failures map[string]*failureStreak
}

type failureStreak struct {
	count     int
	lastError string
	since     time.Time
	triggered bool
}

// NewScanner builds a scanner that fires an auto trigger once a skill
// accumulates threshold consecutive failures.
func NewScanner(svc *Service, threshold int, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	if threshold <= 0 {
		threshold = 3
	}
	return &Scanner{
		svc:       svc,
		logger:    logger,
		threshold: threshold,
		failures:  make(map[string]*failureStreak),
	}
}

// RecordFailure notes one failed execution of a skill.
func (s *Scanner) RecordFailure(skillName string, execErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	streak, ok := s.failures[skillName]
	if !ok {
		streak = &failureStreak{since: time.Now()}
		s.failures[skillName] = streak
	}
	streak.count++
	if execErr != nil {
		streak.lastError = execErr.Error()
	}
}

// RecordSuccess resets a skill's failure streak.
func (s *Scanner) RecordSuccess(skillName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, skillName)
}

// Start schedules Scan on the given cron expression (robfig/cron syntax,
// e.g. "@every 10m").
func (s *Scanner) Start(schedule string) error {
	s.cron = cron.New()
	id, err := s.cron.AddFunc(schedule, s.Scan)
	if err != nil {
		return &model.ValidationError{Field: "scanSchedule", Reason: err.Error()}
	}
	s.entry = id
	s.cron.Start()
	s.logger.Info("evolution scanner started", "schedule", schedule, "threshold", s.threshold)
	return nil
}

// Stop halts the cron schedule and waits for a running scan to finish.
func (s *Scanner) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Scan fires one auto trigger per skill whose streak has crossed the
// threshold since the last scan.
func (s *Scanner) Scan() {
	type candidate struct {
		skill  string
		streak failureStreak
	}
	var due []candidate

	s.mu.Lock()
	for skill, streak := range s.failures {
		if streak.count >= s.threshold && !streak.triggered {
			streak.triggered = true
			due = append(due, candidate{skill: skill, streak: *streak})
		}
	}
	s.mu.Unlock()

	for _, c := range due {
		window := int(time.Since(c.streak.since).Minutes()) + 1
		id, err := s.svc.TriggerAutoEvolution(c.skill, model.Trigger{
			Kind:          model.TriggerConsecutiveFailures,
			Count:         c.streak.count,
			WindowMinutes: window,
		}, c.streak.lastError)
		if err != nil {
			s.logger.Error("auto trigger failed", "skill", c.skill, "error", err)
			continue
		}
		s.logger.Info("auto evolution triggered", "skill", c.skill, "id", id, "failures", c.streak.count)
	}
}
