package evolution

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CircuitState represents the state of a skill's evolution circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// FirewallConfig holds configurable parameters for the evolution firewall.
type FirewallConfig struct {
	Enabled              bool          `json:"enabled"`
	MaxEvolutionsPerHour int           `json:"max_evolutions_per_hour"`
	CooldownPeriod       time.Duration `json:"cooldown_period"`
	MaxSnapshots         int           `json:"max_snapshots"`
}

// DefaultFirewallConfig returns sensible defaults.
func DefaultFirewallConfig() FirewallConfig {
	return FirewallConfig{
		Enabled:              true,
		MaxEvolutionsPerHour: 10,
		CooldownPeriod:       1 * time.Hour,
		MaxSnapshots:         10,
	}
}

// ---- Rate Limiter ----

type triggerRecord struct {
	Timestamps []time.Time `json:"timestamps"`
}

// EvolutionRateLimiter tracks evolution triggers per skill per time window.
type EvolutionRateLimiter struct {
	mu         sync.Mutex
	records    map[string]*triggerRecord
	maxPerHour int
}

// NewEvolutionRateLimiter creates a rate limiter.
func NewEvolutionRateLimiter(maxPerHour int) *EvolutionRateLimiter {
	return &EvolutionRateLimiter{
		records:    make(map[string]*triggerRecord),
		maxPerHour: maxPerHour,
	}
}

// AllowTrigger returns true if the skill hasn't exceeded the rate limit.
func (rl *EvolutionRateLimiter) AllowTrigger(skillName string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-1 * time.Hour)

	rec, ok := rl.records[skillName]
	if !ok {
		rec = &triggerRecord{}
		rl.records[skillName] = rec
	}

	// Prune old timestamps
	valid := rec.Timestamps[:0]
	for _, t := range rec.Timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	rec.Timestamps = valid

	if len(rec.Timestamps) >= rl.maxPerHour {
		return false
	}

	rec.Timestamps = append(rec.Timestamps, now)
	return true
}

// Remaining returns triggers remaining in the current window.
func (rl *EvolutionRateLimiter) Remaining(skillName string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-1 * time.Hour)
	rec := rl.records[skillName]
	if rec == nil {
		return rl.maxPerHour
	}

	count := 0
	for _, t := range rec.Timestamps {
		if t.After(cutoff) {
			count++
		}
	}
	rem := rl.maxPerHour - count
	if rem < 0 {
		rem = 0
	}
	return rem
}

// ---- Circuit Breaker ----

type skillCircuit struct {
	State    CircuitState `json:"state"`
	OpenedAt time.Time    `json:"opened_at,omitempty"`
}

// CircuitBreaker blocks new evolution triggers for a skill after its last
// pipeline pass ended in rollback or terminal failure, until a cooldown
// elapses. A half-open circuit admits one test evolution; its outcome
// decides whether the circuit closes or re-opens.
type CircuitBreaker struct {
	mu       sync.Mutex
	skills   map[string]*skillCircuit
	cooldown time.Duration
}

// NewCircuitBreaker creates a circuit breaker.
func NewCircuitBreaker(cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		skills:   make(map[string]*skillCircuit),
		cooldown: cooldown,
	}
}

// ShouldAllowEvolution checks if a new evolution is allowed for the skill.
func (cb *CircuitBreaker) ShouldAllowEvolution(skillName string) (bool, string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	sc, ok := cb.skills[skillName]
	if !ok {
		return true, "no circuit state"
	}

	switch sc.State {
	case CircuitClosed:
		return true, "circuit closed"
	case CircuitOpen:
		if time.Since(sc.OpenedAt) >= cb.cooldown {
			sc.State = CircuitHalfOpen
			return true, "circuit half-open (cooldown elapsed)"
		}
		return false, fmt.Sprintf("circuit open since %s", sc.OpenedAt.Format(time.RFC3339))
	case CircuitHalfOpen:
		return true, "circuit half-open (test evolution)"
	}
	return true, ""
}

// RecordOutcome records how a skill's pipeline pass ended and transitions
// state: a failure opens the circuit, a success closes a half-open one.
func (cb *CircuitBreaker) RecordOutcome(skillName string, success bool) (tripped bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	sc, ok := cb.skills[skillName]
	if !ok {
		sc = &skillCircuit{State: CircuitClosed}
		cb.skills[skillName] = sc
	}

	if !success {
		sc.State = CircuitOpen
		sc.OpenedAt = time.Now()
		return true
	}

	if sc.State == CircuitHalfOpen {
		sc.State = CircuitClosed
	}
	return false
}

// GetState returns the current circuit breaker state for a skill.
func (cb *CircuitBreaker) GetState(skillName string) CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	sc := cb.skills[skillName]
	if sc == nil {
		return CircuitClosed
	}
	// Check for auto-transition
	if sc.State == CircuitOpen && time.Since(sc.OpenedAt) >= cb.cooldown {
		sc.State = CircuitHalfOpen
	}
	return sc.State
}

// Reset forces the circuit breaker to closed for a skill.
func (cb *CircuitBreaker) Reset(skillName string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	delete(cb.skills, skillName)
}

// ---- Skill Snapshots / Auto-Rollback ----

// SkillSnapshot stores the pre-patch content of the files a rollout is
// about to overwrite, keyed by skill-relative path.
type SkillSnapshot struct {
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version"`
	Files     map[string]string `json:"files"`
}

type skillSnapshots struct {
	Snapshots []SkillSnapshot `json:"snapshots"`
	Max       int             `json:"-"`
}

func (ss *skillSnapshots) push(snap SkillSnapshot) {
	ss.Snapshots = append(ss.Snapshots, snap)
	if len(ss.Snapshots) > ss.Max {
		ss.Snapshots = ss.Snapshots[len(ss.Snapshots)-ss.Max:]
	}
}

func (ss *skillSnapshots) latest() *SkillSnapshot {
	if len(ss.Snapshots) == 0 {
		return nil
	}
	return &ss.Snapshots[len(ss.Snapshots)-1]
}

const snapshotsFile = "firewall-snapshots.json"

// SnapshotStore manages pre-patch snapshots per skill (ring buffer).
type SnapshotStore struct {
	mu       sync.Mutex
	skills   map[string]*skillSnapshots
	maxSnaps int
}

// NewSnapshotStore creates a snapshot store.
func NewSnapshotStore(maxSnapshots int) *SnapshotStore {
	return &SnapshotStore{
		skills:   make(map[string]*skillSnapshots),
		maxSnaps: maxSnapshots,
	}
}

// TakeSnapshot saves the given file contents as the skill's latest
// known-good state at the given version.
func (ss *SnapshotStore) TakeSnapshot(skillName, version string, files map[string]string) error {
	if files == nil {
		return fmt.Errorf("files is nil")
	}

	cloned := make(map[string]string, len(files))
	for rel, content := range files {
		cloned[rel] = content
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	snaps, ok := ss.skills[skillName]
	if !ok {
		snaps = &skillSnapshots{Max: ss.maxSnaps}
		ss.skills[skillName] = snaps
	}

	snaps.push(SkillSnapshot{
		Timestamp: time.Now(),
		Version:   version,
		Files:     cloned,
	})
	return nil
}

// Rollback returns the last known good snapshot for the skill.
func (ss *SnapshotStore) Rollback(skillName string) (*SkillSnapshot, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	snaps, ok := ss.skills[skillName]
	if !ok {
		return nil, fmt.Errorf("no snapshots for skill %s", skillName)
	}
	snap := snaps.latest()
	if snap == nil {
		return nil, fmt.Errorf("no snapshots for skill %s", skillName)
	}
	return snap, nil
}

// LastSnapshotTime returns the timestamp of the last snapshot, or zero time.
func (ss *SnapshotStore) LastSnapshotTime(skillName string) time.Time {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	snaps := ss.skills[skillName]
	if snaps == nil {
		return time.Time{}
	}
	snap := snaps.latest()
	if snap == nil {
		return time.Time{}
	}
	return snap.Timestamp
}

// SnapshotCount returns the number of stored snapshots for a skill.
func (ss *SnapshotStore) SnapshotCount(skillName string) int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	snaps := ss.skills[skillName]
	if snaps == nil {
		return 0
	}
	return len(snaps.Snapshots)
}

// Save persists all snapshots to disk.
func (ss *SnapshotStore) Save(dir string) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	data, err := json.MarshalIndent(ss.skills, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, snapshotsFile), data, 0640)
}

// Load restores snapshots from disk.
func (ss *SnapshotStore) Load(dir string) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(dir, snapshotsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	skills := make(map[string]*skillSnapshots)
	if err := json.Unmarshal(data, &skills); err != nil {
		return err
	}
	for _, snaps := range skills {
		snaps.Max = ss.maxSnaps
	}
	ss.skills = skills
	return nil
}

// ---- Evolution Firewall (combines all three) ----

// FirewallStatus represents the current state of the firewall for a skill.
type FirewallStatus struct {
	Enabled              bool         `json:"enabled"`
	RateLimitRemaining   int          `json:"rate_limit_remaining"`
	MaxEvolutionsPerHour int          `json:"max_evolutions_per_hour"`
	CircuitState         CircuitState `json:"circuit_state"`
	LastSnapshotTime     *time.Time   `json:"last_snapshot_time,omitempty"`
	SnapshotCount        int          `json:"snapshot_count"`
}

// EvolutionFirewall wraps rate limiter, circuit breaker, and snapshot store.
type EvolutionFirewall struct {
	Config    FirewallConfig
	Limiter   *EvolutionRateLimiter
	Breaker   *CircuitBreaker
	Snapshots *SnapshotStore
}

// NewEvolutionFirewall creates a new firewall with the given config.
func NewEvolutionFirewall(cfg FirewallConfig) *EvolutionFirewall {
	return &EvolutionFirewall{
		Config:    cfg,
		Limiter:   NewEvolutionRateLimiter(cfg.MaxEvolutionsPerHour),
		Breaker:   NewCircuitBreaker(cfg.CooldownPeriod),
		Snapshots: NewSnapshotStore(cfg.MaxSnapshots),
	}
}

// PreTriggerCheck performs circuit breaker and rate limit checks before a
// new evolution record is created. Returns (allowed, reason).
func (fw *EvolutionFirewall) PreTriggerCheck(skillName string) (bool, string) {
	if !fw.Config.Enabled {
		return true, "firewall disabled"
	}

	// Circuit breaker check first
	allowed, reason := fw.Breaker.ShouldAllowEvolution(skillName)
	if !allowed {
		return false, "circuit breaker: " + reason
	}

	// Rate limit check
	if !fw.Limiter.AllowTrigger(skillName) {
		return false, "rate limit exceeded"
	}

	return true, reason
}

// RecordOutcome records how a skill's pipeline pass ended, feeding the
// circuit breaker.
func (fw *EvolutionFirewall) RecordOutcome(skillName string, success bool) {
	if !fw.Config.Enabled {
		return
	}
	fw.Breaker.RecordOutcome(skillName, success)
}

// Status returns current firewall state for a skill.
func (fw *EvolutionFirewall) Status(skillName string) FirewallStatus {
	status := FirewallStatus{
		Enabled:              fw.Config.Enabled,
		RateLimitRemaining:   fw.Limiter.Remaining(skillName),
		MaxEvolutionsPerHour: fw.Config.MaxEvolutionsPerHour,
		CircuitState:         fw.Breaker.GetState(skillName),
		SnapshotCount:        fw.Snapshots.SnapshotCount(skillName),
	}
	t := fw.Snapshots.LastSnapshotTime(skillName)
	if !t.IsZero() {
		status.LastSnapshotTime = &t
	}
	return status
}
