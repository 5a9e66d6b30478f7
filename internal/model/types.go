// Package model holds the data types shared across the dispatcher,
// registry, evolution service, intent classifier, and context builder.
package model

import "time"

// EvolutionState is a stage in the evolution pipeline's state machine.
type EvolutionState string

const (
	StateTriggered     EvolutionState = "triggered"
	StateGenerating    EvolutionState = "generating"
	StateGenerated     EvolutionState = "generated"
	StateAuditing      EvolutionState = "auditing"
	StateAuditFailed   EvolutionState = "audit_failed"
	StateAuditPassed   EvolutionState = "audit_passed"
	StateDryRunPassed  EvolutionState = "dry_run_passed"
	StateDryRunFailed  EvolutionState = "dry_run_failed"
	StateTesting       EvolutionState = "testing"
	StateTestPassed    EvolutionState = "test_passed"
	StateTestFailed    EvolutionState = "test_failed"
	StateRollingOut    EvolutionState = "rolling_out"
	StateCompleted     EvolutionState = "completed"
	StateRolledBack    EvolutionState = "rolled_back"
	StateFailed        EvolutionState = "failed"
)

// TriggerKind names the tagged variant of a Trigger.
type TriggerKind string

const (
	TriggerExecutionError          TriggerKind = "execution_error"
	TriggerConsecutiveFailures     TriggerKind = "consecutive_failures"
	TriggerPerformanceDegradation  TriggerKind = "performance_degradation"
	TriggerAPIChange               TriggerKind = "api_change"
	TriggerManualRequest           TriggerKind = "manual_request"
)

// Trigger is the tagged variant describing what caused an evolution
// record to be created. Exactly the fields relevant to Kind are
// populated; the rest are zero.
type Trigger struct {
	Kind TriggerKind `json:"kind"`

	// ExecutionError
	Error string `json:"error,omitempty"`
	Count int    `json:"count,omitempty"`

	// ConsecutiveFailures also uses Count.
	WindowMinutes int `json:"window_minutes,omitempty"`

	// PerformanceDegradation
	Metric    string  `json:"metric,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`

	// ApiChange
	Endpoint   string `json:"endpoint,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`

	// ManualRequest
	Description string `json:"description,omitempty"`
}

// EvolutionContext carries the trigger and any captured failure detail
// that prompted an evolution attempt.
type EvolutionContext struct {
	Trigger    Trigger `json:"trigger"`
	ErrorStack string  `json:"error_stack,omitempty"`
}

// Patch is the LLM-generated diff for one evolution attempt.
type Patch struct {
	PatchID     string    `json:"patch_id"`
	Diff        string    `json:"diff"`
	Explanation string    `json:"explanation"`
	GeneratedAt time.Time `json:"generated_at"`
}

// IssueSeverity classifies one audit finding.
type IssueSeverity string

const (
	SeverityError   IssueSeverity = "error"
	SeverityWarning IssueSeverity = "warning"
	SeverityInfo    IssueSeverity = "info"
)

// AuditIssue is one static-check finding against a generated patch.
type AuditIssue struct {
	Severity IssueSeverity `json:"severity"`
	Category string        `json:"category"`
	Message  string        `json:"message"`
}

// Audit is the outcome of the audit stage: it passes iff no issue is of
// error severity.
type Audit struct {
	Passed bool         `json:"passed"`
	Issues []AuditIssue `json:"issues,omitempty"`
}

// ShadowTestResult is the outcome of delegating to the Shadow Test
// Executor during the Testing stage.
type ShadowTestResult struct {
	Passed          bool      `json:"passed"`
	TestCasesRun    int       `json:"test_cases_run"`
	TestCasesPassed int       `json:"test_cases_passed"`
	Errors          []string  `json:"errors,omitempty"`
	TestedAt        time.Time `json:"tested_at"`
}

// RolloutStage is one step of a canary rollout plan.
type RolloutStage struct {
	Percentage      int     `json:"percentage"`
	DurationMinutes int     `json:"duration_minutes"`
	ErrorThreshold  float64 `json:"error_threshold"`
}

// Rollout tracks a capability's progression through its canary rollout
// plan once testing has passed.
type Rollout struct {
	Stages       []RolloutStage `json:"stages"`
	CurrentStage int            `json:"current_stage"`
}

// FeedbackEntry is one retry's worth of feedback fed back into the
// generator on the next attempt.
type FeedbackEntry struct {
	Attempt  int            `json:"attempt"`
	Stage    EvolutionState `json:"stage"`
	Feedback string         `json:"feedback"`
}

// EvolutionRecord tracks one pass of a skill through the evolution
// pipeline, from trigger to commit or rollback. It is append-only: once
// in a terminal state, no field may change.
type EvolutionRecord struct {
	ID              string            `json:"id"`
	SkillName       string            `json:"skill_name"`
	State           EvolutionState    `json:"status"`
	Attempt         int               `json:"attempt"`
	MaxAttempts     int               `json:"max_attempts"`
	Context         EvolutionContext  `json:"context"`
	Patch           *Patch            `json:"patch,omitempty"`
	Audit           *Audit            `json:"audit,omitempty"`
	ShadowTest      *ShadowTestResult `json:"shadow_test,omitempty"`
	Rollout         *Rollout          `json:"rollout,omitempty"`
	FeedbackHistory []FeedbackEntry   `json:"feedback_history,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// TerminalState reports whether a record has left the active pipeline.
// AuditFailed, DryRunFailed, and TestFailed are only terminal once
// retries are exhausted; callers must check Attempt >= MaxAttempts for
// those three before treating the record as done.
func (r *EvolutionRecord) TerminalState() bool {
	switch r.State {
	case StateCompleted, StateRolledBack, StateFailed:
		return true
	case StateAuditFailed, StateDryRunFailed, StateTestFailed:
		return r.Attempt >= r.MaxAttempts
	default:
		return false
	}
}

// CapabilityType groups capabilities by origin, used for grouping in
// generate_brief().
type CapabilityType string

const (
	CapabilityHardware CapabilityType = "hardware"
	CapabilitySystem   CapabilityType = "system"
	CapabilityExternal CapabilityType = "external"
	CapabilityInternal CapabilityType = "internal"
)

// ProviderKind names the executor variant backing a capability.
type ProviderKind string

const (
	ProviderBuiltIn     ProviderKind = "builtin"
	ProviderProcess     ProviderKind = "process"
	ProviderScript      ProviderKind = "script"
	ProviderStarlark    ProviderKind = "starlark_script"
	ProviderExternalAPI ProviderKind = "external_api"
)

// CapabilityLifecycle is the internal registry-side lifecycle state,
// distinct from the externally visible CapabilityStatus.
type CapabilityLifecycle string

const (
	LifecycleDraft     CapabilityLifecycle = "draft"
	LifecycleObserving CapabilityLifecycle = "observing"
	LifecycleActive    CapabilityLifecycle = "active"
	LifecycleReplacing CapabilityLifecycle = "replacing"
	LifecycleRetired   CapabilityLifecycle = "retired"
)

// CapabilityStatus is the externally visible status of a capability,
// reported in descriptors and briefs.
type CapabilityStatus struct {
	Kind   CapabilityStatusKind `json:"kind"`
	Reason string               `json:"reason,omitempty"`
}

type CapabilityStatusKind string

const (
	StatusDiscovered  CapabilityStatusKind = "discovered"
	StatusLoading     CapabilityStatusKind = "loading"
	StatusAvailable   CapabilityStatusKind = "available"
	StatusActive      CapabilityStatusKind = "active"
	StatusEvolving    CapabilityStatusKind = "evolving"
	StatusUnavailable CapabilityStatusKind = "unavailable"
	StatusDeprecated  CapabilityStatusKind = "deprecated"
)

// IsAvailable reports whether the capability can currently be dispatched.
func (s CapabilityStatus) IsAvailable() bool {
	return s.Kind == StatusActive || s.Kind == StatusAvailable
}

// CapabilityDescriptor describes a capability the registry knows about,
// whether or not an executor is currently bound to it.
type CapabilityDescriptor struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Description    string           `json:"description"`
	CapabilityType CapabilityType   `json:"capability_type"`
	ProviderKind   ProviderKind     `json:"provider_kind"`
	Status         CapabilityStatus `json:"status"`
	Version        string           `json:"version"`
	ProviderPath   string           `json:"provider_path,omitempty"`
	CreatedAt      int64            `json:"created_at"`
	UpdatedAt      int64            `json:"updated_at"`
}

// NewCapabilityDescriptor builds a descriptor in its initial Discovered
// status with version "0.1.0".
func NewCapabilityDescriptor(id, name, description string, ct CapabilityType, pk ProviderKind) CapabilityDescriptor {
	now := time.Now().Unix()
	return CapabilityDescriptor{
		ID:             id,
		Name:           name,
		Description:    description,
		CapabilityType: ct,
		ProviderKind:   pk,
		Status:         CapabilityStatus{Kind: StatusDiscovered},
		Version:        "0.1.0",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// WithStatus returns a copy of the descriptor with the given status set.
func (d CapabilityDescriptor) WithStatus(s CapabilityStatus) CapabilityDescriptor {
	d.Status = s
	return d
}

// CanaryTracker records shadow-stage call outcomes for a single capability.
type CanaryTracker struct {
	TotalCalls uint32 `json:"total_calls"`
	ErrorCalls uint32 `json:"error_calls"`
	StartedAt  int64  `json:"started_at"`
}

// NewCanaryTracker starts a fresh tracker timestamped now.
func NewCanaryTracker() *CanaryTracker {
	return &CanaryTracker{StartedAt: time.Now().Unix()}
}

// Record logs one call outcome.
func (t *CanaryTracker) Record(isError bool) {
	t.TotalCalls++
	if isError {
		t.ErrorCalls++
	}
}

// ErrorRate returns the fraction of recorded calls that errored.
func (t *CanaryTracker) ErrorRate() float64 {
	if t.TotalCalls == 0 {
		return 0
	}
	return float64(t.ErrorCalls) / float64(t.TotalCalls)
}

const (
	// CanaryMinCalls is the number of calls a capability in shadow stage
	// must accumulate before a promote/fail decision is made.
	CanaryMinCalls uint32 = 5
	// CanaryMaxErrorRate is the error rate threshold for promotion.
	CanaryMaxErrorRate float64 = 0.10
)

// SkillMeta is the trigger/dependency manifest declared in a skill's
// SKILL.md frontmatter.
type SkillMeta struct {
	Triggers     []string `json:"triggers,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Skill describes one loaded skill: its manifest plus the Starlark
// script body the Dispatcher executes. A skill is only offered to the
// LLM when every entry in Meta.Capabilities exists in the registry.
type Skill struct {
	Name            string    `json:"name"`
	Meta            SkillMeta `json:"meta"`
	Dir             string    `json:"dir"`
	ScriptSource    string    `json:"-"`
	MDDocumentation string    `json:"-"`
	Tools           []ToolDef `json:"tools,omitempty"`
}

// ToolDef describes one subprocess-backed tool a skill exposes, loaded
// from that skill's agent.toml.
type ToolDef struct {
	Name    string        `json:"name"`
	Command string        `json:"command"`
	Args    []string      `json:"args,omitempty"`
	Env     []string      `json:"env,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// IntentCategory is one entry in the closed set of recognizable user-intent
// categories.
type IntentCategory string

const (
	IntentChat          IntentCategory = "chat"
	IntentFileOps       IntentCategory = "file_ops"
	IntentWebSearch     IntentCategory = "web_search"
	IntentFinance       IntentCategory = "finance"
	IntentBlockchain    IntentCategory = "blockchain"
	IntentDataAnalysis  IntentCategory = "data_analysis"
	IntentCommunication IntentCategory = "communication"
	IntentSystemControl IntentCategory = "system_control"
	IntentOrganization  IntentCategory = "organization"
	IntentIoT           IntentCategory = "iot"
	IntentMedia         IntentCategory = "media"
	IntentDevOps        IntentCategory = "devops"
	IntentLifestyle     IntentCategory = "lifestyle"
	IntentUnknown       IntentCategory = "unknown"
)

// ChatRole is the role of a ChatMessage.
type ChatRole string

const (
	RoleSystem    ChatRole = "system"
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
	RoleTool      ChatRole = "tool"
)

// MediaKind distinguishes the media attached to a ChatMessage.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaOther MediaKind = "other"
)

// MediaAttachment is one piece of media attached to a user message.
type MediaAttachment struct {
	Kind     MediaKind `json:"kind"`
	MimeType string    `json:"mime_type"`
	Data     []byte    `json:"data"`
}

// ToolCall is one tool invocation an assistant message requested; the
// corresponding tool-role ChatMessage.ToolCallID must match ID.
type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ChatMessage is one message in a conversation, as consumed by a Provider.
type ChatMessage struct {
	Role       ChatRole          `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []ToolCall        `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolName   string            `json:"tool_name,omitempty"`
	Media      []MediaAttachment `json:"-"`
}
