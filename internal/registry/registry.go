// Package registry tracks every capability a skill can invoke: its
// descriptor, its bound executor, and — for newly evolved capabilities —
// its shadow-stage canary tracker. It is the only place lifecycle
// transitions (Draft -> Observing -> Active -> Replacing -> Retired) and
// canary promotion decisions happen.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v3"
	_ "modernc.org/sqlite"

	"github.com/clawinfra/skillmesh/internal/model"
)

const descriptorsFile = "evolved_tools.json"

// Registry is the capability store. All exported methods are safe for
// concurrent use.
type Registry struct {
	mu             sync.Mutex
	descriptors    *orderedmap.OrderedMap[string, model.CapabilityDescriptor]
	executors      map[string]Executor
	lifecycles     map[string]model.CapabilityLifecycle
	canaryTrackers map[string]*model.CanaryTracker
	dir            string
	index          *sql.DB
}

// New opens (or prepares to create) a registry rooted at dir. Call Load to
// populate descriptors from a prior save.
func New(dir string) (*Registry, error) {
	r := &Registry{
		descriptors:    orderedmap.NewOrderedMap[string, model.CapabilityDescriptor](),
		executors:      make(map[string]Executor),
		lifecycles:     make(map[string]model.CapabilityLifecycle),
		canaryTrackers: make(map[string]*model.CanaryTracker),
		dir:            dir,
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &model.PersistenceError{Op: "mkdir", Path: dir, Err: err}
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, &model.PersistenceError{Op: "open index", Path: dir, Err: err}
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS capabilities (
		id TEXT PRIMARY KEY,
		capability_type TEXT NOT NULL,
		status TEXT NOT NULL
	)`); err != nil {
		return nil, &model.PersistenceError{Op: "create index", Path: dir, Err: err}
	}
	r.index = db
	return r, nil
}

// Close releases the registry's sqlite index handle.
func (r *Registry) Close() error {
	if r.index == nil {
		return nil
	}
	return r.index.Close()
}

// Register adds a descriptor in Draft lifecycle with no bound executor.
func (r *Registry) Register(d model.CapabilityDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors.Set(d.ID, d)
	r.lifecycles[d.ID] = model.LifecycleDraft
}

// RegisterWithExecutor adds a descriptor and binds an executor in one
// step. Built-in providers go straight to Active; every other provider
// kind enters Observing with a fresh canary tracker, and its status stays
// below Active until the canary passes.
func (r *Registry) RegisterWithExecutor(d model.CapabilityDescriptor, exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[d.ID] = exec

	if d.ProviderKind == model.ProviderBuiltIn {
		r.lifecycles[d.ID] = model.LifecycleActive
		d = d.WithStatus(model.CapabilityStatus{Kind: model.StatusActive})
	} else {
		r.lifecycles[d.ID] = model.LifecycleObserving
		r.canaryTrackers[d.ID] = model.NewCanaryTracker()
		d = d.WithStatus(model.CapabilityStatus{Kind: model.StatusAvailable})
	}
	r.descriptors.Set(d.ID, d)
}

// GetDescriptor returns the descriptor for id, if registered.
func (r *Registry) GetDescriptor(id string) (model.CapabilityDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.descriptors.Get(id)
}

// GetExecutor returns the executor bound to id, if any.
func (r *Registry) GetExecutor(id string) (Executor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.executors[id]
	return e, ok
}

// BindExecutor attaches an executor to an already-registered descriptor
// and promotes it straight to Active, bypassing canary — used when an
// operator manually confirms a capability is safe.
func (r *Registry) BindExecutor(id string, exec Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descriptors.Get(id)
	if !ok {
		return &model.NotFoundError{Kind: "capability", ID: id}
	}
	r.executors[id] = exec
	r.lifecycles[id] = model.LifecycleActive
	d.Status = model.CapabilityStatus{Kind: model.StatusActive}
	d.UpdatedAt = time.Now().Unix()
	r.descriptors.Set(id, d)
	return nil
}

// Execute runs the capability's bound executor and, if the capability is
// in its canary window, records the outcome and applies a promote/fail
// decision once enough calls have accumulated. The executor's own result
// (or error) is always returned to the caller regardless of the canary
// decision.
func (r *Registry) Execute(ctx context.Context, id string, input map[string]any) (map[string]any, error) {
	r.mu.Lock()
	exec, ok := r.executors[id]
	r.mu.Unlock()
	if !ok {
		return nil, &model.NotFoundError{Kind: "capability", ID: id}
	}

	result, execErr := exec.Execute(ctx, input)

	r.mu.Lock()
	if tracker, ok := r.canaryTrackers[id]; ok {
		tracker.Record(execErr != nil)
		if tracker.TotalCalls >= model.CanaryMinCalls {
			rate := tracker.ErrorRate()
			passed := rate <= model.CanaryMaxErrorRate
			calls := tracker.TotalCalls
			delete(r.canaryTrackers, id)
			if d, ok := r.descriptors.Get(id); ok {
				if passed {
					r.lifecycles[id] = model.LifecycleActive
					d.Status = model.CapabilityStatus{Kind: model.StatusActive}
				} else {
					d.Status = model.CapabilityStatus{
						Kind:   model.StatusUnavailable,
						Reason: fmt.Sprintf("Canary failed: error rate %.0f%% after %d calls", rate*100, calls),
					}
				}
				d.UpdatedAt = time.Now().Unix()
				r.descriptors.Set(id, d)
			}
		}
	}
	r.mu.Unlock()

	return result, execErr
}

// ListAll returns every registered descriptor, in registration order.
func (r *Registry) ListAll() []model.CapabilityDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.CapabilityDescriptor, 0, r.descriptors.Len())
	for el := r.descriptors.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}

// ListByType returns every registered descriptor of the given type, in
// registration order.
func (r *Registry) ListByType(ct model.CapabilityType) []model.CapabilityDescriptor {
	var out []model.CapabilityDescriptor
	for _, d := range r.ListAll() {
		if d.CapabilityType == ct {
			out = append(out, d)
		}
	}
	return out
}

// ListByProvider returns every registered descriptor backed by the given
// provider kind, in registration order.
func (r *Registry) ListByProvider(pk model.ProviderKind) []model.CapabilityDescriptor {
	var out []model.CapabilityDescriptor
	for _, d := range r.ListAll() {
		if d.ProviderKind == pk {
			out = append(out, d)
		}
	}
	return out
}

// ListAvailable returns every descriptor currently dispatchable.
func (r *Registry) ListAvailable() []model.CapabilityDescriptor {
	var out []model.CapabilityDescriptor
	for _, d := range r.ListAll() {
		if d.Status.IsAvailable() {
			out = append(out, d)
		}
	}
	return out
}

// SetStatus overwrites a descriptor's status directly, for callers (such
// as the evolution service) that need to mark a capability Evolving or
// Deprecated outside the canary path.
func (r *Registry) SetStatus(id string, status model.CapabilityStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descriptors.Get(id)
	if !ok {
		return &model.NotFoundError{Kind: "capability", ID: id}
	}
	d.Status = status
	d.UpdatedAt = time.Now().Unix()
	r.descriptors.Set(id, d)
	return nil
}

// Unload retires a capability: its executor is dropped and it is marked
// Unavailable.
func (r *Registry) Unload(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descriptors.Get(id)
	if !ok {
		return &model.NotFoundError{Kind: "capability", ID: id}
	}
	delete(r.executors, id)
	r.lifecycles[id] = model.LifecycleRetired
	d.Status = model.CapabilityStatus{Kind: model.StatusUnavailable, Reason: "unloaded"}
	d.UpdatedAt = time.Now().Unix()
	r.descriptors.Set(id, d)
	return nil
}

// ReplaceExecutor hot-swaps a capability's executor and bumps its
// version, used when an evolution record rolls out a patch.
func (r *Registry) ReplaceExecutor(id string, exec Executor, newVersion string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descriptors.Get(id)
	if !ok {
		return &model.NotFoundError{Kind: "capability", ID: id}
	}
	r.lifecycles[id] = model.LifecycleReplacing
	r.executors[id] = exec
	d.Version = newVersion
	d.Status = model.CapabilityStatus{Kind: model.StatusActive}
	d.UpdatedAt = time.Now().Unix()
	r.descriptors.Set(id, d)
	r.lifecycles[id] = model.LifecycleActive
	return nil
}

// HealthCheckAll runs HealthCheck against every bound executor.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]bool {
	r.mu.Lock()
	snapshot := make(map[string]Executor, len(r.executors))
	for id, e := range r.executors {
		snapshot[id] = e
	}
	r.mu.Unlock()

	out := make(map[string]bool, len(snapshot))
	for id, e := range snapshot {
		ok, err := e.HealthCheck(ctx)
		out[id] = err == nil && ok
	}
	return out
}

// RegistryStats summarizes status counts across all registered
// capabilities.
type RegistryStats struct {
	Total     int
	Active    int
	Available int
	Evolving  int
}

func (r *Registry) Stats() RegistryStats {
	var s RegistryStats
	for _, d := range r.ListAll() {
		s.Total++
		switch d.Status.Kind {
		case model.StatusActive:
			s.Active++
		case model.StatusAvailable:
			s.Available++
		case model.StatusEvolving:
			s.Evolving++
		}
	}
	return s
}

var capabilityTypeOrder = []model.CapabilityType{
	model.CapabilityHardware, model.CapabilitySystem, model.CapabilityExternal, model.CapabilityInternal,
}

var capabilityTypeHeading = map[model.CapabilityType]string{
	model.CapabilityHardware: "### Hardware Capabilities",
	model.CapabilitySystem:   "### System Capabilities",
	model.CapabilityExternal: "### External Capabilities",
	model.CapabilityInternal: "### Internal Capabilities",
}

var statusIcon = map[model.CapabilityStatusKind]string{
	model.StatusActive:      "[active]",
	model.StatusAvailable:   "[available]",
	model.StatusDiscovered:  "[discovered]",
	model.StatusLoading:     "[loading]",
	model.StatusEvolving:    "[evolving]",
	model.StatusUnavailable: "[unavailable]",
	model.StatusDeprecated:  "[deprecated]",
}

// GenerateBrief renders a human-readable summary of every registered
// capability, grouped by type in a fixed order, for inclusion in a
// system prompt.
func (r *Registry) GenerateBrief() string {
	r.mu.Lock()
	byType := make(map[model.CapabilityType][]model.CapabilityDescriptor)
	inShadow := make(map[string]bool, len(r.canaryTrackers))
	for id := range r.canaryTrackers {
		inShadow[id] = true
	}
	for el := r.descriptors.Front(); el != nil; el = el.Next() {
		byType[el.Value.CapabilityType] = append(byType[el.Value.CapabilityType], el.Value)
	}
	r.mu.Unlock()

	var sb strings.Builder
	for _, ct := range capabilityTypeOrder {
		descs := byType[ct]
		if len(descs) == 0 {
			continue
		}
		sort.Slice(descs, func(i, j int) bool { return descs[i].ID < descs[j].ID })
		sb.WriteString(capabilityTypeHeading[ct])
		sb.WriteString("\n")
		for _, d := range descs {
			icon := statusIcon[d.Status.Kind]
			if icon == "" {
				icon = "[unknown]"
			}
			shadowTag := ""
			if inShadow[d.ID] {
				icon = "[shadow]"
				shadowTag = " [shadow]"
			}
			fmt.Fprintf(&sb, "- %s `%s` (v%s)%s — %s\n", icon, d.ID, d.Version, shadowTag, d.Description)
		}
	}
	return sb.String()
}

// Save writes every descriptor to disk as pretty JSON and rebuilds the
// sqlite lookup index.
func (r *Registry) Save() error {
	r.mu.Lock()
	descs := make([]model.CapabilityDescriptor, 0, r.descriptors.Len())
	for el := r.descriptors.Front(); el != nil; el = el.Next() {
		descs = append(descs, el.Value)
	}
	r.mu.Unlock()

	path := filepath.Join(r.dir, descriptorsFile)
	data, err := json.MarshalIndent(descs, "", "  ")
	if err != nil {
		return &model.PersistenceError{Op: "marshal", Path: path, Err: err}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &model.PersistenceError{Op: "write", Path: path, Err: err}
	}

	return r.rebuildIndex(descs)
}

func (r *Registry) rebuildIndex(descs []model.CapabilityDescriptor) error {
	if r.index == nil {
		return nil
	}
	tx, err := r.index.Begin()
	if err != nil {
		return &model.PersistenceError{Op: "begin index tx", Path: r.dir, Err: err}
	}
	if _, err := tx.Exec("DELETE FROM capabilities"); err != nil {
		tx.Rollback()
		return &model.PersistenceError{Op: "clear index", Path: r.dir, Err: err}
	}
	for _, d := range descs {
		if _, err := tx.Exec("INSERT INTO capabilities (id, capability_type, status) VALUES (?, ?, ?)",
			d.ID, string(d.CapabilityType), string(d.Status.Kind)); err != nil {
			tx.Rollback()
			return &model.PersistenceError{Op: "insert index row", Path: r.dir, Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &model.PersistenceError{Op: "commit index tx", Path: r.dir, Err: err}
	}
	return nil
}

// AvailableIDsByType queries the sqlite index for available capability
// IDs of a given type, avoiding a full descriptor scan.
func (r *Registry) AvailableIDsByType(ctx context.Context, ct model.CapabilityType) ([]string, error) {
	rows, err := r.index.QueryContext(ctx,
		"SELECT id FROM capabilities WHERE capability_type = ? AND status IN (?, ?)",
		string(ct), string(model.StatusActive), string(model.StatusAvailable))
	if err != nil {
		return nil, &model.PersistenceError{Op: "query index", Path: r.dir, Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &model.PersistenceError{Op: "scan index row", Path: r.dir, Err: err}
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Load reads evolved_tools.json if present. The on-disk descriptor always
// wins; only the lifecycle is preserved for ids already registered, so a
// reload picks up descriptor changes without resetting live state.
func (r *Registry) Load() error {
	path := filepath.Join(r.dir, descriptorsFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return &model.PersistenceError{Op: "read", Path: path, Err: err}
	}

	var descs []model.CapabilityDescriptor
	if err := json.Unmarshal(data, &descs); err != nil {
		return &model.PersistenceError{Op: "unmarshal", Path: path, Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range descs {
		r.descriptors.Set(d.ID, d)
		if _, ok := r.lifecycles[d.ID]; !ok {
			r.lifecycles[d.ID] = model.LifecycleDraft
		}
	}
	return r.rebuildIndex(descs)
}

// RehydrateExecutors binds an executor to every descriptor that has a
// provider_path on disk but no executor yet, inferring the executor
// variant from the path's extension. It returns how many executors were
// bound and how many descriptors were skipped (no provider_path, or the
// path no longer exists); skipped descriptors stay in Draft lifecycle.
func (r *Registry) RehydrateExecutors() (bound, skipped int, err error) {
	r.mu.Lock()
	var toRehydrate []model.CapabilityDescriptor
	for el := r.descriptors.Front(); el != nil; el = el.Next() {
		d := el.Value
		if _, hasExecutor := r.executors[d.ID]; hasExecutor {
			continue
		}
		if d.ProviderPath == "" {
			skipped++
			continue
		}
		if _, statErr := os.Stat(d.ProviderPath); statErr != nil {
			skipped++
			continue
		}
		toRehydrate = append(toRehydrate, d)
	}
	r.mu.Unlock()

	for _, d := range toRehydrate {
		exec := executorForPath(d)
		r.mu.Lock()
		r.executors[d.ID] = exec
		r.lifecycles[d.ID] = model.LifecycleActive
		d.Status = model.CapabilityStatus{Kind: model.StatusActive}
		r.descriptors.Set(d.ID, d)
		r.mu.Unlock()
		bound++
	}
	return bound, skipped, nil
}

func executorForPath(d model.CapabilityDescriptor) Executor {
	// A rehydrated process may only ever run the binary it was registered
	// with; the allowlist is pinned to that one name.
	process := func() Executor {
		return &ProcessExecutor{
			Command: d.ProviderPath,
			Allowed: []string{filepath.Base(d.ProviderPath)},
		}
	}
	switch d.ProviderKind {
	case model.ProviderProcess:
		return process()
	case model.ProviderScript, model.ProviderStarlark, model.ProviderExternalAPI:
		return &ScriptExecutor{ScriptPath: d.ProviderPath}
	}
	// Ambiguous kind: a known script extension means an interpreter is
	// needed, anything else is assumed directly executable.
	switch strings.ToLower(filepath.Ext(d.ProviderPath)) {
	case ".py", ".js", ".rb", ".sh", ".bash", ".star":
		return &ScriptExecutor{ScriptPath: d.ProviderPath}
	default:
		return process()
	}
}
