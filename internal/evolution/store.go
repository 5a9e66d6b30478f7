package evolution

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/clawinfra/skillmesh/internal/model"
)

const recordsDirName = "evolution_records"

// store persists evolution records as one JSON file per record, with a
// small sqlite index over (id, skill, state, updated_at) so state queries
// don't re-read every file. The JSON files are the source of truth; the
// index is derived and rebuilt on load.
type store struct {
	dir   string
	index *sql.DB
}

func newStore(dataDir string) (*store, error) {
	dir := filepath.Join(dataDir, recordsDirName)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, &model.PersistenceError{Op: "mkdir", Path: dir, Err: err}
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, &model.PersistenceError{Op: "open index", Path: dir, Err: err}
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS evolution_records (
		id TEXT PRIMARY KEY,
		skill TEXT NOT NULL,
		state TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`); err != nil {
		return nil, &model.PersistenceError{Op: "create index", Path: dir, Err: err}
	}

	return &store{dir: dir, index: db}, nil
}

func (s *store) close() error {
	if s.index == nil {
		return nil
	}
	return s.index.Close()
}

func (s *store) recordPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// save is the commit point for every state transition: until it returns
// nil the transition has not happened.
func (s *store) save(rec *model.EvolutionRecord) error {
	path := s.recordPath(rec.ID)
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return &model.PersistenceError{Op: "marshal", Path: path, Err: err}
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return &model.PersistenceError{Op: "write", Path: path, Err: err}
	}

	if _, err := s.index.Exec(
		`INSERT INTO evolution_records (id, skill, state, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET skill=excluded.skill, state=excluded.state, updated_at=excluded.updated_at`,
		rec.ID, rec.SkillName, string(rec.State), rec.UpdatedAt.Unix()); err != nil {
		return &model.PersistenceError{Op: "index upsert", Path: path, Err: err}
	}
	return nil
}

// loadAll reads every record file back into memory, rebuilding the index
// as it goes.
func (s *store) loadAll() (map[string]*model.EvolutionRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &model.PersistenceError{Op: "readdir", Path: s.dir, Err: err}
	}

	records := make(map[string]*model.EvolutionRecord)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		var rec model.EvolutionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		records[rec.ID] = &rec
	}

	for _, rec := range records {
		if err := s.save(rec); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// idsByState queries the index for record ids in any of the given states.
func (s *store) idsByState(states ...model.EvolutionState) ([]string, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(states))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}

	rows, err := s.index.Query(
		"SELECT id FROM evolution_records WHERE state IN ("+placeholders+") ORDER BY updated_at", args...)
	if err != nil {
		return nil, &model.PersistenceError{Op: "query index", Path: s.dir, Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &model.PersistenceError{Op: "scan index row", Path: s.dir, Err: err}
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
