// Package skillsdef discovers and loads skill definitions from disk. A
// skill directory holds SKILL.md (YAML frontmatter + prose documentation),
// SKILL.star (the script body the dispatcher executes), and an optional
// agent.toml declaring subprocess-backed tools the skill brings along.
package skillsdef

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/clawinfra/skillmesh/internal/model"
)

const (
	manifestFile = "SKILL.md"
	scriptFile   = "SKILL.star"
	toolsFile    = "agent.toml"
)

// Loader discovers and loads skills from a directory.
type Loader struct {
	skillsDir string
	logger    *slog.Logger
}

// NewLoader creates a loader that scans the given directory for skills.
func NewLoader(skillsDir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		skillsDir: skillsDir,
		logger:    logger,
	}
}

// manifest is the YAML frontmatter at the top of SKILL.md.
type manifest struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Version      string   `yaml:"version"`
	Triggers     []string `yaml:"triggers"`
	Capabilities []string `yaml:"capabilities"`
}

// toolsTOML is the agent.toml shape: [tools.<name>] sections.
type toolsTOML struct {
	Tools map[string]toolDefTOML `toml:"tools"`
}

type toolDefTOML struct {
	Command     string   `toml:"command"`
	Description string   `toml:"description"`
	Args        []string `toml:"args"`
	Env         []string `toml:"env"`
	TimeoutSecs int      `toml:"timeout_secs"`
}

// LoadAll discovers and loads all skills from the skills directory.
func (l *Loader) LoadAll() ([]model.Skill, error) {
	entries, err := os.ReadDir(l.skillsDir)
	if err != nil {
		if os.IsNotExist(err) {
			l.logger.Info("skills directory does not exist, skipping", "dir", l.skillsDir)
			return nil, nil
		}
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	var skills []model.Skill
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		skillDir := filepath.Join(l.skillsDir, entry.Name())
		skill, err := l.LoadSkill(skillDir)
		if err != nil {
			l.logger.Warn("failed to load skill", "dir", skillDir, "error", err)
			continue
		}
		skills = append(skills, skill)
		l.logger.Info("loaded skill", "name", skill.Name, "tools", len(skill.Tools))
	}
	return skills, nil
}

// LoadSkill loads a single skill from its directory.
func (l *Loader) LoadSkill(dir string) (model.Skill, error) {
	m, doc, err := parseManifest(filepath.Join(dir, manifestFile))
	if err != nil {
		return model.Skill{}, fmt.Errorf("parse manifest: %w", err)
	}

	name := m.Name
	if name == "" {
		name = filepath.Base(dir)
	}

	script, err := os.ReadFile(filepath.Join(dir, scriptFile))
	if err != nil && !os.IsNotExist(err) {
		return model.Skill{}, fmt.Errorf("read script: %w", err)
	}

	tools, err := loadTools(filepath.Join(dir, toolsFile))
	if err != nil {
		// agent.toml is optional; skill may have no tools
		l.logger.Debug("no agent.toml for skill", "dir", dir, "error", err)
		tools = nil
	}

	return model.Skill{
		Name: name,
		Meta: model.SkillMeta{
			Triggers:     m.Triggers,
			Capabilities: m.Capabilities,
		},
		Dir:             dir,
		ScriptSource:    string(script),
		MDDocumentation: doc,
		Tools:           tools,
	}, nil
}

// parseManifest extracts YAML frontmatter from SKILL.md and returns it
// along with the remaining prose documentation.
func parseManifest(path string) (manifest, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return manifest{}, "", err
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var inFrontmatter, done bool
	var yamlLines, docLines []string

	for scanner.Scan() {
		line := scanner.Text()
		if !done && strings.TrimSpace(line) == "---" {
			if inFrontmatter {
				done = true
				continue
			}
			inFrontmatter = true
			continue
		}
		if inFrontmatter && !done {
			yamlLines = append(yamlLines, line)
			continue
		}
		docLines = append(docLines, line)
	}
	if err := scanner.Err(); err != nil {
		return manifest{}, "", err
	}

	if len(yamlLines) == 0 {
		return manifest{}, "", fmt.Errorf("no YAML frontmatter found in %s", path)
	}

	var m manifest
	if err := yaml.Unmarshal([]byte(strings.Join(yamlLines, "\n")), &m); err != nil {
		return manifest{}, "", fmt.Errorf("parse YAML: %w", err)
	}
	return m, strings.TrimSpace(strings.Join(docLines, "\n")), nil
}

// loadTools parses tool definitions from an agent.toml file.
func loadTools(path string) ([]model.ToolDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var parsed toolsTOML
	if err := toml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse agent.toml: %w", err)
	}

	names := make([]string, 0, len(parsed.Tools))
	for name := range parsed.Tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var tools []model.ToolDef
	for _, name := range names {
		def := parsed.Tools[name]
		timeout := 30 * time.Second // default
		if def.TimeoutSecs > 0 {
			timeout = time.Duration(def.TimeoutSecs) * time.Second
		}
		tools = append(tools, model.ToolDef{
			Name:    name,
			Command: expandHome(def.Command),
			Args:    def.Args,
			Env:     def.Env,
			Timeout: timeout,
		})
	}
	return tools, nil
}

// expandHome replaces leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
