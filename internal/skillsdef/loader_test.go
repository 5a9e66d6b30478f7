package skillsdef

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const manifestMD = `---
name: daily_finance
description: Fetch and summarize market data
version: 0.2.0
triggers:
  - "stock price"
  - "market summary"
capabilities:
  - finance_api
  - exchange_api
---
# Daily Finance

Fetches quotes and renders a morning brief.
`

const agentTOML = `[tools.fetch_quote]
command = "python3"
args = ["fetch_quote.py"]
timeout_secs = 10

[tools.render_brief]
command = "node"
args = ["render.js"]
env = ["BRIEF_STYLE=short"]
`

func writeSkill(t *testing.T, root, name string, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0750); err != nil {
		t.Fatal(err)
	}
	for file, content := range files {
		if err := os.WriteFile(filepath.Join(dir, file), []byte(content), 0640); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLoadSkill(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "daily_finance", map[string]string{
		"SKILL.md":   manifestMD,
		"SKILL.star": "output = call_tool(\"fetch_quote\", {\"symbol\": user_input})\n",
		"agent.toml": agentTOML,
	})

	skills, err := NewLoader(root, testLogger()).LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(skills) != 1 {
		t.Fatalf("skills = %d, want 1", len(skills))
	}

	s := skills[0]
	if s.Name != "daily_finance" {
		t.Errorf("name = %q", s.Name)
	}
	if len(s.Meta.Triggers) != 2 || s.Meta.Triggers[0] != "stock price" {
		t.Errorf("triggers = %v", s.Meta.Triggers)
	}
	if len(s.Meta.Capabilities) != 2 || s.Meta.Capabilities[1] != "exchange_api" {
		t.Errorf("capabilities = %v", s.Meta.Capabilities)
	}
	if s.ScriptSource == "" {
		t.Error("script source empty")
	}
	if s.MDDocumentation == "" || s.MDDocumentation[0] != '#' {
		t.Errorf("documentation = %q", s.MDDocumentation)
	}

	if len(s.Tools) != 2 {
		t.Fatalf("tools = %d, want 2", len(s.Tools))
	}
	// Sorted by name: fetch_quote, render_brief.
	if s.Tools[0].Name != "fetch_quote" || s.Tools[0].Timeout != 10*time.Second {
		t.Errorf("tool[0] = %+v", s.Tools[0])
	}
	if s.Tools[1].Name != "render_brief" || s.Tools[1].Timeout != 30*time.Second {
		t.Errorf("tool[1] = %+v, want default timeout", s.Tools[1])
	}
	if len(s.Tools[1].Env) != 1 || s.Tools[1].Env[0] != "BRIEF_STYLE=short" {
		t.Errorf("tool[1].Env = %v", s.Tools[1].Env)
	}
}

func TestLoadAllSkipsBrokenSkill(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "good", map[string]string{
		"SKILL.md": "---\nname: good\ntriggers: [\"hi\"]\n---\ndocs\n",
	})
	writeSkill(t, root, "broken", map[string]string{
		"SKILL.md": "no frontmatter here\n",
	})

	skills, err := NewLoader(root, testLogger()).LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(skills) != 1 || skills[0].Name != "good" {
		t.Errorf("skills = %+v, want only the well-formed one", skills)
	}
}

func TestLoadAllMissingDir(t *testing.T) {
	skills, err := NewLoader(filepath.Join(t.TempDir(), "absent"), testLogger()).LoadAll()
	if err != nil || skills != nil {
		t.Errorf("missing dir: skills=%v err=%v, want nil/nil", skills, err)
	}
}

func TestSkillWithoutManifestName(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "implicit_name", map[string]string{
		"SKILL.md": "---\ntriggers: [\"x\"]\n---\n",
	})

	skills, err := NewLoader(root, testLogger()).LoadAll()
	if err != nil || len(skills) != 1 {
		t.Fatalf("LoadAll: %v, %d skills", err, len(skills))
	}
	if skills[0].Name != "implicit_name" {
		t.Errorf("name = %q, want directory name", skills[0].Name)
	}
}
