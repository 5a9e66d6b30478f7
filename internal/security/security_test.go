package security

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidatePathWorkspaceContainment(t *testing.T) {
	workspace := t.TempDir()
	inside := filepath.Join(workspace, "notes.txt")
	if err := os.WriteFile(inside, []byte("x"), 0o640); err != nil {
		t.Fatal(err)
	}

	if err := ValidatePath(inside, workspace, nil, nil, true); err != nil {
		t.Errorf("path inside workspace rejected: %v", err)
	}

	outside := filepath.Join(t.TempDir(), "other.txt")
	if err := ValidatePath(outside, workspace, nil, nil, true); err == nil {
		t.Error("path outside workspace accepted")
	}
}

func TestValidatePathForbidden(t *testing.T) {
	workspace := t.TempDir()
	forbidden := filepath.Join(workspace, "secrets")
	if err := os.MkdirAll(forbidden, 0o750); err != nil {
		t.Fatal(err)
	}

	err := ValidatePath(filepath.Join(forbidden, "key.pem"), workspace, []string{forbidden}, nil, true)
	if err == nil {
		t.Error("path under forbidden dir accepted")
	}
}

func TestValidatePathNullByte(t *testing.T) {
	if err := ValidatePath("a\x00b", ".", nil, nil, false); err == nil {
		t.Error("null byte path accepted")
	}
}

func TestValidateSkillPath(t *testing.T) {
	cases := []struct {
		path string
		ok   bool
	}{
		{"demo/SKILL.star", true},
		{"skills/demo/SKILL.star", true},
		{"demo/scripts/helper.py", true},
		{"other/SKILL.star", false},
		{"demo/../other/SKILL.star", false},
		{"../demo/SKILL.star", false},
		{"/etc/passwd", false},
	}
	for _, tc := range cases {
		err := ValidateSkillPath("demo", tc.path)
		if (err == nil) != tc.ok {
			t.Errorf("ValidateSkillPath(demo, %q) = %v, want ok=%v", tc.path, err, tc.ok)
		}
	}
}

func TestValidateCommand(t *testing.T) {
	allowed := []string{"git", "ls"}

	if err := ValidateCommand("git status", allowed); err != nil {
		t.Errorf("allowed command rejected: %v", err)
	}
	if err := ValidateCommand("/usr/bin/git log", allowed); err != nil {
		t.Errorf("path-qualified allowed command rejected: %v", err)
	}
	if err := ValidateCommand("rm -rf /", allowed); err == nil {
		t.Error("unlisted command accepted")
	}
	if err := ValidateCommand("git status; rm -rf /", allowed); err == nil {
		t.Error("injection accepted")
	}
	if err := ValidateCommand("anything", []string{"*"}); err != nil {
		t.Errorf("wildcard rejected: %v", err)
	}
	if err := ValidateCommand("", allowed); err == nil {
		t.Error("empty command accepted")
	}
}

func TestDangerousCallIn(t *testing.T) {
	if got := DangerousCallIn("result = subprocess.run(cmd)"); got == "" {
		t.Error("subprocess call not flagged")
	}
	if got := DangerousCallIn("total = sum(values)"); got != "" {
		t.Errorf("benign code flagged as %q", got)
	}
}
