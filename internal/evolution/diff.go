package evolution

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/clawinfra/skillmesh/internal/security"
)

// diffFingerprint returns a stable, short hash of a unified diff, used to
// detect when a retried generation produced byte-identical output to a
// prior attempt.
func diffFingerprint(diff string) string {
	sum := blake2b.Sum256([]byte(diff))
	return hex.EncodeToString(sum[:16])
}

// diffFilePaths extracts the "b/" target path of every file hunk header
// (`--- a/...` / `+++ b/...`) in a unified diff.
func diffFilePaths(diff string) []string {
	var paths []string
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++ b/"):
			paths = append(paths, strings.TrimPrefix(line, "+++ b/"))
		case strings.HasPrefix(line, "+++ "):
			p := strings.TrimPrefix(line, "+++ ")
			if p != "/dev/null" {
				paths = append(paths, p)
			}
		}
	}
	return paths
}

// validateDiffScope rejects a diff that is empty, unparsable (no file
// hunk headers at all), or that touches a path outside the skill's own
// directory: an absolute path, a ".." traversal, or a path whose first
// segment (after an optional "skills/") is not the skill's name.
func validateDiffScope(skillName, diff string) error {
	paths := diffFilePaths(diff)
	if len(paths) == 0 {
		return fmt.Errorf("patch format invalid: no file hunks found")
	}
	for _, p := range paths {
		if err := security.ValidateSkillPath(skillName, p); err != nil {
			return fmt.Errorf("patch escapes skill directory: %s", p)
		}
	}
	return nil
}

// deletedPreexistingFiles reports every path a diff deletes outright
// (a hunk whose "+++" target is /dev/null), for the audit stage's
// no-deletion-of-prior-files check.
func deletedPreexistingFiles(diff string) []string {
	var deleted []string
	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "+++ /dev/null") && i > 0 && strings.HasPrefix(lines[i-1], "--- a/") {
			deleted = append(deleted, strings.TrimPrefix(lines[i-1], "--- a/"))
		}
	}
	return deleted
}
