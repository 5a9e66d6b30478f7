package evolution

import (
	"regexp"
	"strings"

	"github.com/clawinfra/skillmesh/internal/model"
	"github.com/clawinfra/skillmesh/internal/security"
)

var secretPattern = regexp.MustCompile(`(?i)(api[_-]?key|secret|password|token)\s*[:=]\s*["'][A-Za-z0-9+/_\-]{12,}["']`)

// runAudit runs the static checks against a generated diff: suspicious
// system calls, hard-coded secrets, deletion of preexisting files, and a
// best-effort unused-dependency flag. The audit passes iff no finding is
// of error severity.
func runAudit(skillName, diff string) model.Audit {
	var issues []model.AuditIssue

	added := addedLines(diff)

	if pattern := security.DangerousCallIn(added); pattern != "" {
		issues = append(issues, model.AuditIssue{
			Severity: model.SeverityError,
			Category: "suspicious_call",
			Message:  "patch introduces a shell/process-execution call: " + pattern,
		})
	}

	if secretPattern.MatchString(added) {
		issues = append(issues, model.AuditIssue{
			Severity: model.SeverityError,
			Category: "hardcoded_secret",
			Message:  "patch appears to hard-code a credential",
		})
	}

	for _, deleted := range deletedPreexistingFiles(diff) {
		issues = append(issues, model.AuditIssue{
			Severity: model.SeverityError,
			Category: "deletion",
			Message:  "patch deletes a preexisting file: " + deleted,
		})
	}

	if unused := unusedImportCandidates(added); len(unused) > 0 {
		issues = append(issues, model.AuditIssue{
			Severity: model.SeverityWarning,
			Category: "unused_dependency",
			Message:  "import added but identifier not referenced: " + strings.Join(unused, ", "),
		})
	}

	passed := true
	for _, issue := range issues {
		if issue.Severity == model.SeverityError {
			passed = false
			break
		}
	}

	return model.Audit{Passed: passed, Issues: issues}
}

// addedLines returns the concatenation of every "+"-prefixed content line
// in a unified diff, with the leading "+" stripped.
func addedLines(diff string) string {
	var sb strings.Builder
	for _, line := range strings.Split(diff, "\n") {
		if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++") {
			sb.WriteString(strings.TrimPrefix(line, "+"))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

var importLinePattern = regexp.MustCompile(`(?m)^\s*import\s+"([a-zA-Z0-9_./\-]+)"\s*$`)

// unusedImportCandidates is a best-effort heuristic: an import whose last
// path segment never appears again in the added lines is flagged.
func unusedImportCandidates(added string) []string {
	var unused []string
	for _, m := range importLinePattern.FindAllStringSubmatch(added, -1) {
		pkg := m[1]
		alias := pkg
		if idx := strings.LastIndex(pkg, "/"); idx >= 0 {
			alias = pkg[idx+1:]
		}
		if strings.Count(added, alias) <= 1 {
			unused = append(unused, pkg)
		}
	}
	return unused
}
