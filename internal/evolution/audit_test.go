package evolution

import (
	"testing"

	"github.com/clawinfra/skillmesh/internal/model"
)

func hasIssue(a model.Audit, category string, severity model.IssueSeverity) bool {
	for _, issue := range a.Issues {
		if issue.Category == category && issue.Severity == severity {
			return true
		}
	}
	return false
}

func TestAuditPassesCleanDiff(t *testing.T) {
	diff := `--- a/demo/SKILL.star
+++ b/demo/SKILL.star
@@ -1 +1 @@
-output = "hello"
+output = "better hello"
`
	a := runAudit("demo", diff)
	if !a.Passed {
		t.Errorf("clean diff failed audit: %+v", a.Issues)
	}
}

func TestAuditFlagsHardcodedSecret(t *testing.T) {
	diff := `--- a/demo/SKILL.star
+++ b/demo/SKILL.star
@@ -1 +1 @@
-output = "hello"
+api_key = "sk_live_ABCDEF1234567890"
`
	a := runAudit("demo", diff)
	if a.Passed {
		t.Error("secret-bearing diff passed audit")
	}
	if !hasIssue(a, "hardcoded_secret", model.SeverityError) {
		t.Errorf("issues = %+v, want hardcoded_secret error", a.Issues)
	}
}

func TestAuditFlagsSuspiciousCall(t *testing.T) {
	diff := `--- a/demo/scripts/run.py
+++ b/demo/scripts/run.py
@@ -1 +1,2 @@
 import json
+result = subprocess.check_output(cmd)
`
	a := runAudit("demo", diff)
	if a.Passed {
		t.Error("process-spawning diff passed audit")
	}
	if !hasIssue(a, "suspicious_call", model.SeverityError) {
		t.Errorf("issues = %+v, want suspicious_call error", a.Issues)
	}
}

func TestAuditFlagsFileDeletion(t *testing.T) {
	diff := `--- a/demo/old.star
+++ /dev/null
@@ -1 +0,0 @@
-gone = True
`
	a := runAudit("demo", diff)
	if a.Passed {
		t.Error("deleting diff passed audit")
	}
	if !hasIssue(a, "deletion", model.SeverityError) {
		t.Errorf("issues = %+v, want deletion error", a.Issues)
	}
}

func TestAuditUnusedImportIsWarningOnly(t *testing.T) {
	diff := `--- a/demo/SKILL.star
+++ b/demo/SKILL.star
@@ -1 +1,2 @@
 output = "hello"
+import "left/unreferenced"
`
	a := runAudit("demo", diff)
	if !a.Passed {
		t.Errorf("warning-only diff failed audit: %+v", a.Issues)
	}
	if !hasIssue(a, "unused_dependency", model.SeverityWarning) {
		t.Errorf("issues = %+v, want unused_dependency warning", a.Issues)
	}
}
