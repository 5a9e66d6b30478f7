package evolution

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.starlark.net/syntax"
)

// runDryRun applies a generated diff to a scratch copy of the skill's
// directory and compile-checks the result. For Starlark scripts the check
// is a real parse; other file kinds are only checked for non-emptiness,
// since no general toolchain is assumed to be present.
func runDryRun(skillsDir, skillName, diff string) error {
	scratch, err := os.MkdirTemp("", "skillmesh-dryrun-*")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	src := filepath.Join(skillsDir, skillName)
	dst := filepath.Join(scratch, skillName)
	if err := copyDir(src, dst); err != nil {
		return fmt.Errorf("copy skill to scratch: %w", err)
	}

	if err := applyUnifiedDiff(scratch, skillName, diff); err != nil {
		return err
	}

	return compileCheck(dst)
}

func compileCheck(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if strings.ToLower(filepath.Ext(path)) != ".star" {
			if len(strings.TrimSpace(string(data))) == 0 {
				return fmt.Errorf("%s is empty after patch", filepath.Base(path))
			}
			return nil
		}
		if _, err := syntax.Parse(filepath.Base(path), data, 0); err != nil {
			return fmt.Errorf("script does not compile: %v", err)
		}
		return nil
	})
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == src {
				return os.MkdirAll(dst, 0750)
			}
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0750)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0640)
	})
}

// fileDiff is one file's worth of hunks inside a unified diff.
type fileDiff struct {
	oldPath string
	newPath string
	hunks   []hunk
}

type hunk struct {
	oldStart int
	oldLines []string
	newLines []string
}

// applyUnifiedDiff applies every file section of a unified diff under
// root. Diff paths are resolved relative to root after stripping any
// leading "skills/" segment, so both "name/file" and "skills/name/file"
// forms land in the same place.
func applyUnifiedDiff(root, skillName, diff string) error {
	sections, err := parseUnifiedDiff(diff)
	if err != nil {
		return err
	}

	for _, fd := range sections {
		switch {
		case fd.oldPath == "/dev/null":
			var lines []string
			for _, h := range fd.hunks {
				lines = append(lines, h.newLines...)
			}
			target := filepath.Join(root, normalizeDiffPath(fd.newPath))
			if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
				return fmt.Errorf("apply %s: %w", fd.newPath, err)
			}
			if err := os.WriteFile(target, []byte(strings.Join(lines, "\n")+"\n"), 0640); err != nil {
				return fmt.Errorf("apply %s: %w", fd.newPath, err)
			}
		case fd.newPath == "/dev/null":
			target := filepath.Join(root, normalizeDiffPath(fd.oldPath))
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("apply %s: %w", fd.oldPath, err)
			}
		default:
			target := filepath.Join(root, normalizeDiffPath(fd.newPath))
			if err := applyHunksToFile(target, fd.hunks); err != nil {
				return fmt.Errorf("apply %s: %w", fd.newPath, err)
			}
		}
	}
	return nil
}

func normalizeDiffPath(p string) string {
	return strings.TrimPrefix(p, "skills/")
}

func applyHunksToFile(path string, hunks []hunk) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			data = nil
		} else {
			return err
		}
	}
	lines := strings.Split(string(data), "\n")

	for _, h := range hunks {
		idx := locateHunk(lines, h)
		if idx < 0 {
			return fmt.Errorf("hunk at -%d does not apply", h.oldStart)
		}
		replaced := make([]string, 0, len(lines)-len(h.oldLines)+len(h.newLines))
		replaced = append(replaced, lines[:idx]...)
		replaced = append(replaced, h.newLines...)
		replaced = append(replaced, lines[idx+len(h.oldLines):]...)
		lines = replaced
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0640)
}

// locateHunk finds where a hunk's old lines occur, trying the header's
// line hint first and falling back to a full scan.
func locateHunk(lines []string, h hunk) int {
	if len(h.oldLines) == 0 {
		if h.oldStart > 0 && h.oldStart <= len(lines)+1 {
			return h.oldStart - 1
		}
		return len(lines)
	}
	hint := h.oldStart - 1
	if hint >= 0 && matchesAt(lines, h.oldLines, hint) {
		return hint
	}
	for i := 0; i+len(h.oldLines) <= len(lines); i++ {
		if matchesAt(lines, h.oldLines, i) {
			return i
		}
	}
	return -1
}

func matchesAt(lines, want []string, at int) bool {
	if at+len(want) > len(lines) {
		return false
	}
	for i, w := range want {
		if lines[at+i] != w {
			return false
		}
	}
	return true
}

func parseUnifiedDiff(diff string) ([]fileDiff, error) {
	var sections []fileDiff
	var current *fileDiff
	var currentHunk *hunk

	flushHunk := func() {
		if current != nil && currentHunk != nil {
			current.hunks = append(current.hunks, *currentHunk)
			currentHunk = nil
		}
	}
	flushFile := func() {
		flushHunk()
		if current != nil {
			sections = append(sections, *current)
			current = nil
		}
	}

	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "--- "):
			flushFile()
			current = &fileDiff{oldPath: stripDiffPrefix(strings.TrimPrefix(line, "--- "))}
		case strings.HasPrefix(line, "+++ "):
			if current == nil {
				return nil, fmt.Errorf("patch format invalid: +++ without ---")
			}
			current.newPath = stripDiffPrefix(strings.TrimPrefix(line, "+++ "))
		case strings.HasPrefix(line, "@@"):
			if current == nil {
				return nil, fmt.Errorf("patch format invalid: hunk without file header")
			}
			flushHunk()
			currentHunk = &hunk{oldStart: parseHunkOldStart(line)}
		case currentHunk != nil && strings.HasPrefix(line, "+"):
			currentHunk.newLines = append(currentHunk.newLines, line[1:])
		case currentHunk != nil && strings.HasPrefix(line, "-"):
			currentHunk.oldLines = append(currentHunk.oldLines, line[1:])
		case currentHunk != nil && strings.HasPrefix(line, " "):
			currentHunk.oldLines = append(currentHunk.oldLines, line[1:])
			currentHunk.newLines = append(currentHunk.newLines, line[1:])
		case currentHunk != nil && line == "":
			// Blank line with its leading space stripped (common in LLM
			// output) or end of diff: close the hunk either way.
			flushHunk()
		}
	}
	flushFile()

	if len(sections) == 0 {
		return nil, fmt.Errorf("patch format invalid: no file hunks found")
	}
	return sections, nil
}

func stripDiffPrefix(p string) string {
	p = strings.TrimSpace(p)
	if p == "/dev/null" {
		return p
	}
	p = strings.TrimPrefix(p, "a/")
	p = strings.TrimPrefix(p, "b/")
	return p
}

// parseHunkOldStart reads the old-file start line out of "@@ -l,c +l,c @@".
func parseHunkOldStart(header string) int {
	fields := strings.Fields(header)
	if len(fields) < 2 || !strings.HasPrefix(fields[1], "-") {
		return 0
	}
	numPart := strings.TrimPrefix(fields[1], "-")
	if idx := strings.Index(numPart, ","); idx >= 0 {
		numPart = numPart[:idx]
	}
	n, err := strconv.Atoi(numPart)
	if err != nil {
		return 0
	}
	return n
}
