package security

import (
	"fmt"
	"strings"
)

// shellInjectionPatterns are patterns that indicate potential shell injection.
var shellInjectionPatterns = []string{
	"$(", "`", "&&", "||", ";", "|", ">", "<", "\n", "\r",
}

// dangerousCallPatterns are substrings that mark code as spawning
// processes, evaluating dynamic code, or piping downloads into a shell.
// The evolution audit stage flags any added line containing one.
var dangerousCallPatterns = []string{
	"os.exec", "exec.Command", "subprocess.", "system(", "eval(",
	"rm -rf", "curl | sh", "wget | sh", "| sh", "| bash",
}

// DangerousCallIn returns the first dangerous-call pattern found in code,
// or "" if none is present.
func DangerousCallIn(code string) string {
	lower := strings.ToLower(code)
	for _, pattern := range dangerousCallPatterns {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return pattern
		}
	}
	return ""
}

// ValidateCommand checks that a command is on the allowlist and free of injection.
func ValidateCommand(cmd string, allowedCommands []string) error {
	if cmd == "" {
		return fmt.Errorf("empty command")
	}

	// Block shell injection patterns
	for _, pattern := range shellInjectionPatterns {
		if strings.Contains(cmd, pattern) {
			return fmt.Errorf("command contains blocked pattern %q", pattern)
		}
	}

	// Extract binary name (first token)
	binary := extractBinary(cmd)

	// Check allowlist
	if len(allowedCommands) == 0 {
		return fmt.Errorf("no commands are allowed")
	}

	for _, allowed := range allowedCommands {
		if allowed == "*" {
			return nil // wildcard allows everything
		}
		if binary == allowed {
			return nil
		}
	}

	return fmt.Errorf("command %q is not in the allowed list", binary)
}

// extractBinary returns the base binary name from a command string.
func extractBinary(cmd string) string {
	cmd = strings.TrimSpace(cmd)
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return ""
	}
	// Handle path-qualified binaries: /usr/bin/git -> git
	binary := parts[0]
	if idx := strings.LastIndex(binary, "/"); idx >= 0 {
		binary = binary[idx+1:]
	}
	return binary
}
