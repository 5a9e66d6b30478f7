package evolution

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/skillmesh/internal/model"
)

// buildGenerationPrompt composes the prompt sent to the Provider for one
// generation attempt: what triggered the evolution, the current script
// source, and the feedback accumulated by prior attempts so the generator
// does not repeat a rejected patch.
func buildGenerationPrompt(rec *model.EvolutionRecord, scriptSource string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "You are evolving the skill %q. Produce a unified diff that modifies only files under the skill's own directory (%s/ or skills/%s/).\n\n",
		rec.SkillName, rec.SkillName, rec.SkillName)

	sb.WriteString("## Trigger\n")
	sb.WriteString(describeTrigger(rec.Context.Trigger))
	sb.WriteString("\n")

	if rec.Context.ErrorStack != "" {
		sb.WriteString("\n## Captured failure\n```\n")
		sb.WriteString(rec.Context.ErrorStack)
		sb.WriteString("\n```\n")
	}

	if scriptSource != "" {
		sb.WriteString("\n## Current script\n```\n")
		sb.WriteString(scriptSource)
		sb.WriteString("\n```\n")
	}

	if len(rec.FeedbackHistory) > 0 {
		sb.WriteString("\n## Feedback from prior attempts\n")
		for _, fb := range rec.FeedbackHistory {
			fmt.Fprintf(&sb, "- attempt %d, stage %s: %s\n", fb.Attempt, fb.Stage, fb.Feedback)
		}
	}

	sb.WriteString("\nReply with the diff inside a ```diff fence, followed by a short prose explanation of the change.\n")
	return sb.String()
}

func describeTrigger(t model.Trigger) string {
	switch t.Kind {
	case model.TriggerManualRequest:
		return "Manual request: " + t.Description
	case model.TriggerExecutionError:
		return fmt.Sprintf("Execution error (seen %d times): %s", t.Count, t.Error)
	case model.TriggerConsecutiveFailures:
		return fmt.Sprintf("%d consecutive failures within %d minutes", t.Count, t.WindowMinutes)
	case model.TriggerPerformanceDegradation:
		return fmt.Sprintf("Performance degradation: %s crossed %.2f", t.Metric, t.Threshold)
	case model.TriggerAPIChange:
		return fmt.Sprintf("API change: %s now returns %d", t.Endpoint, t.StatusCode)
	default:
		return string(t.Kind)
	}
}

// parsePatch extracts the unified diff and prose explanation from a
// Provider response. The diff is expected inside a ```diff fence; a bare
// response that itself starts with diff headers is accepted too.
func parsePatch(response string) (model.Patch, error) {
	diff, explanation := splitDiffFence(response)
	if diff == "" {
		return model.Patch{}, fmt.Errorf("patch format invalid: no diff found in response")
	}
	return model.Patch{
		PatchID:     uuid.NewString(),
		Diff:        diff,
		Explanation: strings.TrimSpace(explanation),
		GeneratedAt: time.Now().UTC(),
	}, nil
}

func splitDiffFence(response string) (diff, explanation string) {
	for _, fence := range []string{"```diff", "```patch"} {
		start := strings.Index(response, fence)
		if start < 0 {
			continue
		}
		body := response[start+len(fence):]
		end := strings.Index(body, "```")
		if end < 0 {
			end = len(body)
		}
		diff = strings.TrimLeft(body[:end], "\n")
		explanation = response[:start] + body[min(end+3, len(body)):]
		return diff, explanation
	}

	// Bare diff: the response opens with file headers.
	trimmed := strings.TrimSpace(response)
	if strings.HasPrefix(trimmed, "--- ") || strings.HasPrefix(trimmed, "diff --git") {
		return trimmed, ""
	}
	return "", response
}
