// Package contextbuilder assembles the system prompt and trimmed message
// history handed to a Provider for one turn: a stable prefix (identity,
// personality, rules) followed by a dynamic suffix (clock, memory brief,
// skills, tool guidance) that varies with the classified intent.
package contextbuilder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/clipperhouse/uax29/v2/graphemes"
	"github.com/dustin/go-humanize"

	"github.com/clawinfra/skillmesh/internal/ifaces"
	"github.com/clawinfra/skillmesh/internal/intent"
	"github.com/clawinfra/skillmesh/internal/model"
)

const maxHistoryMessages = 15

// Builder assembles system prompts and trimmed conversation history for one
// turn. A zero Builder is usable: AssistantName defaults to "skillmesh", and
// an empty WorkspaceDir means no workspace files are loaded.
type Builder struct {
	WorkspaceDir    string
	AssistantName   string
	Memory          ifaces.MemoryBackend
	Skills          []model.Skill
	CapabilityBrief string
}

func (b *Builder) assistantName() string {
	if b.AssistantName == "" {
		return "skillmesh"
	}
	return b.AssistantName
}

// loadFileIfExists returns a file's contents, or "" if it cannot be read.
func (b *Builder) loadFileIfExists(name string) string {
	if b.WorkspaceDir == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(b.WorkspaceDir, name))
	if err != nil {
		return ""
	}
	return string(data)
}

// BuildSystemPrompt assembles the system prompt for one turn's classified
// intents, honoring the operator's currently disabled skills and tools.
func (b *Builder) BuildSystemPrompt(ctx context.Context, intents []model.IntentCategory, disabledSkills, disabledTools []string) string {
	isChat := len(intents) == 1 && intents[0] == model.IntentChat

	var sb strings.Builder

	fmt.Fprintf(&sb, "You are %s, an AI assistant with access to tools.\n", b.assistantName())

	if agents := b.loadFileIfExists("agents.md"); agents != "" {
		sb.WriteString("\n")
		sb.WriteString(agents)
	}
	if soul := b.loadFileIfExists("soul.md"); soul != "" {
		sb.WriteString("\n")
		sb.WriteString(soul)
	}
	if user := b.loadFileIfExists("user.md"); user != "" {
		sb.WriteString("\n")
		sb.WriteString(user)
	}

	if !isChat {
		sb.WriteString("\n\n## Important Rules\n")
		for _, rule := range []string{
			"Prefer calling a tool over guessing; if no tool fits, say so plainly.",
			"Read a skill's documentation with read_file before assuming how it behaves.",
			"For work that will take more than a few tool calls, use spawn instead of blocking this turn.",
			"Call memory_query before asking the user something you may already know.",
			"Never hardcode credentials, tokens, or private keys into a tool call.",
			"Financial and on-chain figures are informational only; say so when giving any price or balance.",
			"When web_fetch returns Markdown, summarize it rather than repeating it verbatim.",
			"Display media by its file path; do not inline raw bytes into a reply.",
			"Use toggle_manage to enable or disable a skill or tool rather than improvising workarounds.",
			"Use community_hub to check for an existing skill before writing a new one from scratch.",
		} {
			fmt.Fprintf(&sb, "- %s\n", rule)
		}
	}

	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "Current time: %s\n", time.Now().UTC().Format(time.RFC3339))
	if b.WorkspaceDir != "" {
		fmt.Fprintf(&sb, "Workspace: %s\n", b.WorkspaceDir)
	}

	if brief := b.memoryBrief(ctx); brief != "" {
		sb.WriteString("\n## Memory\n")
		sb.WriteString(brief)
		sb.WriteString("\n")
	}

	if len(disabledSkills) > 0 || len(disabledTools) > 0 {
		sb.WriteString("\n## Disabled\n")
		if len(disabledSkills) > 0 {
			fmt.Fprintf(&sb, "Skills: %s\n", strings.Join(disabledSkills, ", "))
		}
		if len(disabledTools) > 0 {
			fmt.Fprintf(&sb, "Tools: %s\n", strings.Join(disabledTools, ", "))
		}
	}

	if !isChat && b.CapabilityBrief != "" {
		sb.WriteString("\n## Evolved Capabilities\n")
		sb.WriteString(b.CapabilityBrief)
		sb.WriteString("\n")
	}

	if intent.NeedsSkillsList(intents) {
		if section := b.buildSkillsSection(intents, disabledSkills); section != "" {
			sb.WriteString("\n## Skills\n")
			sb.WriteString(section)
		}
	}

	if intent.NeedsFinanceGuidelines(intents) {
		sb.WriteString("\n")
		sb.WriteString(financeGuidelines)
	}

	return sb.String()
}

func (b *Builder) memoryBrief(ctx context.Context) string {
	if b.Memory == nil {
		return ""
	}
	entries, err := b.Memory.Query(ctx, "", 20)
	if err != nil || len(entries) == 0 {
		return ""
	}
	var sb strings.Builder
	limit := 10
	if len(entries) < limit {
		limit = len(entries)
	}
	for _, e := range entries[:limit] {
		fmt.Fprintf(&sb, "- %s\n", e.Content)
	}
	return sb.String()
}

func (b *Builder) buildSkillsSection(intents []model.IntentCategory, disabledSkills []string) string {
	disabled := map[string]bool{}
	for _, s := range disabledSkills {
		disabled[s] = true
	}

	var available []model.Skill
	for _, s := range b.Skills {
		if !disabled[s.Name] {
			available = append(available, s)
		}
	}
	sort.Slice(available, func(i, j int) bool { return available[i].Name < available[j].Name })

	isUnknown := false
	for _, i := range intents {
		if i == model.IntentUnknown {
			isUnknown = true
		}
	}
	if isUnknown {
		return fmt.Sprintf("%d skills loaded across domains; ask for a specific one by name.\n", len(available))
	}

	var sb strings.Builder
	shown := 0
	for _, s := range available {
		if len(s.Meta.Triggers) == 0 || !skillMatchesIntents(s, intents) {
			continue
		}
		triggers := s.Meta.Triggers
		if len(triggers) > 4 {
			triggers = triggers[:4]
		}
		fmt.Fprintf(&sb, "- %s — %s\n", s.Name, strings.Join(triggers, " | "))
		shown++
		if shown >= 10 {
			break
		}
	}
	return sb.String()
}

func skillMatchesIntents(s model.Skill, intents []model.IntentCategory) bool {
	nameLower := strings.ToLower(s.Name)
	hasCapability := func(ids ...string) bool {
		for _, c := range s.Meta.Capabilities {
			for _, id := range ids {
				if c == id {
					return true
				}
			}
		}
		return false
	}
	nameHas := func(parts ...string) bool {
		for _, p := range parts {
			if strings.Contains(nameLower, p) {
				return true
			}
		}
		return false
	}

	for _, i := range intents {
		switch i {
		case model.IntentFinance:
			if hasCapability("finance_api", "exchange_api", "alert_rule", "stream_subscribe") ||
				nameHas("stock", "bond", "futures", "crypto", "portfolio", "finance", "daily_finance", "macro") {
				return true
			}
		case model.IntentBlockchain:
			if hasCapability("blockchain_rpc", "blockchain_tx", "bridge_api", "multisig", "nft_market") ||
				nameHas("chain", "wallet", "defi", "nft", "contract") {
				return true
			}
		case model.IntentSystemControl:
			if hasCapability("system_info", "app_control", "camera_capture", "termux_api") ||
				nameHas("system", "device", "app", "camera") {
				return true
			}
		case model.IntentMedia:
			if hasCapability("audio_transcribe", "tts", "ocr", "image_understand", "video_process") {
				return true
			}
		case model.IntentCommunication:
			if hasCapability("email", "social_media", "notification") {
				return true
			}
		default:
			if len(strings.TrimSpace(strings.Join(s.Meta.Triggers, ""))) > 2 {
				return true
			}
		}
	}
	return false
}

const financeGuidelines = `## Financial Data Guidance
When answering finance or blockchain questions, prefer finance_api and
exchange_api over guessing a figure from memory; fall back to http_request
against a market-data provider only when no dedicated tool covers the
instrument. State the data's as-of time and that it is informational, not
investment advice.
`

// BuildMessages assembles the full message list for one turn: a system
// message, the compressed and trimmed history, then the current user
// message (optionally multimodal).
func (b *Builder) BuildMessages(ctx context.Context, history []model.ChatMessage, userContent string, media []model.MediaAttachment, intents []model.IntentCategory, disabledSkills, disabledTools []string) []model.ChatMessage {
	out := []model.ChatMessage{
		{Role: model.RoleSystem, Content: b.BuildSystemPrompt(ctx, intents, disabledSkills, disabledTools)},
	}

	compressed := compressHistory(history)
	start := findSafeHistoryStart(compressed)
	for _, msg := range compressed[start:] {
		out = append(out, trimChatMessage(msg))
	}

	out = append(out, buildUserMessage(userContent, media))
	return out
}

func buildUserMessage(userContent string, media []model.MediaAttachment) model.ChatMessage {
	trimmed := trimTextHeadTail(userContent, 4000)

	// Only image media rides along; everything else is dropped since the
	// provider contract has no part type for it.
	var images []model.MediaAttachment
	for _, m := range media {
		if m.Kind == model.MediaImage {
			images = append(images, m)
		}
	}
	if len(images) == 0 {
		return model.ChatMessage{Role: model.RoleUser, Content: trimmed}
	}
	return model.ChatMessage{Role: model.RoleUser, Content: trimmed, Media: images}
}

// compressHistory groups history into rounds (each starting at a user
// message), keeps the last two rounds verbatim, and collapses earlier
// rounds into one synthetic "[Earlier]" summary message each. The result
// is capped to the most recent maxHistoryMessages entries.
func compressHistory(history []model.ChatMessage) []model.ChatMessage {
	var rounds [][]model.ChatMessage
	for _, msg := range history {
		if msg.Role == model.RoleUser || len(rounds) == 0 {
			rounds = append(rounds, []model.ChatMessage{msg})
		} else {
			rounds[len(rounds)-1] = append(rounds[len(rounds)-1], msg)
		}
	}

	total := len(rounds)
	var result []model.ChatMessage
	for i, round := range rounds {
		isRecent := i >= total-2
		if isRecent {
			result = append(result, round...)
			continue
		}

		var userText, assistantText string
		assistantText = "(completed with tool calls)"
		for _, msg := range round {
			switch msg.Role {
			case model.RoleUser:
				userText = contentText(msg)
			case model.RoleAssistant:
				if len(msg.ToolCalls) == 0 {
					assistantText = contentText(msg)
				}
			}
		}

		summary := fmt.Sprintf("[Earlier] User: %s\nAssistant: %s",
			trimTextHeadTail(userText, 200), trimTextHeadTail(assistantText, 400))
		result = append(result, model.ChatMessage{Role: model.RoleUser, Content: summary})
	}

	if len(result) > maxHistoryMessages {
		result = result[len(result)-maxHistoryMessages:]
	}
	return result
}

func contentText(msg model.ChatMessage) string {
	return msg.Content
}

// findSafeHistoryStart skips leading tool messages, then skips any
// assistant message (and its tool replies) whose tool_calls are not fully
// answered by the immediately following tool messages — such a message
// would reference a tool_call_id the provider has never seen a result for.
func findSafeHistoryStart(history []model.ChatMessage) int {
	i := 0
	for i < len(history) && history[i].Role == model.RoleTool {
		i++
	}

	for i < len(history) {
		msg := history[i]
		if msg.Role != model.RoleAssistant || len(msg.ToolCalls) == 0 {
			break
		}

		expected := map[string]bool{}
		for _, tc := range msg.ToolCalls {
			expected[tc.ID] = true
		}

		found := map[string]bool{}
		j := i + 1
		for j < len(history) && history[j].Role == model.RoleTool {
			found[history[j].ToolCallID] = true
			j++
		}

		allFound := true
		for id := range expected {
			if !found[id] {
				allFound = false
				break
			}
		}
		if allFound {
			break
		}
		i = j
	}
	return i
}

var maxCharsByRole = map[model.ChatRole]int{
	model.RoleTool:   2400,
	model.RoleSystem: 8000,
}

const defaultMaxChars = 1400

// trimChatMessage trims a message's text content to a per-role character
// budget, preserving any non-text media untouched.
func trimChatMessage(msg model.ChatMessage) model.ChatMessage {
	max, ok := maxCharsByRole[msg.Role]
	if !ok {
		max = defaultMaxChars
	}
	msg.Content = trimTextHeadTail(msg.Content, max)
	return msg
}

// trimTextHeadTail keeps the first two-thirds and the last third of a
// string's grapheme clusters when it exceeds maxChars clusters, joining
// them with a "<trimmed N chars>" marker, where N counts the dropped
// clusters.
func trimTextHeadTail(s string, maxChars int) string {
	if maxChars == 0 {
		return ""
	}

	var clusters []string
	segments := graphemes.FromString(s)
	for segments.Next() {
		clusters = append(clusters, segments.Value())
	}
	if len(clusters) <= maxChars {
		return s
	}

	headChars := maxChars * 2 / 3
	tailChars := maxChars - headChars
	dropped := len(clusters) - maxChars

	head := strings.Join(clusters[:headChars], "")
	tail := strings.Join(clusters[len(clusters)-tailChars:], "")
	return fmt.Sprintf("%s\n...<trimmed %s chars>...\n%s", head, humanize.Comma(int64(dropped)), tail)
}
