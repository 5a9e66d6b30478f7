// Package ifaces holds the collaborator interfaces this module depends on
// but does not implement: LLM generation, outbound delivery, and long-term
// memory. Concrete implementations are out of scope — callers wire their
// own.
package ifaces

import (
	"context"
)

// Tool is an executable capability a skill or evolution stage can invoke.
// The Capability Registry adapts its executors to this interface for the
// Skill Dispatcher's tool_executor callback.
type Tool interface {
	Name() string
	Execute(ctx context.Context, params map[string]any) (map[string]any, error)
}

// Provider is the narrow LLM contract this module needs: a single
// generate(prompt) -> text call. No concrete client (OpenAI, Anthropic,
// Ollama, ...) ships here — the Evolution Service's generate stage takes
// a Provider at construction time.
type Provider interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// OutboundSink delivers a finished message to whatever channel the caller
// has wired up (chat UI, webhook, log). Only the send side is in scope.
type OutboundSink interface {
	SendText(ctx context.Context, chatID, text string) error
	SendMedia(ctx context.Context, chatID, mediaPath string) error
}

// MemoryBackend is the narrow persisted-memory facade the Context Builder
// needs to fetch a memory brief. No concrete store ships here.
type MemoryBackend interface {
	Query(ctx context.Context, query string, limit int) ([]MemoryEntry, error)
	Upsert(ctx context.Context, entry MemoryEntry) error
	SoftDelete(ctx context.Context, id string) error
}

// MemoryEntry is one remembered fact or summary.
type MemoryEntry struct {
	ID      string
	Content string
	Score   float64
}
