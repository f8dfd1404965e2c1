package qa

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/querystack/ragserve/internal/llm"
)

// History defaults. A turn is one user/assistant exchange.
const (
	DefaultMaxHistoryTurns = 6
	DefaultKeepRecentTurns = 3
	DefaultMaxSummaryChars = 600
)

// turn is one completed exchange.
type turn struct {
	question string
	answer   string
}

// History holds one conversation: a rolling summary of older exchanges plus
// the recent turns verbatim.
type History struct {
	mu      sync.Mutex
	summary string
	turns   []turn

	maxTurns   int
	keepRecent int
	maxSummary int
}

// NewHistory creates an empty conversation history.
func NewHistory(maxTurns, keepRecent, maxSummary int) *History {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxHistoryTurns
	}
	if keepRecent <= 0 {
		keepRecent = DefaultKeepRecentTurns
	}
	if maxSummary <= 0 {
		maxSummary = DefaultMaxSummaryChars
	}
	return &History{maxTurns: maxTurns, keepRecent: keepRecent, maxSummary: maxSummary}
}

// Append records a completed exchange.
func (h *History) Append(question, answer string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, turn{question: question, answer: answer})
}

// Len returns the number of stored turns.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

// Summary returns the current rolling summary, empty until the first
// compaction.
func (h *History) Summary() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.summary
}

// Messages renders the active history: an optional system summary followed by
// the retained turns.
func (h *History) Messages() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]llm.Message, 0, len(h.turns)*2+1)
	if h.summary != "" {
		out = append(out, llm.System("Summary of the earlier conversation:\n"+h.summary))
	}
	for _, t := range h.turns {
		out = append(out, llm.User(t.question), llm.Assistant(t.answer))
	}
	return out
}

// Compact folds older turns into the rolling summary once the history exceeds
// its turn budget. The existing summary is fed back in so compression is
// incremental. A summarizer failure keeps the history as is.
func (h *History) Compact(ctx context.Context, chat llm.Client, logger *slog.Logger) {
	h.mu.Lock()
	if len(h.turns) <= h.maxTurns {
		h.mu.Unlock()
		return
	}
	old := h.turns[:len(h.turns)-h.keepRecent]
	prior := h.summary
	h.mu.Unlock()

	var b strings.Builder
	if prior != "" {
		fmt.Fprintf(&b, "Existing summary:\n%s\n\n", prior)
	}
	b.WriteString("Conversation to fold in:\n")
	for _, t := range old {
		fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", t.question, t.answer)
	}
	prompt := fmt.Sprintf(
		"Compress the following conversation into a short summary of at most %d characters. Keep concrete facts, decisions, and open questions. Reply with the summary only.\n\n%s",
		h.maxSummary, b.String())

	summary, _, err := chat.Chat(ctx, llm.Request{Messages: []llm.Message{llm.User(prompt)}})
	if err != nil {
		logger.Warn("history_summarize_failed", slog.String("error", err.Error()))
		return
	}
	summary = strings.TrimSpace(summary)
	if runes := []rune(summary); len(runes) > h.maxSummary {
		summary = string(runes[:h.maxSummary])
	}

	h.mu.Lock()
	// Drop exactly the turns that were summarized; turns appended while the
	// summarizer ran stay verbatim.
	if len(h.turns) >= len(old) {
		h.turns = append([]turn(nil), h.turns[len(old):]...)
	}
	h.summary = summary
	h.mu.Unlock()
}
