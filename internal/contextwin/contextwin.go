// Package contextwin fits conversation histories into model context windows.
package contextwin

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/modelmux/modelmux/internal/tokenizer"
	"github.com/modelmux/modelmux/internal/types"
)

// Strategy selects how messages are truncated when they exceed the budget.
type Strategy string

// Truncation strategies
const (
	StrategyRecent    Strategy = "recent"
	StrategySummarize Strategy = "summarize"
	StrategySmart     Strategy = "smart"
)

// Token overhead constants.
const (
	perMessageOverhead = 4 // role framing tokens per message
	completionOverhead = 2 // reply priming
	recentKeep         = 5 // messages always kept by summarize/smart
	summaryLineLen     = 80
)

// Manager estimates token usage and trims message lists to fit a budget.
// It is stateless apart from the counter's encoding cache.
type Manager struct {
	counter tokenizer.Counter
}

// New creates a Manager backed by the given token counter.
func New(counter tokenizer.Counter) *Manager {
	return &Manager{counter: counter}
}

// EstimateTokens estimates prompt tokens for the messages against a model.
// Falls back to a chars/4 approximation when the tokenizer cannot encode.
func (m *Manager) EstimateTokens(messages []types.Message, model string) int {
	total := completionOverhead
	for _, msg := range messages {
		total += perMessageOverhead + m.countText(msg.Role, model) + m.countText(msg.Content, model)
	}
	return total
}

func (m *Manager) countText(text, model string) int {
	if m.counter != nil {
		if n, err := m.counter.CountText(text, model); err == nil {
			return n
		}
	}
	return len(text) / 4
}

// Optimize returns a message list that fits within
// modelLimit - maxCompletionTokens. Messages that already fit are returned
// unchanged. The input slice is never mutated.
func (m *Manager) Optimize(messages []types.Message, maxCompletionTokens int, model string, modelLimit int, strategy Strategy) []types.Message {
	budget := modelLimit - maxCompletionTokens
	if m.EstimateTokens(messages, model) <= budget {
		return messages
	}

	switch strategy {
	case StrategySummarize:
		return m.summarize(messages, model, budget)
	case StrategySmart:
		return m.smart(messages, model, budget)
	default:
		return m.recent(messages, model, budget)
	}
}

// recent keeps system messages, then the most recent non-system messages
// that fit. The newest message is always kept.
func (m *Manager) recent(messages []types.Message, model string, budget int) []types.Message {
	system, rest := split(messages)

	used := completionOverhead
	for _, msg := range system {
		used += m.messageTokens(msg, model)
	}

	var kept []types.Message
	for i := len(rest) - 1; i >= 0; i-- {
		cost := m.messageTokens(rest[i], model)
		if len(kept) > 0 && used+cost > budget {
			break
		}
		kept = append(kept, rest[i])
		used += cost
	}

	out := append([]types.Message{}, system...)
	for i := len(kept) - 1; i >= 0; i-- {
		out = append(out, kept[i])
	}
	return out
}

// summarize collapses all but the last recentKeep non-system messages into
// a single synthetic system message of one-line summaries.
func (m *Manager) summarize(messages []types.Message, model string, budget int) []types.Message {
	system, rest := split(messages)
	if len(rest) <= recentKeep {
		return m.recent(messages, model, budget)
	}

	dropped := rest[:len(rest)-recentKeep]
	recent := rest[len(rest)-recentKeep:]

	var b strings.Builder
	b.WriteString("Summary of earlier conversation:\n")
	for _, msg := range dropped {
		fmt.Fprintf(&b, "- [%s] %s\n", msg.Role, oneLine(msg.Content, summaryLineLen))
	}

	out := append([]types.Message{}, system...)
	out = append(out, types.Message{Role: types.RoleSystem, Content: b.String()})
	out = append(out, recent...)
	return out
}

// smart scores older messages by content heuristics and keeps the best
// ones that fit, in their original order, before the last recentKeep
// messages which are kept unconditionally.
func (m *Manager) smart(messages []types.Message, model string, budget int) []types.Message {
	system, rest := split(messages)
	if len(rest) <= recentKeep {
		return m.recent(messages, model, budget)
	}

	older := rest[:len(rest)-recentKeep]
	recent := rest[len(rest)-recentKeep:]

	used := completionOverhead
	for _, msg := range system {
		used += m.messageTokens(msg, model)
	}
	for _, msg := range recent {
		used += m.messageTokens(msg, model)
	}

	type scored struct {
		idx   int
		score int
		cost  int
	}
	candidates := make([]scored, 0, len(older))
	for i, msg := range older {
		candidates = append(candidates, scored{
			idx:   i,
			score: scoreMessage(msg),
			cost:  m.messageTokens(msg, model),
		})
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].score > candidates[b].score
	})

	keep := make(map[int]bool)
	for _, c := range candidates {
		if used+c.cost > budget {
			continue
		}
		keep[c.idx] = true
		used += c.cost
	}

	out := append([]types.Message{}, system...)
	for i, msg := range older {
		if keep[i] {
			out = append(out, msg)
		}
	}
	out = append(out, recent...)
	return out
}

// scoreMessage rates how much an older message is worth keeping.
func scoreMessage(msg types.Message) int {
	score := 0
	if strings.Contains(msg.Content, "```") {
		score += 10
	}
	if len(msg.Content) > 500 {
		score += 5
	}
	if strings.Contains(msg.Content, "?") {
		score += 3
	}
	return score
}

func (m *Manager) messageTokens(msg types.Message, model string) int {
	return perMessageOverhead + m.countText(msg.Role, model) + m.countText(msg.Content, model)
}

// split separates system messages (kept in order) from the rest.
func split(messages []types.Message) (system, rest []types.Message) {
	for _, msg := range messages {
		if msg.Role == types.RoleSystem {
			system = append(system, msg)
		} else {
			rest = append(rest, msg)
		}
	}
	return system, rest
}

// oneLine flattens content to a single truncated line for summaries.
// Truncation lands on a rune boundary so multi-byte text stays valid.
func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
