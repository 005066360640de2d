package turnflow

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"unicode/utf8"
)

// ModelTier is the model strength the context analysis recommends.
type ModelTier int

const (
	TierDefault ModelTier = iota
	TierFast
	TierStrong
)

func (t ModelTier) String() string {
	switch t {
	case TierFast:
		return "fast"
	case TierStrong:
		return "strong"
	default:
		return "default"
	}
}

// ContextConfig tunes the context window manager. Zero fields take the
// defaults of DefaultContextConfig.
type ContextConfig struct {
	// CharsPerToken is the estimation divisor. Token counts are an
	// approximation; they only need to be consistent within a run.
	CharsPerToken int
	// MessageOverhead is added per message for role and framing tokens.
	MessageOverhead int
	// ModelLimit is the context window of the bound model, in tokens.
	ModelLimit int
	// ResponseReserve is kept free for the model's answer.
	ResponseReserve int
	// ToolOverheadTokens is charged per bound tool schema.
	ToolOverheadTokens int
	// SummaryThreshold is the tool-result size (runes) above which results get summarized.
	SummaryThreshold int
	// SummaryTarget is the rune length a summary or clipped result aims for.
	SummaryTarget int
	// StrongToolThreshold escalates to the strong tier when at least this many tools are bound.
	StrongToolThreshold int
	// StrongToolResults escalates when the turn already holds this many tool results.
	StrongToolResults int
	// FastUsageRatio de-escalates when the estimate is below this fraction of the limit.
	FastUsageRatio float64
	// EmergencyRatio is the fraction of the budget EmergencyTruncate aims for.
	EmergencyRatio float64
	// EmergencyToolClip caps each tool result (runes) during emergency truncation.
	EmergencyToolClip int
}

// DefaultContextConfig returns the defaults used when fields are zero.
func DefaultContextConfig() ContextConfig {
	return ContextConfig{
		CharsPerToken:       4,
		MessageOverhead:     4,
		ModelLimit:          128000,
		ResponseReserve:     4096,
		ToolOverheadTokens:  150,
		SummaryThreshold:    12000,
		SummaryTarget:       2000,
		StrongToolThreshold: 20,
		StrongToolResults:   4,
		FastUsageRatio:      0.05,
		EmergencyRatio:      0.5,
		EmergencyToolClip:   1500,
	}
}

func (c ContextConfig) withDefaults() ContextConfig {
	d := DefaultContextConfig()
	if c.CharsPerToken <= 0 {
		c.CharsPerToken = d.CharsPerToken
	}
	if c.MessageOverhead < 0 {
		c.MessageOverhead = 0
	} else if c.MessageOverhead == 0 {
		c.MessageOverhead = d.MessageOverhead
	}
	if c.ModelLimit <= 0 {
		c.ModelLimit = d.ModelLimit
	}
	if c.ResponseReserve <= 0 {
		c.ResponseReserve = d.ResponseReserve
	}
	if c.ToolOverheadTokens <= 0 {
		c.ToolOverheadTokens = d.ToolOverheadTokens
	}
	if c.SummaryThreshold <= 0 {
		c.SummaryThreshold = d.SummaryThreshold
	}
	if c.SummaryTarget <= 0 {
		c.SummaryTarget = d.SummaryTarget
	}
	if c.StrongToolThreshold <= 0 {
		c.StrongToolThreshold = d.StrongToolThreshold
	}
	if c.StrongToolResults <= 0 {
		c.StrongToolResults = d.StrongToolResults
	}
	if c.FastUsageRatio <= 0 {
		c.FastUsageRatio = d.FastUsageRatio
	}
	if c.EmergencyRatio <= 0 || c.EmergencyRatio > 1 {
		c.EmergencyRatio = d.EmergencyRatio
	}
	if c.EmergencyToolClip <= 0 {
		c.EmergencyToolClip = d.EmergencyToolClip
	}
	return c
}

// ContextAnalysis is the result of ContextManager.Analyze.
type ContextAnalysis struct {
	EstimatedTokens int
	// Budget is what the messages may use: limit minus tool overhead and response reserve.
	Budget   int
	Overflow bool
	Tier     ModelTier
}

// ContextManager keeps message lists inside a model's token budget.
type ContextManager struct {
	cfg        ContextConfig
	summarizer Provider
	logger     *slog.Logger
	tracer     Tracer
}

// NewContextManager creates a manager. summarizer may be nil, in which case
// oversized tool results are clipped instead of summarized.
func NewContextManager(cfg ContextConfig, summarizer Provider, logger *slog.Logger) *ContextManager {
	if logger == nil {
		logger = nopLogger
	}
	return &ContextManager{cfg: cfg.withDefaults(), summarizer: summarizer, logger: logger}
}

// WithTracer sets the tracer used for summarization spans and returns c.
func (c *ContextManager) WithTracer(t Tracer) *ContextManager {
	c.tracer = t
	return c
}

// Config returns the effective configuration.
func (c *ContextManager) Config() ContextConfig { return c.cfg }

func (c *ContextManager) tokens(runes int) int {
	return (runes + c.cfg.CharsPerToken - 1) / c.cfg.CharsPerToken
}

func (c *ContextManager) messageTokens(m ChatMessage) int {
	n := c.cfg.MessageOverhead + c.tokens(utf8.RuneCountInString(m.Content)) + c.tokens(len(m.Name))
	for _, tc := range m.ToolCalls {
		n += c.tokens(len(tc.Name) + utf8.RuneCount(tc.Args))
	}
	return n
}

// EstimateTokens approximates the token cost of msgs as runes divided by
// CharsPerToken plus a fixed per-message overhead.
func (c *ContextManager) EstimateTokens(msgs []ChatMessage) int {
	n := 0
	for _, m := range msgs {
		n += c.messageTokens(m)
	}
	return n
}

// Budget returns the tokens messages may use for the given limit and tool count.
func (c *ContextManager) Budget(modelLimit, toolCount int) int {
	if modelLimit <= 0 {
		modelLimit = c.cfg.ModelLimit
	}
	return max(modelLimit-toolCount*c.cfg.ToolOverheadTokens-c.cfg.ResponseReserve, 0)
}

// Analyze reports whether msgs overflow the model's budget and which model
// tier fits the task.
func (c *ContextManager) Analyze(msgs []ChatMessage, modelLimit, toolCount int) ContextAnalysis {
	if modelLimit <= 0 {
		modelLimit = c.cfg.ModelLimit
	}
	a := ContextAnalysis{
		EstimatedTokens: c.EstimateTokens(msgs),
		Budget:          c.Budget(modelLimit, toolCount),
	}
	a.Overflow = a.EstimatedTokens > a.Budget

	toolResults := 0
	for _, m := range msgs {
		if m.Role == RoleTool {
			toolResults++
		}
	}
	switch {
	case a.Overflow, toolCount >= c.cfg.StrongToolThreshold, toolResults >= c.cfg.StrongToolResults:
		a.Tier = TierStrong
	case float64(a.EstimatedTokens) < c.cfg.FastUsageRatio*float64(modelLimit):
		a.Tier = TierFast
	default:
		a.Tier = TierDefault
	}
	return a
}

// splitBlocks groups non-system messages into conversational blocks. A block
// opens at a user message and closes after the next assistant message that
// carries no tool calls, so a tool result always stays with its call.
func splitBlocks(msgs []ChatMessage) [][]ChatMessage {
	var blocks [][]ChatMessage
	var cur []ChatMessage
	flush := func() {
		if len(cur) > 0 {
			blocks = append(blocks, cur)
			cur = nil
		}
	}
	for _, m := range msgs {
		if m.Role == RoleSystem {
			continue
		}
		if m.Role == RoleUser {
			flush()
		}
		cur = append(cur, m)
		if m.Role == RoleAssistant && !m.HasToolCalls() {
			flush()
		}
	}
	flush()
	return blocks
}

// Truncate fits msgs into budget tokens. System messages are always kept;
// then whole blocks are kept newest-first until the next one does not fit.
// Blocks are never split. When no block fits, the latest user message is
// kept alone, clipped to the remaining budget. System messages that leave no
// room for that message are clipped to half the budget. Budgets below two
// message overheads cannot be met.
func (c *ContextManager) Truncate(msgs []ChatMessage, budget int) []ChatMessage {
	if c.EstimateTokens(msgs) <= budget {
		return slices.Clone(msgs)
	}
	var system []ChatMessage
	for _, m := range msgs {
		if m.Role == RoleSystem {
			system = append(system, m)
		}
	}
	if c.EstimateTokens(system)+2*c.cfg.MessageOverhead > budget {
		system = c.clipSystem(system, budget/2)
	}
	remaining := budget - c.EstimateTokens(system)
	blocks := splitBlocks(msgs)

	start := len(blocks)
	for i := len(blocks) - 1; i >= 0; i-- {
		cost := c.EstimateTokens(blocks[i])
		if cost > remaining {
			break
		}
		remaining -= cost
		start = i
	}

	out := slices.Clone(system)
	for _, b := range blocks[start:] {
		out = append(out, b...)
	}
	if start < len(blocks) || len(blocks) == 0 {
		return out
	}

	// Nothing fit: keep the latest user message (or the latest message at all).
	var last ChatMessage
	found := false
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			last, found = msgs[i], true
			break
		}
	}
	if !found {
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role != RoleSystem && !msgs[i].HasToolCalls() && msgs[i].Role != RoleTool {
				last, found = msgs[i], true
				break
			}
		}
	}
	if !found {
		last = UserMessage("")
	}
	last.ToolCalls = nil
	fixed := c.messageTokens(ChatMessage{Role: last.Role, Name: last.Name})
	allowed := max(remaining-fixed, 0) * c.cfg.CharsPerToken
	last.Content = truncateStr(last.Content, allowed)
	c.logger.Warn("context truncation kept only the latest message", "budget", budget)
	return append(out, last)
}

// clipSystem keeps the system messages in order within budget tokens,
// clipping the one that crosses it and dropping the rest.
func (c *ContextManager) clipSystem(system []ChatMessage, budget int) []ChatMessage {
	out := make([]ChatMessage, 0, len(system))
	for _, m := range system {
		fixed := c.messageTokens(ChatMessage{Role: m.Role, Name: m.Name})
		if budget-fixed <= 0 {
			break
		}
		m.Content = truncateStr(m.Content, (budget-fixed)*c.cfg.CharsPerToken)
		budget -= c.messageTokens(m)
		out = append(out, m)
	}
	c.logger.Warn("system prompt clipped to fit the context budget", "kept", len(out), "of", len(system))
	return out
}

// EmergencyTruncate is the recovery path after the inference service
// rejected a request as too long: every tool result is hard-clipped and the
// list is truncated to a fraction of the budget.
func (c *ContextManager) EmergencyTruncate(msgs []ChatMessage, budget int) []ChatMessage {
	clipped := make([]ChatMessage, len(msgs))
	for i, m := range msgs {
		if m.Role == RoleTool && utf8.RuneCountInString(m.Content) > c.cfg.EmergencyToolClip {
			m.Content = truncateStr(m.Content, c.cfg.EmergencyToolClip) + "\n[truncated]"
		}
		clipped[i] = m
	}
	target := int(float64(budget) * c.cfg.EmergencyRatio)
	return c.Truncate(clipped, target)
}

const summarizePrompt = `Summarize the following tool result concisely. Preserve key facts, identifiers, figures and every source link exactly as written. Do not add information.`

// SummarizeOversizedToolResults replaces each tool result longer than
// SummaryThreshold runes with a short summary. Source links of the original
// are re-appended if the summary dropped them. When summarization fails the
// result is clipped instead (degrade, don't die). msgs is not modified.
func (c *ContextManager) SummarizeOversizedToolResults(ctx context.Context, msgs []ChatMessage) []ChatMessage {
	return c.summarizeToolResults(ctx, msgs, nil)
}

// summarizeToolResults is SummarizeOversizedToolResults with a memo keyed by
// ToolCallID. Results found in memo are not summarized again; new summaries
// are stored in it. A nil memo disables reuse.
func (c *ContextManager) summarizeToolResults(ctx context.Context, msgs []ChatMessage, memo map[string]string) []ChatMessage {
	out := slices.Clone(msgs)
	for i, m := range out {
		if m.Role != RoleTool || utf8.RuneCountInString(m.Content) <= c.cfg.SummaryThreshold {
			continue
		}
		if s, ok := memo[m.ToolCallID]; ok && m.ToolCallID != "" {
			out[i].Content = s
			continue
		}
		if ctx.Err() != nil {
			break
		}
		sources := ExtractSources(m.Content)
		summary, err := c.summarize(ctx, m)
		if err != nil {
			c.logger.Warn("tool result summarization failed, clipping", "tool", m.Name, "error", err)
			summary = truncateStr(m.Content, c.cfg.SummaryTarget) + "\n[truncated]"
		}
		out[i].Content = withSources(summary, sources)
		if memo != nil && m.ToolCallID != "" {
			memo[m.ToolCallID] = out[i].Content
		}
	}
	return out
}

// resultFraming is the rune allowance per result for the prompt block around it.
const resultFraming = 40

const clipMarker = "\n[truncated]"

// FitToolResults clips tool results so that, framed as prompt blocks, they
// fit budget tokens together. The budget is shared: results smaller than an
// even share stay whole and what they leave is split among the larger ones.
// A clipped result keeps its source links. results is not modified.
func (c *ContextManager) FitToolResults(results []ChatMessage, budget int) []ChatMessage {
	out := slices.Clone(results)
	remaining := budget
	for _, m := range out {
		remaining -= c.tokens(len(m.Name) + resultFraming)
	}
	cost := func(m ChatMessage) int { return c.tokens(utf8.RuneCountInString(m.Content)) }
	order := make([]int, len(out))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int { return cost(out[a]) - cost(out[b]) })

	for n, i := range order {
		share := max(remaining, 0) / (len(order) - n)
		if k := cost(out[i]); k <= share {
			remaining -= k
			continue
		}
		sources := ExtractSources(out[i].Content)
		reserve := utf8.RuneCountInString(withSources("", sources))
		keep := max(share*c.cfg.CharsPerToken-reserve-len(clipMarker), 0)
		out[i].Content = withSources(truncateStr(out[i].Content, keep)+clipMarker, sources)
		remaining -= share
		c.logger.Debug("tool result clipped to fit", "tool", out[i].Name, "share_tokens", share)
	}
	return out
}

func (c *ContextManager) summarize(ctx context.Context, m ChatMessage) (string, error) {
	if c.summarizer == nil {
		return "", fmt.Errorf("no summarizer configured")
	}
	ctx, span := startSpan(ctx, c.tracer, "context.summarize",
		StringAttr("tool", m.Name), IntAttr("runes", utf8.RuneCountInString(m.Content)))
	defer span.End()
	resp, err := c.summarizer.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage(summarizePrompt),
			UserMessage(m.Content),
		},
	})
	if err != nil {
		span.Error(err)
		return "", err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("empty summary")
	}
	return resp.Content, nil
}

// withSources appends the URLs of sources missing from text.
func withSources(text string, sources []Source) string {
	var missing []Source
	for _, s := range sources {
		if !strings.Contains(text, s.URL) {
			missing = append(missing, s)
		}
	}
	if len(missing) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	b.WriteString("\n\nSources:\n")
	for _, s := range missing {
		if s.Title != "" {
			fmt.Fprintf(&b, "- %s: %s\n", s.Title, s.URL)
		} else {
			fmt.Fprintf(&b, "- %s\n", s.URL)
		}
	}
	return b.String()
}

// truncateStr truncates a string to n runes.
func truncateStr(s string, n int) string {
	if n <= 0 {
		return ""
	}
	// Fast path: byte length ≤ n guarantees rune count ≤ n.
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
