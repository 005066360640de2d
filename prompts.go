package turnflow

import (
	"fmt"
	"strings"
)

// DefaultSystemPrompt is used when WithSystemPrompt is not set.
const DefaultSystemPrompt = `You are a helpful assistant with access to tools. Use tools to look up information you do not have. When a tool call is needed, call it without writing any other text.`

const synthesisInstructions = `You write analytical reports from tool results.
Answer the user's request using only the results below. Structure the answer with short sections and headings, compare items explicitly where the request asks for it, and cite sources inline as [n] using the numbered source list. End with a "Sources" section listing every cited source. If the results do not answer part of the request, say so.`

const simpleInstructions = `Present the tool results below to the user. Do not re-analyze, speculate or add information. Keep identifiers, names and links exactly as given.`

// simpleKind selects how simple responses format results.
type simpleKind int

const (
	simpleGeneric simpleKind = iota
	simpleListing
	simplePreview
)

const previewRunes = 4000

// toolResultBlock renders one tool result for a prompt.
func toolResultBlock(b *strings.Builder, n int, m ChatMessage) {
	fmt.Fprintf(b, "### Result %d (%s)\n%s\n\n", n, m.Name, strings.TrimSpace(m.Content))
}

// synthesisPrompt lists the sources ahead of the results so truncation of
// the prompt tail never takes the citations with it.
func synthesisPrompt(query string, results []ChatMessage, sources []Source) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User request:\n%s\n\n", query)
	if len(sources) > 0 {
		b.WriteString("## Sources\n")
		for i, s := range sources {
			title := s.Title
			if title == "" {
				title = s.URL
			}
			fmt.Fprintf(&b, "[%d] %s: %s\n", i+1, title, s.URL)
		}
		b.WriteString("\n")
	}
	b.WriteString("## Tool results\n\n")
	n := 0
	for _, m := range results {
		if isErrorResult(m.Content) {
			continue
		}
		n++
		toolResultBlock(&b, n, m)
	}
	if n == 0 {
		b.WriteString("(no successful tool results)\n\n")
	}
	return b.String()
}

func simplePrompt(query string, kind simpleKind, results []ChatMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User request:\n%s\n\n", query)
	switch kind {
	case simpleListing:
		b.WriteString("Show this listing as a list, one item per line, keeping every name and link:\n\n")
		for _, m := range results {
			b.WriteString(strings.TrimSpace(m.Content))
			b.WriteString("\n\n")
		}
	case simplePreview:
		b.WriteString("Show the content below with a one-line header naming the item:\n\n")
		content := results[0].Content
		if len([]rune(content)) > previewRunes {
			content = truncateStr(content, previewRunes) + "\n[content truncated]"
		}
		b.WriteString(content)
		b.WriteString("\n")
	default:
		for i, m := range results {
			toolResultBlock(&b, i+1, m)
		}
	}
	return b.String()
}
