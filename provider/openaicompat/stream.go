package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/nevindra/turnflow"
)

// StreamSSE reads a chat completions SSE stream from body, forwards text and
// tool-call argument deltas to ch and returns the accumulated response. ch is
// closed on return.
//
//	data: {"id":"...","choices":[...]}
//	data: [DONE]
func StreamSSE(ctx context.Context, body io.Reader, ch chan<- turnflow.StreamEvent) (turnflow.ChatResponse, error) {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var content strings.Builder
	var usage turnflow.Usage

	// Tool calls stream by index; arguments arrive as string fragments.
	type partial struct {
		id, name string
		args     strings.Builder
	}
	var calls []*partial

	send := func(ev turnflow.StreamEvent) error {
		select {
		case ch <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			break
		}
		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = parseUsage(chunk.Usage)
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta == nil {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.Content != "" {
			content.WriteString(delta.Content)
			if err := send(turnflow.StreamEvent{Type: turnflow.EventTextDelta, Content: delta.Content}); err != nil {
				return turnflow.ChatResponse{}, err
			}
		}
		for _, tc := range delta.ToolCalls {
			for len(calls) <= tc.Index {
				calls = append(calls, &partial{})
			}
			pc := calls[tc.Index]
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			if tc.Function.Arguments == "" {
				continue
			}
			pc.args.WriteString(tc.Function.Arguments)
			ev := turnflow.StreamEvent{Type: turnflow.EventToolCallDelta, ID: pc.id, Name: pc.name, Content: tc.Function.Arguments}
			if err := send(ev); err != nil {
				return turnflow.ChatResponse{}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return turnflow.ChatResponse{}, err
	}

	out := turnflow.ChatResponse{Content: content.String(), Usage: usage}
	for _, pc := range calls {
		out.ToolCalls = append(out.ToolCalls, turnflow.ToolCall{ID: pc.id, Name: pc.name, Args: validArgs(pc.args.String())})
	}
	return out, nil
}
