package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ContentBlock is one element of a tool result's content array.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolErrorResult is returned when the backend flags a tool result with
// isError. It is a successful call whose payload describes a tool failure.
type ToolErrorResult struct {
	IsError bool `json:"isError"`
	Content any  `json:"content"`
}

// NormalizeResult reduces a tools/call result to what the caller sees.
//
// A content array made only of text blocks becomes the texts joined with
// newlines; any other content array is returned as-is. A result without a
// content array is returned decoded.
func NormalizeResult(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode tool result: %w", err)
	}

	switch v := decoded.(type) {
	case []any:
		return collapseContent(v), nil
	case map[string]any:
		content, ok := v["content"].([]any)
		if !ok {
			return v, nil
		}
		collapsed := collapseContent(content)
		if isErr, _ := v["isError"].(bool); isErr {
			return ToolErrorResult{IsError: true, Content: collapsed}, nil
		}
		return collapsed, nil
	default:
		return v, nil
	}
}

func collapseContent(blocks []any) any {
	if len(blocks) == 0 {
		return blocks
	}
	texts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		block, ok := b.(map[string]any)
		if !ok || block["type"] != "text" {
			return blocks
		}
		text, ok := block["text"].(string)
		if !ok {
			return blocks
		}
		texts = append(texts, text)
	}
	return strings.Join(texts, "\n")
}
