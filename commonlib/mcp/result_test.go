package mcp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeResult(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want any
	}{
		{
			name: "single text block",
			raw:  `{"content":[{"type":"text","text":"ok:1"}]}`,
			want: "ok:1",
		},
		{
			name: "text blocks joined",
			raw:  `{"content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}`,
			want: "a\nb",
		},
		{
			name: "bare array of text blocks",
			raw:  `[{"type":"text","text":"x"}]`,
			want: "x",
		},
		{
			name: "mixed blocks kept",
			raw:  `{"content":[{"type":"text","text":"a"},{"type":"image","data":"AA=="}]}`,
			want: []any{
				map[string]any{"type": "text", "text": "a"},
				map[string]any{"type": "image", "data": "AA=="},
			},
		},
		{
			name: "no content array",
			raw:  `{"value":3}`,
			want: map[string]any{"value": float64(3)},
		},
		{
			name: "scalar",
			raw:  `"plain"`,
			want: "plain",
		},
		{
			name: "error flagged",
			raw:  `{"isError":true,"content":[{"type":"text","text":"boom"}]}`,
			want: ToolErrorResult{IsError: true, Content: "boom"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeResult(json.RawMessage(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeResultEmptyAndBroken(t *testing.T) {
	got, err := NormalizeResult(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = NormalizeResult(json.RawMessage(`{"content":`))
	assert.Error(t, err)
}
