package claude

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateCost(t *testing.T) {
	tests := []struct {
		name  string
		model string
		usage TokenUsage
		want  float64
	}{
		{
			name:  "haiku input and output",
			model: "claude-haiku-4-5-20251001",
			usage: TokenUsage{InputTokens: 1_000_000, OutputTokens: 500_000},
			want:  0.80 + 2.00,
		},
		{
			name:  "sonnet with cache write and read",
			model: "claude-sonnet-4-5-20250929",
			usage: TokenUsage{
				InputTokens:              100_000,
				OutputTokens:             50_000,
				CacheCreationInputTokens: 200_000,
				CacheReadInputTokens:     1_000_000,
			},
			// 0.1*3 + 0.05*15 + 0.2*3*1.25 + 1*3*0.1
			want: 0.30 + 0.75 + 0.75 + 0.30,
		},
		{
			name:  "unknown model returns zero",
			model: "some-other-model",
			usage: TokenUsage{InputTokens: 1_000_000},
			want:  0,
		},
		{
			name:  "zero usage costs nothing",
			model: "claude-opus-4-6",
			usage: TokenUsage{},
			want:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.usage.EstimateCost(tt.model), 1e-9)
		})
	}
}

func TestMessageResponseText(t *testing.T) {
	resp := &MessageResponse{Content: []ContentBlock{
		{Type: "text", Text: "first "},
		{Type: "tool_use", Text: "ignored"},
		{Type: "text", Text: "second"},
	}}
	assert.Equal(t, "first second", resp.Text())
}

func TestToSDKMessages_RoleMapping(t *testing.T) {
	msgs := toSDKMessages([]Message{
		{Role: "user", Content: "question"},
		{Role: "assistant", Content: "answer"},
	})
	assert.Len(t, msgs, 2)
	assert.Equal(t, "user", string(msgs[0].Role))
	assert.Equal(t, "assistant", string(msgs[1].Role))
}

func TestToSDKSystemBlocks_CacheControl(t *testing.T) {
	blocks := toSDKSystemBlocks([]SystemBlock{
		{Text: "plain"},
		{Text: "cached", CacheControl: &CacheControl{TTL: "1h"}},
	})
	assert.Len(t, blocks, 2)
	assert.Equal(t, "plain", blocks[0].Text)
	assert.Equal(t, "1h", string(blocks[1].CacheControl.TTL))
}
