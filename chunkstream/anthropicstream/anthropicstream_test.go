package anthropicstream

import (
	"testing"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/require"
)

func TestMapStopReason(t *testing.T) {
	cases := map[anthropic.StopReason]string{
		"tool_use":      "tool-calls",
		"end_turn":      "stop",
		"stop_sequence": "stop",
		"max_tokens":    "length",
		"refusal":       "content-filter",
		"mystery":       "unknown",
		"":              "unknown",
	}
	for reason, want := range cases {
		require.Equal(t, want, mapStopReason(reason), "reason %q", reason)
	}
}
