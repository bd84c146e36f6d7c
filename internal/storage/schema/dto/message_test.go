package dto

import (
	"encoding/json"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsPrefix(t *testing.T) {
	now := time.Now().UTC()
	history := []Message{
		{Role: RoleUser, Content: "hi", CreatedAt: now},
		{Role: RoleAssistant, Content: "hello", CreatedAt: now},
	}

	extended := append(slices.Clone(history), Message{Role: RoleUser, Content: "again", CreatedAt: now})
	require.True(t, IsPrefix(history, extended))
	require.True(t, IsPrefix(nil, extended))
	require.False(t, IsPrefix(extended, history))

	forged := slices.Clone(extended)
	forged[0].Content = "something I never said"
	require.False(t, IsPrefix(history, forged))
}

func TestMessageJSONRoundTripKeepsEquality(t *testing.T) {
	// Stored rows come back through jsonb; equality must survive the trip.
	m := Message{
		Role:      RoleAssistant,
		Content:   "calling a tool",
		ToolCalls: []ToolCall{{ID: "call_1", Name: "lookup", Arguments: `{"q":"x"}`}},
		CreatedAt: time.Now(),
	}

	b, err := json.Marshal(m)
	require.NoError(t, err)

	var got Message
	require.NoError(t, json.Unmarshal(b, &got))
	require.True(t, m.Equal(got))
}
