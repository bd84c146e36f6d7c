package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/require"

	"github.com/dynoinc/billstream/internal/storage/schema/dto"
	"github.com/dynoinc/billstream/internal/stream"
)

func sseHandler(events ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
			w.(http.Flusher).Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &Client{
		client: openai.NewClient(
			option.WithBaseURL(srv.URL),
			option.WithAPIKey("test-key"),
			option.WithMaxRetries(0),
		),
		cfg: Config{Model: "gpt-4o-mini", SystemPrompt: "be brief"},
	}
}

func drain(t *testing.T, src stream.Source) []stream.Chunk {
	t.Helper()
	var out []stream.Chunk
	for {
		c, err := src.Recv(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, c)
		if c.Kind == stream.KindDone {
			return out
		}
	}
}

func TestChatSourceStreamsTextAndUsage(t *testing.T) {
	client := testClient(t, sseHandler(
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[],"usage":{"prompt_tokens":12,"completion_tokens":2,"total_tokens":14}}`,
	))

	src, err := client.Open(client.Params([]dto.Message{{Role: dto.RoleUser, Content: "hi"}}))(context.Background())
	require.NoError(t, err)
	defer src.Close()

	chunks := drain(t, src)
	require.Len(t, chunks, 3)
	require.Equal(t, "Hel", chunks[0].Text)
	require.Equal(t, "lo", chunks[1].Text)
	require.Equal(t, stream.KindDone, chunks[2].Kind)
	require.Equal(t, stream.Usage{InputTokens: 12, OutputTokens: 2}, chunks[2].Usage)
}

func TestChatSourceAnnouncesToolCallsOnce(t *testing.T) {
	client := testClient(t, sseHandler(
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"lookup","arguments":"{\"q\":"}}]}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"x\"}"}}]}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	))

	src, err := client.Open(client.Params(nil))(context.Background())
	require.NoError(t, err)
	defer src.Close()

	var calls []*stream.ToolCall
	for _, c := range drain(t, src) {
		if c.Kind == stream.KindToolCallStart {
			calls = append(calls, c.ToolCall)
		}
	}
	require.Len(t, calls, 1)
	require.Equal(t, "call_1", calls[0].ID)
	require.Equal(t, "lookup", calls[0].Name)
	require.Equal(t, `{"q":"x"}`, calls[0].Arguments)
}

func TestChatSourceMapsProviderStatus(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"quota exceeded for key sk-123","type":"rate_limit"}}`)
	}))

	src, err := client.Open(client.Params(nil))(context.Background())
	require.NoError(t, err)
	defer src.Close()

	_, err = src.Recv(context.Background())
	var pe *stream.ProviderError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, http.StatusTooManyRequests, pe.StatusCode)
	require.Equal(t, stream.CodeRateLimited, stream.Classify(err))
}

func TestParamsKeepStoredHistoryOrder(t *testing.T) {
	client := &Client{cfg: Config{Model: "m", SystemPrompt: "sys", MaxOutputTokens: 10}}
	params := client.Params([]dto.Message{
		{Role: dto.RoleUser, Content: "q"},
		{Role: dto.RoleAssistant, ToolCalls: []dto.ToolCall{{ID: "call_1", Name: "lookup", Arguments: "{}"}}},
		{Role: dto.RoleTool, ToolCallID: "call_1", Content: "result"},
		{Role: dto.RoleAssistant, Content: "answer"},
	})

	require.Equal(t, "m", params.Model)
	require.Len(t, params.Messages, 5)
	require.NotNil(t, params.Messages[0].OfSystem)
	require.NotNil(t, params.Messages[1].OfUser)
	require.NotNil(t, params.Messages[2].OfAssistant)
	require.Len(t, params.Messages[2].OfAssistant.ToolCalls, 1)
	require.NotNil(t, params.Messages[3].OfTool)
	require.Equal(t, "answer", params.Messages[4].OfAssistant.Content.OfString.Value)
	require.True(t, params.StreamOptions.IncludeUsage.Value)

	hashA, err := stream.PromptHash(params)
	require.NoError(t, err)
	hashB, err := stream.PromptHash(client.Params([]dto.Message{{Role: dto.RoleUser, Content: "q"}}))
	require.NoError(t, err)
	require.NotEqual(t, hashA, hashB)
	require.False(t, strings.Contains(hashA, "answer"))
}
