package llm

import (
	"context"
	"errors"
	"io"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/dynoinc/billstream/internal/stream"
)

// chatSource adapts an OpenAI chat completion stream to stream.Source. Text
// deltas pass through as they arrive; a tool call is announced once its
// arguments are complete.
type chatSource struct {
	s   *ssestream.Stream[openai.ChatCompletionChunk]
	acc openai.ChatCompletionAccumulator

	pending   []stream.Chunk
	announced map[int64]bool
	done      bool
}

func newChatSource(s *ssestream.Stream[openai.ChatCompletionChunk]) *chatSource {
	return &chatSource{s: s, announced: map[int64]bool{}}
}

func (c *chatSource) Recv(ctx context.Context) (stream.Chunk, error) {
	for len(c.pending) == 0 {
		if c.done {
			return stream.Chunk{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return stream.Chunk{}, err
		}

		if !c.s.Next() {
			if err := c.s.Err(); err != nil {
				return stream.Chunk{}, providerError(err)
			}
			c.flushToolCalls()
			c.pending = append(c.pending, stream.Chunk{
				Kind: stream.KindDone,
				Usage: stream.Usage{
					InputTokens:  c.acc.Usage.PromptTokens,
					OutputTokens: c.acc.Usage.CompletionTokens,
				},
			})
			c.done = true
			break
		}

		chunk := c.s.Current()
		c.acc.AddChunk(chunk)

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				c.pending = append(c.pending, stream.Chunk{Kind: stream.KindTextDelta, Text: choice.Delta.Content})
			}
		}
		if tc, ok := c.acc.JustFinishedToolCall(); ok {
			c.announce(int64(tc.Index), tc.ID, tc.Name, tc.Arguments)
		}
	}

	next := c.pending[0]
	c.pending = c.pending[1:]
	return next, nil
}

// flushToolCalls announces tool calls the accumulator never reported as
// finished, which happens when the stream ends right after their last delta.
func (c *chatSource) flushToolCalls() {
	if len(c.acc.Choices) == 0 {
		return
	}
	for i, tc := range c.acc.Choices[0].Message.ToolCalls {
		c.announce(int64(i), tc.ID, tc.Function.Name, tc.Function.Arguments)
	}
}

func (c *chatSource) announce(index int64, id, name, arguments string) {
	if c.announced[index] {
		return
	}
	c.announced[index] = true
	c.pending = append(c.pending, stream.Chunk{
		Kind:     stream.KindToolCallStart,
		ToolCall: &stream.ToolCall{ID: id, Name: name, Arguments: arguments},
	})
}

func (c *chatSource) Close() error {
	return c.s.Close()
}

func providerError(err error) error {
	var aerr *openai.Error
	if errors.As(err, &aerr) {
		return &stream.ProviderError{StatusCode: aerr.StatusCode, Err: err}
	}
	return err
}
