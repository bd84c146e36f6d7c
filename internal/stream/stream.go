// Package stream turns one provider stream into two handles: a lazy event
// sequence for rendering, and a Future that resolves once with the attempt's
// final outcome. Billing and telemetry hang off the Future as continuations.
// Iterating events never triggers them.
package stream

import (
	"context"
	"time"
)

type EventKind string

const (
	KindTextDelta      EventKind = "text_delta"
	KindToolCallStart  EventKind = "tool_call_start"
	KindToolCallResult EventKind = "tool_call_result"
	KindDone           EventKind = "done"
	KindError          EventKind = "error"
)

type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// CostInfo is the billable cost of a successful attempt, in whole credits.
type CostInfo struct {
	Credits int64  `json:"credits"`
	Model   string `json:"model"`
}

type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitzero"`
	Arguments string `json:"arguments,omitzero"`
	Result    string `json:"result,omitzero"`
}

// Chunk is what a Source produces. A KindDone chunk ends the stream and
// carries usage; a provider that prices its own calls sets Cost.
type Chunk struct {
	Kind     EventKind
	Text     string
	ToolCall *ToolCall
	Usage    Usage
	Cost     *CostInfo
	Err      error
}

// Source is a provider stream. Recv blocks until the next chunk.
type Source interface {
	Recv(ctx context.Context) (Chunk, error)
	Close() error
}

// OpenFunc starts the provider call. It is invoked on first iteration, never
// at Execute time.
type OpenFunc func(ctx context.Context) (Source, error)

// Event is the normalized form handed to renderers.
type Event struct {
	Kind      EventKind `json:"type"`
	Text      string    `json:"text,omitzero"`
	ToolCall  *ToolCall `json:"tool_call,omitzero"`
	Usage     *Usage    `json:"usage,omitzero"`
	ErrorCode ErrorCode `json:"error_code,omitzero"`
}

// Call identifies one attempt of one run.
type Call struct {
	InvocationID     string
	RequestID        string
	OwnerID          string
	BillingAccountID int64
	VirtualKeyID     string
	RunID            string
	Attempt          int
	Model            string
	PromptHash       string
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusAborted Status = "aborted"
)

type Outcome struct {
	Status    Status
	Usage     Usage
	Cost      CostInfo
	ErrorCode ErrorCode
	Latency   time.Duration
	// TraceID of the span that covered the attempt, when one was recording.
	TraceID string
}

type Config struct {
	AttemptTimeout    time.Duration `split_words:"true" default:"5m"`
	SideEffectTimeout time.Duration `split_words:"true" default:"30s"`
}

// Pricer turns usage into credits when the provider does not report a cost.
type Pricer interface {
	Price(model string, usage Usage) (int64, error)
}

// Continuation runs once per resolved outcome, after the stream is done.
type Continuation struct {
	Name string
	Run  func(ctx context.Context, call Call, outcome Outcome) error
}
