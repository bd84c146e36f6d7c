// Package telemetry writes one invocation summary per attempt. Rows are
// written once and only ever removed by retention.
package telemetry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dynoinc/billstream/internal/otel/metrics"
	"github.com/dynoinc/billstream/internal/stream"
	"github.com/dynoinc/billstream/internal/telemetry/internal/telemetrydb"
)

// ErrAlreadyRecorded is returned when a summary for the invocation exists.
var ErrAlreadyRecorded = errors.New("invocation already recorded")

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

type Config struct {
	RetentionDays int    `split_words:"true" default:"30"`
	PurgeSchedule string `split_words:"true" default:"17 3 * * *"`
}

func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

type Summary struct {
	InvocationID string           `json:"invocation_id"`
	RequestID    string           `json:"request_id"`
	TraceID      string           `json:"trace_id"`
	OwnerID      string           `json:"owner_id"`
	RunID        string           `json:"run_id"`
	Attempt      int              `json:"attempt"`
	Model        string           `json:"model"`
	PromptHash   string           `json:"prompt_hash"`
	Status       Status           `json:"status"`
	ErrorCode    stream.ErrorCode `json:"error_code,omitzero"`
	LatencyMs    int64            `json:"latency_ms"`
	InputTokens  int64            `json:"input_tokens"`
	OutputTokens int64            `json:"output_tokens"`
	CreatedAt    time.Time        `json:"created_at,omitzero"`
}

// FromOutcome builds the summary for a resolved attempt. Aborted attempts are
// errors with code aborted.
func FromOutcome(call stream.Call, o stream.Outcome) Summary {
	s := Summary{
		InvocationID: call.InvocationID,
		RequestID:    call.RequestID,
		TraceID:      o.TraceID,
		OwnerID:      call.OwnerID,
		RunID:        call.RunID,
		Attempt:      call.Attempt,
		Model:        call.Model,
		PromptHash:   call.PromptHash,
		LatencyMs:    o.Latency.Milliseconds(),
		InputTokens:  o.Usage.InputTokens,
		OutputTokens: o.Usage.OutputTokens,
	}

	switch o.Status {
	case stream.StatusSuccess:
		s.Status = StatusSuccess
	case stream.StatusAborted:
		s.Status = StatusError
		s.ErrorCode = stream.CodeAborted
	default:
		s.Status = StatusError
		s.ErrorCode = o.ErrorCode
	}
	return s
}

type Sink struct {
	queries *telemetrydb.Queries

	invocations metric.Int64Counter
	latency     metric.Int64Histogram
}

func New(db *pgxpool.Pool) *Sink {
	return &Sink{
		queries:     telemetrydb.New(db),
		invocations: metrics.Counter("billstream.invocations", "Completed provider attempts by status and error code"),
		latency: metrics.Histogram("billstream.invocation.latency", "Provider attempt latency", "ms",
			50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000),
	}
}

func (s *Sink) RecordInvocation(ctx context.Context, sum Summary) (Summary, error) {
	sum = normalize(sum)
	if sum.TraceID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			sum.TraceID = sc.TraceID().String()
		}
	}
	// Without a recording tracer the request id is the only correlation handle.
	if sum.TraceID == "" {
		sum.TraceID = cmp.Or(sum.RequestID, sum.InvocationID)
	}

	var errorCode *string
	if sum.Status == StatusError {
		code := string(sum.ErrorCode)
		errorCode = &code
	}

	row, err := s.queries.InsertInvocationSummary(ctx, telemetrydb.InsertInvocationSummaryParams{
		InvocationID: sum.InvocationID,
		RequestID:    sum.RequestID,
		TraceID:      sum.TraceID,
		OwnerID:      sum.OwnerID,
		RunID:        sum.RunID,
		Attempt:      int32(sum.Attempt),
		Model:        sum.Model,
		PromptHash:   sum.PromptHash,
		Status:       string(sum.Status),
		ErrorCode:    errorCode,
		LatencyMs:    int32(min(sum.LatencyMs, int64(1<<31-1))),
		InputTokens:  sum.InputTokens,
		OutputTokens: sum.OutputTokens,
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return Summary{}, fmt.Errorf("%w: %s", ErrAlreadyRecorded, sum.InvocationID)
		}
		return Summary{}, fmt.Errorf("inserting invocation summary: %w", err)
	}

	attrs := metric.WithAttributes(
		attribute.String("status", string(sum.Status)),
		attribute.String("error_code", string(sum.ErrorCode)),
		attribute.String("model", sum.Model),
	)
	s.invocations.Add(ctx, 1, attrs)
	s.latency.Record(ctx, sum.LatencyMs, attrs)

	return toSummary(row), nil
}

// Continuation records every outcome, whatever its status.
func (s *Sink) Continuation() stream.Continuation {
	return stream.Continuation{
		Name: "telemetry",
		Run: func(ctx context.Context, call stream.Call, o stream.Outcome) error {
			_, err := s.RecordInvocation(ctx, FromOutcome(call, o))
			if errors.Is(err, ErrAlreadyRecorded) {
				slog.WarnContext(ctx, "invocation summary already present", "invocation_id", call.InvocationID)
				return nil
			}
			return err
		},
	}
}

func (s *Sink) Recent(ctx context.Context, ownerID string, limit int) ([]Summary, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	rows, err := s.queries.ListInvocationSummaries(ctx, telemetrydb.ListInvocationSummariesParams{
		OwnerID: ownerID,
		MaxRows: int32(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("listing invocation summaries: %w", err)
	}

	out := make([]Summary, 0, len(rows))
	for _, row := range rows {
		out = append(out, toSummary(row))
	}
	return out, nil
}

func (s *Sink) CountForAttempt(ctx context.Context, runID string, attempt int) (int64, error) {
	return s.queries.CountInvocationSummariesByRun(ctx, telemetrydb.CountInvocationSummariesByRunParams{
		RunID:   runID,
		Attempt: int32(attempt),
	})
}

// Purge deletes summaries created before now-olderThan.
func (s *Sink) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("purge window must be positive, got %s", olderThan)
	}

	n, err := s.queries.PurgeInvocationSummariesOlderThan(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("purging invocation summaries: %w", err)
	}
	return n, nil
}

func normalize(s Summary) Summary {
	if s.Status != StatusSuccess {
		s.Status = StatusError
		switch s.ErrorCode {
		case stream.CodeTimeout, stream.CodeRateLimited, stream.CodeUpstream4xx,
			stream.CodeUpstream5xx, stream.CodeAborted, stream.CodeUnknown:
		default:
			s.ErrorCode = stream.CodeUnknown
		}
	} else {
		s.ErrorCode = ""
	}
	s.LatencyMs = max(s.LatencyMs, 0)
	return s
}

func toSummary(row telemetrydb.InvocationSummary) Summary {
	s := Summary{
		InvocationID: row.InvocationID,
		RequestID:    row.RequestID,
		TraceID:      row.TraceID,
		OwnerID:      row.OwnerID,
		RunID:        row.RunID,
		Attempt:      int(row.Attempt),
		Model:        row.Model,
		PromptHash:   row.PromptHash,
		Status:       Status(row.Status),
		LatencyMs:    int64(row.LatencyMs),
		InputTokens:  row.InputTokens,
		OutputTokens: row.OutputTokens,
		CreatedAt:    row.CreatedAt,
	}
	if row.ErrorCode != nil {
		s.ErrorCode = stream.ErrorCode(*row.ErrorCode)
	}
	return s
}
