package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Semantic conventions not in Go OpenTelemetry library yet, because they're not stable yet
// https://opentelemetry.io/docs/specs/semconv/gen-ai/gen-ai-spans/
// https://opentelemetry.io/docs/specs/semconv/gen-ai/openai
const (
	GenAISystemKey                   = attribute.Key("gen_ai.system")
	GenAIOperationNameKey            = attribute.Key("gen_ai.operation.name")
	GenAIRequestModelKey             = attribute.Key("gen_ai.request.model")
	GenAIRequestStreamKey            = attribute.Key("gen_ai.request.stream")
	GenAIResponseModelKey            = attribute.Key("gen_ai.response.model")
	GenAIUsageInputTokensKey         = attribute.Key("gen_ai.usage.input_tokens")
	GenAIUsageOutputTokensKey        = attribute.Key("gen_ai.usage.output_tokens")
	GenAIRequestTemperatureKey       = attribute.Key("gen_ai.request.temperature")
	GenAIRequestMaxTokensKey         = attribute.Key("gen_ai.request.max_tokens")
	GenAIRequestTopPKey              = attribute.Key("gen_ai.request.top_p")
	GenAIResponseIDKey               = attribute.Key("gen_ai.response.id")
	GenAIResponseFinishReasonKey     = attribute.Key("gen_ai.response.finish_reason")
	GenAIResponseFinishReasonsKey    = attribute.Key("gen_ai.response.finish_reasons")
	GenAIResponseStreamedBytesKey    = attribute.Key("gen_ai.response.streamed_bytes")
	GenAIResponseStreamIncompleteKey = attribute.Key("gen_ai.response.stream_incomplete")

	// Span events
	// https://opentelemetry.io/docs/specs/semconv/gen-ai/gen-ai-events
	GenAiSystemMessageKey    = "gen_ai.system.message"
	GenAiUserMessageKey      = "gen_ai.user.message"
	GenAiAssistantMessageKey = "gen_ai.assistant.message"
	GenAiToolMessageKey      = "gen_ai.tool.message"
	GenAiChoiceKey           = "gen_ai.choice"
	GenAiMessageContentKey   = attribute.Key("content")
	GenAiToolCallsKey        = attribute.Key("tool_calls")
)

var (
	// Gen AI attribute values
	GenAISystemOpenAI = GenAISystemKey.String("openai")
)

type OtelMiddlewareConfig struct {
	AddEventDetails bool
	SampleRoot      bool
}

// NewOtelMiddleware traces chat completion calls. Streamed responses are not
// buffered: the span stays open until the caller closes the body, so it
// covers the whole stream.
func NewOtelMiddleware(tracerProvider trace.TracerProvider, config OtelMiddlewareConfig) option.Middleware {
	tracer := tracerProvider.Tracer("openai.otel.middleware")

	return func(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
		parentSpan := trace.SpanFromContext(req.Context())
		if !config.SampleRoot && !parentSpan.SpanContext().IsValid() {
			return next(req)
		}

		isChat := strings.Contains(req.URL.Path, "/chat/completions")

		var reqBody []byte
		if req.Body != nil && req.Method == http.MethodPost {
			var err error
			reqBody, err = io.ReadAll(req.Body)
			if err != nil {
				return next(req)
			}
			req.Body = io.NopCloser(bytes.NewBuffer(reqBody))
		}

		attributes := []attribute.KeyValue{}
		if req.URL.Host != "" {
			attributes = append(attributes, semconv.ServerAddress(req.URL.Hostname()))
			if port := req.URL.Port(); port != "" {
				if portInt, err := strconv.Atoi(port); err == nil {
					attributes = append(attributes, semconv.ServerPort(portInt))
				}
			}
		}
		attributes = append(attributes,
			semconv.HTTPRequestMethodKey.String(req.Method),
			semconv.URLFull(req.URL.String()),
		)

		var chat *chatCompletionParams
		if isChat && len(reqBody) > 0 {
			var p chatCompletionParams
			if err := json.Unmarshal(reqBody, &p); err == nil && p.Model != "" {
				chat = &p
			}
		}

		spanName := fmt.Sprintf("%s %s", req.Method, req.URL.Path)
		if chat != nil {
			attributes = append(attributes,
				GenAISystemOpenAI,
				GenAIOperationNameKey.String("chat"),
				GenAIRequestModelKey.String(chat.Model),
				GenAIRequestStreamKey.Bool(chat.Stream),
			)
			attributes = append(attributes, chat.SpanAttributes()...)
			spanName = "chat " + chat.Model
		}

		ctx, span := tracer.Start(req.Context(), spanName, trace.WithAttributes(attributes...), trace.WithSpanKind(trace.SpanKindClient))
		if chat != nil {
			chat.AddSpanEvents(span, config.AddEventDetails)
		}

		resp, err := next(req.WithContext(ctx))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(semconv.ErrorTypeKey.String(reflect.TypeOf(err).String()))
			span.End()
			return resp, err
		}

		span.SetAttributes(semconv.HTTPResponseStatusCode(resp.StatusCode))
		if resp.StatusCode >= 400 {
			span.SetStatus(codes.Error, "")
			span.SetAttributes(semconv.ErrorTypeKey.String(strconv.Itoa(resp.StatusCode)))
		}

		if chat != nil && chat.Stream && resp.StatusCode < 300 && resp.Body != nil {
			resp.Body = &streamSpanBody{ReadCloser: resp.Body, span: span}
			return resp, nil
		}

		if chat != nil && resp.StatusCode < 300 && resp.Body != nil {
			hydrateSpanFromResponse(span, resp, config)
		}
		span.End()
		return resp, nil
	}
}

// streamSpanBody ends the span when the stream body is closed.
type streamSpanBody struct {
	io.ReadCloser
	span trace.Span

	mu    sync.Mutex
	bytes int64
	eof   bool
	once  sync.Once
}

func (b *streamSpanBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.mu.Lock()
	b.bytes += int64(n)
	if errors.Is(err, io.EOF) {
		b.eof = true
	}
	b.mu.Unlock()
	return n, err
}

func (b *streamSpanBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.span.SetAttributes(
			GenAIResponseStreamedBytesKey.Int64(b.bytes),
			GenAIResponseStreamIncompleteKey.Bool(!b.eof),
		)
		b.span.End()
	})
	return err
}

type chatCompletionParams struct {
	openai.ChatCompletionNewParams
	Stream bool
}

func (c *chatCompletionParams) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &c.ChatCompletionNewParams); err != nil {
		return err
	}
	var flags struct {
		Stream bool `json:"stream"`
	}
	if err := json.Unmarshal(data, &flags); err != nil {
		return err
	}
	c.Stream = flags.Stream
	return nil
}

func (c *chatCompletionParams) SpanAttributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{}
	if c.Temperature.Valid() {
		attrs = append(attrs, GenAIRequestTemperatureKey.Float64(c.Temperature.Value))
	}
	if c.MaxTokens.Valid() {
		attrs = append(attrs, GenAIRequestMaxTokensKey.Int64(c.MaxTokens.Value))
	}
	if c.TopP.Valid() {
		attrs = append(attrs, GenAIRequestTopPKey.Float64(c.TopP.Value))
	}
	return attrs
}

func (c *chatCompletionParams) AddSpanEvents(span trace.Span, includeDetails bool) {
	for _, msg := range c.Messages {
		attrs := []attribute.KeyValue{GenAISystemOpenAI}
		switch {
		case msg.OfSystem != nil:
			if includeDetails && msg.OfSystem.Content.OfString.Valid() {
				attrs = append(attrs, GenAiMessageContentKey.String(msg.OfSystem.Content.OfString.Value))
			}
			span.AddEvent(GenAiSystemMessageKey, trace.WithAttributes(attrs...))
		case msg.OfUser != nil:
			if includeDetails && msg.OfUser.Content.OfString.Valid() {
				attrs = append(attrs, GenAiMessageContentKey.String(msg.OfUser.Content.OfString.Value))
			}
			span.AddEvent(GenAiUserMessageKey, trace.WithAttributes(attrs...))
		case msg.OfAssistant != nil:
			if includeDetails && msg.OfAssistant.Content.OfString.Valid() {
				attrs = append(attrs, GenAiMessageContentKey.String(msg.OfAssistant.Content.OfString.Value))
			}
			if len(msg.OfAssistant.ToolCalls) > 0 {
				calls := make(map[string]toolCallData, len(msg.OfAssistant.ToolCalls))
				for _, tc := range msg.OfAssistant.ToolCalls {
					calls[tc.ID] = newToolCallData(tc.ID, string(tc.Type), tc.Function.Name, tc.Function.Arguments, includeDetails)
				}
				if b, err := json.Marshal(calls); err == nil {
					attrs = append(attrs, GenAiToolCallsKey.String(string(b)))
				}
			}
			span.AddEvent(GenAiAssistantMessageKey, trace.WithAttributes(attrs...))
		case msg.OfTool != nil:
			span.AddEvent(GenAiToolMessageKey, trace.WithAttributes(attrs...))
		}
	}
}

func hydrateSpanFromResponse(span trace.Span, resp *http.Response, config OtelMiddlewareConfig) {
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return
	}
	resp.Body = io.NopCloser(bytes.NewBuffer(respBody))

	var completion openai.ChatCompletion
	if err := json.Unmarshal(respBody, &completion); err != nil {
		return
	}

	if completion.Model != "" {
		span.SetAttributes(GenAIResponseModelKey.String(completion.Model))
	}
	if completion.ID != "" {
		span.SetAttributes(GenAIResponseIDKey.String(completion.ID))
	}
	if completion.Usage.PromptTokens > 0 {
		span.SetAttributes(GenAIUsageInputTokensKey.Int64(completion.Usage.PromptTokens))
	}
	if completion.Usage.CompletionTokens > 0 {
		span.SetAttributes(GenAIUsageOutputTokensKey.Int64(completion.Usage.CompletionTokens))
	}

	finishReasons := make([]string, 0, len(completion.Choices))
	for _, choice := range completion.Choices {
		attrs := []attribute.KeyValue{
			GenAISystemOpenAI,
			attribute.Key("index").Int64(choice.Index),
		}
		if choice.FinishReason != "" {
			finishReasons = append(finishReasons, choice.FinishReason)
			attrs = append(attrs, GenAIResponseFinishReasonKey.String(choice.FinishReason))
		}
		if config.AddEventDetails && choice.Message.Content != "" {
			attrs = append(attrs, GenAiMessageContentKey.String(choice.Message.Content))
		}
		if len(choice.Message.ToolCalls) > 0 {
			calls := make(map[string]toolCallData, len(choice.Message.ToolCalls))
			for _, tc := range choice.Message.ToolCalls {
				calls[tc.ID] = newToolCallData(tc.ID, string(tc.Type), tc.Function.Name, tc.Function.Arguments, config.AddEventDetails)
			}
			if b, err := json.Marshal(calls); err == nil {
				attrs = append(attrs, GenAiToolCallsKey.String(string(b)))
			}
		}
		span.AddEvent(GenAiChoiceKey, trace.WithAttributes(attrs...))
	}
	if len(finishReasons) > 0 {
		span.SetAttributes(GenAIResponseFinishReasonsKey.StringSlice(finishReasons))
	}
}

type toolCallFunctionData struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

type toolCallData struct {
	ID       string               `json:"id"`
	Type     string               `json:"type"`
	Function toolCallFunctionData `json:"function"`
}

func newToolCallData(id, typ, name, arguments string, includeDetails bool) toolCallData {
	fn := toolCallFunctionData{Name: name}
	if includeDetails {
		fn.Arguments = arguments
	}
	return toolCallData{ID: id, Type: typ, Function: fn}
}
