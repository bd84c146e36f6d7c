package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/earthboundkid/versioninfo/v2"
	"github.com/google/uuid"

	"github.com/dynoinc/billstream/internal"
	"github.com/dynoinc/billstream/internal/account"
	"github.com/dynoinc/billstream/internal/storage/schema/dto"
	"github.com/dynoinc/billstream/internal/stream"
	"github.com/dynoinc/billstream/internal/thread"
)

const commitTimeout = 10 * time.Second

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type turnRequest struct {
	Message string        `json:"message"`
	RunID   string        `json:"run_id"`
	Attempt int           `json:"attempt"`
	History []dto.Message `json:"history,omitzero"`
}

type threadEvent struct {
	Type         string `json:"type"`
	StateKey     string `json:"state_key"`
	MessageCount int    `json:"message_count"`
}

type failureEvent struct {
	Type      string `json:"type"`
	ErrorCode string `json:"error_code"`
}

type chargeRequest struct {
	RunID           string `json:"run_id"`
	Attempt         int    `json:"attempt"`
	SourceSystem    string `json:"source_system"`
	SourceReference string `json:"source_reference"`
	Credits         int64  `json:"credits"`
}

func (h *httpHandlers) createTurn(writer http.ResponseWriter, request *http.Request) {
	owner, ok := ownerID(writer, request)
	if !ok {
		return
	}

	var body turnRequest
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		writeError(writer, http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
		return
	}

	turn, err := h.bot.StartTurn(request.Context(), internal.TurnRequest{
		OwnerID:      owner,
		StateKey:     request.PathValue("stateKey"),
		Message:      body.Message,
		RunID:        body.RunID,
		Attempt:      body.Attempt,
		RequestID:    requestID(request),
		VirtualKeyID: request.Header.Get(virtualKeyHeader),
		History:      body.History,
	})
	if err != nil {
		writeDomainError(request.Context(), writer, err)
		return
	}

	call := turn.Call()
	writer.Header().Set("Content-Type", "text/event-stream")
	writer.Header().Set("Cache-Control", "no-cache")
	writer.Header().Set("X-Run-ID", call.RunID)
	writer.Header().Set("X-Invocation-ID", call.InvocationID)
	writer.WriteHeader(http.StatusOK)

	events := newEventWriter(writer)
	clientGone := false
	for ev := range turn.Events() {
		if err := events.Write(string(ev.Kind), ev); err != nil {
			slog.DebugContext(request.Context(), "client went away mid-stream", "invocation_id", call.InvocationID, "error", err)
			clientGone = true
			break
		}
	}

	// The attempt may have succeeded even if the client left on the final
	// event. A successful attempt is billed, so persist it regardless.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(request.Context()), commitTimeout)
	defer cancel()

	if o, err := turn.Outcome().Wait(ctx); err != nil || o.Status != stream.StatusSuccess {
		return
	}

	saved, err := turn.Commit(ctx)
	if err != nil {
		code, _ := classify(err)
		slog.WarnContext(ctx, "committing turn", "invocation_id", call.InvocationID, "state_key", request.PathValue("stateKey"), "error", err)
		if !clientGone {
			_ = events.Write("error", failureEvent{Type: "error", ErrorCode: code})
		}
		return
	}
	if !clientGone {
		_ = events.Write("thread", threadEvent{Type: "thread", StateKey: saved.StateKey, MessageCount: saved.MessageCount})
	}
}

func (h *httpHandlers) getThread(writer http.ResponseWriter, request *http.Request) {
	owner, ok := ownerID(writer, request)
	if !ok {
		return
	}

	t, err := h.bot.Thread(request.Context(), owner, request.PathValue("stateKey"))
	if err != nil {
		writeDomainError(request.Context(), writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, t)
}

func (h *httpHandlers) balance(writer http.ResponseWriter, request *http.Request) {
	owner, ok := ownerID(writer, request)
	if !ok {
		return
	}

	balance, err := h.bot.Balance(request.Context(), owner)
	if err != nil {
		writeDomainError(request.Context(), writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, map[string]any{"owner_id": owner, "balance": balance})
}

func (h *httpHandlers) accountSummary(writer http.ResponseWriter, request *http.Request) {
	owner, ok := ownerID(writer, request)
	if !ok {
		return
	}

	summary, err := h.bot.AccountSummary(request.Context(), owner, limit(request))
	if err != nil {
		writeDomainError(request.Context(), writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, summary)
}

func (h *httpHandlers) invocations(writer http.ResponseWriter, request *http.Request) {
	owner, ok := ownerID(writer, request)
	if !ok {
		return
	}

	recent, err := h.bot.RecentInvocations(request.Context(), owner, limit(request))
	if err != nil {
		writeDomainError(request.Context(), writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, map[string]any{"invocations": recent})
}

func (h *httpHandlers) createCharge(writer http.ResponseWriter, request *http.Request) {
	owner, ok := ownerID(writer, request)
	if !ok {
		return
	}

	var body chargeRequest
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		writeError(writer, http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
		return
	}

	res, err := h.bot.RecordExternalCharge(request.Context(), internal.ExternalCharge{
		OwnerID:         owner,
		VirtualKeyID:    request.Header.Get(virtualKeyHeader),
		RunID:           body.RunID,
		Attempt:         body.Attempt,
		SourceSystem:    body.SourceSystem,
		SourceReference: body.SourceReference,
		Credits:         body.Credits,
		RequestID:       requestID(request),
	})
	if err != nil {
		writeDomainError(request.Context(), writer, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(writer, status, res)
}

func (h *httpHandlers) healthz(writer http.ResponseWriter, request *http.Request) {
	status := http.StatusOK
	state := "ok"
	if err := h.db.Ping(request.Context()); err != nil {
		slog.WarnContext(request.Context(), "health check ping failed", "error", err)
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(writer, status, map[string]string{"status": state, "version": versioninfo.Short()})
}

func ownerID(writer http.ResponseWriter, request *http.Request) (string, bool) {
	owner := strings.TrimSpace(request.Header.Get(ownerHeader))
	if owner == "" {
		writeError(writer, http.StatusUnauthorized, "unauthenticated", "missing "+ownerHeader)
		return "", false
	}
	return owner, true
}

func requestID(request *http.Request) string {
	if id := request.Header.Get(requestIDHeader); id != "" {
		return id
	}
	return uuid.NewString()
}

func limit(request *http.Request) int {
	n, err := strconv.Atoi(request.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return n
}

// classify maps a domain error to its public code and HTTP status.
func classify(err error) (string, int) {
	var conflict *thread.ConflictError
	var capacity *thread.CapacityError
	switch {
	case errors.As(err, &conflict):
		return "thread_conflict", http.StatusConflict
	case errors.As(err, &capacity):
		return "thread_full", http.StatusConflict
	case errors.Is(err, thread.ErrHistoryRewrite):
		return "thread_conflict", http.StatusConflict
	case errors.Is(err, account.ErrPaymentRequired):
		return "payment_required", http.StatusPaymentRequired
	case errors.Is(err, account.ErrReferenceInUse):
		return "reference_in_use", http.StatusConflict
	case errors.Is(err, account.ErrAccountNotFound):
		return "account_not_found", http.StatusNotFound
	case errors.Is(err, internal.ErrInvalidTurn), errors.Is(err, account.ErrInvalidCharge):
		return "invalid_request", http.StatusBadRequest
	default:
		return "internal", http.StatusInternalServerError
	}
}

func writeDomainError(ctx context.Context, writer http.ResponseWriter, err error) {
	code, status := classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		slog.ErrorContext(ctx, "request failed", "error", err)
		message = http.StatusText(status)
	}
	writeError(writer, status, code, message)
}

func writeError(writer http.ResponseWriter, status int, code, message string) {
	writeJSON(writer, status, map[string]apiError{"error": {Code: code, Message: message}})
}

func writeJSON(writer http.ResponseWriter, status int, v any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		slog.Debug("writing response", "error", err)
	}
}
