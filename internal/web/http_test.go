package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/dynoinc/billstream/internal"
	"github.com/dynoinc/billstream/internal/account"
	"github.com/dynoinc/billstream/internal/llm/mocks"
	"github.com/dynoinc/billstream/internal/storage/schema/dto"
	"github.com/dynoinc/billstream/internal/storage/storagetest"
	"github.com/dynoinc/billstream/internal/stream"
	"github.com/dynoinc/billstream/internal/thread"
)

type cannedSource struct {
	chunks []stream.Chunk
}

func (s *cannedSource) Recv(ctx context.Context) (stream.Chunk, error) {
	if len(s.chunks) == 0 {
		<-ctx.Done()
		return stream.Chunk{}, ctx.Err()
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *cannedSource) Close() error { return nil }

type flatPricer struct{}

func (flatPricer) Price(string, stream.Usage) (int64, error) { return 10, nil }

func newServer(t *testing.T, signupCredits int64) *httptest.Server {
	t.Helper()

	handler, _ := newHandler(t, signupCredits)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newHandler(t *testing.T, signupCredits int64) (http.Handler, *internal.Bot) {
	t.Helper()

	db := storagetest.NewPool(t)
	provider := mocks.NewMockProvider(gomock.NewController(t))
	provider.EXPECT().Model().Return("test-model").AnyTimes()
	provider.EXPECT().Prepare(gomock.Any()).DoAndReturn(func(history []dto.Message) (any, stream.OpenFunc) {
		return history, func(context.Context) (stream.Source, error) {
			return &cannedSource{chunks: []stream.Chunk{
				{Kind: stream.KindTextDelta, Text: "pong"},
				{Kind: stream.KindDone, Usage: stream.Usage{InputTokens: 3, OutputTokens: 1}},
			}}, nil
		}
	}).AnyTimes()

	bot, err := internal.New(db, provider, flatPricer{}, internal.Config{Accounts: account.Config{SignupCredits: signupCredits}})
	require.NoError(t, err)

	handler, err := New(context.Background(), bot, db, nil)
	require.NoError(t, err)
	return handler, bot
}

// dropOnDone accepts the stream until the terminal event, then fails like a
// closed connection.
type dropOnDone struct {
	*httptest.ResponseRecorder
}

func (w dropOnDone) Write(p []byte) (int, error) {
	if strings.Contains(string(p), "event: done") {
		return 0, errors.New("write: broken pipe")
	}
	return w.ResponseRecorder.Write(p)
}

func do(t *testing.T, method, url, owner, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if owner != "" {
		req.Header.Set(ownerHeader, owner)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func readEvents(t *testing.T, resp *http.Response) []string {
	t.Helper()

	var names []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			names = append(names, name)
		}
	}
	require.NoError(t, scanner.Err())
	return names
}

func TestTurnStreamsAndPersists(t *testing.T) {
	srv := newServer(t, 100)

	resp := do(t, http.MethodPost, srv.URL+"/v1/threads/chat-1/turns", "alice", `{"message":"ping","run_id":"run-1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.Equal(t, "run-1", resp.Header.Get("X-Run-ID"))
	require.Equal(t, []string{"text_delta", "done", "thread"}, readEvents(t, resp))

	resp = do(t, http.MethodGet, srv.URL+"/v1/threads/chat-1", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stored thread.Thread
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stored))
	require.Equal(t, 2, stored.MessageCount)
	require.Equal(t, "pong", stored.Messages[1].Content)

	// Another owner sees nothing under the same key.
	resp = do(t, http.MethodGet, srv.URL+"/v1/threads/chat-1", "mallory", "")
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stored))
	require.Zero(t, stored.MessageCount)
}

func TestTurnPersistsWhenClientLeavesOnDone(t *testing.T) {
	ctx := context.Background()
	handler, bot := newHandler(t, 100)

	req := httptest.NewRequest(http.MethodPost, "/v1/threads/chat-1/turns", strings.NewReader(`{"message":"ping","run_id":"run-1"}`))
	req.Header.Set(ownerHeader, "alice")
	rec := dropOnDone{httptest.NewRecorder()}
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "event: text_delta")
	require.NotContains(t, rec.Body.String(), "event: thread")

	stored, err := bot.Thread(ctx, "alice", "chat-1")
	require.NoError(t, err)
	require.Equal(t, 2, stored.MessageCount)
	require.Equal(t, "pong", stored.Messages[1].Content)

	// Billing settles in the background.
	require.Eventually(t, func() bool {
		balance, err := bot.Balance(ctx, "alice")
		return err == nil && balance == 90
	}, 10*time.Second, 50*time.Millisecond)
}

func TestTurnRequiresOwner(t *testing.T) {
	srv := newServer(t, 100)

	resp := do(t, http.MethodPost, srv.URL+"/v1/threads/chat-1/turns", "", `{"message":"ping"}`)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTurnWithoutFundsIsRejected(t *testing.T) {
	srv := newServer(t, 0)

	resp := do(t, http.MethodPost, srv.URL+"/v1/threads/chat-1/turns", "alice", `{"message":"ping"}`)
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

	var body map[string]apiError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "payment_required", body["error"].Code)
}

func TestChargeCallbackIsIdempotent(t *testing.T) {
	srv := newServer(t, 100)
	payload := `{"run_id":"run-9","attempt":0,"source_system":"gateway","source_reference":"resp_1","credits":15}`

	resp := do(t, http.MethodPost, srv.URL+"/v1/charges", "alice", payload)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/v1/charges", "alice", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res account.ChargeResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	require.True(t, res.Replayed)

	resp = do(t, http.MethodGet, srv.URL+"/v1/account/balance", "alice", "")
	var balance struct {
		Balance int64 `json:"balance"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&balance))
	require.Equal(t, int64(85), balance.Balance)

	resp = do(t, http.MethodPost, srv.URL+"/v1/charges", "alice", `{"run_id":"run-9","source_system":"gateway","source_reference":"resp_2","credits":-1}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChargeCallbackCannotClaimStreamReceipts(t *testing.T) {
	srv := newServer(t, 100)

	resp := do(t, http.MethodPost, srv.URL+"/v1/charges", "mallory", `{"run_id":"run-1","source_system":"stream","source_reference":"run-1:0","credits":1}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]apiError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "invalid_request", body["error"].Code)
}

func TestHealthz(t *testing.T) {
	srv := newServer(t, 100)

	resp := do(t, http.MethodGet, srv.URL+"/healthz", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClassify(t *testing.T) {
	for _, tc := range []struct {
		err    error
		code   string
		status int
	}{
		{&thread.ConflictError{StateKey: "k", Expected: 1, Actual: 3}, "thread_conflict", http.StatusConflict},
		{fmt.Errorf("saving: %w", &thread.CapacityError{StateKey: "k", Limit: 200, Count: 202}), "thread_full", http.StatusConflict},
		{thread.ErrHistoryRewrite, "thread_conflict", http.StatusConflict},
		{account.ErrPaymentRequired, "payment_required", http.StatusPaymentRequired},
		{account.ErrReferenceInUse, "reference_in_use", http.StatusConflict},
		{fmt.Errorf("%w: no owner", internal.ErrInvalidTurn), "invalid_request", http.StatusBadRequest},
		{errors.New("connection refused"), "internal", http.StatusInternalServerError},
	} {
		code, status := classify(tc.err)
		require.Equal(t, tc.code, code, tc.err.Error())
		require.Equal(t, tc.status, status, tc.err.Error())
	}
}

func TestEventWriterFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	w := newEventWriter(rec)

	require.NoError(t, w.Write("text_delta", stream.Event{Kind: stream.KindTextDelta, Text: "hi"}))
	require.NoError(t, w.Write("done", stream.Event{Kind: stream.KindDone}))

	require.Equal(t,
		"event: text_delta\ndata: {\"type\":\"text_delta\",\"text\":\"hi\"}\n\n"+
			"event: done\ndata: {\"type\":\"done\"}\n\n",
		rec.Body.String())
	require.True(t, rec.Flushed)
}
