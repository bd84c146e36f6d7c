package internal

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"

	"github.com/dynoinc/billstream/internal/account"
	"github.com/dynoinc/billstream/internal/background"
	"github.com/dynoinc/billstream/internal/llm"
	"github.com/dynoinc/billstream/internal/storage/schema/dto"
	"github.com/dynoinc/billstream/internal/stream"
	"github.com/dynoinc/billstream/internal/telemetry"
	"github.com/dynoinc/billstream/internal/thread"
)

// StreamSourceSystem tags receipts written by the stream billing continuation.
// Their source reference is the server generated invocation id, never a value
// the caller chose.
const StreamSourceSystem = "stream"

var (
	ErrInvalidTurn = errors.New("invalid turn")
	// ErrTurnIncomplete is returned by Commit for a turn that did not succeed.
	ErrTurnIncomplete = errors.New("turn did not complete successfully")
)

type Config struct {
	Accounts  account.Config
	Threads   thread.Config
	Stream    stream.Config
	Telemetry telemetry.Config
}

type Bot struct {
	DB          *pgxpool.Pool
	RiverClient *river.Client[pgx.Tx]

	accounts *account.Service
	charger  account.Charger
	funds    account.FundsChecker
	threads  *thread.Store
	sink     *telemetry.Sink
	provider llm.Provider
	executor *stream.Executor
}

func New(db *pgxpool.Pool, provider llm.Provider, pricer stream.Pricer, cfg Config) (*Bot, error) {
	if provider == nil {
		return nil, errors.New("bot: provider is required")
	}

	accounts := account.New(db, cfg.Accounts)
	b := &Bot{
		DB:       db,
		accounts: accounts,
		charger:  accounts,
		funds:    accounts,
		threads:  thread.NewStore(db, cfg.Threads),
		sink:     telemetry.New(db),
		provider: provider,
	}

	b.executor = stream.NewExecutor(cfg.Stream, pricer,
		stream.Continuation{Name: "billing", Run: b.bill},
		b.sink.Continuation(),
	)
	return b, nil
}

/* Streaming turns */

type TurnRequest struct {
	OwnerID      string
	StateKey     string
	Message      string
	RunID        string
	Attempt      int
	RequestID    string
	VirtualKeyID string
	// History is what the caller believes the thread holds. The stored thread
	// is authoritative: this is only compared for logging.
	History []dto.Message
}

// Turn is one streaming attempt against a stored thread.
type Turn struct {
	exec    *stream.Execution
	adapter *thread.Adapter
	base    thread.Thread
	user    dto.Message

	mu          sync.Mutex
	text        strings.Builder
	toolCalls   []dto.ToolCall
	toolResults []dto.Message
}

// StartTurn checks funds, loads the stored thread and prepares the attempt.
// Nothing is sent to the provider until the returned turn's events are ranged.
func (b *Bot) StartTurn(ctx context.Context, req TurnRequest) (*Turn, error) {
	if strings.TrimSpace(req.OwnerID) == "" || strings.TrimSpace(req.StateKey) == "" {
		return nil, fmt.Errorf("%w: owner and state key are required", ErrInvalidTurn)
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is empty", ErrInvalidTurn)
	}
	if req.Attempt < 0 {
		return nil, fmt.Errorf("%w: attempt must not be negative", ErrInvalidTurn)
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	acct, err := b.funds.CheckFunds(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}

	adapter := b.threads.ForOwner(req.OwnerID)
	base, err := adapter.Load(ctx, req.StateKey)
	if err != nil {
		return nil, fmt.Errorf("loading thread: %w", err)
	}
	if want := base.MessageCount + 2; want > adapter.MaxMessages() {
		return nil, &thread.CapacityError{StateKey: req.StateKey, Limit: adapter.MaxMessages(), Count: want}
	}
	if req.History != nil && !dto.IsPrefix(req.History, base.Messages) {
		slog.WarnContext(ctx, "ignoring caller supplied history that differs from stored thread",
			"owner_id", req.OwnerID,
			"state_key", req.StateKey,
			"supplied", len(req.History),
			"stored", base.MessageCount)
	}

	user := dto.Message{Role: dto.RoleUser, Content: req.Message, CreatedAt: time.Now().UTC()}
	history := make([]dto.Message, 0, len(base.Messages)+1)
	history = append(history, base.Messages...)
	history = append(history, user)

	prompt, open := b.provider.Prepare(history)
	hash, err := stream.PromptHash(prompt)
	if err != nil {
		return nil, fmt.Errorf("hashing prompt: %w", err)
	}

	call := stream.Call{
		RequestID:        req.RequestID,
		OwnerID:          req.OwnerID,
		BillingAccountID: acct.ID,
		VirtualKeyID:     req.VirtualKeyID,
		RunID:            req.RunID,
		Attempt:          req.Attempt,
		Model:            b.provider.Model(),
		PromptHash:       hash,
	}

	return &Turn{
		exec:    b.executor.Execute(ctx, call, open),
		adapter: adapter,
		base:    base,
		user:    user,
	}, nil
}

func (t *Turn) Call() stream.Call {
	return t.exec.Call()
}

func (t *Turn) Outcome() *stream.Future {
	return t.exec.Outcome()
}

func (t *Turn) Cancel() {
	t.exec.Cancel()
}

// Events relays the attempt's events and remembers what the assistant said.
// Stopping early aborts the attempt.
func (t *Turn) Events() iter.Seq[stream.Event] {
	return func(yield func(stream.Event) bool) {
		for ev := range t.exec.Events() {
			t.observe(ev)
			if !yield(ev) {
				return
			}
		}
	}
}

func (t *Turn) observe(ev stream.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Kind {
	case stream.KindTextDelta:
		t.text.WriteString(ev.Text)
	case stream.KindToolCallStart:
		if ev.ToolCall != nil {
			t.toolCalls = append(t.toolCalls, dto.ToolCall{ID: ev.ToolCall.ID, Name: ev.ToolCall.Name, Arguments: ev.ToolCall.Arguments})
		}
	case stream.KindToolCallResult:
		if ev.ToolCall != nil {
			t.toolResults = append(t.toolResults, dto.Message{Role: dto.RoleTool, ToolCallID: ev.ToolCall.ID, Content: ev.ToolCall.Result})
		}
	}
}

// Commit appends the user message and the assistant's reply to the thread
// loaded at start. It never retries: a *thread.ConflictError means another
// writer got there first.
func (t *Turn) Commit(ctx context.Context) (thread.Thread, error) {
	o, ok := t.exec.Outcome().Peek()
	if !ok || o.Status != stream.StatusSuccess {
		return thread.Thread{}, ErrTurnIncomplete
	}

	t.mu.Lock()
	now := time.Now().UTC()
	messages := []dto.Message{
		t.user,
		{Role: dto.RoleAssistant, Content: t.text.String(), ToolCalls: t.toolCalls, CreatedAt: now},
	}
	for _, m := range t.toolResults {
		m.CreatedAt = now
		messages = append(messages, m)
	}
	t.mu.Unlock()

	return t.adapter.Append(ctx, t.base, messages...)
}

/* Billing */

func (b *Bot) bill(ctx context.Context, call stream.Call, o stream.Outcome) error {
	if o.Status != stream.StatusSuccess {
		return nil
	}

	p := account.ChargeParams{
		BillingAccountID: call.BillingAccountID,
		VirtualKeyID:     call.VirtualKeyID,
		RunID:            call.RunID,
		Attempt:          call.Attempt,
		SourceSystem:     StreamSourceSystem,
		SourceReference:  call.InvocationID,
		ChargedCredits:   o.Cost.Credits,
		Provenance:       account.ProvenanceStream,
		IngressRequestID: call.RequestID,
	}

	res, err := b.charger.RecordChargeReceipt(ctx, p)
	if err == nil {
		slog.DebugContext(ctx, "charged attempt",
			"invocation_id", call.InvocationID,
			"credits", res.Receipt.ChargedCredits,
			"balance", res.Balance,
			"replayed", res.Replayed)
		return nil
	}
	if !retryableCharge(err) {
		return err
	}

	if enqueueErr := b.enqueueChargeRetry(ctx, p); enqueueErr != nil {
		return errors.Join(err, enqueueErr)
	}
	return fmt.Errorf("charge deferred to retry: %w", err)
}

func retryableCharge(err error) bool {
	return !errors.Is(err, account.ErrInvalidCharge) &&
		!errors.Is(err, account.ErrAccountNotFound) &&
		!errors.Is(err, account.ErrReferenceInUse)
}

func (b *Bot) enqueueChargeRetry(ctx context.Context, p account.ChargeParams) error {
	if b.RiverClient == nil {
		return errors.New("no job queue configured for charge retries")
	}

	_, err := b.RiverClient.Insert(ctx, background.ChargeRetryArgs{
		BillingAccountID: p.BillingAccountID,
		VirtualKeyID:     p.VirtualKeyID,
		RunID:            p.RunID,
		Attempt:          p.Attempt,
		SourceSystem:     p.SourceSystem,
		SourceReference:  p.SourceReference,
		ChargedCredits:   p.ChargedCredits,
		Provenance:       string(p.Provenance),
		IngressRequestID: p.IngressRequestID,
	}, &river.InsertOpts{
		UniqueOpts: river.UniqueOpts{ByArgs: true},
	})
	if err != nil {
		return fmt.Errorf("enqueueing charge retry: %w", err)
	}
	return nil
}

// RetryCharge replays a deferred charge. It is idempotent on the receipt key.
func (b *Bot) RetryCharge(ctx context.Context, args background.ChargeRetryArgs) (account.ChargeResult, error) {
	return b.charger.RecordChargeReceipt(ctx, account.ChargeParams{
		BillingAccountID: args.BillingAccountID,
		VirtualKeyID:     args.VirtualKeyID,
		RunID:            args.RunID,
		Attempt:          args.Attempt,
		SourceSystem:     args.SourceSystem,
		SourceReference:  args.SourceReference,
		ChargedCredits:   args.ChargedCredits,
		Provenance:       account.Provenance(args.Provenance),
		IngressRequestID: args.IngressRequestID,
	})
}

// ExternalCharge is a charge computed outside the stream path, for example
// from a non-streamed response.
type ExternalCharge struct {
	OwnerID         string
	VirtualKeyID    string
	RunID           string
	Attempt         int
	SourceSystem    string
	SourceReference string
	Credits         int64
	RequestID       string
}

func (b *Bot) RecordExternalCharge(ctx context.Context, c ExternalCharge) (account.ChargeResult, error) {
	if strings.TrimSpace(c.OwnerID) == "" {
		return account.ChargeResult{}, fmt.Errorf("%w: owner is required", account.ErrInvalidCharge)
	}
	if strings.TrimSpace(c.SourceSystem) == StreamSourceSystem {
		return account.ChargeResult{}, fmt.Errorf("%w: source system %q is reserved", account.ErrInvalidCharge, StreamSourceSystem)
	}

	acct, err := b.accounts.EnsureAccount(ctx, c.OwnerID)
	if err != nil {
		return account.ChargeResult{}, err
	}

	return b.charger.RecordChargeReceipt(ctx, account.ChargeParams{
		BillingAccountID: acct.ID,
		VirtualKeyID:     c.VirtualKeyID,
		RunID:            c.RunID,
		Attempt:          c.Attempt,
		SourceSystem:     c.SourceSystem,
		SourceReference:  c.SourceReference,
		ChargedCredits:   c.Credits,
		Provenance:       account.ProvenanceResponse,
		IngressRequestID: c.RequestID,
	})
}

/* Reads */

func (b *Bot) Balance(ctx context.Context, ownerID string) (int64, error) {
	return b.accounts.Balance(ctx, ownerID)
}

func (b *Bot) AccountSummary(ctx context.Context, ownerID string, limit int) (account.Summary, error) {
	return b.accounts.Summary(ctx, ownerID, limit)
}

func (b *Bot) Thread(ctx context.Context, ownerID, stateKey string) (thread.Thread, error) {
	return b.threads.ForOwner(ownerID).Load(ctx, stateKey)
}

func (b *Bot) RecentInvocations(ctx context.Context, ownerID string, limit int) ([]telemetry.Summary, error) {
	return b.sink.Recent(ctx, ownerID, limit)
}

func (b *Bot) PurgeInvocations(ctx context.Context, olderThan time.Duration) (int64, error) {
	return b.sink.Purge(ctx, olderThan)
}
