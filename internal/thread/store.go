package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/dynoinc/billstream/internal/otel/metrics"
	"github.com/dynoinc/billstream/internal/storage/schema/dto"
	"github.com/dynoinc/billstream/internal/thread/internal/threaddb"
)

// Store hands out owner-bound adapters. It has no query methods of its own.
type Store struct {
	db  *pgxpool.Pool
	cfg Config

	conflicts metric.Int64Counter
}

func NewStore(db *pgxpool.Pool, cfg Config) *Store {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultMaxMessages
	}

	return &Store{
		db:        db,
		cfg:       cfg,
		conflicts: metrics.Counter("billstream.thread.conflicts", "Thread saves rejected because the stored count moved"),
	}
}

func (s *Store) ForOwner(ownerID string) *Adapter {
	return &Adapter{store: s, ownerID: ownerID}
}

// Adapter reads and writes the threads of exactly one owner.
type Adapter struct {
	store   *Store
	ownerID string
}

func (a *Adapter) OwnerID() string {
	return a.ownerID
}

func (a *Adapter) MaxMessages() int {
	return a.store.cfg.MaxMessages
}

// Load returns the stored thread for key. A key that does not exist, or that
// belongs to another owner, yields an empty thread.
func (a *Adapter) Load(ctx context.Context, stateKey string) (Thread, error) {
	empty := Thread{StateKey: stateKey, Messages: []dto.Message{}}

	var out Thread
	err := a.inTenantTx(ctx, func(q *threaddb.Queries) error {
		row, err := q.GetThread(ctx, threaddb.GetThreadParams{OwnerUserID: a.ownerID, StateKey: stateKey})
		if errors.Is(err, pgx.ErrNoRows) {
			out = empty
			return nil
		}
		if err != nil {
			return fmt.Errorf("loading thread: %w", err)
		}
		out = toThread(row)
		return nil
	})
	if err != nil {
		return Thread{}, err
	}
	return out, nil
}

// Save replaces the stored messages with messages, but only if the stored
// count still equals expected and the stored messages are an unchanged prefix
// of the new list. No retry is attempted on conflict.
func (a *Adapter) Save(ctx context.Context, stateKey string, messages []dto.Message, expected int) (Thread, error) {
	if strings.TrimSpace(stateKey) == "" {
		return Thread{}, errors.New("thread: empty state key")
	}
	if messages == nil {
		messages = []dto.Message{}
	}
	limit := a.store.cfg.MaxMessages

	var out Thread
	err := a.inTenantTx(ctx, func(q *threaddb.Queries) error {
		current, err := q.LockThread(ctx, threaddb.LockThreadParams{OwnerUserID: a.ownerID, StateKey: stateKey})
		exists := true
		if errors.Is(err, pgx.ErrNoRows) {
			exists = false
		} else if err != nil {
			return fmt.Errorf("locking thread: %w", err)
		}

		actual := 0
		if exists {
			actual = int(current.MessageCount)
		}
		if actual != expected {
			return &ConflictError{StateKey: stateKey, Expected: expected, Actual: actual}
		}
		if exists && !dto.IsPrefix(current.Messages, messages) {
			return ErrHistoryRewrite
		}
		if len(messages) > limit {
			return &CapacityError{StateKey: stateKey, Limit: limit, Count: len(messages)}
		}

		var n int64
		if exists {
			n, err = q.UpdateThreadIfCount(ctx, threaddb.UpdateThreadIfCountParams{
				Messages:      messages,
				MessageCount:  int32(len(messages)),
				OwnerUserID:   a.ownerID,
				StateKey:      stateKey,
				ExpectedCount: int32(expected),
			})
		} else {
			n, err = q.InsertThread(ctx, threaddb.InsertThreadParams{
				OwnerUserID:  a.ownerID,
				StateKey:     stateKey,
				Messages:     messages,
				MessageCount: int32(len(messages)),
			})
		}
		if err != nil {
			return fmt.Errorf("writing thread: %w", err)
		}
		if n == 0 {
			// Lost an insert race for a brand new key.
			return &ConflictError{StateKey: stateKey, Expected: expected, Actual: -1}
		}

		out = Thread{StateKey: stateKey, Messages: messages, MessageCount: len(messages)}
		return nil
	})
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			a.store.conflicts.Add(ctx, 1)
			slog.WarnContext(ctx, "thread save conflict", "owner_id", a.ownerID, "state_key", stateKey, "error", err)
		}
		return Thread{}, err
	}
	return out, nil
}

// Append saves base extended by turn, using base's count as the expected count.
// It does not reload: base must come from Load.
func (a *Adapter) Append(ctx context.Context, base Thread, turn ...dto.Message) (Thread, error) {
	next := make([]dto.Message, 0, len(base.Messages)+len(turn))
	next = append(next, base.Messages...)
	next = append(next, turn...)
	return a.Save(ctx, base.StateKey, next, base.MessageCount)
}

func (a *Adapter) inTenantTx(ctx context.Context, fn func(q *threaddb.Queries) error) error {
	if strings.TrimSpace(a.ownerID) == "" {
		return errors.New("thread: adapter has no owner")
	}

	tx, err := a.store.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "SET LOCAL ROLE billstream_tenant"); err != nil {
		return fmt.Errorf("switching to tenant role: %w", err)
	}

	q := threaddb.New(tx)
	if err := q.BindOwner(ctx, a.ownerID); err != nil {
		return fmt.Errorf("binding owner: %w", err)
	}

	if err := fn(q); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func toThread(row threaddb.Thread) Thread {
	messages := row.Messages
	if messages == nil {
		messages = []dto.Message{}
	}
	return Thread{
		StateKey:     row.StateKey,
		Messages:     messages,
		MessageCount: int(row.MessageCount),
	}
}
