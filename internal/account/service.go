package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dynoinc/billstream/internal/account/internal/ledgerdb"
	"github.com/dynoinc/billstream/internal/otel/metrics"
)

const (
	reasonCharge = "charge"
	reasonSignup = "signup"

	defaultSummaryRows = 20
	maxSummaryRows     = 200
)

type Service struct {
	db      *pgxpool.Pool
	queries *ledgerdb.Queries
	cfg     Config

	charged  metric.Int64Counter
	replayed metric.Int64Counter
}

func New(db *pgxpool.Pool, cfg Config) *Service {
	return &Service{
		db:       db,
		queries:  ledgerdb.New(db),
		cfg:      cfg,
		charged:  metrics.Counter("billstream.credits.charged", "Credits debited by charge receipts"),
		replayed: metrics.Counter("billstream.charges.replayed", "Charge requests answered from an existing receipt"),
	}
}

// EnsureAccount returns the owner's billing account, creating it on first use.
// Signup credits are granted exactly once, as a ledger entry.
func (s *Service) EnsureAccount(ctx context.Context, ownerID string) (Account, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return Account{}, fmt.Errorf("%w: empty owner id", ErrAccountNotFound)
	}

	if existing, err := s.queries.GetBillingAccountByOwner(ctx, ownerID); err == nil {
		return toAccount(existing), nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return Account{}, fmt.Errorf("getting billing account: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Account{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	qtx := s.queries.WithTx(tx)
	row, err := qtx.UpsertBillingAccount(ctx, ownerID)
	if err != nil {
		return Account{}, fmt.Errorf("creating billing account: %w", err)
	}

	if s.cfg.SignupCredits > 0 {
		result, err := s.grant(ctx, qtx, GrantParams{
			BillingAccountID: row.ID,
			Amount:           s.cfg.SignupCredits,
			Reference:        "signup:" + ownerID,
			Reason:           reasonSignup,
		})
		if err != nil {
			return Account{}, fmt.Errorf("granting signup credits: %w", err)
		}
		row.Balance = result.Balance
	}

	if err := tx.Commit(ctx); err != nil {
		return Account{}, err
	}

	slog.InfoContext(ctx, "created billing account", "owner_id", ownerID, "account_id", row.ID, "balance", row.Balance)
	return toAccount(row), nil
}

// RecordChargeReceipt debits an account for one billable unit of work.
//
// A second call with the same (SourceSystem, SourceReference) is a no-op that
// returns the first call's receipt and ledger entry; its ChargedCredits is
// ignored. Receipt insert, ledger insert and balance update share one
// transaction, serialized per account by a row lock.
func (s *Service) RecordChargeReceipt(ctx context.Context, p ChargeParams) (ChargeResult, error) {
	if err := validateCharge(p); err != nil {
		return ChargeResult{}, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return ChargeResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	qtx := s.queries.WithTx(tx)
	if _, err := qtx.LockBillingAccount(ctx, p.BillingAccountID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ChargeResult{}, ErrAccountNotFound
		}
		return ChargeResult{}, fmt.Errorf("locking billing account: %w", err)
	}

	receipt, err := qtx.InsertChargeReceipt(ctx, ledgerdb.InsertChargeReceiptParams{
		BillingAccountID: p.BillingAccountID,
		VirtualKeyID:     optional(p.VirtualKeyID),
		RunID:            p.RunID,
		Attempt:          int32(p.Attempt),
		SourceSystem:     p.SourceSystem,
		SourceReference:  p.SourceReference,
		ChargedCredits:   p.ChargedCredits,
		Provenance:       string(p.Provenance),
		IngressRequestID: optional(p.IngressRequestID),
	})
	if errors.Is(err, pgx.ErrNoRows) {
		result, err := s.replay(ctx, qtx, p)
		if err != nil {
			return ChargeResult{}, err
		}
		s.replayed.Add(ctx, 1, metric.WithAttributes(attribute.String("source_system", p.SourceSystem)))
		slog.InfoContext(ctx, "charge replayed",
			"source_system", p.SourceSystem,
			"source_reference", p.SourceReference,
			"receipt_id", result.Receipt.ID)
		return result, nil
	}
	if err != nil {
		return ChargeResult{}, fmt.Errorf("inserting charge receipt: %w", err)
	}

	balance, err := qtx.AdjustBalance(ctx, ledgerdb.AdjustBalanceParams{
		Amount: -p.ChargedCredits,
		ID:     p.BillingAccountID,
	})
	if err != nil {
		return ChargeResult{}, fmt.Errorf("adjusting balance: %w", err)
	}

	entry, err := qtx.InsertLedgerEntry(ctx, ledgerdb.InsertLedgerEntryParams{
		BillingAccountID: p.BillingAccountID,
		Amount:           -p.ChargedCredits,
		Reference:        p.SourceReference,
		Reason:           reasonCharge,
		BalanceAfter:     balance,
	})
	if err != nil {
		if isUniqueViolation(err) {
			return ChargeResult{}, fmt.Errorf("%w: %s", ErrReferenceInUse, p.SourceReference)
		}
		return ChargeResult{}, fmt.Errorf("inserting ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return ChargeResult{}, err
	}

	s.charged.Add(ctx, p.ChargedCredits, metric.WithAttributes(attribute.String("provenance", string(p.Provenance))))
	return ChargeResult{
		Receipt: toReceipt(receipt),
		Entry:   toLedgerEntry(entry),
		Balance: balance,
	}, nil
}

func (s *Service) replay(ctx context.Context, qtx *ledgerdb.Queries, p ChargeParams) (ChargeResult, error) {
	receipt, err := qtx.GetChargeReceiptBySource(ctx, ledgerdb.GetChargeReceiptBySourceParams{
		SourceSystem:    p.SourceSystem,
		SourceReference: p.SourceReference,
	})
	if err != nil {
		return ChargeResult{}, fmt.Errorf("getting existing charge receipt: %w", err)
	}
	if receipt.BillingAccountID != p.BillingAccountID {
		return ChargeResult{}, fmt.Errorf("%w: %s/%s belongs to another account", ErrReferenceInUse, p.SourceSystem, p.SourceReference)
	}

	entry, err := qtx.GetLedgerEntryByReference(ctx, receipt.SourceReference)
	if err != nil {
		return ChargeResult{}, fmt.Errorf("getting existing ledger entry: %w", err)
	}

	return ChargeResult{
		Receipt:  toReceipt(receipt),
		Entry:    toLedgerEntry(entry),
		Balance:  entry.BalanceAfter,
		Replayed: true,
	}, nil
}

// GrantCredits credits an account once per reference.
func (s *Service) GrantCredits(ctx context.Context, p GrantParams) (GrantResult, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return GrantResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	result, err := s.grant(ctx, s.queries.WithTx(tx), p)
	if err != nil {
		return GrantResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return GrantResult{}, err
	}
	return result, nil
}

func (s *Service) grant(ctx context.Context, qtx *ledgerdb.Queries, p GrantParams) (GrantResult, error) {
	switch {
	case p.BillingAccountID <= 0:
		return GrantResult{}, fmt.Errorf("%w: missing billing account", ErrInvalidGrant)
	case p.Amount <= 0:
		return GrantResult{}, fmt.Errorf("%w: amount must be positive", ErrInvalidGrant)
	case strings.TrimSpace(p.Reference) == "":
		return GrantResult{}, fmt.Errorf("%w: missing reference", ErrInvalidGrant)
	}
	if p.Reason == "" {
		p.Reason = "grant"
	}

	if _, err := qtx.LockBillingAccount(ctx, p.BillingAccountID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return GrantResult{}, ErrAccountNotFound
		}
		return GrantResult{}, fmt.Errorf("locking billing account: %w", err)
	}

	existing, err := qtx.GetLedgerEntryByReference(ctx, p.Reference)
	if err == nil {
		if existing.BillingAccountID != p.BillingAccountID {
			return GrantResult{}, fmt.Errorf("%w: %s", ErrReferenceInUse, p.Reference)
		}
		return GrantResult{Entry: toLedgerEntry(existing), Balance: existing.BalanceAfter, Replayed: true}, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return GrantResult{}, fmt.Errorf("getting ledger entry: %w", err)
	}

	balance, err := qtx.AdjustBalance(ctx, ledgerdb.AdjustBalanceParams{Amount: p.Amount, ID: p.BillingAccountID})
	if err != nil {
		return GrantResult{}, fmt.Errorf("adjusting balance: %w", err)
	}

	entry, err := qtx.InsertLedgerEntry(ctx, ledgerdb.InsertLedgerEntryParams{
		BillingAccountID: p.BillingAccountID,
		Amount:           p.Amount,
		Reference:        p.Reference,
		Reason:           p.Reason,
		BalanceAfter:     balance,
	})
	if err != nil {
		return GrantResult{}, fmt.Errorf("inserting ledger entry: %w", err)
	}

	return GrantResult{Entry: toLedgerEntry(entry), Balance: balance}, nil
}

func (s *Service) Balance(ctx context.Context, ownerID string) (int64, error) {
	acct, err := s.EnsureAccount(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// CheckFunds is the advisory pre-flight gate before an attempt starts. The
// balance can still change before the charge lands; debits may go negative.
func (s *Service) CheckFunds(ctx context.Context, ownerID string) (Account, error) {
	acct, err := s.EnsureAccount(ctx, ownerID)
	if err != nil {
		return Account{}, err
	}
	if acct.Balance <= 0 {
		return acct, ErrPaymentRequired
	}
	return acct, nil
}

func (s *Service) Summary(ctx context.Context, ownerID string, limit int) (Summary, error) {
	acct, err := s.EnsureAccount(ctx, ownerID)
	if err != nil {
		return Summary{}, err
	}

	if limit <= 0 {
		limit = defaultSummaryRows
	}
	limit = min(limit, maxSummaryRows)

	totals, err := s.queries.GetChargeTotals(ctx, acct.ID)
	if err != nil {
		return Summary{}, fmt.Errorf("getting charge totals: %w", err)
	}

	rows, err := s.queries.ListLedgerEntries(ctx, ledgerdb.ListLedgerEntriesParams{
		BillingAccountID: acct.ID,
		MaxRows:          int32(limit),
	})
	if err != nil {
		return Summary{}, fmt.Errorf("listing ledger entries: %w", err)
	}

	recent := make([]LedgerEntry, 0, len(rows))
	for _, row := range rows {
		recent = append(recent, toLedgerEntry(row))
	}

	return Summary{
		Account:        acct,
		ReceiptCount:   totals.ReceiptCount,
		ChargedCredits: totals.ChargedCredits,
		Recent:         recent,
	}, nil
}

// LedgerSum returns sum(amount) over the account's ledger, which must always
// equal its balance.
func (s *Service) LedgerSum(ctx context.Context, billingAccountID int64) (int64, error) {
	return s.queries.SumLedgerAmounts(ctx, billingAccountID)
}

func validateCharge(p ChargeParams) error {
	switch {
	case p.BillingAccountID <= 0:
		return fmt.Errorf("%w: missing billing account", ErrInvalidCharge)
	case strings.TrimSpace(p.RunID) == "":
		return fmt.Errorf("%w: missing run id", ErrInvalidCharge)
	case p.Attempt < 0:
		return fmt.Errorf("%w: negative attempt", ErrInvalidCharge)
	case strings.TrimSpace(p.SourceSystem) == "" || strings.TrimSpace(p.SourceReference) == "":
		return fmt.Errorf("%w: missing source system or reference", ErrInvalidCharge)
	case p.ChargedCredits < 0:
		return fmt.Errorf("%w: negative credits", ErrInvalidCharge)
	case !p.Provenance.Valid():
		return fmt.Errorf("%w: unknown provenance %q", ErrInvalidCharge, p.Provenance)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func toAccount(row ledgerdb.BillingAccount) Account {
	return Account{
		ID:        row.ID,
		OwnerID:   row.OwnerID,
		Balance:   row.Balance,
		CreatedAt: row.CreatedAt,
	}
}

func toReceipt(row ledgerdb.ChargeReceipt) Receipt {
	return Receipt{
		ID:               row.ID,
		BillingAccountID: row.BillingAccountID,
		VirtualKeyID:     deref(row.VirtualKeyID),
		RunID:            row.RunID,
		Attempt:          int(row.Attempt),
		SourceSystem:     row.SourceSystem,
		SourceReference:  row.SourceReference,
		ChargedCredits:   row.ChargedCredits,
		Provenance:       Provenance(row.Provenance),
		IngressRequestID: deref(row.IngressRequestID),
		CreatedAt:        row.CreatedAt,
	}
}

func toLedgerEntry(row ledgerdb.CreditLedgerEntry) LedgerEntry {
	return LedgerEntry{
		ID:               row.ID,
		BillingAccountID: row.BillingAccountID,
		Amount:           row.Amount,
		Reference:        row.Reference,
		Reason:           row.Reason,
		BalanceAfter:     row.BalanceAfter,
		CreatedAt:        row.CreatedAt,
	}
}
