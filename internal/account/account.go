// Package account owns billing accounts, charge receipts and the credit
// ledger. Nothing outside this package can write those tables: the query
// layer lives in an internal package only Service can import.
package account

import (
	"context"
	"errors"
	"time"
)

//go:generate go tool mockgen -source=account.go -destination=mocks/mock_account.go -package=mocks

var (
	ErrAccountNotFound = errors.New("billing account not found")
	ErrInvalidCharge   = errors.New("invalid charge")
	ErrInvalidGrant    = errors.New("invalid credit grant")
	// ErrReferenceInUse is returned when a ledger reference is already taken by
	// a different source system. The transaction is rolled back.
	ErrReferenceInUse = errors.New("ledger reference already in use")
	// ErrPaymentRequired means the owner has no credit left to start a new attempt.
	ErrPaymentRequired = errors.New("payment required")
)

// Charger is the only way other packages can debit an account.
type Charger interface {
	RecordChargeReceipt(ctx context.Context, p ChargeParams) (ChargeResult, error)
}

// FundsChecker gates new attempts on a positive balance.
type FundsChecker interface {
	CheckFunds(ctx context.Context, ownerID string) (Account, error)
}

type Provenance string

const (
	ProvenanceStream   Provenance = "stream"
	ProvenanceResponse Provenance = "response"
)

func (p Provenance) Valid() bool {
	return p == ProvenanceStream || p == ProvenanceResponse
}

type Config struct {
	// Credits granted once when an account is created.
	SignupCredits int64 `split_words:"true" default:"1000"`
}

type Account struct {
	ID        int64     `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

// ChargeParams describes one billable unit of work. SourceSystem and
// SourceReference together form the idempotency key.
type ChargeParams struct {
	BillingAccountID int64
	VirtualKeyID     string
	RunID            string
	Attempt          int
	SourceSystem     string
	SourceReference  string
	ChargedCredits   int64
	Provenance       Provenance
	IngressRequestID string
}

type Receipt struct {
	ID               int64      `json:"id"`
	BillingAccountID int64      `json:"billing_account_id"`
	VirtualKeyID     string     `json:"virtual_key_id,omitzero"`
	RunID            string     `json:"run_id"`
	Attempt          int        `json:"attempt"`
	SourceSystem     string     `json:"source_system"`
	SourceReference  string     `json:"source_reference"`
	ChargedCredits   int64      `json:"charged_credits"`
	Provenance       Provenance `json:"provenance"`
	IngressRequestID string     `json:"ingress_request_id,omitzero"`
	CreatedAt        time.Time  `json:"created_at"`
}

type LedgerEntry struct {
	ID               int64     `json:"id"`
	BillingAccountID int64     `json:"billing_account_id"`
	Amount           int64     `json:"amount"`
	Reference        string    `json:"reference"`
	Reason           string    `json:"reason"`
	BalanceAfter     int64     `json:"balance_after"`
	CreatedAt        time.Time `json:"created_at"`
}

// ChargeResult is the effect of a charge. On replay it is the effect recorded
// by the first call, and Balance is that entry's BalanceAfter.
type ChargeResult struct {
	Receipt  Receipt     `json:"receipt"`
	Entry    LedgerEntry `json:"entry"`
	Balance  int64       `json:"balance"`
	Replayed bool        `json:"replayed"`
}

type GrantParams struct {
	BillingAccountID int64
	Amount           int64
	Reference        string
	Reason           string
}

type GrantResult struct {
	Entry    LedgerEntry `json:"entry"`
	Balance  int64       `json:"balance"`
	Replayed bool        `json:"replayed"`
}

type Summary struct {
	Account        Account       `json:"account"`
	ReceiptCount   int64         `json:"receipt_count"`
	ChargedCredits int64         `json:"charged_credits"`
	Recent         []LedgerEntry `json:"recent"`
}
