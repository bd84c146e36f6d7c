package charge_retry_worker

import (
	"context"
	"testing"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/dynoinc/billstream/internal"
	"github.com/dynoinc/billstream/internal/account"
	"github.com/dynoinc/billstream/internal/background"
	"github.com/dynoinc/billstream/internal/llm/mocks"
	"github.com/dynoinc/billstream/internal/storage/storagetest"
)

func job(args background.ChargeRetryArgs) *river.Job[background.ChargeRetryArgs] {
	return &river.Job[background.ChargeRetryArgs]{JobRow: &rivertype.JobRow{Kind: args.Kind()}, Args: args}
}

func TestWorkerRecordsChargeOnce(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewPool(t)

	bot, err := internal.New(db, mocks.NewMockProvider(gomock.NewController(t)), nil, internal.Config{
		Accounts: account.Config{SignupCredits: 50},
	})
	require.NoError(t, err)

	// Creates the account through the public surface.
	balance, err := bot.Balance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(50), balance)

	summary, err := bot.AccountSummary(ctx, "alice", 1)
	require.NoError(t, err)

	args := background.ChargeRetryArgs{
		BillingAccountID: summary.Account.ID,
		RunID:            "run-1",
		Attempt:          1,
		SourceSystem:     internal.StreamSourceSystem,
		SourceReference:  "inv-1",
		ChargedCredits:   20,
		Provenance:       string(account.ProvenanceStream),
	}

	w := New(bot)
	require.NoError(t, w.Work(ctx, job(args)))
	require.NoError(t, w.Work(ctx, job(args)))

	balance, err = bot.Balance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(30), balance)
}

func TestWorkerCancelsInvalidCharge(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewPool(t)

	bot, err := internal.New(db, mocks.NewMockProvider(gomock.NewController(t)), nil, internal.Config{})
	require.NoError(t, err)

	err = New(bot).Work(ctx, job(background.ChargeRetryArgs{
		BillingAccountID: 1,
		RunID:            "run-1",
		SourceSystem:     internal.StreamSourceSystem,
		SourceReference:  "run-1:0",
		ChargedCredits:   -5,
		Provenance:       string(account.ProvenanceStream),
	}))
	require.ErrorContains(t, err, "invalid charge")
}
