package charge_retry_worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/riverqueue/river"

	"github.com/dynoinc/billstream/internal"
	"github.com/dynoinc/billstream/internal/account"
	"github.com/dynoinc/billstream/internal/background"
)

type Worker struct {
	river.WorkerDefaults[background.ChargeRetryArgs]
	bot *internal.Bot
}

func New(bot *internal.Bot) *Worker {
	return &Worker{
		bot: bot,
	}
}

func (w *Worker) Work(ctx context.Context, job *river.Job[background.ChargeRetryArgs]) error {
	args := job.Args

	res, err := w.bot.RetryCharge(ctx, args)
	switch {
	case errors.Is(err, account.ErrInvalidCharge),
		errors.Is(err, account.ErrAccountNotFound),
		errors.Is(err, account.ErrReferenceInUse):
		slog.ErrorContext(ctx, "dropping charge that can never succeed",
			"run_id", args.RunID,
			"attempt", args.Attempt,
			"source_reference", args.SourceReference,
			"error", err)
		return river.JobCancel(err)
	case err != nil:
		return fmt.Errorf("recording charge: %w", err)
	}

	slog.InfoContext(ctx, "recorded deferred charge",
		"run_id", args.RunID,
		"attempt", args.Attempt,
		"credits", res.Receipt.ChargedCredits,
		"replayed", res.Replayed)

	return nil
}
