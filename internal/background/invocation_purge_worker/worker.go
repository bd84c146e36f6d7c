package invocation_purge_worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/dynoinc/billstream/internal"
	"github.com/dynoinc/billstream/internal/background"
)

type Worker struct {
	river.WorkerDefaults[background.InvocationPurgeArgs]
	bot *internal.Bot
}

func New(bot *internal.Bot) *Worker {
	return &Worker{
		bot: bot,
	}
}

func (w *Worker) Work(ctx context.Context, job *river.Job[background.InvocationPurgeArgs]) error {
	retention := time.Duration(job.Args.RetentionDays) * 24 * time.Hour
	if retention <= 0 {
		return river.JobCancel(fmt.Errorf("invalid retention of %d days", job.Args.RetentionDays))
	}

	slog.InfoContext(ctx, "purging invocation summaries older than cutoff",
		"retention_days", job.Args.RetentionDays,
		"cutoff_time", time.Now().Add(-retention))

	deleted, err := w.bot.PurgeInvocations(ctx, retention)
	if err != nil {
		return fmt.Errorf("purging invocation summaries: %w", err)
	}

	slog.InfoContext(ctx, "purged invocation summaries", "count", deleted)
	return nil
}
