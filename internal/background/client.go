package background

import (
	"context"
	"strconv"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"
	"github.com/riverqueue/rivercontrib/otelriver"
)

type sentryMiddleware struct {
	river.MiddlewareDefaults
}

func (m *sentryMiddleware) Work(ctx context.Context, job *rivertype.JobRow, doInner func(ctx context.Context) error) error {
	var err error
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("job.kind", job.Kind)
		scope.SetTag("job.attempt", strconv.Itoa(job.Attempt))
		scope.AddBreadcrumb(&sentry.Breadcrumb{
			Category: "job",
			Message:  job.Kind,
			Level:    sentry.LevelInfo,
		}, 100)

		defer sentry.RecoverWithContext(ctx)

		if innerErr := doInner(ctx); innerErr != nil {
			sentry.CaptureException(innerErr)
			err = innerErr
		}
	})

	return err
}

// New returns the job client. Charge retries and retention purges run on the
// default queue; both are idempotent, so river's at-least-once delivery is fine.
func New(db *pgxpool.Pool, workers *river.Workers, periodicJobs []*river.PeriodicJob) (*river.Client[pgx.Tx], error) {
	return river.NewClient(riverpgxv5.New(db), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {
				MaxWorkers: 10,
			},
		},
		MaxAttempts:  12,
		PeriodicJobs: periodicJobs,
		Workers:      workers,
		Middleware: []rivertype.Middleware{
			otelriver.NewMiddleware(&otelriver.MiddlewareConfig{}),
			&sentryMiddleware{},
		},
	})
}
