package background

import (
	"fmt"

	"github.com/riverqueue/river"
	"github.com/robfig/cron/v3"

	"github.com/dynoinc/billstream/internal/telemetry"
)

// PeriodicJobs schedules the invocation summary retention purge.
func PeriodicJobs(cfg telemetry.Config) ([]*river.PeriodicJob, error) {
	if cfg.RetentionDays <= 0 {
		return nil, nil
	}

	schedule, err := cron.ParseStandard(cfg.PurgeSchedule)
	if err != nil {
		return nil, fmt.Errorf("error parsing purge schedule %q: %w", cfg.PurgeSchedule, err)
	}

	constructor := func() (river.JobArgs, *river.InsertOpts) {
		return InvocationPurgeArgs{RetentionDays: cfg.RetentionDays}, nil
	}

	return []*river.PeriodicJob{
		river.NewPeriodicJob(schedule, constructor, &river.PeriodicJobOpts{RunOnStart: false}),
	}, nil
}
