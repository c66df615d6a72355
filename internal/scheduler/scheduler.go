// Package scheduler runs the time-driven match transitions. Every job is safe
// to run concurrently with itself and with other workers: the engine makes
// each transition idempotent, so overlapping runs only produce no-ops.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"wager_service/internal/match"
	"wager_service/internal/metrics"
	apperrors "wager_service/pkg/errors"
	"wager_service/pkg/logger"
)

const DefaultBatchSize = 200

const (
	JobStartCheck    = "start-check"
	JobVotingOpen    = "voting-open"
	JobPayoutCheck   = "payout-check"
	JobDisputeExpiry = "dispute-expiry"
	JobVoteReminder  = "vote-reminder"
)

type Engine interface {
	CheckStart(ctx context.Context, matchID string, now time.Time) (*match.Result, error)
	BeginVoting(ctx context.Context, matchID, requesterID string, now time.Time) (*match.Result, error)
	Settle(ctx context.Context, matchID string, now time.Time) (*match.Result, error)
	ExpireDispute(ctx context.Context, matchID string, now time.Time) (*match.Result, error)
	SendVoteReminder(ctx context.Context, matchID string, now time.Time) (*match.Result, error)
}

// Finder lists the ids of matches a job may have work for.
type Finder interface {
	DueForStart(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	DueForVoting(ctx context.Context, startedBefore time.Time, limit int) ([]string, error)
	DueForSettlement(ctx context.Context, now time.Time, limit int) ([]string, error)
	DueForDisputeExpiry(ctx context.Context, now time.Time, limit int) ([]string, error)
	DueForReminder(ctx context.Context, now time.Time, window time.Duration, limit int) ([]string, error)
}

type job struct {
	name string
	due  func(ctx context.Context, now time.Time) ([]string, error)
	run  func(ctx context.Context, matchID string, now time.Time) (*match.Result, error)
}

// JobStats counts what one run of a job did.
type JobStats struct {
	Due       int `json:"due"`
	Applied   int `json:"applied"`
	Conflicts int `json:"conflicts"`
	Failed    int `json:"failed"`
}

type Scheduler struct {
	jobs     []job
	interval time.Duration
	batch    int
	metrics  *metrics.Metrics
	log      *zap.SugaredLogger

	sched  gocron.Scheduler
	ctx    context.Context
	cancel context.CancelFunc
}

func New(engine Engine, finder Finder, settings match.Settings, interval time.Duration, m *metrics.Metrics) *Scheduler {
	s := &Scheduler{
		interval: interval,
		batch:    DefaultBatchSize,
		metrics:  m,
		log:      logger.With("component", "scheduler"),
	}
	s.jobs = []job{
		{
			name: JobStartCheck,
			due: func(ctx context.Context, now time.Time) ([]string, error) {
				return finder.DueForStart(ctx, now.Add(-settings.StartTimeout), s.batch)
			},
			run: engine.CheckStart,
		},
		{
			name: JobVotingOpen,
			due: func(ctx context.Context, now time.Time) ([]string, error) {
				return finder.DueForVoting(ctx, now.Add(-settings.MaxActivityDuration), s.batch)
			},
			run: func(ctx context.Context, matchID string, now time.Time) (*match.Result, error) {
				return engine.BeginVoting(ctx, matchID, "", now)
			},
		},
		{
			name: JobPayoutCheck,
			due: func(ctx context.Context, now time.Time) ([]string, error) {
				return finder.DueForSettlement(ctx, now, s.batch)
			},
			run: engine.Settle,
		},
		{
			name: JobDisputeExpiry,
			due: func(ctx context.Context, now time.Time) ([]string, error) {
				return finder.DueForDisputeExpiry(ctx, now, s.batch)
			},
			run: engine.ExpireDispute,
		},
		{
			name: JobVoteReminder,
			due: func(ctx context.Context, now time.Time) ([]string, error) {
				return finder.DueForReminder(ctx, now, settings.ReminderWindow, s.batch)
			},
			run: engine.SendVoteReminder,
		},
	}
	return s
}

// Start registers every job with gocron in singleton mode, so a slow run is
// never overlapped by the next tick of the same job.
func (s *Scheduler) Start() error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for _, j := range s.jobs {
		j := j
		_, err := sched.NewJob(
			gocron.DurationJob(s.interval),
			gocron.NewTask(func() {
				s.runJob(s.ctx, j, time.Now())
			}),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("register job %s: %w", j.name, err)
		}
	}

	s.sched = sched
	sched.Start()
	s.log.Infow("Settlement scheduler started", "interval", s.interval.String(), "jobs", len(s.jobs))
	return nil
}

func (s *Scheduler) Shutdown() error {
	if s.sched == nil {
		return nil
	}
	s.cancel()
	return s.sched.Shutdown()
}

// RunOnce runs every job synchronously against now.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) map[string]JobStats {
	out := make(map[string]JobStats, len(s.jobs))
	for _, j := range s.jobs {
		out[j.name] = s.runJob(ctx, j, now)
	}
	return out
}

func (s *Scheduler) runJob(ctx context.Context, j job, now time.Time) JobStats {
	defer s.metrics.SchedulerRun(j.name, time.Now())

	var stats JobStats
	ids, err := j.due(ctx, now)
	if err != nil {
		s.log.Errorw("Scheduler query failed", "job", j.name, "error", err)
		s.metrics.Failure(j.name, apperrors.CodeOf(err))
		stats.Failed++
		return stats
	}
	stats.Due = len(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		res, err := j.run(ctx, id, now)
		switch {
		case err == nil:
			if res != nil && res.Applied {
				stats.Applied++
			}
		case apperrors.IsConflict(err):
			stats.Conflicts++
		default:
			stats.Failed++
			s.log.Warnw("Scheduled transition failed", "job", j.name, "match_id", id, "error", err)
		}
	}

	if stats.Due > 0 {
		s.log.Debugw("Scheduler job finished", "job", j.name, "due", stats.Due, "applied", stats.Applied,
			"conflicts", stats.Conflicts, "failed", stats.Failed)
	}
	return stats
}
