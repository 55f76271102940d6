// Package sweeper reconciles streams and commands the agents never
// confirmed: stuck transient states, closed or opening schedule windows and
// undelivered outbox rows.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"
	"github.com/yusiwen/streamctl/controller"
	"github.com/yusiwen/streamctl/lifecycle"
	"github.com/yusiwen/streamctl/log"
	"github.com/yusiwen/streamctl/models"
	"gorm.io/gorm"
)

// ErrBusy is returned by RunOnce while another pass is running.
var ErrBusy = errors.New("sweep already running")

type Config struct {
	Interval          time.Duration
	StoppingGrace     time.Duration
	StartingGrace     time.Duration
	RecoverStarting   bool
	ScheduleMinDwell  time.Duration
	ScheduledStarts   bool
	OutboxMaxAttempts int
	OutboxRetryAfter  time.Duration
}

func ConfigFrom(v *viper.Viper) Config {
	return Config{
		Interval:          v.GetDuration("sweep.interval"),
		StoppingGrace:     v.GetDuration("sweep.stopping_grace"),
		StartingGrace:     v.GetDuration("sweep.starting_grace"),
		RecoverStarting:   v.GetBool("sweep.recover_starting"),
		ScheduleMinDwell:  v.GetDuration("sweep.schedule_min_dwell"),
		ScheduledStarts:   v.GetBool("sweep.scheduled_starts"),
		OutboxMaxAttempts: v.GetInt("outbox.max_attempts"),
		OutboxRetryAfter:  v.GetDuration("outbox.retry_after"),
	}
}

// Report lists the streams each sweep touched during one pass.
type Report struct {
	StuckStopping   []uint   `json:"stuck_stopping"`
	StuckStarting   []uint   `json:"stuck_starting"`
	ScheduledStops  []uint   `json:"scheduled_stops"`
	ScheduledStarts []uint   `json:"scheduled_starts"`
	Relayed         int      `json:"relayed"`
	Abandoned       int      `json:"abandoned"`
	Superseded      int      `json:"superseded"`
	Errors          []string `json:"errors,omitempty"`
}

func (r *Report) Changed() int {
	return len(r.StuckStopping) + len(r.StuckStarting) + len(r.ScheduledStops) + len(r.ScheduledStarts) + r.Relayed + r.Abandoned + r.Superseded
}

func (r *Report) fail(err error) {
	r.Errors = append(r.Errors, err.Error())
}

type Sweeper struct {
	ctl     *controller.Controller
	cfg     Config
	running int32
}

func New(ctl *controller.Controller, cfg Config) *Sweeper {
	return &Sweeper{ctl: ctl, cfg: cfg}
}

// skippable errors mean the row moved on between the scan and the lock.
func skippable(err error) bool {
	return errors.Is(err, controller.ErrNotDue) ||
		errors.Is(err, lifecycle.ErrConflict) ||
		errors.Is(err, lifecycle.ErrInvalidTransition) ||
		errors.Is(err, controller.ErrStreamNotFound)
}

func (s *Sweeper) candidates(ctx context.Context, build func(q *gorm.DB) *gorm.DB) ([]uint, error) {
	var ids []uint
	q := build(s.ctl.DB().WithContext(ctx).Model(&models.StreamConfiguration{}))
	err := q.Order("id").Pluck("id", &ids).Error
	return ids, err
}

// StuckStopping releases streams whose stop was never confirmed.
func (s *Sweeper) StuckStopping(ctx context.Context) ([]uint, error) {
	return s.resolveStuck(ctx, lifecycle.Stopping, s.cfg.StoppingGrace)
}

// StuckStarting fails streams whose start was never confirmed.
func (s *Sweeper) StuckStarting(ctx context.Context) ([]uint, error) {
	return s.resolveStuck(ctx, lifecycle.Starting, s.cfg.StartingGrace)
}

func (s *Sweeper) resolveStuck(ctx context.Context, status lifecycle.Status, grace time.Duration) (fixed []uint, err error) {
	cutoff := s.ctl.Now().Add(-grace)
	ids, err := s.candidates(ctx, func(q *gorm.DB) *gorm.DB {
		return q.Where("status = ? AND updated_at < ?", status, cutoff)
	})
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		res, err := s.ctl.ResolveStuck(ctx, id, status, cutoff)
		if err != nil {
			if skippable(err) {
				log.NewLogger(id, log.StreamId).Debug("skip: ", err)
				continue
			}
			return fixed, err
		}
		log.NewLogger(id, log.StreamId).Warn(res.Stream.ErrorMessage)
		fixed = append(fixed, id)
	}
	return fixed, nil
}

// ScheduledStops stops streams whose schedule window has closed, leaving
// alone those started less than the minimum dwell ago.
func (s *Sweeper) ScheduledStops(ctx context.Context) (stopped []uint, err error) {
	now := s.ctl.Now()
	ids, err := s.candidates(ctx, func(q *gorm.DB) *gorm.DB {
		return q.Where("enable_schedule = ? AND scheduled_end IS NOT NULL AND scheduled_end <= ?", true, now).
			Where("status IN ?", lifecycle.SlotStatuses).
			Where("last_started_at IS NULL OR last_started_at <= ?", now.Add(-s.cfg.ScheduleMinDwell))
	})
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		res, err := s.ctl.StopScheduled(ctx, id, s.cfg.ScheduleMinDwell)
		if err != nil {
			if skippable(err) {
				continue
			}
			return stopped, err
		}
		if res.DispatchErr != nil {
			log.NewLogger(id, log.StreamId).Warn("stop queued for retry: ", res.DispatchErr)
		}
		stopped = append(stopped, id)
	}
	return stopped, nil
}

// ScheduledStarts starts INACTIVE streams whose schedule window is open and
// that have not run since it opened.
func (s *Sweeper) ScheduledStarts(ctx context.Context) (started []uint, err error) {
	now := s.ctl.Now()
	ids, err := s.candidates(ctx, func(q *gorm.DB) *gorm.DB {
		return q.Where("enable_schedule = ? AND status = ?", true, lifecycle.Inactive).
			Where("scheduled_start IS NOT NULL AND scheduled_start <= ?", now).
			Where("scheduled_end IS NULL OR scheduled_end > ?", now).
			Where("last_started_at IS NULL OR last_started_at < scheduled_start")
	})
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		_, err := s.ctl.Start(ctx, id, nil)
		if err != nil {
			if skippable(err) {
				continue
			}
			if errors.Is(err, controller.ErrNoCapacity) {
				log.NewLogger(id, log.StreamId).Warn("scheduled start deferred: ", err)
				continue
			}
			var verr controller.ErrValidation
			if errors.As(err, &verr) {
				log.NewLogger(id, log.StreamId).Error("scheduled start rejected: ", err)
				continue
			}
			return started, err
		}
		started = append(started, id)
	}
	return started, nil
}

// RelayOutbox redelivers commands that were never published, giving up on
// rows that exhausted their attempts and dropping those a later transition
// made stale.
func (s *Sweeper) RelayOutbox(ctx context.Context) (relayed, abandoned, superseded int, err error) {
	rows, err := s.ctl.PendingCommands(ctx, s.cfg.OutboxRetryAfter)
	if err != nil {
		return 0, 0, 0, err
	}
	for i := range rows {
		row := &rows[i]
		logger := log.NewLogger(row.ID, log.CommandId)
		if s.cfg.OutboxMaxAttempts > 0 && row.Attempts >= s.cfg.OutboxMaxAttempts {
			if err := s.ctl.Abandon(ctx, row); err != nil {
				return relayed, abandoned, superseded, err
			}
			logger.Error(fmt.Sprintf("abandoned %s to vps %d after %d attempts: %s", row.Command, row.VpsServerID, row.Attempts, row.LastError))
			abandoned++
			continue
		}
		err := s.ctl.Redeliver(ctx, row)
		switch {
		case errors.Is(err, controller.ErrSuperseded):
			superseded++
		case err != nil:
			logger.Warn(fmt.Sprintf("retry %d of %s failed: %v", row.Attempts+1, row.Command, err))
		default:
			relayed++
		}
	}
	return relayed, abandoned, superseded, nil
}

// RunOnce runs every sweep in order. A failing sweep is recorded in the
// report and does not prevent the others.
func (s *Sweeper) RunOnce(ctx context.Context) (*Report, error) {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return nil, ErrBusy
	}
	defer atomic.StoreInt32(&s.running, 0)

	r := &Report{}
	var err error
	if r.StuckStopping, err = s.StuckStopping(ctx); err != nil {
		r.fail(fmt.Errorf("stuck stopping: %w", err))
	}
	if s.cfg.RecoverStarting {
		if r.StuckStarting, err = s.StuckStarting(ctx); err != nil {
			r.fail(fmt.Errorf("stuck starting: %w", err))
		}
	}
	if r.ScheduledStops, err = s.ScheduledStops(ctx); err != nil {
		r.fail(fmt.Errorf("scheduled stops: %w", err))
	}
	if s.cfg.ScheduledStarts {
		if r.ScheduledStarts, err = s.ScheduledStarts(ctx); err != nil {
			r.fail(fmt.Errorf("scheduled starts: %w", err))
		}
	}
	if r.Relayed, r.Abandoned, r.Superseded, err = s.RelayOutbox(ctx); err != nil {
		r.fail(fmt.Errorf("outbox relay: %w", err))
	}

	if r.Changed() > 0 || len(r.Errors) > 0 {
		log.InfoWithFields("sweep pass finished", log.Fields{
			"stuckStopping":   len(r.StuckStopping),
			"stuckStarting":   len(r.StuckStarting),
			"scheduledStops":  len(r.ScheduledStops),
			"scheduledStarts": len(r.ScheduledStarts),
			"relayed":         r.Relayed,
			"abandoned":       r.Abandoned,
			"superseded":      r.Superseded,
			"errors":          len(r.Errors),
		})
	}
	return r, nil
}

// Run sweeps every cfg.Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Info(fmt.Sprintf("sweeper started, interval %s", interval))
	for {
		select {
		case <-ctx.Done():
			log.Info("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				log.Warn("sweep skipped: ", err)
			}
		}
	}
}
