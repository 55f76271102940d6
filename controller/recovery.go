package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yusiwen/streamctl/agent"
	"github.com/yusiwen/streamctl/lifecycle"
	"github.com/yusiwen/streamctl/models"
	"gorm.io/gorm"
)

// ErrNotDue means a sweep candidate no longer qualifies once locked.
var ErrNotDue = errors.New("stream no longer due")

// ResolveStuck force-resolves a stream that has sat in a transient status
// since before cutoff. STOPPING streams become INACTIVE; STARTING streams
// become ERROR and their VPS is told to stop whatever it started.
func (c *Controller) ResolveStuck(ctx context.Context, id uint, status lifecycle.Status, cutoff time.Time) (*Result, error) {
	var trigger lifecycle.Trigger
	switch status {
	case lifecycle.Stopping:
		trigger = lifecycle.SweepStuckStopping
	case lifecycle.Starting:
		trigger = lifecycle.SweepStuckStarting
	default:
		return nil, fmt.Errorf("%w: %s is not recoverable", lifecycle.ErrInvalidTransition, status)
	}

	return c.apply(ctx, id, transition{
		trigger: trigger,
		expect:  status,
		reason:  "stuck in " + string(status),
		plan: func(tx *gorm.DB, s *models.StreamConfiguration, to lifecycle.Status) (*plan, error) {
			if !s.UpdatedAt.Before(cutoff) {
				return nil, fmt.Errorf("%w: stream %d updated at %s", ErrNotDue, s.ID, s.UpdatedAt)
			}
			now := c.now()
			elapsed := int(now.Sub(s.UpdatedAt).Seconds())
			p := &plan{
				updates: map[string]interface{}{
					"error_message":   fmt.Sprintf("Auto-fixed: was stuck in %s for %ds", status, elapsed),
					"ffmpeg_pid":      nil,
					"last_stopped_at": now,
				},
			}
			if status == lifecycle.Starting {
				p.command = agent.NewStop(s.ID, "start timed out", now)
			}
			return p, nil
		},
	})
}

// StopScheduled stops a stream whose schedule window has closed, provided
// it has run for at least minDwell.
func (c *Controller) StopScheduled(ctx context.Context, id uint, minDwell time.Duration) (*Result, error) {
	return c.apply(ctx, id, transition{
		trigger: lifecycle.ScheduledStop,
		reason:  "schedule ended",
		plan: func(tx *gorm.DB, s *models.StreamConfiguration, to lifecycle.Status) (*plan, error) {
			now := c.now()
			if !s.EnableSchedule || s.ScheduledEnd == nil || s.ScheduledEnd.After(now) {
				return nil, fmt.Errorf("%w: stream %d schedule still open", ErrNotDue, s.ID)
			}
			if s.LastStartedAt != nil && s.LastStartedAt.After(now.Add(-minDwell)) {
				return nil, fmt.Errorf("%w: stream %d started at %s", ErrNotDue, s.ID, s.LastStartedAt)
			}
			return &plan{
				updates: map[string]interface{}{"last_stopped_at": now},
				command: agent.NewStop(s.ID, "schedule ended", now),
			}, nil
		},
	})
}
