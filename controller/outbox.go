package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/yusiwen/streamctl/agent"
	"github.com/yusiwen/streamctl/lifecycle"
	"github.com/yusiwen/streamctl/log"
	"github.com/yusiwen/streamctl/models"
	"gorm.io/gorm"
)

var errNoPublisher = errors.New("no command publisher configured")

// ErrSuperseded means a later transition made an outbox row obsolete.
var ErrSuperseded = errors.New("command superseded")

var undelivered = []models.CommandStatus{models.CommandPending, models.CommandFailed}

// enqueue records cmd in the outbox inside tx. The row id doubles as the
// command id the agent sees. Undelivered rows of the same stream that the
// new command overrides are marked superseded: every start or update, and
// anything aimed at the same VPS.
func enqueue(tx *gorm.DB, vpsID uint, streamID *uint, cmd *agent.Command, now time.Time) (*models.AgentCommand, error) {
	if streamID != nil {
		err := tx.Model(&models.AgentCommand{}).
			Where("stream_configuration_id = ? AND status IN ?", *streamID, undelivered).
			Where("(command IN ? OR vps_server_id = ?)", []string{agent.CommandStartStream, agent.CommandUpdateStream}, vpsID).
			Updates(map[string]interface{}{
				"status":     models.CommandSuperseded,
				"updated_at": now,
			}).Error
		if err != nil {
			return nil, fmt.Errorf("supersede commands of stream %d: %w", *streamID, err)
		}
	}

	cmd.ID = uuid.NewString()
	payload, err := cmd.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.Command, err)
	}
	row := &models.AgentCommand{
		ID:                    cmd.ID,
		VpsServerID:           vpsID,
		StreamConfigurationID: streamID,
		Command:               cmd.Command,
		Payload:               payload,
		Status:                models.CommandPending,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := tx.Create(row).Error; err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", cmd.Command, err)
	}
	return row, nil
}

// Dispatch publishes an outbox row to its VPS and records the attempt.
// The publish error, if any, is returned after the row is marked failed.
func (c *Controller) Dispatch(ctx context.Context, row *models.AgentCommand) error {
	pubErr := errNoPublisher
	if c.publisher != nil {
		pubErr = c.publisher.Publish(ctx, row.VpsServerID, row.Payload)
	}

	now := c.now()
	updates := map[string]interface{}{
		"attempts":   row.Attempts + 1,
		"updated_at": now,
	}
	if pubErr == nil {
		updates["status"] = models.CommandDispatched
		updates["dispatched_at"] = now
		updates["last_error"] = ""
	} else {
		updates["status"] = models.CommandFailed
		updates["last_error"] = pubErr.Error()
	}
	if err := c.db.WithContext(ctx).Model(row).Updates(updates).Error; err != nil {
		log.NewLogger(row.ID, log.CommandId).Error("mark outbox row err: ", err)
	}
	return pubErr
}

// Redeliver re-publishes an undelivered row. A start or update whose
// stream no longer runs on the row's VPS is marked superseded instead and
// ErrSuperseded is returned.
func (c *Controller) Redeliver(ctx context.Context, row *models.AgentCommand) error {
	if row.StreamConfigurationID != nil {
		unlock := c.locks.Lock(*row.StreamConfigurationID)
		defer unlock()
	}
	stale, err := c.stale(ctx, row)
	if err != nil {
		return err
	}
	if stale {
		err := c.db.WithContext(ctx).Model(row).Updates(map[string]interface{}{
			"status":     models.CommandSuperseded,
			"updated_at": c.now(),
		}).Error
		if err != nil {
			return err
		}
		log.NewLogger(row.ID, log.CommandId).Info(fmt.Sprintf("dropped stale %s for stream %d", row.Command, *row.StreamConfigurationID))
		return ErrSuperseded
	}
	return c.Dispatch(ctx, row)
}

func (c *Controller) stale(ctx context.Context, row *models.AgentCommand) (bool, error) {
	if row.StreamConfigurationID == nil {
		return false, nil
	}
	if row.Command != agent.CommandStartStream && row.Command != agent.CommandUpdateStream {
		return false, nil
	}
	var s models.StreamConfiguration
	err := c.db.WithContext(ctx).First(&s, *row.StreamConfigurationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if !lifecycle.HoldsSlot(s.Status) || s.VpsServerID == nil || *s.VpsServerID != row.VpsServerID {
		return true, nil
	}
	return row.Command == agent.CommandUpdateStream && s.Status != lifecycle.Streaming, nil
}

// Abandon gives up on an outbox row that exhausted its attempts.
func (c *Controller) Abandon(ctx context.Context, row *models.AgentCommand) error {
	return c.db.WithContext(ctx).Model(row).Updates(map[string]interface{}{
		"status":     models.CommandAbandoned,
		"updated_at": c.now(),
	}).Error
}

// PendingCommands lists outbox rows that still need delivery and have not
// been touched for retryAfter.
func (c *Controller) PendingCommands(ctx context.Context, retryAfter time.Duration) (rows []models.AgentCommand, err error) {
	err = c.db.WithContext(ctx).
		Where("status IN ?", undelivered).
		Where("updated_at <= ?", c.now().Add(-retryAfter)).
		Order("created_at").
		Find(&rows).Error
	return
}

func (c *Controller) Commands(ctx context.Context, streamID uint) (rows []models.AgentCommand, err error) {
	err = c.db.WithContext(ctx).
		Where("stream_configuration_id = ?", streamID).
		Order("created_at").
		Find(&rows).Error
	return
}

type CommandFilter struct {
	VpsID    uint
	StreamID uint
	Status   models.CommandStatus
	Limit    int
	Offset   int
}

// ListCommands pages through the outbox, newest first.
func (c *Controller) ListCommands(ctx context.Context, f CommandFilter) (rows []models.AgentCommand, total int64, err error) {
	q := c.db.WithContext(ctx).Model(&models.AgentCommand{})
	if f.VpsID != 0 {
		q = q.Where("vps_server_id = ?", f.VpsID)
	}
	if f.StreamID != 0 {
		q = q.Where("stream_configuration_id = ?", f.StreamID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if err = q.Count(&total).Error; err != nil {
		return
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit).Offset(f.Offset)
	}
	err = q.Order("created_at desc").Find(&rows).Error
	return
}
