package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/yusiwen/streamctl/agent"
	"github.com/yusiwen/streamctl/lifecycle"
	"github.com/yusiwen/streamctl/log"
	"github.com/yusiwen/streamctl/models"
	"gorm.io/gorm"
)

func startConfig(s *models.StreamConfiguration) agent.StartConfig {
	return agent.StartConfig{
		StreamID:      s.ID,
		StreamKey:     s.StreamKey,
		RtmpURL:       s.FullRtmpURL(),
		PushURLs:      append([]string{}, s.PushURLs...),
		Loop:          s.Loop,
		PlaylistOrder: s.PlaylistOrder,
		SourceFiles:   append([]string{}, s.SourceFiles...),
	}
}

// Start assigns a VPS, moves the stream to STARTING and sends start_stream.
// vpsID pins the VPS; nil lets the controller pick one.
func (c *Controller) Start(ctx context.Context, id uint, vpsID *uint) (*Result, error) {
	c.placement.Lock()
	defer c.placement.Unlock()

	return c.apply(ctx, id, transition{
		trigger: lifecycle.StartRequest,
		reason:  "start requested",
		plan: func(tx *gorm.DB, s *models.StreamConfiguration, to lifecycle.Status) (*plan, error) {
			if err := validate(s); err != nil {
				return nil, err
			}
			vps, err := c.pickVps(ctx, tx, vpsID)
			if err != nil {
				return nil, err
			}
			now := c.now()
			return &plan{
				updates: map[string]interface{}{
					"last_started_at": now,
					"error_message":   "",
					"ffmpeg_pid":      nil,
				},
				vpsID:   &vps.ID,
				command: agent.NewStart(startConfig(s), now),
				target:  vps.ID,
			}, nil
		},
	})
}

// Stop moves a STARTING or STREAMING stream to STOPPING and sends
// stop_stream to its VPS.
func (c *Controller) Stop(ctx context.Context, id uint, reason string) (*Result, error) {
	return c.stop(ctx, id, lifecycle.StopRequest, reason)
}

func (c *Controller) stop(ctx context.Context, id uint, trigger lifecycle.Trigger, reason string) (*Result, error) {
	if reason == "" {
		reason = trigger.String()
	}
	return c.apply(ctx, id, transition{
		trigger: trigger,
		reason:  reason,
		plan: func(tx *gorm.DB, s *models.StreamConfiguration, to lifecycle.Status) (*plan, error) {
			now := c.now()
			return &plan{
				updates: map[string]interface{}{"last_stopped_at": now},
				command: agent.NewStop(s.ID, reason, now),
			}, nil
		},
	})
}

// Delete soft-deletes a stream. A stream still holding a VPS is told to
// stop and released first.
func (c *Controller) Delete(ctx context.Context, id uint) (*Result, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	var (
		stream  models.StreamConfiguration
		from    lifecycle.Status
		prevVps uint
		outbox  *models.AgentCommand
	)
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockedFirst(tx, &stream, id); err != nil {
			return err
		}
		from = stream.Status
		now := c.now()
		if lifecycle.HoldsVps(from) && stream.VpsServerID != nil {
			prevVps = *stream.VpsServerID
			res := tx.Model(&models.StreamConfiguration{}).
				Where("id = ? AND status = ? AND version = ?", id, from, stream.Version).
				Updates(map[string]interface{}{
					"status":          lifecycle.Inactive,
					"vps_server_id":   nil,
					"ffmpeg_pid":      nil,
					"last_stopped_at": now,
					"version":         stream.Version + 1,
					"updated_at":      now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				return fmt.Errorf("%w: stream %d", lifecycle.ErrConflict, id)
			}
			if _, err := recountSlots(tx, prevVps); err != nil {
				return err
			}
			var err error
			sid := id
			outbox, err = enqueue(tx, prevVps, &sid, agent.NewStop(id, "stream deleted", now), now)
			if err != nil {
				return err
			}
		}
		if err := tx.Delete(&models.StreamConfiguration{}, id).Error; err != nil {
			return err
		}
		stream.Status = lifecycle.Inactive
		stream.VpsServerID = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger := log.NewLogger(id, log.StreamId)
	logger.Info(fmt.Sprintf("deleted (was %s)", from))
	c.publishEvent(&stream, prevVps, from, "deleted", "stream deleted")

	result := &Result{Stream: &stream, Command: outbox}
	if outbox != nil {
		if err := c.Dispatch(ctx, outbox); err != nil {
			logger.Error(fmt.Sprintf("dispatch stop to vps %d err: %v", prevVps, err))
			result.DispatchErr = err
		}
	}
	return result, nil
}

// UpdateLive pushes the stored config to the agent running the stream. The
// agent's HTTP endpoint is tried first; on failure the update goes through
// the command channel instead.
func (c *Controller) UpdateLive(ctx context.Context, id uint) (*Result, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	s, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status != lifecycle.Streaming || s.VpsServerID == nil {
		return nil, fmt.Errorf("%w: stream %d is %s", ErrNotStreaming, id, s.Status)
	}
	vps, err := c.GetVps(ctx, *s.VpsServerID)
	if err != nil {
		return nil, err
	}

	logger := log.NewLogger(id, log.StreamId)
	cfg := startConfig(s)
	if c.updater != nil {
		err := c.updater.UpdateStream(ctx, vps.IPAddress, cfg)
		if err == nil {
			logger.Info(fmt.Sprintf("live update pushed to %s", vps.IPAddress))
			return &Result{Stream: s}, nil
		}
		logger.Warn(fmt.Sprintf("live update via http to %s err: %v, falling back to command channel", vps.IPAddress, err))
	}

	sid := id
	row, err := enqueue(c.db.WithContext(ctx), vps.ID, &sid, agent.NewUpdate(cfg, c.now()), c.now())
	if err != nil {
		return nil, err
	}
	result := &Result{Stream: s, Command: row}
	if err := c.Dispatch(ctx, row); err != nil {
		logger.Error(fmt.Sprintf("dispatch update to vps %d err: %v", vps.ID, err))
		result.DispatchErr = err
	}
	return result, nil
}

// KillAllResult summarizes a fleet-wide kill.
type KillAllResult struct {
	Commands    []models.AgentCommand `json:"commands"`
	Stopped     []uint                `json:"stopped"`
	DispatchErr map[uint]string       `json:"dispatch_errors,omitempty"`
}

// KillAll broadcasts kill_all_streams to every active VPS and to any VPS
// still holding a stream, then moves every STARTING or STREAMING stream to
// STOPPING. Agent confirmations or the stuck sweep finish the job.
func (c *Controller) KillAll(ctx context.Context, reason string) (*KillAllResult, error) {
	if reason == "" {
		reason = "kill all requested"
	}
	db := c.db.WithContext(ctx)

	var targets []uint
	err := db.Model(&models.VpsServer{}).Where("is_active = ?", true).Order("id").Pluck("id", &targets).Error
	if err != nil {
		return nil, err
	}
	var holding []uint
	err = db.Model(&models.StreamConfiguration{}).
		Where("vps_server_id IS NOT NULL AND status IN ?", lifecycle.VpsStatuses).
		Distinct().Pluck("vps_server_id", &holding).Error
	if err != nil {
		return nil, err
	}
	seen := map[uint]bool{}
	for _, id := range targets {
		seen[id] = true
	}
	for _, id := range holding {
		if !seen[id] {
			seen[id] = true
			targets = append(targets, id)
		}
	}

	result := &KillAllResult{DispatchErr: map[uint]string{}}
	now := c.now()
	for _, vpsID := range targets {
		row, err := enqueue(db, vpsID, nil, agent.NewKillAll(reason, now), now)
		if err != nil {
			return nil, err
		}
		if err := c.Dispatch(ctx, row); err != nil {
			log.NewLogger(vpsID, log.VpsId).Error("dispatch kill all err: ", err)
			result.DispatchErr[vpsID] = err.Error()
		}
		result.Commands = append(result.Commands, *row)
	}

	var ids []uint
	err = db.Model(&models.StreamConfiguration{}).Where("status IN ?", lifecycle.SlotStatuses).Order("id").Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		_, err := c.apply(ctx, id, transition{
			trigger: lifecycle.KillAll,
			reason:  reason,
			plan: func(tx *gorm.DB, s *models.StreamConfiguration, to lifecycle.Status) (*plan, error) {
				return &plan{updates: map[string]interface{}{"last_stopped_at": c.now()}}, nil
			},
		})
		if err != nil {
			if errors.Is(err, lifecycle.ErrInvalidTransition) || errors.Is(err, lifecycle.ErrConflict) {
				log.NewLogger(id, log.StreamId).Warn("kill all skipped: ", err)
				continue
			}
			return nil, err
		}
		result.Stopped = append(result.Stopped, id)
	}
	log.Info(fmt.Sprintf("kill all: %d VPS notified, %d streams stopping", len(targets), len(result.Stopped)))
	return result, nil
}
