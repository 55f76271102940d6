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
	"gorm.io/gorm/clause"
)

var errNoop = errors.New("no-op transition")

// plan is what a transition wants written besides the status itself.
type plan struct {
	updates map[string]interface{}
	// vpsID is the VPS held after the transition; ignored unless the new
	// status holds a VPS.
	vpsID   *uint
	command *agent.Command
	// target receives the command; defaults to the VPS held before the transition.
	target uint
}

// planFunc inspects the locked row and the computed destination status.
type planFunc func(tx *gorm.DB, s *models.StreamConfiguration, to lifecycle.Status) (*plan, error)

type transition struct {
	trigger lifecycle.Trigger
	reason  string
	// expect, when set, must match the current status or the transition
	// is rejected with ErrConflict.
	expect lifecycle.Status
	plan   planFunc
}

// apply runs one guarded transition: per-stream lock, row lock, state
// machine check, conditional update on (status, version), derived slot
// recount and outbox insert in one transaction, then dispatch after commit.
func (c *Controller) apply(ctx context.Context, id uint, t transition) (*Result, error) {
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
		if stream.VpsServerID != nil {
			prevVps = *stream.VpsServerID
		}
		if t.expect != "" && from != t.expect {
			return fmt.Errorf("%w: stream %d is %s, expected %s", lifecycle.ErrConflict, id, from, t.expect)
		}
		if lifecycle.IsNoop(from, t.trigger) {
			return errNoop
		}
		to, err := lifecycle.Next(from, t.trigger)
		if err != nil {
			return err
		}

		p := &plan{}
		if t.plan != nil {
			if p, err = t.plan(tx, &stream, to); err != nil {
				return err
			}
		}
		updates := p.updates
		if updates == nil {
			updates = map[string]interface{}{}
		}
		now := c.now()
		updates["status"] = to
		updates["version"] = stream.Version + 1
		updates["updated_at"] = now

		var heldVps *uint
		if lifecycle.HoldsVps(to) {
			heldVps = stream.VpsServerID
			if p.vpsID != nil {
				heldVps = p.vpsID
			}
			if heldVps == nil {
				return fmt.Errorf("stream %d: %s requires a VPS", id, to)
			}
			updates["vps_server_id"] = *heldVps
		} else {
			updates["vps_server_id"] = nil
		}

		res := tx.Model(&models.StreamConfiguration{}).
			Where("id = ? AND status = ? AND version = ?", id, from, stream.Version).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("%w: stream %d", lifecycle.ErrConflict, id)
		}

		touched := map[uint]bool{}
		if prevVps != 0 {
			touched[prevVps] = true
		}
		if heldVps != nil {
			touched[*heldVps] = true
		}
		for vpsID := range touched {
			if _, err := recountSlots(tx, vpsID); err != nil {
				return err
			}
		}

		if p.command != nil {
			target := p.target
			if target == 0 {
				target = prevVps
			}
			if target == 0 && heldVps != nil {
				target = *heldVps
			}
			if target == 0 {
				log.NewLogger(id, log.StreamId).Warn("no VPS to receive ", p.command.Command)
			} else {
				sid := id
				if outbox, err = enqueue(tx, target, &sid, p.command, now); err != nil {
					return err
				}
			}
		}
		return tx.First(&stream, id).Error
	})
	if errors.Is(err, errNoop) {
		return &Result{Stream: &stream}, nil
	}
	if err != nil {
		return nil, err
	}

	logger := log.NewLogger(id, log.StreamId)
	logger.Info(fmt.Sprintf("%s -> %s (%s)", from, stream.Status, t.trigger))
	vpsID := prevVps
	if stream.VpsServerID != nil {
		vpsID = *stream.VpsServerID
	}
	c.publishEvent(&stream, vpsID, from, t.trigger.String(), t.reason)

	result := &Result{Stream: &stream, Command: outbox}
	if outbox != nil {
		if err := c.Dispatch(ctx, outbox); err != nil {
			logger.Error(fmt.Sprintf("dispatch %s to vps %d err: %v", outbox.Command, outbox.VpsServerID, err))
			result.DispatchErr = err
		}
	}
	return result, nil
}

// lockedFirst loads a stream row, taking a row lock where the dialect has one.
func lockedFirst(tx *gorm.DB, s *models.StreamConfiguration, id uint) error {
	q := tx
	if tx.Dialector.Name() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := q.First(s, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %d", ErrStreamNotFound, id)
	}
	return err
}
