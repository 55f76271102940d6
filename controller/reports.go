package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/yusiwen/streamctl/lifecycle"
	"github.com/yusiwen/streamctl/log"
	"github.com/yusiwen/streamctl/models"
	"gorm.io/gorm"
)

const (
	ReportStreaming = "STREAMING"
	ReportStopped   = "STOPPED"
	ReportError     = "ERROR"
	ReportCompleted = "COMPLETED"
)

// AgentReport is a stream status callback from an agent.
type AgentReport struct {
	StreamID uint   `json:"stream_id" binding:"required"`
	VpsID    uint   `json:"vps_id"`
	Status   string `json:"status" binding:"required"`
	Pid      *int   `json:"pid"`
	Message  string `json:"message"`
}

// ProgressReport is a stage update sent while a stream boots.
type ProgressReport struct {
	StreamID   uint   `json:"stream_id" binding:"required"`
	VpsID      uint   `json:"vps_id"`
	Stage      string `json:"stage" binding:"required"`
	Percentage *int   `json:"percentage"`
	Message    string `json:"message"`
}

func reportTrigger(status string) (lifecycle.Trigger, error) {
	switch strings.ToUpper(status) {
	case ReportStreaming:
		return lifecycle.AgentStreaming, nil
	case ReportStopped:
		return lifecycle.AgentStopped, nil
	case ReportError:
		return lifecycle.AgentFailed, nil
	case ReportCompleted:
		return lifecycle.AgentCompleted, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownReport, status)
}

// ApplyAgentStatus folds an agent confirmation into the stream state.
// Repeated confirmations are no-ops; reports that do not fit the current
// state are logged and rejected.
func (c *Controller) ApplyAgentStatus(ctx context.Context, r AgentReport) (*models.StreamConfiguration, error) {
	trigger, err := reportTrigger(r.Status)
	if err != nil {
		return nil, err
	}
	return c.applyAgent(ctx, r.StreamID, r.VpsID, trigger, r.Pid, r.Message)
}

func (c *Controller) applyAgent(ctx context.Context, id, vpsID uint, trigger lifecycle.Trigger, pid *int, message string) (*models.StreamConfiguration, error) {
	res, err := c.apply(ctx, id, transition{
		trigger: trigger,
		reason:  message,
		plan: func(tx *gorm.DB, s *models.StreamConfiguration, to lifecycle.Status) (*plan, error) {
			if vpsID != 0 && s.VpsServerID != nil && *s.VpsServerID != vpsID {
				return nil, fmt.Errorf("%w: stream %d runs on vps %d, report from %d", ErrStaleReport, s.ID, *s.VpsServerID, vpsID)
			}
			updates := map[string]interface{}{}
			switch trigger {
			case lifecycle.AgentStreaming:
				updates["error_message"] = ""
				if pid != nil {
					updates["ffmpeg_pid"] = *pid
				}
			case lifecycle.AgentStopped, lifecycle.AgentCompleted:
				updates["ffmpeg_pid"] = nil
				updates["last_stopped_at"] = c.now()
			case lifecycle.AgentFailed:
				updates["ffmpeg_pid"] = nil
				if message == "" {
					message = "agent reported failure"
				}
				updates["error_message"] = message
			}
			return &plan{updates: updates}, nil
		},
	})
	if err != nil {
		if errors.Is(err, lifecycle.ErrInvalidTransition) || errors.Is(err, ErrStaleReport) {
			log.NewLogger(id, log.StreamId).Warn("ignored agent report: ", err)
		}
		return nil, err
	}
	return res.Stream, nil
}

// RecordProgress appends a progress row and applies the stage's status
// implication, if any. The row is kept even when the implied transition is
// rejected.
func (c *Controller) RecordProgress(ctx context.Context, r ProgressReport) (*models.StreamProgress, error) {
	stage := strings.ToLower(r.Stage)
	if !models.KnownStage(stage) {
		return nil, ErrValidation(fmt.Sprintf("unknown stage %q", r.Stage))
	}
	if err := c.db.WithContext(ctx).Select("id").First(&models.StreamConfiguration{}, r.StreamID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrStreamNotFound, r.StreamID)
		}
		return nil, err
	}

	p := &models.StreamProgress{
		StreamConfigurationID: r.StreamID,
		Stage:                 stage,
		Percentage:            models.StagePercentage(stage, r.Percentage),
		Message:               r.Message,
		CreatedAt:             c.now(),
	}
	if err := c.db.WithContext(ctx).Create(p).Error; err != nil {
		return nil, err
	}

	var trigger lifecycle.Trigger
	switch stage {
	case models.StageStreaming:
		trigger = lifecycle.AgentStreaming
	case models.StageCompleted:
		trigger = lifecycle.AgentCompleted
	case models.StageError:
		trigger = lifecycle.AgentFailed
	default:
		return p, nil
	}
	if _, err := c.applyAgent(ctx, r.StreamID, r.VpsID, trigger, nil, r.Message); err != nil {
		if !errors.Is(err, lifecycle.ErrInvalidTransition) && !errors.Is(err, ErrStaleReport) {
			return p, err
		}
	}
	return p, nil
}

// Progress returns the latest progress rows of a stream, newest first.
func (c *Controller) Progress(ctx context.Context, id uint, limit int) (rows []models.StreamProgress, err error) {
	if limit <= 0 {
		limit = 20
	}
	err = c.db.WithContext(ctx).
		Where("stream_configuration_id = ?", id).
		Order("created_at desc, id desc").
		Limit(limit).
		Find(&rows).Error
	return
}
