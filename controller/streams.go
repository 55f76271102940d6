package controller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/yusiwen/streamctl/lifecycle"
	"github.com/yusiwen/streamctl/models"
	"gorm.io/gorm"
)

var ErrStreamActive = errors.New("stream holds a VPS, stop it first")

func validate(s *models.StreamConfiguration) error {
	if strings.TrimSpace(s.RtmpURL) == "" {
		return ErrValidation("rtmp_url is required")
	}
	if strings.TrimSpace(s.StreamKey) == "" {
		return ErrValidation("stream_key is required")
	}
	if len(s.SourceFiles) == 0 {
		return ErrValidation("at least one source file is required")
	}
	switch s.PlaylistOrder {
	case "", models.PlaylistSequential, models.PlaylistRandom:
	default:
		return ErrValidation(fmt.Sprintf("unknown playlist_order %q", s.PlaylistOrder))
	}
	if s.EnableSchedule {
		if s.ScheduledStart == nil && s.ScheduledEnd == nil {
			return ErrValidation("schedule enabled without a window")
		}
		if s.ScheduledStart != nil && s.ScheduledEnd != nil && !s.ScheduledEnd.After(*s.ScheduledStart) {
			return ErrValidation("scheduled_end must be after scheduled_start")
		}
	}
	return nil
}

// Create stores a new INACTIVE stream. Lifecycle fields in s are ignored.
func (c *Controller) Create(ctx context.Context, s *models.StreamConfiguration) error {
	if err := validate(s); err != nil {
		return err
	}
	s.ID = 0
	s.Status = lifecycle.Inactive
	s.VpsServerID = nil
	s.FfmpegPid = nil
	s.LastStartedAt = nil
	s.LastStoppedAt = nil
	s.ErrorMessage = ""
	s.Version = 0
	now := c.now()
	s.CreatedAt = now
	s.UpdatedAt = now
	return c.db.WithContext(ctx).Create(s).Error
}

func (c *Controller) Get(ctx context.Context, id uint) (*models.StreamConfiguration, error) {
	s := &models.StreamConfiguration{}
	err := c.db.WithContext(ctx).First(s, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrStreamNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

type ListFilter struct {
	UserID uint
	VpsID  uint
	Status lifecycle.Status
	Limit  int
	Offset int
}

func (c *Controller) List(ctx context.Context, f ListFilter) (streams []models.StreamConfiguration, total int64, err error) {
	q := c.db.WithContext(ctx).Model(&models.StreamConfiguration{})
	if f.UserID != 0 {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.VpsID != 0 {
		q = q.Where("vps_server_id = ?", f.VpsID)
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
	err = q.Order("id").Find(&streams).Error
	return
}

// StreamPatch carries the user-editable fields; nil means unchanged.
type StreamPatch struct {
	Title          *string    `json:"title"`
	RtmpURL        *string    `json:"rtmp_url"`
	StreamKey      *string    `json:"stream_key"`
	PushURLs       *[]string  `json:"push_urls"`
	SourceFiles    *[]string  `json:"source_files"`
	Loop           *bool      `json:"loop"`
	PlaylistOrder  *string    `json:"playlist_order"`
	EnableSchedule *bool      `json:"enable_schedule"`
	ScheduledStart *time.Time `json:"scheduled_start"`
	ScheduledEnd   *time.Time `json:"scheduled_end"`
	ClearSchedule  bool       `json:"clear_schedule"`
}

func (p *StreamPatch) applyTo(s *models.StreamConfiguration) {
	if p.Title != nil {
		s.Title = *p.Title
	}
	if p.RtmpURL != nil {
		s.RtmpURL = *p.RtmpURL
	}
	if p.StreamKey != nil {
		s.StreamKey = *p.StreamKey
	}
	if p.PushURLs != nil {
		s.PushURLs = *p.PushURLs
	}
	if p.SourceFiles != nil {
		s.SourceFiles = *p.SourceFiles
	}
	if p.Loop != nil {
		s.Loop = *p.Loop
	}
	if p.PlaylistOrder != nil {
		s.PlaylistOrder = *p.PlaylistOrder
	}
	if p.EnableSchedule != nil {
		s.EnableSchedule = *p.EnableSchedule
	}
	if p.ClearSchedule {
		s.ScheduledStart = nil
		s.ScheduledEnd = nil
	}
	if p.ScheduledStart != nil {
		s.ScheduledStart = p.ScheduledStart
	}
	if p.ScheduledEnd != nil {
		s.ScheduledEnd = p.ScheduledEnd
	}
}

// Update edits a stream that is not holding a VPS.
func (c *Controller) Update(ctx context.Context, id uint, patch StreamPatch) (*models.StreamConfiguration, error) {
	return c.update(ctx, id, patch, false)
}

// UpdateConfig edits the stored config of a STREAMING stream. Pair it with
// UpdateLive to reach the running agent.
func (c *Controller) UpdateConfig(ctx context.Context, id uint, patch StreamPatch) (*models.StreamConfiguration, error) {
	return c.update(ctx, id, patch, true)
}

func (c *Controller) update(ctx context.Context, id uint, patch StreamPatch, live bool) (*models.StreamConfiguration, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	s := &models.StreamConfiguration{}
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockedFirst(tx, s, id); err != nil {
			return err
		}
		if !live && lifecycle.HoldsVps(s.Status) {
			return fmt.Errorf("%w: stream %d is %s", ErrStreamActive, id, s.Status)
		}
		if live && s.Status != lifecycle.Streaming {
			return fmt.Errorf("%w: stream %d is %s", ErrNotStreaming, id, s.Status)
		}
		patch.applyTo(s)
		if err := validate(s); err != nil {
			return err
		}
		res := tx.Model(&models.StreamConfiguration{}).
			Where("id = ? AND status = ? AND version = ?", id, s.Status, s.Version).
			Updates(map[string]interface{}{
				"title":           s.Title,
				"rtmp_url":        s.RtmpURL,
				"stream_key":      s.StreamKey,
				"push_urls":       s.PushURLs,
				"source_files":    s.SourceFiles,
				"loop":            s.Loop,
				"playlist_order":  s.PlaylistOrder,
				"enable_schedule": s.EnableSchedule,
				"scheduled_start": s.ScheduledStart,
				"scheduled_end":   s.ScheduledEnd,
				"version":         s.Version + 1,
				"updated_at":      c.now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("%w: stream %d", lifecycle.ErrConflict, id)
		}
		return tx.First(s, id).Error
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// CreateVps registers a fleet node.
func (c *Controller) CreateVps(ctx context.Context, v *models.VpsServer) error {
	if net.ParseIP(v.IPAddress) == nil {
		return ErrValidation(fmt.Sprintf("invalid ip_address %q", v.IPAddress))
	}
	if v.MaxConcurrentStreams <= 0 {
		v.MaxConcurrentStreams = 1
	}
	if v.Status == "" {
		v.Status = models.VpsProvisioning
	}
	if v.Name == "" {
		v.Name = v.IPAddress
	}
	v.ID = 0
	v.CurrentStreams = 0
	return c.db.WithContext(ctx).Create(v).Error
}

func (c *Controller) GetVps(ctx context.Context, id uint) (*models.VpsServer, error) {
	v := &models.VpsServer{}
	err := c.db.WithContext(ctx).First(v, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrVpsNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (c *Controller) ListVps(ctx context.Context) (list []models.VpsServer, err error) {
	err = c.db.WithContext(ctx).Order("id").Find(&list).Error
	return
}

// SetVpsStatus changes the provisioning status and activation flag of a node.
func (c *Controller) SetVpsStatus(ctx context.Context, id uint, status models.VpsStatus, active bool) (*models.VpsServer, error) {
	v, err := c.GetVps(ctx, id)
	if err != nil {
		return nil, err
	}
	err = c.db.WithContext(ctx).Model(v).Updates(map[string]interface{}{"status": status, "is_active": active}).Error
	if err != nil {
		return nil, err
	}
	return c.GetVps(ctx, id)
}
