package models

import (
	"time"

	"github.com/yusiwen/streamctl/lifecycle"
	"github.com/yusiwen/streamctl/utils"
	"gorm.io/gorm"
)

const (
	PlaylistSequential = "sequential"
	PlaylistRandom     = "random"
)

// StreamConfiguration is one user-defined restream job.
type StreamConfiguration struct {
	ID             uint             `gorm:"primaryKey" json:"id"`
	UserID         uint             `gorm:"index" json:"user_id"`
	Title          string           `gorm:"type:varchar(255)" json:"title"`
	VpsServerID    *uint            `gorm:"index" json:"vps_server_id"`
	RtmpURL        string           `gorm:"type:varchar(512)" json:"rtmp_url"`
	StreamKey      string           `gorm:"type:varchar(255)" json:"stream_key"`
	PushURLs       StringList       `gorm:"type:text" json:"push_urls"`
	SourceFiles    StringList       `gorm:"type:text" json:"source_files"`
	Loop           bool             `json:"loop"`
	PlaylistOrder  string           `gorm:"type:varchar(16);default:sequential" json:"playlist_order"`
	EnableSchedule bool             `gorm:"index" json:"enable_schedule"`
	ScheduledStart *time.Time       `json:"scheduled_start"`
	ScheduledEnd   *time.Time       `json:"scheduled_end"`
	Status         lifecycle.Status `gorm:"type:varchar(16);index;default:INACTIVE" json:"status"`
	FfmpegPid      *int             `json:"ffmpeg_pid"`
	LastStartedAt  *time.Time       `json:"last_started_at"`
	LastStoppedAt  *time.Time       `json:"last_stopped_at"`
	ErrorMessage   string           `gorm:"type:text" json:"error_message"`
	Version        uint             `gorm:"not null;default:0" json:"version"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `gorm:"index" json:"updated_at"`
	DeletedAt      gorm.DeletedAt   `gorm:"index" json:"-"`
}

// FullRtmpURL is the ingest host and stream key concatenated.
func (s *StreamConfiguration) FullRtmpURL() string {
	return utils.JoinURL(s.RtmpURL, s.StreamKey)
}

func (s *StreamConfiguration) BeforeCreate(tx *gorm.DB) error {
	if s.Status == "" {
		s.Status = lifecycle.Inactive
	}
	if s.PlaylistOrder == "" {
		s.PlaylistOrder = PlaylistSequential
	}
	return nil
}
