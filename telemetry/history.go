package telemetry

import (
	"time"

	"github.com/yusiwen/streamctl/models"
	"gorm.io/gorm"
)

// History downsamples pushed stats into VpsStat rows for charting.
type History struct {
	db       *gorm.DB
	interval time.Duration
}

func NewHistory(db *gorm.DB, interval time.Duration) *History {
	return &History{db: db, interval: interval}
}

// Record stores st unless the VPS already has a row newer than the interval.
func (h *History) Record(st *Stats, now time.Time) (bool, error) {
	var last models.VpsStat
	err := h.db.Where("vps_server_id = ?", st.VpsID).Order("sampled_at desc").Limit(1).Find(&last).Error
	if err != nil {
		return false, err
	}
	if last.ID != 0 && now.Sub(last.SampledAt) < h.interval {
		return false, nil
	}
	row := &models.VpsStat{
		VpsServerID:   st.VpsID,
		CPUUsage:      st.CPUUsage,
		RAMUsage:      st.RAMUsage,
		DiskUsage:     st.DiskUsage,
		DiskTotalGB:   st.DiskTotalGB,
		DiskUsedGB:    st.DiskUsedGB,
		ActiveStreams: st.ActiveStreams,
		NetworkSentMB: st.NetworkSentMB,
		NetworkRecvMB: st.NetworkRecvMB,
		SampledAt:     now,
	}
	if err := h.db.Create(row).Error; err != nil {
		return false, err
	}
	return true, nil
}

// Recent returns the newest samples first.
func (h *History) Recent(vpsID uint, limit int) ([]models.VpsStat, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.VpsStat
	err := h.db.Where("vps_server_id = ?", vpsID).Order("sampled_at desc").Limit(limit).Find(&rows).Error
	return rows, err
}
