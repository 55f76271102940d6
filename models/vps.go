package models

import "time"

type VpsStatus string

const (
	VpsActive          VpsStatus = "ACTIVE"
	VpsProvisioning    VpsStatus = "PROVISIONING"
	VpsProvisionFailed VpsStatus = "PROVISION_FAILED"
	VpsDisabled        VpsStatus = "DISABLED"
)

// VpsServer is a fleet node running the streaming agent.
type VpsServer struct {
	ID                   uint      `gorm:"primaryKey" json:"id"`
	Name                 string    `gorm:"type:varchar(128)" json:"name"`
	IPAddress            string    `gorm:"type:varchar(64);uniqueIndex" json:"ip_address"`
	SSHUser              string    `gorm:"type:varchar(64)" json:"ssh_user"`
	SSHPassword          string    `gorm:"type:varchar(256)" json:"-"`
	MaxConcurrentStreams int       `gorm:"not null;default:1" json:"max_concurrent_streams"`
	CurrentStreams       int       `gorm:"not null;default:0" json:"current_streams"`
	IsActive             bool      `gorm:"index" json:"is_active"`
	Status               VpsStatus `gorm:"type:varchar(32);default:PROVISIONING" json:"status"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Schedulable reports whether new streams may be placed on this node.
func (v *VpsServer) Schedulable() bool {
	return v.IsActive && v.Status == VpsActive
}

func (v *VpsServer) HasCapacity() bool {
	return v.CurrentStreams < v.MaxConcurrentStreams
}

// VpsStat is a coarse historical telemetry sample.
type VpsStat struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	VpsServerID   uint      `gorm:"index:idx_vps_sampled" json:"vps_server_id"`
	CPUUsage      float64   `json:"cpu_usage"`
	RAMUsage      float64   `json:"ram_usage"`
	DiskUsage     float64   `json:"disk_usage"`
	DiskTotalGB   float64   `json:"disk_total_gb"`
	DiskUsedGB    float64   `json:"disk_used_gb"`
	ActiveStreams int       `json:"active_streams"`
	NetworkSentMB float64   `json:"network_sent_mb"`
	NetworkRecvMB float64   `json:"network_recv_mb"`
	SampledAt     time.Time `gorm:"index:idx_vps_sampled" json:"sampled_at"`
}
