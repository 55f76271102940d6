// Package telemetry ingests the resource samples agents push for their VPS
// and answers "is this VPS online" from one configured freshness window.
package telemetry

import (
	"strconv"
	"time"
)

// Stats is one agent sample. Timestamp is the agent clock, ReceivedAt the
// server clock stamped on ingestion; freshness uses ReceivedAt.
type Stats struct {
	VpsID         uint    `json:"vps_id"`
	CPUUsage      float64 `json:"cpu_usage"`
	RAMUsage      float64 `json:"ram_usage"`
	DiskUsage     float64 `json:"disk_usage"`
	DiskTotalGB   float64 `json:"disk_total_gb"`
	DiskUsedGB    float64 `json:"disk_used_gb"`
	ActiveStreams int     `json:"active_streams"`
	NetworkSentMB float64 `json:"network_sent_mb"`
	NetworkRecvMB float64 `json:"network_recv_mb"`
	Timestamp     int64   `json:"timestamp"`
	ReceivedAt    int64   `json:"received_at"`
}

func (s *Stats) fields() map[string]interface{} {
	return map[string]interface{}{
		"cpu_usage":       s.CPUUsage,
		"ram_usage":       s.RAMUsage,
		"disk_usage":      s.DiskUsage,
		"disk_total_gb":   s.DiskTotalGB,
		"disk_used_gb":    s.DiskUsedGB,
		"active_streams":  s.ActiveStreams,
		"network_sent_mb": s.NetworkSentMB,
		"network_recv_mb": s.NetworkRecvMB,
		"timestamp":       s.Timestamp,
		"received_at":     s.ReceivedAt,
	}
}

func parseStats(vpsID uint, h map[string]string) *Stats {
	f := func(k string) float64 {
		v, _ := strconv.ParseFloat(h[k], 64)
		return v
	}
	i := func(k string) int64 {
		v, err := strconv.ParseInt(h[k], 10, 64)
		if err != nil {
			v = int64(f(k))
		}
		return v
	}
	return &Stats{
		VpsID:         vpsID,
		CPUUsage:      f("cpu_usage"),
		RAMUsage:      f("ram_usage"),
		DiskUsage:     f("disk_usage"),
		DiskTotalGB:   f("disk_total_gb"),
		DiskUsedGB:    f("disk_used_gb"),
		ActiveStreams: int(i("active_streams")),
		NetworkSentMB: f("network_sent_mb"),
		NetworkRecvMB: f("network_recv_mb"),
		Timestamp:     i("timestamp"),
		ReceivedAt:    i("received_at"),
	}
}

// SeenAt is the server receive time, falling back to the agent timestamp
// for samples written straight into Redis by the agent.
func (s *Stats) SeenAt() time.Time {
	if s.ReceivedAt > 0 {
		return time.Unix(s.ReceivedAt, 0)
	}
	return time.Unix(s.Timestamp, 0)
}

// IsOnline reports whether the sample is within window of now.
func IsOnline(s *Stats, now time.Time, window time.Duration) bool {
	if s == nil || (s.ReceivedAt == 0 && s.Timestamp == 0) {
		return false
	}
	return now.Sub(s.SeenAt()) <= window
}
