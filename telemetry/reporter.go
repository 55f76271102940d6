package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/mem"
	"github.com/shirou/gopsutil/net"
	"github.com/shirou/gopsutil/process"
	"github.com/yusiwen/streamctl/log"
)

const mb = 1024 * 1024
const gb = 1024 * mb

// Sampler collects one Stats sample from the local host.
type Sampler struct {
	DiskPath    string
	ProcessName string
	CPUWindow   time.Duration
}

func (s *Sampler) Sample() (*Stats, error) {
	st := &Stats{Timestamp: time.Now().Unix()}

	window := s.CPUWindow
	if window <= 0 {
		window = time.Second
	}
	if pct, err := cpu.Percent(window, false); err != nil {
		return nil, fmt.Errorf("cpu: %w", err)
	} else if len(pct) > 0 {
		st.CPUUsage = pct[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}
	st.RAMUsage = vm.UsedPercent

	path := s.DiskPath
	if path == "" {
		path = "/"
	}
	du, err := disk.Usage(path)
	if err != nil {
		return nil, fmt.Errorf("disk %s: %w", path, err)
	}
	st.DiskUsage = du.UsedPercent
	st.DiskTotalGB = float64(du.Total) / gb
	st.DiskUsedGB = float64(du.Used) / gb

	if io, err := net.IOCounters(false); err == nil && len(io) > 0 {
		st.NetworkSentMB = float64(io[0].BytesSent) / mb
		st.NetworkRecvMB = float64(io[0].BytesRecv) / mb
	}

	st.ActiveStreams = s.countProcesses()
	return st, nil
}

// countProcesses counts running media processes as a proxy for active streams.
func (s *Sampler) countProcesses() int {
	name := s.ProcessName
	if name == "" {
		name = "ffmpeg"
	}
	pids, err := process.Pids()
	if err != nil {
		return 0
	}
	n := 0
	for _, pid := range pids {
		p, err := process.NewProcess(pid)
		if err != nil {
			continue
		}
		if pn, err := p.Name(); err == nil && strings.HasPrefix(pn, name) {
			n++
		}
	}
	return n
}

// Reporter is the agent-side loop pushing samples to the control plane webhook.
type Reporter struct {
	VpsID    uint
	Endpoint string
	Token    string
	Interval time.Duration
	Sampler  *Sampler
	client   *http.Client
}

func NewReporter(vpsID uint, endpoint, token string, interval time.Duration, sampler *Sampler) *Reporter {
	return &Reporter{
		VpsID:    vpsID,
		Endpoint: endpoint,
		Token:    token,
		Interval: interval,
		Sampler:  sampler,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Reporter) Push(ctx context.Context, st *Stats) error {
	st.VpsID = r.VpsID
	body, err := json.Marshal(st)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.Token != "" {
		req.Header.Set("X-Agent-Token", r.Token)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("stats webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Run samples and pushes until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	logger := log.NewLogger(r.VpsID, log.VpsId)
	logger.Info("telemetry reporter started -->", r.Endpoint)
	interval := r.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := r.Sampler.Sample()
		if err != nil {
			logger.Error("sample stats err: ", err)
		} else if err = r.Push(ctx, st); err != nil {
			logger.Warn("push stats err: ", err)
		}
		select {
		case <-ctx.Done():
			logger.Info("telemetry reporter stopped")
			return
		case <-ticker.C:
		}
	}
}
