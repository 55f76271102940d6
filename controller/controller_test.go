package controller

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/yusiwen/streamctl/agent"
	"github.com/yusiwen/streamctl/events"
	"github.com/yusiwen/streamctl/lifecycle"
	"github.com/yusiwen/streamctl/models"
	"gorm.io/gorm"
)

type sentCommand struct {
	vps uint
	cmd *agent.Command
}

type fakePublisher struct {
	mu   sync.Mutex
	err  error
	sent []sentCommand
}

func (p *fakePublisher) Publish(ctx context.Context, vpsID uint, payload string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	cmd, err := agent.Unmarshal(payload)
	if err != nil {
		return err
	}
	p.sent = append(p.sent, sentCommand{vpsID, cmd})
	return nil
}

func (p *fakePublisher) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *fakePublisher) last() sentCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sent) == 0 {
		return sentCommand{}
	}
	return p.sent[len(p.sent)-1]
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

type fakeUpdater struct {
	err   error
	calls []string
}

func (u *fakeUpdater) UpdateStream(ctx context.Context, ip string, cfg agent.StartConfig) error {
	u.calls = append(u.calls, ip)
	return u.err
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	ctl *Controller
	db  *gorm.DB
	pub *fakePublisher
	clk *clock
	rec *events.Recorder
	ctx context.Context
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	db, err := models.Open("sqlite", filepath.Join(t.TempDir(), "controller.db"), "silent")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	f := &fixture{
		db:  db,
		pub: &fakePublisher{},
		clk: &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		rec: &events.Recorder{},
		ctx: context.Background(),
	}
	if opts.Publisher == nil {
		opts.Publisher = f.pub
	}
	opts.Now = f.clk.now
	opts.Events = f.rec
	f.ctl = New(db, opts)
	return f
}

func (f *fixture) vps(t *testing.T, ip string, max int) *models.VpsServer {
	t.Helper()
	v := &models.VpsServer{IPAddress: ip, MaxConcurrentStreams: max, IsActive: true, Status: models.VpsActive}
	if err := f.ctl.CreateVps(f.ctx, v); err != nil {
		t.Fatal(err)
	}
	return v
}

func (f *fixture) stream(t *testing.T, title string) *models.StreamConfiguration {
	t.Helper()
	s := &models.StreamConfiguration{
		UserID:      1,
		Title:       title,
		RtmpURL:     "rtmp://a.rtmp.youtube.com/live2",
		StreamKey:   "key-" + title,
		SourceFiles: models.StringList{"/data/a.mp4"},
		Loop:        true,
	}
	if err := f.ctl.Create(f.ctx, s); err != nil {
		t.Fatal(err)
	}
	return s
}

func (f *fixture) reload(t *testing.T, id uint) *models.StreamConfiguration {
	t.Helper()
	s, err := f.ctl.Get(f.ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func (f *fixture) slots(t *testing.T, vpsID uint) int {
	t.Helper()
	v, err := f.ctl.GetVps(f.ctx, vpsID)
	if err != nil {
		t.Fatal(err)
	}
	return v.CurrentStreams
}

// assertInvariant checks the VPS assignment rule and derived slot counts
// over every row.
func (f *fixture) assertInvariant(t *testing.T) {
	t.Helper()
	var streams []models.StreamConfiguration
	f.db.Find(&streams)
	held := map[uint]int{}
	for _, s := range streams {
		if !s.Status.Valid() {
			t.Errorf("stream %d has invalid status %q", s.ID, s.Status)
		}
		if lifecycle.HoldsVps(s.Status) != (s.VpsServerID != nil) {
			t.Errorf("stream %d is %s with vps %v", s.ID, s.Status, s.VpsServerID)
		}
		if lifecycle.HoldsSlot(s.Status) {
			held[*s.VpsServerID]++
		}
	}
	var fleet []models.VpsServer
	f.db.Find(&fleet)
	for _, v := range fleet {
		if v.CurrentStreams != held[v.ID] {
			t.Errorf("vps %d current_streams = %d, want %d", v.ID, v.CurrentStreams, held[v.ID])
		}
	}
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFixture(t, Options{})
	v := f.vps(t, "10.0.0.1", 2)
	s := f.stream(t, "lofi")

	res, err := f.ctl.Start(f.ctx, s.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.DispatchErr != nil {
		t.Fatal(res.DispatchErr)
	}
	got := f.reload(t, s.ID)
	if got.Status != lifecycle.Starting || got.VpsServerID == nil || *got.VpsServerID != v.ID {
		t.Fatalf("after start: %s on %v", got.Status, got.VpsServerID)
	}
	if got.LastStartedAt == nil || !got.LastStartedAt.Equal(f.clk.now()) {
		t.Errorf("last_started_at = %v", got.LastStartedAt)
	}
	if got.Version != 1 {
		t.Errorf("version = %d", got.Version)
	}
	sent := f.pub.last()
	if sent.vps != v.ID || sent.cmd.Command != agent.CommandStartStream {
		t.Fatalf("sent %+v", sent)
	}
	if sent.cmd.Config.RtmpURL != "rtmp://a.rtmp.youtube.com/live2/key-lofi" || !sent.cmd.Config.Loop {
		t.Errorf("start config %+v", sent.cmd.Config)
	}
	if sent.cmd.ID != res.Command.ID {
		t.Errorf("command id %s, outbox id %s", sent.cmd.ID, res.Command.ID)
	}
	if f.slots(t, v.ID) != 1 {
		t.Errorf("slots after start = %d", f.slots(t, v.ID))
	}

	pid := 4242
	if _, err := f.ctl.ApplyAgentStatus(f.ctx, AgentReport{StreamID: s.ID, VpsID: v.ID, Status: "STREAMING", Pid: &pid}); err != nil {
		t.Fatal(err)
	}
	// a repeated confirmation changes nothing
	if _, err := f.ctl.ApplyAgentStatus(f.ctx, AgentReport{StreamID: s.ID, VpsID: v.ID, Status: "STREAMING"}); err != nil {
		t.Fatal(err)
	}
	got = f.reload(t, s.ID)
	if got.Status != lifecycle.Streaming || got.FfmpegPid == nil || *got.FfmpegPid != pid || got.Version != 2 {
		t.Fatalf("after streaming: %+v", got)
	}

	f.clk.advance(time.Hour)
	if _, err := f.ctl.Stop(f.ctx, s.ID, "user request"); err != nil {
		t.Fatal(err)
	}
	got = f.reload(t, s.ID)
	if got.Status != lifecycle.Stopping || got.VpsServerID == nil {
		t.Fatalf("after stop: %s on %v", got.Status, got.VpsServerID)
	}
	if got.LastStoppedAt == nil || !got.LastStoppedAt.Equal(f.clk.now()) {
		t.Errorf("last_stopped_at = %v", got.LastStoppedAt)
	}
	if sent := f.pub.last(); sent.cmd.Command != agent.CommandStopStream || sent.cmd.StreamID != s.ID || sent.vps != v.ID {
		t.Errorf("sent %+v", sent)
	}
	if f.slots(t, v.ID) != 0 {
		t.Errorf("STOPPING must not hold a slot, got %d", f.slots(t, v.ID))
	}

	if _, err := f.ctl.ApplyAgentStatus(f.ctx, AgentReport{StreamID: s.ID, VpsID: v.ID, Status: "stopped"}); err != nil {
		t.Fatal(err)
	}
	got = f.reload(t, s.ID)
	if got.Status != lifecycle.Inactive || got.VpsServerID != nil || got.FfmpegPid != nil {
		t.Fatalf("after stopped: %+v", got)
	}
	f.assertInvariant(t)

	evs := f.rec.Events()
	if len(evs) != 4 {
		t.Fatalf("events = %+v", evs)
	}
	if last := evs[3]; last.From != lifecycle.Stopping || last.To != lifecycle.Inactive || last.VpsID != v.ID {
		t.Errorf("last event %+v", last)
	}
}

func TestStartPlacement(t *testing.T) {
	online := map[uint]bool{}
	f := newFixture(t, Options{Online: func(ctx context.Context, ids []uint) map[uint]bool { return online }})
	v1 := f.vps(t, "10.0.0.1", 4)
	v2 := f.vps(t, "10.0.0.2", 4)
	v3 := f.vps(t, "10.0.0.3", 4)
	online[v2.ID] = true
	online[v3.ID] = true

	a := f.stream(t, "a")
	if _, err := f.ctl.Start(f.ctx, a.ID, &v2.ID); err != nil {
		t.Fatal(err)
	}
	b := f.stream(t, "b")
	if _, err := f.ctl.Start(f.ctx, b.ID, nil); err != nil {
		t.Fatal(err)
	}
	// v1 is empty but offline; v3 is the least loaded online node
	if got := f.reload(t, b.ID); *got.VpsServerID != v3.ID {
		t.Errorf("placed on %d, want %d", *got.VpsServerID, v3.ID)
	}

	for id := range online {
		delete(online, id)
	}
	c := f.stream(t, "c")
	if _, err := f.ctl.Start(f.ctx, c.ID, nil); err != nil {
		t.Fatal(err)
	}
	if got := f.reload(t, c.ID); *got.VpsServerID != v1.ID {
		t.Errorf("without telemetry placed on %d, want %d", *got.VpsServerID, v1.ID)
	}
	f.assertInvariant(t)
}

func TestStartRejections(t *testing.T) {
	f := newFixture(t, Options{})
	full := f.vps(t, "10.0.0.1", 1)
	off := f.vps(t, "10.0.0.2", 3)
	if _, err := f.ctl.SetVpsStatus(f.ctx, off.ID, models.VpsDisabled, false); err != nil {
		t.Fatal(err)
	}

	a := f.stream(t, "a")
	if _, err := f.ctl.Start(f.ctx, a.ID, nil); err != nil {
		t.Fatal(err)
	}
	b := f.stream(t, "b")
	if _, err := f.ctl.Start(f.ctx, b.ID, nil); !errors.Is(err, ErrNoCapacity) {
		t.Errorf("expected ErrNoCapacity, got %v", err)
	}
	if _, err := f.ctl.Start(f.ctx, b.ID, &full.ID); !errors.Is(err, ErrNoCapacity) {
		t.Errorf("explicit full vps: expected ErrNoCapacity, got %v", err)
	}
	if _, err := f.ctl.Start(f.ctx, b.ID, &off.ID); !errors.Is(err, ErrVpsInactive) {
		t.Errorf("expected ErrVpsInactive, got %v", err)
	}
	missing := uint(999)
	if _, err := f.ctl.Start(f.ctx, b.ID, &missing); !errors.Is(err, ErrVpsNotFound) {
		t.Errorf("expected ErrVpsNotFound, got %v", err)
	}
	if _, err := f.ctl.Start(f.ctx, 12345, nil); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("expected ErrStreamNotFound, got %v", err)
	}
	if _, err := f.ctl.Start(f.ctx, a.ID, nil); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Errorf("double start: expected ErrInvalidTransition, got %v", err)
	}
	if got := f.reload(t, b.ID); got.Status != lifecycle.Inactive || got.Version != 0 {
		t.Errorf("rejected start changed the stream: %+v", got)
	}
	f.assertInvariant(t)
}

func TestStartHonorsCommittedLoad(t *testing.T) {
	f := newFixture(t, Options{})
	v1 := f.vps(t, "10.0.0.1", 1)
	v2 := f.vps(t, "10.0.0.2", 1)
	// a placement committed by another process shows up in current_streams
	f.db.Model(&models.VpsServer{}).Where("id = ?", v1.ID).UpdateColumn("current_streams", 1)

	a := f.stream(t, "a")
	if _, err := f.ctl.Start(f.ctx, a.ID, &v1.ID); !errors.Is(err, ErrNoCapacity) {
		t.Errorf("explicit: expected ErrNoCapacity, got %v", err)
	}
	if _, err := f.ctl.Start(f.ctx, a.ID, nil); err != nil {
		t.Fatal(err)
	}
	if got := f.reload(t, a.ID); *got.VpsServerID != v2.ID {
		t.Errorf("placed on %d, want %d", *got.VpsServerID, v2.ID)
	}

	b := f.stream(t, "b")
	if _, err := f.ctl.Start(f.ctx, b.ID, nil); !errors.Is(err, ErrNoCapacity) {
		t.Errorf("fleet full: expected ErrNoCapacity, got %v", err)
	}
	if _, err := f.ctl.RecomputeSlots(f.ctx, v1.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ctl.Start(f.ctx, b.ID, nil); err != nil {
		t.Fatal(err)
	}
	if got := f.reload(t, b.ID); *got.VpsServerID != v1.ID {
		t.Errorf("after recompute placed on %d, want %d", *got.VpsServerID, v1.ID)
	}
	f.assertInvariant(t)
}

func TestDispatchFailureKeepsState(t *testing.T) {
	f := newFixture(t, Options{})
	v := f.vps(t, "10.0.0.1", 1)
	s := f.stream(t, "a")
	f.pub.setErr(errors.New("redis: connection refused"))

	res, err := f.ctl.Start(f.ctx, s.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.DispatchErr == nil {
		t.Fatal("expected a dispatch error")
	}
	if got := f.reload(t, s.ID); got.Status != lifecycle.Starting || *got.VpsServerID != v.ID {
		t.Errorf("state rolled back: %+v", got)
	}
	rows, err := f.ctl.Commands(f.ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Status != models.CommandFailed || rows[0].Attempts != 1 || rows[0].LastError == "" {
		t.Fatalf("outbox rows %+v", rows)
	}

	f.pub.setErr(nil)
	f.clk.advance(time.Minute)
	pending, err := f.ctl.PendingCommands(f.ctx, 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d", len(pending))
	}
	if err := f.ctl.Dispatch(f.ctx, &pending[0]); err != nil {
		t.Fatal(err)
	}
	rows, _ = f.ctl.Commands(f.ctx, s.ID)
	if rows[0].Status != models.CommandDispatched || rows[0].Attempts != 2 || rows[0].DispatchedAt == nil {
		t.Errorf("after retry %+v", rows[0])
	}
	if f.pub.last().cmd.Command != agent.CommandStartStream {
		t.Error("retry did not publish the start command")
	}
}

func TestAgentReports(t *testing.T) {
	f := newFixture(t, Options{})
	v := f.vps(t, "10.0.0.1", 2)
	other := f.vps(t, "10.0.0.2", 2)
	s := f.stream(t, "a")

	if _, err := f.ctl.Stop(f.ctx, s.ID, ""); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Errorf("stop on inactive: %v", err)
	}
	if _, err := f.ctl.ApplyAgentStatus(f.ctx, AgentReport{StreamID: s.ID, Status: "STREAMING"}); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Errorf("streaming on inactive: %v", err)
	}
	if _, err := f.ctl.ApplyAgentStatus(f.ctx, AgentReport{StreamID: s.ID, Status: "PAUSED"}); !errors.Is(err, ErrUnknownReport) {
		t.Errorf("unknown status: %v", err)
	}

	if _, err := f.ctl.Start(f.ctx, s.ID, &v.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ctl.ApplyAgentStatus(f.ctx, AgentReport{StreamID: s.ID, VpsID: other.ID, Status: "STREAMING"}); !errors.Is(err, ErrStaleReport) {
		t.Errorf("report from another vps: %v", err)
	}
	if _, err := f.ctl.ApplyAgentStatus(f.ctx, AgentReport{StreamID: s.ID, VpsID: v.ID, Status: "ERROR", Message: "ffmpeg exited 1"}); err != nil {
		t.Fatal(err)
	}
	got := f.reload(t, s.ID)
	if got.Status != lifecycle.Error || got.ErrorMessage != "ffmpeg exited 1" || got.VpsServerID != nil {
		t.Fatalf("after error: %+v", got)
	}

	// manual retry out of ERROR clears the message
	if _, err := f.ctl.Start(f.ctx, s.ID, nil); err != nil {
		t.Fatal(err)
	}
	if got := f.reload(t, s.ID); got.Status != lifecycle.Starting || got.ErrorMessage != "" {
		t.Errorf("after retry: %+v", got)
	}
	f.assertInvariant(t)
}

func TestRecordProgress(t *testing.T) {
	f := newFixture(t, Options{})
	f.vps(t, "10.0.0.1", 1)
	s := f.stream(t, "a")
	if _, err := f.ctl.Start(f.ctx, s.ID, nil); err != nil {
		t.Fatal(err)
	}

	pct := 55
	p, err := f.ctl.RecordProgress(f.ctx, ProgressReport{StreamID: s.ID, Stage: "downloading", Percentage: &pct, Message: "2/4 files"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Percentage != 55 {
		t.Errorf("downloading percentage = %d", p.Percentage)
	}
	f.clk.advance(time.Second)
	if _, err := f.ctl.RecordProgress(f.ctx, ProgressReport{StreamID: s.ID, Stage: "streaming"}); err != nil {
		t.Fatal(err)
	}
	if got := f.reload(t, s.ID); got.Status != lifecycle.Streaming {
		t.Errorf("streaming stage left status %s", got.Status)
	}

	var verr ErrValidation
	if _, err := f.ctl.RecordProgress(f.ctx, ProgressReport{StreamID: s.ID, Stage: "buffering"}); !errors.As(err, &verr) {
		t.Errorf("unknown stage: %v", err)
	}
	if _, err := f.ctl.RecordProgress(f.ctx, ProgressReport{StreamID: 999, Stage: "preparing"}); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("unknown stream: %v", err)
	}

	rows, err := f.ctl.Progress(f.ctx, s.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].Stage != models.StageStreaming || rows[0].Percentage != 100 {
		t.Errorf("progress rows %+v", rows)
	}
}

func TestSlotAccounting(t *testing.T) {
	f := newFixture(t, Options{})
	v1 := f.vps(t, "10.0.0.1", 3)
	v2 := f.vps(t, "10.0.0.2", 3)
	var ids []uint
	for _, title := range []string{"a", "b", "c", "d"} {
		ids = append(ids, f.stream(t, title).ID)
	}

	steps := []func() error{
		func() error { _, err := f.ctl.Start(f.ctx, ids[0], &v1.ID); return err },
		func() error { _, err := f.ctl.Start(f.ctx, ids[1], &v1.ID); return err },
		func() error { _, err := f.ctl.Start(f.ctx, ids[2], &v2.ID); return err },
		func() error {
			_, err := f.ctl.ApplyAgentStatus(f.ctx, AgentReport{StreamID: ids[0], Status: "STREAMING"})
			return err
		},
		func() error { _, err := f.ctl.Stop(f.ctx, ids[1], ""); return err },
		func() error { _, err := f.ctl.Start(f.ctx, ids[3], nil); return err },
		func() error {
			_, err := f.ctl.ApplyAgentStatus(f.ctx, AgentReport{StreamID: ids[1], Status: "STOPPED"})
			return err
		},
		func() error {
			_, err := f.ctl.ApplyAgentStatus(f.ctx, AgentReport{StreamID: ids[2], Status: "COMPLETED"})
			return err
		},
		func() error { _, err := f.ctl.Delete(f.ctx, ids[0]); return err },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		f.assertInvariant(t)
	}

	// drift is repaired from the streams table
	f.db.Model(&models.VpsServer{}).Where("id = ?", v1.ID).UpdateColumn("current_streams", 9)
	counts, err := f.ctl.RecomputeAllSlots(f.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[v1.ID] != f.slots(t, v1.ID) {
		t.Errorf("recompute returned %v", counts)
	}
	f.assertInvariant(t)
	if n, err := f.ctl.RecomputeSlots(f.ctx, v2.ID); err != nil || n != f.slots(t, v2.ID) {
		t.Errorf("RecomputeSlots = %d, %v", n, err)
	}
	if _, err := f.ctl.RecomputeSlots(f.ctx, 999); !errors.Is(err, ErrVpsNotFound) {
		t.Errorf("unknown vps: %v", err)
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t, Options{})
	v := f.vps(t, "10.0.0.1", 1)
	s := f.stream(t, "a")
	if _, err := f.ctl.Start(f.ctx, s.ID, nil); err != nil {
		t.Fatal(err)
	}

	res, err := f.ctl.Delete(f.ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Command == nil || res.Command.Command != agent.CommandStopStream {
		t.Fatalf("delete did not queue a stop: %+v", res.Command)
	}
	if sent := f.pub.last(); sent.cmd.Command != agent.CommandStopStream || sent.vps != v.ID {
		t.Errorf("sent %+v", sent)
	}
	if _, err := f.ctl.Get(f.ctx, s.ID); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("deleted stream still visible: %v", err)
	}
	if f.slots(t, v.ID) != 0 {
		t.Error("delete did not release the slot")
	}

	idle := f.stream(t, "b")
	before := f.pub.count()
	res, err = f.ctl.Delete(f.ctx, idle.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Command != nil || f.pub.count() != before {
		t.Error("deleting an idle stream must not send commands")
	}
	if _, err := f.ctl.Delete(f.ctx, idle.ID); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("second delete: %v", err)
	}
}

func TestUpdate(t *testing.T) {
	f := newFixture(t, Options{})
	f.vps(t, "10.0.0.1", 1)
	s := f.stream(t, "a")

	title := "renamed"
	got, err := f.ctl.Update(f.ctx, s.ID, StreamPatch{Title: &title, PushURLs: &[]string{"rtmp://b/live"}})
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != title || len(got.PushURLs) != 1 || got.Version != 1 {
		t.Errorf("after update %+v", got)
	}

	var verr ErrValidation
	empty := []string{}
	if _, err := f.ctl.Update(f.ctx, s.ID, StreamPatch{SourceFiles: &empty}); !errors.As(err, &verr) {
		t.Errorf("empty source files: %v", err)
	}
	start := f.clk.now().Add(time.Hour)
	end := start.Add(-time.Minute)
	enable := true
	if _, err := f.ctl.Update(f.ctx, s.ID, StreamPatch{EnableSchedule: &enable, ScheduledStart: &start, ScheduledEnd: &end}); !errors.As(err, &verr) {
		t.Errorf("inverted schedule: %v", err)
	}

	if _, err := f.ctl.Start(f.ctx, s.ID, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ctl.Update(f.ctx, s.ID, StreamPatch{Title: &title}); !errors.Is(err, ErrStreamActive) {
		t.Errorf("update while starting: %v", err)
	}
	key := "rotated"
	if _, err := f.ctl.UpdateConfig(f.ctx, s.ID, StreamPatch{StreamKey: &key}); !errors.Is(err, ErrNotStreaming) {
		t.Errorf("UpdateConfig while starting: %v", err)
	}
	if _, err := f.ctl.ApplyAgentStatus(f.ctx, AgentReport{StreamID: s.ID, Status: "STREAMING"}); err != nil {
		t.Fatal(err)
	}
	got, err = f.ctl.UpdateConfig(f.ctx, s.ID, StreamPatch{StreamKey: &key})
	if err != nil {
		t.Fatal(err)
	}
	if got.StreamKey != key || got.Status != lifecycle.Streaming {
		t.Errorf("after UpdateConfig %+v", got)
	}

	// rejected while stopping, updated_at untouched
	if _, err := f.ctl.Stop(f.ctx, s.ID, ""); err != nil {
		t.Fatal(err)
	}
	stopping := f.reload(t, s.ID)
	f.clk.advance(time.Minute)
	if _, err := f.ctl.UpdateConfig(f.ctx, s.ID, StreamPatch{StreamKey: &key}); !errors.Is(err, ErrNotStreaming) {
		t.Errorf("UpdateConfig while stopping: %v", err)
	}
	if got := f.reload(t, s.ID); !got.UpdatedAt.Equal(stopping.UpdatedAt) || got.Version != stopping.Version {
		t.Errorf("rejected update touched the row: %+v", got)
	}
}

func TestUpdateLive(t *testing.T) {
	up := &fakeUpdater{}
	f := newFixture(t, Options{Updater: up})
	v := f.vps(t, "10.0.0.7", 1)
	s := f.stream(t, "a")

	if _, err := f.ctl.UpdateLive(f.ctx, s.ID); !errors.Is(err, ErrNotStreaming) {
		t.Errorf("inactive stream: %v", err)
	}
	if _, err := f.ctl.Start(f.ctx, s.ID, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ctl.ApplyAgentStatus(f.ctx, AgentReport{StreamID: s.ID, Status: "STREAMING"}); err != nil {
		t.Fatal(err)
	}

	res, err := f.ctl.UpdateLive(f.ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Command != nil || len(up.calls) != 1 || up.calls[0] != v.IPAddress {
		t.Errorf("http update: command %+v, calls %v", res.Command, up.calls)
	}

	up.err = errors.New("connection refused")
	res, err = f.ctl.UpdateLive(f.ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Command == nil || res.DispatchErr != nil {
		t.Fatalf("fallback: %+v", res)
	}
	if sent := f.pub.last(); sent.cmd.Command != agent.CommandUpdateStream || sent.cmd.Config.StreamID != s.ID {
		t.Errorf("sent %+v", sent)
	}
}

func TestKillAll(t *testing.T) {
	f := newFixture(t, Options{})
	v1 := f.vps(t, "10.0.0.1", 2)
	v2 := f.vps(t, "10.0.0.2", 2)
	a := f.stream(t, "a")
	b := f.stream(t, "b")
	idle := f.stream(t, "idle")
	if _, err := f.ctl.Start(f.ctx, a.ID, &v1.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ctl.Start(f.ctx, b.ID, &v2.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ctl.ApplyAgentStatus(f.ctx, AgentReport{StreamID: b.ID, Status: "STREAMING"}); err != nil {
		t.Fatal(err)
	}

	res, err := f.ctl.KillAll(f.ctx, "maintenance")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Commands) != 2 || len(res.Stopped) != 2 || len(res.DispatchErr) != 0 {
		t.Fatalf("kill all result %+v", res)
	}
	for _, c := range res.Commands {
		if c.Command != agent.CommandKillAllStreams {
			t.Errorf("command %s", c.Command)
		}
	}
	for _, id := range []uint{a.ID, b.ID} {
		if got := f.reload(t, id); got.Status != lifecycle.Stopping {
			t.Errorf("stream %d is %s", id, got.Status)
		}
	}
	if got := f.reload(t, idle.ID); got.Status != lifecycle.Inactive {
		t.Errorf("idle stream is %s", got.Status)
	}
	f.assertInvariant(t)
}

func TestConcurrentStartHasOneWinner(t *testing.T) {
	f := newFixture(t, Options{})
	f.vps(t, "10.0.0.1", 8)
	s := f.stream(t, "a")

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ctl.Start(f.ctx, s.ID, nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, lifecycle.ErrInvalidTransition):
		default:
			t.Errorf("unexpected error %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("%d winners", wins)
	}
	if f.pub.count() != 1 {
		t.Errorf("%d start commands sent", f.pub.count())
	}
	f.assertInvariant(t)
}

func TestConditionalUpdateDetectsConflict(t *testing.T) {
	f := newFixture(t, Options{})
	f.vps(t, "10.0.0.1", 1)
	s := f.stream(t, "a")

	// another writer bumps the version after the row was read
	_, err := f.ctl.apply(f.ctx, s.ID, transition{
		trigger: lifecycle.StartRequest,
		plan: func(tx *gorm.DB, cur *models.StreamConfiguration, to lifecycle.Status) (*plan, error) {
			if err := tx.Model(&models.StreamConfiguration{}).Where("id = ?", cur.ID).UpdateColumn("version", cur.Version+5).Error; err != nil {
				return nil, err
			}
			id := uint(1)
			return &plan{vpsID: &id}, nil
		},
	})
	if !errors.Is(err, lifecycle.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if got := f.reload(t, s.ID); got.Status != lifecycle.Inactive || got.Version != 0 {
		t.Errorf("conflicting transition was committed: %+v", got)
	}
	if f.pub.count() != 0 {
		t.Error("conflicting transition dispatched a command")
	}
}
