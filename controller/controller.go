// Package controller drives stream lifecycle transitions, VPS slot
// accounting and command dispatch to the agents.
package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/yusiwen/streamctl/agent"
	"github.com/yusiwen/streamctl/events"
	"github.com/yusiwen/streamctl/lifecycle"
	"github.com/yusiwen/streamctl/log"
	"github.com/yusiwen/streamctl/models"
	"gorm.io/gorm"
)

var (
	ErrStreamNotFound = errors.New("stream not found")
	ErrVpsNotFound    = errors.New("vps not found")
	ErrNoCapacity     = errors.New("no VPS with free capacity")
	ErrVpsInactive    = errors.New("vps is not accepting streams")
	ErrNotStreaming   = errors.New("stream is not streaming")
	ErrStaleReport    = errors.New("report from a VPS the stream is not assigned to")
	ErrUnknownReport  = errors.New("unknown agent status")
)

// ErrValidation is returned when a stream configuration is rejected.
type ErrValidation string

func (e ErrValidation) Error() string {
	return string(e)
}

// LiveUpdater pushes a new config to a running stream on its agent.
type LiveUpdater interface {
	UpdateStream(ctx context.Context, ip string, cfg agent.StartConfig) error
}

// OnlineFunc reports which of the given VPS ids have fresh telemetry.
type OnlineFunc func(ctx context.Context, ids []uint) map[uint]bool

type Options struct {
	Publisher agent.Publisher
	Updater   LiveUpdater
	Online    OnlineFunc
	Events    events.Sink
	Now       func() time.Time
}

type Controller struct {
	db        *gorm.DB
	publisher agent.Publisher
	updater   LiveUpdater
	online    OnlineFunc
	events    events.Sink
	now       func() time.Time

	locks     *keyedMutex
	placement sync.Mutex
}

func New(db *gorm.DB, opts Options) *Controller {
	c := &Controller{
		db:        db,
		publisher: opts.Publisher,
		updater:   opts.Updater,
		online:    opts.Online,
		events:    opts.Events,
		now:       opts.Now,
		locks:     newKeyedMutex(),
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.events == nil {
		c.events = events.LogSink{}
	}
	return c
}

func (c *Controller) DB() *gorm.DB {
	return c.db
}

func (c *Controller) Now() time.Time {
	return c.now()
}

// Result is the outcome of a command-issuing operation. A non-nil
// DispatchErr means the state change was committed and the command sits in
// the outbox for the relay to retry.
type Result struct {
	Stream      *models.StreamConfiguration `json:"stream"`
	Command     *models.AgentCommand        `json:"command,omitempty"`
	DispatchErr error                       `json:"-"`
}

func (c *Controller) publishEvent(s *models.StreamConfiguration, vpsID uint, from lifecycle.Status, eventType, reason string) {
	e := events.Event{
		Type:      eventType,
		StreamID:  s.ID,
		VpsID:     vpsID,
		From:      from,
		To:        s.Status,
		Reason:    reason,
		Timestamp: c.now().Unix(),
	}
	if err := c.events.Publish(e); err != nil {
		log.NewLogger(s.ID, log.StreamId).Warn("publish event err: ", err)
	}
}
