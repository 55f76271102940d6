// Package events publishes an audit record for every accepted stream
// status transition.
package events

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/yusiwen/streamctl/lifecycle"
	"github.com/yusiwen/streamctl/log"
)

type Event struct {
	Type      string           `json:"event_type"`
	StreamID  uint             `json:"stream_id"`
	VpsID     uint             `json:"vps_id,omitempty"`
	From      lifecycle.Status `json:"from,omitempty"`
	To        lifecycle.Status `json:"to,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Timestamp int64            `json:"timestamp"`
}

type Sink interface {
	Publish(e Event) error
}

type LogSink struct{}

func (LogSink) Publish(e Event) error {
	log.InfoWithFields(fmt.Sprintf("stream %d %s -> %s", e.StreamID, e.From, e.To), log.Fields{
		"event":  e.Type,
		"vpsId":  e.VpsID,
		"reason": e.Reason,
	})
	return nil
}

// Multi fans an event out to every sink; the first error is returned after
// all sinks have been tried.
type Multi []Sink

func (m Multi) Publish(e Event) (err error) {
	for _, s := range m {
		if perr := s.Publish(e); perr != nil && err == nil {
			err = perr
		}
	}
	return
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
