// Package agent defines the commands sent to the streaming agent running
// on each VPS and the transports that carry them.
package agent

import (
	"encoding/json"
	"time"
)

const (
	CommandStartStream    = "start_stream"
	CommandStopStream     = "stop_stream"
	CommandUpdateStream   = "update_stream"
	CommandKillAllStreams = "kill_all_streams"
)

// StartConfig is the full stream payload an agent needs to boot a stream.
type StartConfig struct {
	StreamID      uint     `json:"stream_id"`
	StreamKey     string   `json:"stream_key"`
	RtmpURL       string   `json:"rtmp_url"`
	PushURLs      []string `json:"push_urls"`
	Loop          bool     `json:"loop"`
	PlaylistOrder string   `json:"playlist_order"`
	SourceFiles   []string `json:"source_files"`
}

// Command is the JSON envelope published on a VPS command channel.
type Command struct {
	ID        string       `json:"id"`
	Command   string       `json:"command"`
	Config    *StartConfig `json:"config,omitempty"`
	StreamID  uint         `json:"stream_id,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Timestamp int64        `json:"timestamp"`
}

func NewStart(cfg StartConfig, now time.Time) *Command {
	return &Command{Command: CommandStartStream, Config: &cfg, StreamID: cfg.StreamID, Timestamp: now.Unix()}
}

func NewStop(streamID uint, reason string, now time.Time) *Command {
	return &Command{Command: CommandStopStream, StreamID: streamID, Reason: reason, Timestamp: now.Unix()}
}

func NewUpdate(cfg StartConfig, now time.Time) *Command {
	return &Command{Command: CommandUpdateStream, Config: &cfg, StreamID: cfg.StreamID, Timestamp: now.Unix()}
}

func NewKillAll(reason string, now time.Time) *Command {
	return &Command{Command: CommandKillAllStreams, Reason: reason, Timestamp: now.Unix()}
}

func (c *Command) Marshal() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func Unmarshal(payload string) (*Command, error) {
	c := &Command{}
	if err := json.Unmarshal([]byte(payload), c); err != nil {
		return nil, err
	}
	return c, nil
}
