package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Store keeps the latest sample per VPS in a Redis hash. No history is
// retained here; see History.
type Store struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	window time.Duration
	now    func() time.Time
}

// NewStore keys samples by fmt.Sprintf(key, vpsID), e.g. "vps-stats:%d".
func NewStore(client redis.UniversalClient, key string, ttl, window time.Duration) *Store {
	return &Store{client: client, key: key, ttl: ttl, window: window, now: time.Now}
}

func (s *Store) Key(vpsID uint) string {
	return fmt.Sprintf(s.key, vpsID)
}

// Put overwrites the VPS's sample and stamps received_at with the server clock.
func (s *Store) Put(ctx context.Context, vpsID uint, st *Stats) error {
	st.VpsID = vpsID
	st.ReceivedAt = s.now().Unix()
	key := s.Key(vpsID)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, st.fields())
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store stats for vps %d: %w", vpsID, err)
	}
	return nil
}

// Get returns nil, nil when no sample exists.
func (s *Store) Get(ctx context.Context, vpsID uint) (*Stats, error) {
	h, err := s.client.HGetAll(ctx, s.Key(vpsID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load stats for vps %d: %w", vpsID, err)
	}
	if len(h) == 0 {
		return nil, nil
	}
	return parseStats(vpsID, h), nil
}

// Snapshot loads the latest sample of every listed VPS in one round trip.
func (s *Store) Snapshot(ctx context.Context, ids []uint) (map[uint]*Stats, error) {
	out := make(map[uint]*Stats, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.Key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("load stats snapshot: %w", err)
	}
	for i, id := range ids {
		if h, err := cmds[i].Result(); err == nil && len(h) > 0 {
			out[id] = parseStats(id, h)
		}
	}
	return out, nil
}

func (s *Store) Online(st *Stats) bool {
	return IsOnline(st, s.now(), s.window)
}

// OnlineSet reports which of ids have a fresh sample. A Redis failure
// counts every VPS as offline.
func (s *Store) OnlineSet(ctx context.Context, ids []uint) map[uint]bool {
	online := make(map[uint]bool, len(ids))
	snap, err := s.Snapshot(ctx, ids)
	if err != nil {
		return online
	}
	for id, st := range snap {
		online[id] = s.Online(st)
	}
	return online
}
