package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/scivet/revaudit/internal/metrics"
)

// Manager tracks open run streams and optionally mirrors every published
// event into a Redis stream so external subscribers can tail a run without
// holding the primary consumer slot.
type Manager struct {
	mu      sync.RWMutex
	streams map[string]*Stream

	capacity int
	rdb      *redis.Client
	mirror   time.Duration // TTL for mirrored streams
	logger   *zap.Logger
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	QueueCapacity int
	MirrorTTL     time.Duration
}

// NewManager builds a Manager. rdb may be nil to disable the Redis mirror.
func NewManager(rdb *redis.Client, logger *zap.Logger, opts ManagerOptions) *Manager {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 64
	}
	if opts.MirrorTTL <= 0 {
		opts.MirrorTTL = 24 * time.Hour
	}
	return &Manager{
		streams:  make(map[string]*Stream),
		capacity: opts.QueueCapacity,
		rdb:      rdb,
		mirror:   opts.MirrorTTL,
		logger:   logger,
	}
}

// Open creates and registers a stream for runID.
func (m *Manager) Open(runID string) *Stream {
	s := NewStream(runID, m.capacity)
	m.mu.Lock()
	m.streams[runID] = s
	m.mu.Unlock()
	metrics.ActiveStreams.Inc()
	return s
}

// Lookup returns the open stream for runID, if any.
func (m *Manager) Lookup(runID string) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[runID]
	return s, ok
}

// Close deregisters the stream for runID.
func (m *Manager) Close(runID string) {
	m.mu.Lock()
	_, ok := m.streams[runID]
	delete(m.streams, runID)
	m.mu.Unlock()
	if ok {
		metrics.ActiveStreams.Dec()
	}
}

// Publish delivers the event to the run's stream and mirrors it to Redis.
// The mirror is best-effort: Redis failures are logged and never affect the
// primary delivery path.
func (m *Manager) Publish(ctx context.Context, s *Stream, evt Event) error {
	err := s.Publish(ctx, &evt)
	if m.rdb != nil && err == nil {
		m.mirrorEvent(ctx, s.RunID(), evt)
	}
	return err
}

func mirrorKey(runID string) string { return "revaudit:events:" + runID }

func (m *Manager) mirrorEvent(ctx context.Context, runID string, evt Event) {
	key := mirrorKey(runID)
	if err := m.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: 1024,
		Approx: true,
		Values: map[string]interface{}{
			"type": string(evt.Type),
			"seq":  evt.Seq,
			"data": string(evt.Marshal()),
		},
	}).Err(); err != nil {
		m.logger.Warn("event mirror failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	m.rdb.Expire(ctx, key, m.mirror)
}
