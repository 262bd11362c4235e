package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event types published by the engine.
const (
	EventSessionStarted   = "session_started"
	EventStageStarted     = "stage_started"
	EventStageCompleted   = "stage_completed"
	EventStageFailed      = "stage_failed"
	EventSessionCompleted = "session_completed"
)

// Event is one stage or session transition.
type Event struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"session_id"`
	Type      string                 `json:"type"`
	Stage     string                 `json:"stage,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq"`
}

// Marshal returns JSON for event payloads in logs or stream entries.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

const (
	defaultCapacity = 256
	streamPrefix    = "inspector:events:"
	streamMaxLen    = 1000
	mirrorTimeout   = 2 * time.Second
)

// Manager provides in-memory pub/sub for session events and optionally
// mirrors every event to a Redis stream per session.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	// per-session ring buffer for replay
	history  map[string]*ring
	capacity int

	redis  *redis.Client
	logger *zap.Logger
}

// NewManager creates a manager. client may be nil to disable the Redis mirror.
func NewManager(client *redis.Client, capacity int, logger *zap.Logger) *Manager {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		redis:       client,
		logger:      logger,
	}
}

// Subscribe adds a subscriber channel for a session; caller must drain and call Unsubscribe.
func (m *Manager) Subscribe(sessionID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[sessionID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[sessionID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(sessionID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[sessionID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, sessionID)
		}
	}
}

// Publish sends an event to all subscribers of the session (non-blocking).
func (m *Manager) Publish(sessionID string, evt Event) Event {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.SessionID = sessionID

	m.mu.Lock()
	rg := m.history[sessionID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[sessionID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	// Send under the lock so Unsubscribe cannot close a channel mid-send.
	for ch := range m.subscribers[sessionID] {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow
		}
	}
	m.mu.Unlock()

	if m.redis != nil {
		m.mirror(evt)
	}
	return evt
}

func (m *Manager) mirror(evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	err := m.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: streamPrefix + evt.SessionID,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":    evt.Type,
			"seq":     evt.Seq,
			"payload": string(evt.Marshal()),
		},
	}).Err()
	if err != nil {
		m.logger.Warn("Failed to mirror event to Redis stream",
			zap.String("session_id", evt.SessionID),
			zap.String("type", evt.Type),
			zap.Error(err),
		)
	}
}

// ReplaySince returns events with Seq > since (best-effort within ring capacity).
func (m *Manager) ReplaySince(sessionID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[sessionID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// ReadStream reads up to count mirrored events for a session from Redis,
// oldest first. It works across processes, unlike ReplaySince.
func (m *Manager) ReadStream(ctx context.Context, sessionID string, count int64) ([]Event, error) {
	if m.redis == nil {
		return nil, fmt.Errorf("redis mirror not configured")
	}
	msgs, err := m.redis.XRangeN(ctx, streamPrefix+sessionID, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["payload"].(string)
		if !ok {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			m.logger.Warn("Skipping malformed stream entry", zap.String("id", msg.ID), zap.Error(err))
			continue
		}
		out = append(out, evt)
	}
	return out, nil
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
