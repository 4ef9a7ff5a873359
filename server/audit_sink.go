package main

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/larkspur-sec/warden/pkg/lifecycle"
)

// AuditSink persists audit facts on a dedicated worker, decoupled from the
// transaction of the operation that produced them. Record never blocks the
// caller and never reports failure upward: the audit trail is best-effort
// relative to the primary state change.
type AuditSink struct {
	db  *gorm.DB
	log zerolog.Logger

	ch   chan AuditLog
	done chan struct{}

	mu      sync.Mutex
	cond    *sync.Cond
	pending int
	closed  bool
}

// NewAuditSink starts the sink worker with the given queue depth.
func NewAuditSink(db *gorm.DB, logger zerolog.Logger, depth int) *AuditSink {
	if depth <= 0 {
		depth = 256
	}
	s := &AuditSink{
		db:   db,
		log:  logger.With().Str("component", "audit").Logger(),
		ch:   make(chan AuditLog, depth),
		done: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *AuditSink) run() {
	defer close(s.done)
	for entry := range s.ch {
		if err := s.db.Create(&entry).Error; err != nil {
			s.log.Error().Err(err).
				Str("event", string(entry.EventType)).
				Str("fulluuid", entry.Fulluuid).
				Msg("audit write failed")
		}
		s.mu.Lock()
		s.pending--
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

// Record enqueues an audit fact. Saturation drops the entry with a warning
// rather than stalling the operation that produced it.
func (s *AuditSink) Record(event lifecycle.AuditEvent, deviceID *uint, fulluuid string, data map[string]any, ip string, actor lifecycle.Actor, actorID string) {
	encoded := ""
	if len(data) > 0 {
		raw, err := json.Marshal(data)
		if err != nil {
			s.log.Warn().Err(err).Str("event", string(event)).Msg("audit data not serializable")
		} else {
			encoded = string(raw)
		}
	}

	entry := AuditLog{
		DeviceID:  deviceID,
		Fulluuid:  fulluuid,
		EventType: event,
		EventData: encoded,
		IPAddress: ip,
		ActorType: actor,
		ActorID:   actorID,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending++
	s.mu.Unlock()

	select {
	case s.ch <- entry:
	default:
		s.mu.Lock()
		s.pending--
		s.cond.Broadcast()
		s.mu.Unlock()
		s.log.Warn().Str("event", string(event)).Str("fulluuid", fulluuid).Msg("audit queue full, entry dropped")
	}
}

// Flush blocks until every entry accepted so far has been written.
func (s *AuditSink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pending > 0 {
		s.cond.Wait()
	}
}

// Close drains the queue and stops the worker.
func (s *AuditSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.Flush()
	close(s.ch)
	<-s.done
}
