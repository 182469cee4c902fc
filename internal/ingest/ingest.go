// Package ingest keeps raw behavioral events for offline analytics. Scoring
// never depends on it: sinks receive a copy of each batch after it has been
// scored, and a failed write is logged and counted, not returned to clients.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/typeguard/internal/features"
)

var ErrSessionNotFound = errors.New("ingest: session not cached")

// DefaultSessionTTL is how long the latest batch of a session stays cached.
const DefaultSessionTTL = time.Hour

// Batch is one scored batch of raw events.
type Batch struct {
	SessionID  string
	UserID     string
	Keystrokes []features.KeyEvent
	Pointer    []features.PointerEvent
	ReceivedAt time.Time
}

// NewBatch copies d so later mutation by the caller cannot reach the sink.
func NewBatch(sessionID, userID string, d features.BehavioralData, at time.Time) *Batch {
	return &Batch{
		SessionID:  sessionID,
		UserID:     userID,
		Keystrokes: append([]features.KeyEvent(nil), d.Keystrokes...),
		Pointer:    append([]features.PointerEvent(nil), d.Pointer...),
		ReceivedAt: at,
	}
}

// EventCount returns the number of raw events in the batch.
func (b *Batch) EventCount() int {
	return len(b.Keystrokes) + len(b.Pointer)
}

// Sink stores raw event batches.
type Sink interface {
	WriteBatch(ctx context.Context, batches []*Batch) error
}

// CachedSession is the latest scored batch of a session.
type CachedSession struct {
	SessionID  string             `json:"sessionId"`
	UserID     string             `json:"userId,omitempty"`
	Data       features.WireBatch `json:"data"`
	RiskScore  float64            `json:"riskScore"`
	ReceivedAt time.Time          `json:"receivedAt"`
}

// SessionCache holds the most recent batch per session for a bounded time.
type SessionCache interface {
	Put(ctx context.Context, s *CachedSession, ttl time.Duration) error
	Get(ctx context.Context, sessionID string) (*CachedSession, error)
}

// Recorder accepts scored batches for asynchronous storage. Writer
// implements it.
type Recorder interface {
	Send(b *Batch)
}
