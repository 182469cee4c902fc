// Package risk turns behavioral risk scores into alert decisions and keeps
// an audit trail of every served assessment.
//
// Scores are in [0,1]. A score strictly above the high threshold raises a
// HIGH alert recommending step-up authentication; a score strictly above the
// medium threshold (and not above high) raises a MEDIUM advisory. Equality
// never raises the level.
package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/typeguard/internal/pagination"
)

// Level is the alert level attached to a score.
type Level string

const (
	LevelNone   Level = "NONE"
	LevelMedium Level = "MEDIUM"
	LevelHigh   Level = "HIGH"
)

// Default thresholds.
const (
	DefaultHighThreshold   = 0.7
	DefaultMediumThreshold = 0.5
)

// Alert messages sent to clients.
const (
	HighMessage   = "Unusual behavioral patterns detected"
	HighAction    = "Require additional authentication"
	MediumMessage = "Behavioral patterns slightly deviate from norm"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

var ErrInvalidThresholds = errors.New("risk: medium threshold must be below high threshold, both within [0,1]")

// Policy maps scores to alert levels.
type Policy struct {
	High   float64
	Medium float64
}

// DefaultPolicy returns the 0.7 / 0.5 policy.
func DefaultPolicy() Policy {
	return Policy{High: DefaultHighThreshold, Medium: DefaultMediumThreshold}
}

// Validate checks that 0 <= Medium < High <= 1.
func (p Policy) Validate() error {
	if p.Medium < 0 || p.High > 1 || p.Medium >= p.High {
		return fmt.Errorf("%w (high=%v medium=%v)", ErrInvalidThresholds, p.High, p.Medium)
	}
	return nil
}

// Classify returns the alert level for score.
func (p Policy) Classify(score float64) Level {
	switch {
	case score > p.High:
		return LevelHigh
	case score > p.Medium:
		return LevelMedium
	default:
		return LevelNone
	}
}

// Alert is the optional alert block of an analysis result.
type Alert struct {
	Level             Level  `json:"level"`
	Message           string `json:"message"`
	RecommendedAction string `json:"recommended_action,omitempty"`
}

// AlertFor returns the alert for score, or nil when no alert is due.
func (p Policy) AlertFor(score float64) *Alert {
	switch p.Classify(score) {
	case LevelHigh:
		return &Alert{Level: LevelHigh, Message: HighMessage, RecommendedAction: HighAction}
	case LevelMedium:
		return &Alert{Level: LevelMedium, Message: MediumMessage}
	default:
		return nil
	}
}

// Assessment is the audit record of one served score.
type Assessment struct {
	ID          string             `json:"id"`
	UserID      string             `json:"userId"`
	SessionID   string             `json:"sessionId,omitempty"`
	Score       float64            `json:"score"`
	Basis       string             `json:"basis"`
	Level       Level              `json:"level"`
	Features    map[string]float64 `json:"features,omitempty"`
	EvaluatedAt time.Time          `json:"evaluatedAt"`
}

// Store persists assessments for the audit trail. ListByUser returns at most
// limit assessments ordered by EvaluatedAt then ID, both descending, starting
// after the cursor position when one is given.
type Store interface {
	Record(ctx context.Context, a *Assessment) error
	ListByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Assessment, error)
}

// Page is one page of a user's assessment history.
type Page struct {
	Assessments []*Assessment `json:"assessments"`
	NextCursor  string        `json:"nextCursor,omitempty"`
	HasMore     bool          `json:"hasMore"`
}

// ClampLimit normalizes a caller-supplied list limit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
