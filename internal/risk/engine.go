package risk

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/mbd888/typeguard/internal/idgen"
	"github.com/mbd888/typeguard/internal/metrics"
	"github.com/mbd888/typeguard/internal/model"
	"github.com/mbd888/typeguard/internal/pagination"
)

// Engine applies the alert policy to served scores and records each one to
// the audit store in the background.
type Engine struct {
	policy  Policy
	store   Store
	logger  *slog.Logger
	pending sync.WaitGroup
}

// NewEngine creates an engine with the default policy backed by store.
// A nil store disables auditing.
func NewEngine(store Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		policy: DefaultPolicy(),
		store:  store,
		logger: logger,
	}
}

// WithHighThreshold overrides the HIGH threshold.
func (e *Engine) WithHighThreshold(t float64) *Engine {
	e.policy.High = t
	return e
}

// WithMediumThreshold overrides the MEDIUM threshold.
func (e *Engine) WithMediumThreshold(t float64) *Engine {
	e.policy.Medium = t
	return e
}

// Policy returns the active thresholds.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Input describes one served score. At is when it was served; zero means now.
type Input struct {
	UserID    string
	SessionID string
	Score     float64
	Basis     string
	Features  map[string]float64
	At        time.Time
}

// Evaluate classifies a score, counts the alert, and records the assessment
// asynchronously. It returns the audit record and the client alert (nil when
// the score raises none). The alert is classified from the score as served;
// only the audit record's copy is rounded.
func (e *Engine) Evaluate(ctx context.Context, in Input) (*Assessment, *Alert) {
	score := model.Clamp01(in.Score)
	level := e.policy.Classify(score)
	at := in.At
	if at.IsZero() {
		at = time.Now()
	}

	a := &Assessment{
		ID:          idgen.WithPrefix("ra_"),
		UserID:      in.UserID,
		SessionID:   in.SessionID,
		Score:       math.Round(score*1000) / 1000,
		Basis:       in.Basis,
		Level:       level,
		Features:    in.Features,
		EvaluatedAt: at.UTC(),
	}
	if level != LevelNone {
		metrics.AlertsTotal.WithLabelValues(string(level)).Inc()
	}

	// Best-effort audit trail; a failed write never affects the served score.
	if e.store != nil && in.UserID != "" {
		e.pending.Add(1)
		go func() {
			defer e.pending.Done()
			if err := e.store.Record(context.Background(), a); err != nil {
				e.logger.Warn("failed to record risk assessment", "user_id", a.UserID, "error", err)
			}
		}()
	}
	return a, e.policy.AlertFor(score)
}

// Wait blocks until all in-flight audit writes have finished.
func (e *Engine) Wait() {
	e.pending.Wait()
}

// History returns a page of a user's assessments, newest first. cursor is
// the NextCursor of the previous page, or empty for the first page.
func (e *Engine) History(ctx context.Context, userID string, limit int, cursor string) (*Page, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, err
	}
	page := &Page{Assessments: []*Assessment{}}
	if e.store == nil {
		return page, nil
	}
	limit = ClampLimit(limit)
	list, err := e.store.ListByUser(ctx, userID, after, limit+1)
	if err != nil {
		return nil, err
	}
	if list != nil {
		page.Assessments, page.NextCursor, page.HasMore = pagination.ComputePage(list, limit, func(a *Assessment) (time.Time, string) {
			return a.EvaluatedAt, a.ID
		})
	}
	return page, nil
}

