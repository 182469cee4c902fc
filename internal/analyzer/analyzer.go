// Package analyzer is the behavioral risk engine: it scores keystroke and
// pointer activity against per-user baselines, falls back to a population
// model for users without enough history, and adapts baselines from
// real-time traffic and explicit feedback.
//
// Profile lifecycle: unseen → warming (fewer than MinProfileSamples vectors,
// scored against the global model) → personalized (scored against the
// user's own baseline). Every real-time analysis that carries evidence is
// added to the profile after it has been scored.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mbd888/typeguard/internal/features"
	"github.com/mbd888/typeguard/internal/metrics"
	"github.com/mbd888/typeguard/internal/model"
	"github.com/mbd888/typeguard/internal/profile"
	"github.com/mbd888/typeguard/internal/syncutil"
	"github.com/mbd888/typeguard/internal/traces"
)

var (
	ErrProfileNotFound = errors.New("analyzer: profile not found")
	ErrInvalidFeedback = errors.New("analyzer: unknown feedback value")
	ErrModelUntrained  = errors.New("analyzer: global model not trained")
	ErrNoTrainingData  = errors.New("analyzer: no usable training samples")
	ErrModelLoad       = errors.New("analyzer: model load failed")
	ErrEmptyUserID     = errors.New("analyzer: user id is required")
)

// Defaults.
const (
	DefaultMinProfileSamples = 10
	DefaultFeedbackWeight    = 3.0
)

// Basis says which model produced a score.
type Basis string

const (
	BasisPersonal  Basis = "personal"
	BasisGlobal    Basis = "global"
	BasisUntrained Basis = "untrained"
)

// Feedback is an externally confirmed verdict on a batch of activity.
type Feedback string

const (
	FeedbackGenuine  Feedback = "genuine"
	FeedbackImpostor Feedback = "impostor"
)

var feedbackAliases = map[string]Feedback{
	"genuine":    FeedbackGenuine,
	"legitimate": FeedbackGenuine,
	"confirmed":  FeedbackGenuine,
	"impostor":   FeedbackImpostor,
	"anomaly":    FeedbackImpostor,
	"anomalous":  FeedbackImpostor,
	"fraud":      FeedbackImpostor,
}

// ParseFeedback maps a client feedback string to a Feedback value.
func ParseFeedback(s string) (Feedback, error) {
	f, ok := feedbackAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidFeedback, s)
	}
	return f, nil
}

// TrainingError reports the population sample that made a training batch
// unusable.
type TrainingError struct {
	Index  int
	UserID string
	Err    error
}

func (e *TrainingError) Error() string {
	return fmt.Sprintf("training sample %d (user %q): %v", e.Index, e.UserID, e.Err)
}

func (e *TrainingError) Unwrap() error { return e.Err }

// Assessment is the outcome of one real-time analysis.
type Assessment struct {
	UserID       string          `json:"userId,omitempty"`
	Score        float64         `json:"riskScore"`
	Basis        Basis           `json:"basis"`
	State        profile.State   `json:"profileState"`
	ModelTrained bool            `json:"modelTrained"`
	SampleCount  int             `json:"sampleCount"`
	Features     features.Vector `json:"features"`
}

// GlobalModel is the population baseline used for cold-start users.
type GlobalModel struct {
	Model       model.Model
	UserCount   int
	SampleCount int
	TrainedAt   time.Time
}

// PopulationSample is one user's batch offered to TrainGlobalModel.
type PopulationSample struct {
	UserID string
	Data   features.BehavioralData
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithMinProfileSamples sets how many vectors a profile needs before it is
// scored against its own baseline.
func WithMinProfileSamples(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.minSamples = n
		}
	}
}

// WithHistorySize bounds the rolling window of genuine samples per profile.
func WithHistorySize(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.historySize = n
		}
	}
}

// WithNegativesSize bounds the number of impostor samples kept per profile.
func WithNegativesSize(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.negativesSize = n
		}
	}
}

// WithFeedbackWeight sets the weight of a genuine-feedback sample relative
// to an implicitly accumulated one.
func WithFeedbackWeight(w float64) Option {
	return func(a *Analyzer) {
		if w > 0 {
			a.feedbackWeight = w
		}
	}
}

// WithModelFactory swaps the scoring model family.
func WithModelFactory(f func() model.Model) Option {
	return func(a *Analyzer) {
		if f != nil {
			a.newModel = f
		}
	}
}

// WithModelStore enables SaveModels/LoadModels and saving after training.
func WithModelStore(s ModelStore) Option {
	return func(a *Analyzer) { a.models = s }
}

// WithLogger sets the analyzer's logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// Analyzer owns the profile store and the global model. It is safe for
// concurrent use: profile mutations are serialized per user and the global
// model is swapped atomically.
type Analyzer struct {
	store  profile.Store
	models ModelStore
	locks  syncutil.ShardedMutex
	global atomic.Pointer[GlobalModel]

	newModel         func() model.Model
	supportsNegative bool
	minSamples       int
	historySize      int
	negativesSize    int
	feedbackWeight   float64

	logger *slog.Logger
	now    func() time.Time
}

// New creates an Analyzer over store.
func New(store profile.Store, opts ...Option) *Analyzer {
	a := &Analyzer{
		store:          store,
		newModel:       func() model.Model { return model.NewGaussian() },
		minSamples:     DefaultMinProfileSamples,
		historySize:    profile.DefaultHistorySize,
		negativesSize:  profile.DefaultNegativesSize,
		feedbackWeight: DefaultFeedbackWeight,
		logger:         slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.supportsNegative = a.newModel().SupportsNegativeExamples()
	return a
}

// MinProfileSamples returns the personal-scoring threshold.
func (a *Analyzer) MinProfileSamples() int { return a.minSamples }

// IsTrained reports whether a global model is available.
func (a *Analyzer) IsTrained() bool {
	return a.global.Load() != nil
}

// Global returns the current global model, or nil when untrained.
func (a *Analyzer) Global() *GlobalModel {
	return a.global.Load()
}

// CreateUserProfile creates a profile for userID, seeded with one sample
// when seed carries evidence. If the profile already exists it is returned
// untouched with created=false.
func (a *Analyzer) CreateUserProfile(ctx context.Context, userID string, seed features.BehavioralData) (*profile.UserProfile, bool, error) {
	if userID == "" {
		return nil, false, ErrEmptyUserID
	}
	v, err := features.ExtractValid(seed)
	if err != nil {
		return nil, false, err
	}

	unlock, err := a.locks.LockContext(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	existing, err := a.store.Get(ctx, userID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, profile.ErrNotFound) {
		return nil, false, fmt.Errorf("load profile: %w", err)
	}

	now := a.now()
	p := &profile.UserProfile{UserID: userID, CreatedAt: now, LastUpdatedAt: now}
	if !v.Empty() {
		p.AppendSample(model.Sample{Vector: v}, a.historySize)
		a.refit(p)
	}
	if err := a.store.Put(ctx, p); err != nil {
		return nil, false, fmt.Errorf("store profile: %w", err)
	}
	a.updateProfileGauge(ctx)
	a.logger.Info("profile created", "user_id", userID, "samples", p.SampleCount)
	return p.Clone(), true, nil
}

// AnalyzeRealTime scores a batch for userID and then adds its vector to the
// user's profile, creating the profile on first sight. An empty userID is
// scored against the global model and nothing is accumulated.
//
// The score is always in [0,1]. While no global model exists, users without
// a personal baseline get score 0 with Basis untrained.
func (a *Analyzer) AnalyzeRealTime(ctx context.Context, keys []features.KeyEvent, pointer []features.PointerEvent, userID string) (*Assessment, error) {
	start := a.now()
	ctx, span := traces.StartSpan(ctx, "analyzer.AnalyzeRealTime",
		traces.UserID(userID), traces.EventCount(len(keys)+len(pointer)))
	defer span.End()

	v, err := features.ExtractValid(features.BehavioralData{Keystrokes: keys, Pointer: pointer})
	if err != nil {
		return nil, err
	}

	res := &Assessment{UserID: userID, Features: v, ModelTrained: a.IsTrained(), State: profile.StateUnseen}
	if userID == "" {
		res.Score, res.Basis = a.scoreGlobal(v)
		a.observe(res, start)
		return res, nil
	}

	unlock, err := a.locks.LockContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := a.store.Get(ctx, userID)
	switch {
	case errors.Is(err, profile.ErrNotFound):
		p = nil
	case err != nil:
		return nil, fmt.Errorf("load profile: %w", err)
	}

	res.State = p.State(a.minSamples)
	if res.State == profile.StatePersonalized && p.Model != nil {
		res.Score, res.Basis = model.Clamp01(p.Model.Score(v)), BasisPersonal
	} else {
		res.Score, res.Basis = a.scoreGlobal(v)
	}

	created := p == nil
	if created {
		now := a.now()
		p = &profile.UserProfile{UserID: userID, CreatedAt: now, LastUpdatedAt: now}
	}
	if !v.Empty() {
		p.AppendSample(model.Sample{Vector: v}, a.historySize)
		p.LastUpdatedAt = a.now()
		a.refit(p)
	}
	if created || !v.Empty() {
		if err := a.store.Put(ctx, p); err != nil {
			// The score is already computed; a failed accumulation only
			// delays warm-up.
			a.logger.Warn("failed to accumulate sample", "user_id", userID, "error", err)
		}
	}
	if created {
		a.updateProfileGauge(ctx)
	}
	res.SampleCount = p.SampleCount

	span.SetAttributes(traces.Basis(string(res.Basis)), traces.Score(res.Score), traces.SampleCount(res.SampleCount))
	a.observe(res, start)
	return res, nil
}

// UpdateUserProfile applies confirmed feedback to an existing profile.
// Genuine feedback adds the batch as a weighted sample; impostor feedback
// keeps it out of the baseline and, when the model supports it, records it
// as a negative example.
func (a *Analyzer) UpdateUserProfile(ctx context.Context, userID string, data features.BehavioralData, feedback string) error {
	fb, err := ParseFeedback(feedback)
	if err != nil {
		return err
	}
	v, err := features.ExtractValid(data)
	if err != nil {
		return err
	}

	ctx, span := traces.StartSpan(ctx, "analyzer.UpdateUserProfile", traces.UserID(userID))
	defer span.End()

	unlock, err := a.locks.LockContext(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	p, err := a.store.Get(ctx, userID)
	if errors.Is(err, profile.ErrNotFound) {
		return ErrProfileNotFound
	}
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}

	if v.Empty() {
		a.logger.Debug("feedback carried no usable evidence", "user_id", userID, "feedback", string(fb))
		return nil
	}

	switch fb {
	case FeedbackGenuine:
		p.AppendSample(model.Sample{Vector: v, Weight: a.feedbackWeight}, a.historySize)
	case FeedbackImpostor:
		if !a.supportsNegative {
			return nil
		}
		p.AppendNegative(model.Sample{Vector: v}, a.negativesSize)
	}
	p.LastUpdatedAt = a.now()
	a.refit(p)

	if err := a.store.Put(ctx, p); err != nil {
		return fmt.Errorf("store profile: %w", err)
	}
	metrics.FeedbackTotal.WithLabelValues(string(fb)).Inc()
	a.logger.Info("profile feedback applied", "user_id", userID, "feedback", string(fb), "samples", p.SampleCount)
	return nil
}

// TrainGlobalModel rebuilds the global model from a population batch. Every
// sample is validated and extracted before fitting; one malformed sample
// rejects the whole batch and leaves the current model in place.
func (a *Analyzer) TrainGlobalModel(ctx context.Context, samples []PopulationSample) error {
	ctx, span := traces.StartSpan(ctx, "analyzer.TrainGlobalModel", traces.SampleCount(len(samples)))
	defer span.End()

	if len(samples) == 0 {
		metrics.TrainingsTotal.WithLabelValues("rejected").Inc()
		return ErrNoTrainingData
	}

	fitSet := make([]model.Sample, 0, len(samples))
	users := make(map[string]struct{})
	for i, s := range samples {
		v, err := features.ExtractValid(s.Data)
		if err != nil {
			metrics.TrainingsTotal.WithLabelValues("rejected").Inc()
			return &TrainingError{Index: i, UserID: s.UserID, Err: err}
		}
		if v.Empty() {
			continue
		}
		fitSet = append(fitSet, model.Sample{Vector: v})
		users[s.UserID] = struct{}{}
	}
	if len(fitSet) == 0 {
		metrics.TrainingsTotal.WithLabelValues("rejected").Inc()
		return ErrNoTrainingData
	}

	m := a.newModel()
	if err := m.Fit(fitSet); err != nil {
		metrics.TrainingsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("fit global model: %w", err)
	}

	a.global.Store(&GlobalModel{
		Model:       m,
		UserCount:   len(users),
		SampleCount: len(fitSet),
		TrainedAt:   a.now().UTC(),
	})
	metrics.TrainingsTotal.WithLabelValues("success").Inc()
	metrics.GlobalModelTrained.Set(1)
	a.logger.Info("global model trained", "users", len(users), "samples", len(fitSet))

	if a.models != nil {
		if err := a.SaveModels(ctx); err != nil {
			a.logger.Warn("failed to save models after training", "error", err)
		}
	}
	return nil
}

// Profile returns a copy of userID's profile.
func (a *Analyzer) Profile(ctx context.Context, userID string) (*profile.UserProfile, error) {
	p, err := a.store.Get(ctx, userID)
	if errors.Is(err, profile.ErrNotFound) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ProfileState reports the lifecycle state and sample count of userID.
func (a *Analyzer) ProfileState(ctx context.Context, userID string) (profile.State, int, error) {
	p, err := a.store.Get(ctx, userID)
	if errors.Is(err, profile.ErrNotFound) {
		return profile.StateUnseen, 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	return p.State(a.minSamples), p.SampleCount, nil
}

// ProfileCount returns the number of stored profiles.
func (a *Analyzer) ProfileCount(ctx context.Context) (int, error) {
	return a.store.Len(ctx)
}

func (a *Analyzer) scoreGlobal(v features.Vector) (float64, Basis) {
	g := a.global.Load()
	if g == nil {
		return 0, BasisUntrained
	}
	return model.Clamp01(g.Model.Score(v)), BasisGlobal
}

// refit rebuilds p's model from its samples into a fresh instance, so a
// model already published to readers is never mutated.
func (a *Analyzer) refit(p *profile.UserProfile) {
	m := a.newModel()
	if err := m.Fit(p.TrainingSet()); err != nil {
		if !errors.Is(err, model.ErrNoSamples) {
			a.logger.Warn("profile refit failed", "user_id", p.UserID, "error", err)
		}
		return
	}
	p.Model = m
}

func (a *Analyzer) observe(res *Assessment, start time.Time) {
	metrics.AnalysesTotal.WithLabelValues(string(res.Basis)).Inc()
	metrics.RiskScore.Observe(res.Score)
	metrics.AnalysisDuration.Observe(a.now().Sub(start).Seconds())
}

func (a *Analyzer) updateProfileGauge(ctx context.Context) {
	if n, err := a.store.Len(ctx); err == nil {
		metrics.ProfilesTotal.Set(float64(n))
	}
}

