package analyzer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mbd888/typeguard/internal/features"
	"github.com/mbd888/typeguard/internal/metrics"
	"github.com/mbd888/typeguard/internal/model"
	"github.com/mbd888/typeguard/internal/profile"
	"github.com/mbd888/typeguard/internal/traces"
)

// SnapshotVersion is bumped whenever the snapshot layout changes.
const SnapshotVersion = 1

var (
	ErrSnapshotNotFound = errors.New("analyzer: no model snapshot")
	ErrNoModelStore     = errors.New("analyzer: no model store configured")
)

// Snapshot is the persisted state of an Analyzer: the global model and every
// user profile.
type Snapshot struct {
	Version      int              `json:"version"`
	FeatureCount int              `json:"featureCount"`
	FeatureNames []string         `json:"featureNames"`
	SavedAt      time.Time        `json:"savedAt"`
	Global       *GlobalRecord    `json:"global,omitempty"`
	Profiles     []profile.Record `json:"profiles"`
}

// GlobalRecord is the serializable form of a GlobalModel.
type GlobalRecord struct {
	Model       model.Envelope `json:"model"`
	UserCount   int            `json:"userCount"`
	SampleCount int            `json:"sampleCount"`
	TrainedAt   time.Time      `json:"trainedAt"`
}

// ModelStore persists snapshots. Load returns ErrSnapshotNotFound when
// nothing has been saved yet.
type ModelStore interface {
	Save(ctx context.Context, s *Snapshot) error
	Load(ctx context.Context) (*Snapshot, error)
}

// SaveModels writes the global model and all profiles to the model store.
// Each profile is captured whole; profiles updated while the snapshot is
// being built appear either before or after the update.
func (a *Analyzer) SaveModels(ctx context.Context) error {
	if a.models == nil {
		return ErrNoModelStore
	}
	ctx, span := traces.StartSpan(ctx, "analyzer.SaveModels")
	defer span.End()

	snap, err := a.snapshot(ctx)
	if err != nil {
		metrics.ModelSavesTotal.WithLabelValues("error").Inc()
		return err
	}
	if err := a.models.Save(ctx, snap); err != nil {
		metrics.ModelSavesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("save snapshot: %w", err)
	}
	metrics.ModelSavesTotal.WithLabelValues("success").Inc()
	a.logger.Info("models saved", "profiles", len(snap.Profiles), "global", snap.Global != nil)
	return nil
}

func (a *Analyzer) snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		Version:      SnapshotVersion,
		FeatureCount: int(features.NumFeatures),
		FeatureNames: features.Names(),
		SavedAt:      a.now().UTC(),
	}
	if g := a.global.Load(); g != nil {
		env, err := model.Encode(g.Model)
		if err != nil {
			return nil, err
		}
		snap.Global = &GlobalRecord{
			Model:       env,
			UserCount:   g.UserCount,
			SampleCount: g.SampleCount,
			TrainedAt:   g.TrainedAt,
		}
	}

	profiles, err := a.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	snap.Profiles = make([]profile.Record, 0, len(profiles))
	for _, p := range profiles {
		rec, err := p.ToRecord()
		if err != nil {
			return nil, fmt.Errorf("encode profile %q: %w", p.UserID, err)
		}
		snap.Profiles = append(snap.Profiles, rec)
	}
	return snap, nil
}

// LoadModels replaces the global model and restores every profile from the
// model store. The snapshot is fully decoded before anything is applied, so
// a corrupt snapshot leaves the analyzer untouched. All failures match
// ErrModelLoad.
func (a *Analyzer) LoadModels(ctx context.Context) error {
	if a.models == nil {
		return fmt.Errorf("%w: %w", ErrModelLoad, ErrNoModelStore)
	}
	ctx, span := traces.StartSpan(ctx, "analyzer.LoadModels")
	defer span.End()

	snap, err := a.models.Load(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrModelLoad, err)
	}
	if err := checkSchema(snap); err != nil {
		return fmt.Errorf("%w: %w", ErrModelLoad, err)
	}

	var global *GlobalModel
	if snap.Global != nil {
		m, err := model.Decode(snap.Global.Model)
		if err != nil {
			return fmt.Errorf("%w: global model: %w", ErrModelLoad, err)
		}
		global = &GlobalModel{
			Model:       m,
			UserCount:   snap.Global.UserCount,
			SampleCount: snap.Global.SampleCount,
			TrainedAt:   snap.Global.TrainedAt,
		}
	}
	profiles := make([]*profile.UserProfile, 0, len(snap.Profiles))
	for _, rec := range snap.Profiles {
		p, err := profile.FromRecord(rec)
		if err != nil {
			return fmt.Errorf("%w: profile %q: %w", ErrModelLoad, rec.UserID, err)
		}
		profiles = append(profiles, p)
	}

	for _, p := range profiles {
		unlock := a.locks.Lock(p.UserID)
		err := a.store.Put(ctx, p)
		unlock()
		if err != nil {
			return fmt.Errorf("%w: restore profile %q: %w", ErrModelLoad, p.UserID, err)
		}
	}
	if global != nil {
		a.global.Store(global)
		metrics.GlobalModelTrained.Set(1)
	}
	a.updateProfileGauge(ctx)
	a.logger.Info("models loaded", "profiles", len(profiles), "global", global != nil)
	return nil
}

func checkSchema(s *Snapshot) error {
	if s.Version != SnapshotVersion {
		return fmt.Errorf("snapshot version %d, want %d", s.Version, SnapshotVersion)
	}
	if s.FeatureCount != int(features.NumFeatures) {
		return fmt.Errorf("snapshot has %d features, want %d", s.FeatureCount, features.NumFeatures)
	}
	if len(s.FeatureNames) > 0 && !slices.Equal(s.FeatureNames, features.Names()) {
		return errors.New("snapshot feature names do not match the current schema")
	}
	return nil
}

// LoadOrBootstrap loads persisted models. If that fails and bootstrap is
// allowed, it trains the global model from the synthetic bootstrap
// population instead; otherwise the load error is returned.
func (a *Analyzer) LoadOrBootstrap(ctx context.Context, allowBootstrap bool) error {
	err := a.LoadModels(ctx)
	if err == nil {
		if a.IsTrained() {
			return nil
		}
		err = fmt.Errorf("%w: snapshot has no global model", ErrModelLoad)
	}
	if !allowBootstrap {
		return err
	}
	if errors.Is(err, ErrSnapshotNotFound) {
		a.logger.Info("no saved models, bootstrapping global model")
	} else {
		a.logger.Warn("model load failed, bootstrapping global model", "error", err)
	}
	if err := a.TrainGlobalModel(ctx, BootstrapPopulation(DefaultBootstrapSeed, DefaultBootstrapUsers, DefaultBootstrapBatches)); err != nil {
		return fmt.Errorf("bootstrap training: %w", err)
	}
	return nil
}
