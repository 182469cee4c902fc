// Package profile holds per-user behavioral baselines.
//
// Profiles are owned by the analyzer: it is the only caller that mutates
// them, always by building a modified copy and storing it whole. A stored
// profile's Model is never mutated in place; refits go into a fresh model.
package profile

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/typeguard/internal/model"
)

var ErrNotFound = errors.New("profile not found")

// Default window sizes.
const (
	DefaultHistorySize   = 200
	DefaultNegativesSize = 50
)

// State is where a profile sits in its lifecycle.
type State string

const (
	StateUnseen       State = "unseen"
	StateWarming      State = "warming"
	StatePersonalized State = "personalized"
)

// UserProfile is one user's learned baseline and the samples it was fitted on.
type UserProfile struct {
	UserID        string
	Model         model.Model
	History       []model.Sample
	Negatives     []model.Sample
	SampleCount   int
	CreatedAt     time.Time
	LastUpdatedAt time.Time
}

// State classifies the profile against the personal-scoring threshold.
func (p *UserProfile) State(minSamples int) State {
	if p == nil {
		return StateUnseen
	}
	if p.SampleCount < minSamples {
		return StateWarming
	}
	return StatePersonalized
}

// Clone returns a copy whose sample slices can be modified without
// affecting p. The model is shared.
func (p *UserProfile) Clone() *UserProfile {
	c := *p
	c.History = append([]model.Sample(nil), p.History...)
	c.Negatives = append([]model.Sample(nil), p.Negatives...)
	return &c
}

// AppendSample adds s to the history, dropping the oldest samples beyond limit.
func (p *UserProfile) AppendSample(s model.Sample, limit int) {
	p.History = appendBounded(p.History, s, limit)
	p.SampleCount++
}

// AppendNegative adds a confirmed impostor sample, dropping the oldest beyond limit.
func (p *UserProfile) AppendNegative(s model.Sample, limit int) {
	s.Negative = true
	p.Negatives = appendBounded(p.Negatives, s, limit)
}

// TrainingSet is the history followed by the negative examples.
func (p *UserProfile) TrainingSet() []model.Sample {
	out := make([]model.Sample, 0, len(p.History)+len(p.Negatives))
	out = append(out, p.History...)
	return append(out, p.Negatives...)
}

func appendBounded(xs []model.Sample, s model.Sample, limit int) []model.Sample {
	xs = append(xs, s)
	if limit > 0 && len(xs) > limit {
		xs = append([]model.Sample(nil), xs[len(xs)-limit:]...)
	}
	return xs
}

// Record is the serializable form of a UserProfile.
type Record struct {
	UserID        string          `json:"userId"`
	Model         *model.Envelope `json:"model,omitempty"`
	History       []model.Sample  `json:"history"`
	Negatives     []model.Sample  `json:"negatives,omitempty"`
	SampleCount   int             `json:"sampleCount"`
	CreatedAt     time.Time       `json:"createdAt"`
	LastUpdatedAt time.Time       `json:"lastUpdatedAt"`
}

// ToRecord encodes p for persistence.
func (p *UserProfile) ToRecord() (Record, error) {
	r := Record{
		UserID:        p.UserID,
		History:       p.History,
		Negatives:     p.Negatives,
		SampleCount:   p.SampleCount,
		CreatedAt:     p.CreatedAt,
		LastUpdatedAt: p.LastUpdatedAt,
	}
	if p.Model != nil {
		env, err := model.Encode(p.Model)
		if err != nil {
			return Record{}, err
		}
		r.Model = &env
	}
	return r, nil
}

// FromRecord rebuilds a profile from its persisted form.
func FromRecord(r Record) (*UserProfile, error) {
	p := &UserProfile{
		UserID:        r.UserID,
		History:       r.History,
		Negatives:     r.Negatives,
		SampleCount:   r.SampleCount,
		CreatedAt:     r.CreatedAt,
		LastUpdatedAt: r.LastUpdatedAt,
	}
	if r.Model != nil {
		m, err := model.Decode(*r.Model)
		if err != nil {
			return nil, err
		}
		p.Model = m
	}
	return p, nil
}

// Store persists user profiles.
type Store interface {
	Get(ctx context.Context, userID string) (*UserProfile, error)
	Put(ctx context.Context, p *UserProfile) error
	List(ctx context.Context) ([]*UserProfile, error)
	Len(ctx context.Context) (int, error)
}
