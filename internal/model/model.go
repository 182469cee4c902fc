// Package model defines the anomaly-scoring capability used by the analyzer
// and ships a diagonal-Gaussian implementation of it.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/mbd888/typeguard/internal/features"
)

var (
	ErrNoSamples   = errors.New("model: no genuine samples to fit")
	ErrUnknownKind = errors.New("model: unknown model kind")
	ErrNonFinite   = errors.New("model: fitted parameters are not finite")
)

// Sample is one feature vector offered to Fit. Negative samples are
// confirmed impostor activity; Weight scales a sample's influence and
// defaults to 1 when not positive.
type Sample struct {
	Vector   features.Vector `json:"vector"`
	Weight   float64         `json:"weight,omitempty"`
	Negative bool            `json:"negative,omitempty"`
}

func (s Sample) weight() float64 {
	if s.Weight <= 0 {
		return 1
	}
	return s.Weight
}

// Model scores feature vectors against a learned baseline.
//
// Fit replaces all learned state with what the given samples describe.
// Score returns a risk in [0,1]; higher is farther from the baseline.
// Implementations that do not support negative examples ignore samples
// with Negative set.
type Model interface {
	Kind() string
	Fit(samples []Sample) error
	Score(v features.Vector) float64
	SupportsNegativeExamples() bool
}

// Factory builds an empty model of a registered kind.
type Factory func() Model

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a model kind decodable by Decode.
func Register(kind string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = f
}

// New returns an empty model of the given kind.
func New(kind string) (Model, error) {
	registryMu.RLock()
	f, ok := registry[kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return f(), nil
}

// Envelope is the persisted form of a model: its kind plus its
// JSON-encoded parameters.
type Envelope struct {
	Kind   string          `json:"kind"`
	Params json.RawMessage `json:"params"`
}

// Encode serializes a model into an Envelope.
func Encode(m Model) (Envelope, error) {
	params, err := json.Marshal(m)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s model: %w", m.Kind(), err)
	}
	return Envelope{Kind: m.Kind(), Params: params}, nil
}

// Decode rebuilds a model from an Envelope.
func Decode(env Envelope) (Model, error) {
	m, err := New(env.Kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(env.Params, m); err != nil {
		return nil, fmt.Errorf("decode %s model: %w", env.Kind, err)
	}
	return m, nil
}
