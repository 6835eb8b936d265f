// Package artifact implements the persistence collaborator for trained
// models: a file-backed store with save/load, plus the wire encoding used
// when shipping artifacts between processes.
package artifact

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Model is a trained classifier artifact. Weights are laid out one per
// feature, with a single bias term.
type Model struct {
	Version      int       `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	Symbols      []string  `json:"symbols"`
	Timeframe    string    `json:"timeframe"`
	FeatureNames []string  `json:"feature_names"`
	Weights      []float64 `json:"weights"`
	Bias         float64   `json:"bias"`
	FeatureMean  []float64 `json:"feature_mean"`
	FeatureStd   []float64 `json:"feature_std"`
}

// CurrentVersion is written into newly trained models.
const CurrentVersion = 1

// Validate checks the model for structural consistency. A model that fails
// validation must never be reported as persisted.
func (m *Model) Validate() error {
	if m == nil {
		return fmt.Errorf("model is nil")
	}
	if m.Version <= 0 {
		return fmt.Errorf("invalid model version %d", m.Version)
	}
	n := len(m.FeatureNames)
	if n == 0 {
		return fmt.Errorf("model has no features")
	}
	if len(m.Weights) != n {
		return fmt.Errorf("weights length %d does not match %d features", len(m.Weights), n)
	}
	if len(m.FeatureMean) != n || len(m.FeatureStd) != n {
		return fmt.Errorf("feature scaling vectors do not match %d features", n)
	}
	for i, w := range m.Weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("weight %d is not finite", i)
		}
	}
	if math.IsNaN(m.Bias) || math.IsInf(m.Bias, 0) {
		return fmt.Errorf("bias is not finite")
	}
	return nil
}

// Predict returns the positive-class probability for one scaled feature row.
func (m *Model) Predict(features []float64) float64 {
	z := m.Bias
	for i, w := range m.Weights {
		x := features[i]
		if m.FeatureStd[i] > 0 {
			x = (x - m.FeatureMean[i]) / m.FeatureStd[i]
		}
		z += w * x
	}
	return 1.0 / (1.0 + math.Exp(-z))
}

// Encode serializes the model to its wire form (plain JSON; compression is
// applied by the transport or the on-disk store, not here).
func Encode(m *Model) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal model: %w", err)
	}
	return data, nil
}

// Decode parses a model from its wire form and validates it.
func Decode(data []byte) (*Model, error) {
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal model: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("validate model: %w", err)
	}
	return &m, nil
}
