package pipeline

import (
	"fmt"

	"github.com/seantiz/crucible/internal/artifact"
	"github.com/seantiz/crucible/internal/model"
)

// HoldoutEvaluator scores a trained model on the holdout split of a feature
// set at a 0.5 decision threshold.
type HoldoutEvaluator struct{}

// NewHoldoutEvaluator returns the default evaluator.
func NewHoldoutEvaluator() *HoldoutEvaluator {
	return &HoldoutEvaluator{}
}

// Evaluate computes accuracy, precision, recall, and F1 on the holdout rows.
func (e *HoldoutEvaluator) Evaluate(m *artifact.Model, fs *FeatureSet) (model.EvaluationMetrics, error) {
	split := fs.SplitIndex()
	rows := fs.Rows[split:]
	labels := fs.Labels[split:]
	if len(rows) == 0 {
		return model.EvaluationMetrics{}, fmt.Errorf("holdout split is empty")
	}

	var tp, tn, fp, fn int
	for i, row := range rows {
		predicted := m.Predict(row) >= 0.5
		actual := labels[i] >= 0.5
		switch {
		case predicted && actual:
			tp++
		case predicted && !actual:
			fp++
		case !predicted && actual:
			fn++
		default:
			tn++
		}
	}

	metrics := model.EvaluationMetrics{
		Samples:  len(rows),
		Accuracy: float64(tp+tn) / float64(len(rows)),
	}
	if tp+fp > 0 {
		metrics.Precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		metrics.Recall = float64(tp) / float64(tp+fn)
	}
	if metrics.Precision+metrics.Recall > 0 {
		metrics.F1 = 2 * metrics.Precision * metrics.Recall / (metrics.Precision + metrics.Recall)
	}
	return metrics, nil
}
