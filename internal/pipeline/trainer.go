package pipeline

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/seantiz/crucible/internal/artifact"
	"github.com/seantiz/crucible/internal/device"
	"github.com/seantiz/crucible/internal/model"
)

// SGDTrainer fits a logistic-regression classifier with mini-batch gradient
// descent. It is the only pipeline collaborator with fine-grained progress
// and cancellation hooks; the cancel check runs at every batch boundary so a
// fired token aborts within one batch.
type SGDTrainer struct {
	LearningRate float64
	MinBatch     int
}

// NewSGDTrainer returns a trainer with default hyperparameters.
func NewSGDTrainer() *SGDTrainer {
	return &SGDTrainer{
		LearningRate: 0.05,
		MinBatch:     16,
	}
}

// Train fits on the training split of fs. The batch size is bounded by the
// device's recommended ceiling. Returns ErrCancelled if the cancel check
// fires mid-loop.
func (t *SGDTrainer) Train(fs *FeatureSet, dev device.Capability, epochs int, report TrainProgressFunc, cancelled func() bool) (*artifact.Model, model.TrainingMetrics, error) {
	start := time.Now()

	split := fs.SplitIndex()
	if split < t.MinBatch {
		return nil, model.TrainingMetrics{}, &ComputeError{Stage: StageTrain, Err: fmt.Errorf("training split has %d rows, need at least %d", split, t.MinBatch)}
	}
	rows := fs.Rows[:split]
	labels := fs.Labels[:split]
	nFeatures := len(fs.Names)

	mean, std := columnStats(rows, nFeatures)

	batchSize := t.MinBatch
	if dev.RecommendedBatchCeiling > batchSize {
		batchSize = dev.RecommendedBatchCeiling
	}
	if batchSize > len(rows) {
		batchSize = len(rows)
	}
	batches := (len(rows) + batchSize - 1) / batchSize

	weights := make([]float64, nFeatures)
	bias := 0.0
	grad := make([]float64, nFeatures)

	// Fixed seed keeps shuffling, and therefore the fitted weights,
	// reproducible for identical inputs.
	rng := rand.New(rand.NewPCG(42, uint64(nFeatures)))
	order := make([]int, len(rows))
	for i := range order {
		order[i] = i
	}

	finalLoss := 0.0
	epochsRun := 0
	for epoch := 0; epoch < epochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		epochLoss := 0.0
		for b := 0; b < batches; b++ {
			if cancelled() {
				return nil, model.TrainingMetrics{}, ErrCancelled
			}

			lo := b * batchSize
			hi := min(lo+batchSize, len(rows))
			epochLoss += t.step(rows, labels, order[lo:hi], mean, std, weights, &bias, grad)

			report(epoch+1, epochs, b+1, batches, epochLoss/float64(b+1))
		}

		finalLoss = epochLoss / float64(batches)
		epochsRun = epoch + 1
	}

	m := &artifact.Model{
		Version:      artifact.CurrentVersion,
		CreatedAt:    time.Now().UTC(),
		FeatureNames: append([]string(nil), fs.Names...),
		Weights:      weights,
		Bias:         bias,
		FeatureMean:  mean,
		FeatureStd:   std,
	}
	if err := m.Validate(); err != nil {
		return nil, model.TrainingMetrics{}, &ComputeError{Stage: StageTrain, Err: err}
	}

	metrics := model.TrainingMetrics{
		EpochsRun:  epochsRun,
		Samples:    len(rows),
		FinalLoss:  finalLoss,
		DurationMS: int(time.Since(start).Milliseconds()),
	}
	return m, metrics, nil
}

// step performs one mini-batch gradient update and returns the batch's mean
// log loss.
func (t *SGDTrainer) step(rows [][]float64, labels []float64, batch []int, mean, std, weights []float64, bias *float64, grad []float64) float64 {
	for i := range grad {
		grad[i] = 0
	}
	biasGrad := 0.0
	loss := 0.0

	for _, idx := range batch {
		row := rows[idx]
		z := *bias
		for i, w := range weights {
			z += w * scale(row[i], mean[i], std[i])
		}
		p := 1.0 / (1.0 + math.Exp(-z))
		y := labels[idx]

		loss += logLoss(p, y)
		err := p - y
		for i := range grad {
			grad[i] += err * scale(row[i], mean[i], std[i])
		}
		biasGrad += err
	}

	n := float64(len(batch))
	for i := range weights {
		weights[i] -= t.LearningRate * grad[i] / n
	}
	*bias -= t.LearningRate * biasGrad / n

	return loss / n
}

func scale(x, mean, std float64) float64 {
	if std > 0 {
		return (x - mean) / std
	}
	return x - mean
}

func logLoss(p, y float64) float64 {
	const eps = 1e-12
	p = math.Min(math.Max(p, eps), 1-eps)
	return -(y*math.Log(p) + (1-y)*math.Log(1-p))
}

func columnStats(rows [][]float64, nFeatures int) (mean, std []float64) {
	mean = make([]float64, nFeatures)
	std = make([]float64, nFeatures)
	n := float64(len(rows))

	for _, row := range rows {
		for i := 0; i < nFeatures; i++ {
			mean[i] += row[i]
		}
	}
	for i := range mean {
		mean[i] /= n
	}

	for _, row := range rows {
		for i := 0; i < nFeatures; i++ {
			d := row[i] - mean[i]
			std[i] += d * d
		}
	}
	for i := range std {
		std[i] = math.Sqrt(std[i] / n)
	}
	return mean, std
}
