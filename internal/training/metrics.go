package training

import (
	"time"
)

// EpochMetrics summarizes one training epoch
type EpochMetrics struct {
	Epoch            int           `json:"epoch"`
	LearningRate     float64       `json:"learning_rate"`
	Loss             float64       `json:"loss"`
	Accuracy         float64       `json:"accuracy"`
	PairwiseAccuracy float64       `json:"pairwise_accuracy"`
	Samples          int           `json:"samples"`
	ValLoss          float64       `json:"val_loss"`
	ValAccuracy      float64       `json:"val_accuracy"`
	ValPairwise      float64       `json:"val_pairwise_accuracy"`
	ValSamples       int           `json:"val_samples"`
	Duration         time.Duration `json:"duration"`
	Checkpoint       string        `json:"checkpoint,omitempty"`
}

// HasValidation reports whether a validation pass ran
func (m EpochMetrics) HasValidation() bool {
	return m.ValSamples > 0
}

// ThroughputSPS returns training samples per second
func (m EpochMetrics) ThroughputSPS() float64 {
	if m.Duration <= 0 {
		return 0
	}
	return float64(m.Samples) / m.Duration.Seconds()
}

// accumulator averages loss and counts correct predictions over batches
type accumulator struct {
	lossSum      float64
	batches      int
	samples      int
	correct      int
	pairs        int
	pairsCorrect int
}

func (a *accumulator) add(loss float64, scores []float64, labels []uint8) {
	a.lossSum += loss
	a.batches++
	a.samples += len(labels)
	a.correct += CorrectPredictions(scores, labels)
	p, c := PairwiseCorrect(scores, labels)
	a.pairs += p
	a.pairsCorrect += c
}

func (a *accumulator) loss() float64 {
	if a.batches == 0 {
		return 0
	}
	return a.lossSum / float64(a.batches)
}

func (a *accumulator) accuracy() float64 {
	if a.samples == 0 {
		return 0
	}
	return float64(a.correct) / float64(a.samples)
}

func (a *accumulator) pairwise() float64 {
	if a.pairs == 0 {
		return 0
	}
	return float64(a.pairsCorrect) / float64(a.pairs)
}

// CorrectPredictions counts samples whose score falls on the label's side
// of 0.5
func CorrectPredictions(scores []float64, labels []uint8) int {
	correct := 0
	for i, l := range labels {
		if (scores[i] > 0.5) == (l == 1) {
			correct++
		}
	}
	return correct
}

// PairwiseCorrect walks adjacent (negative, positive) samples starting at an
// even offset and counts the pairs where the positive outscores the
// negative. Positions not holding a 0,1 label pair are not counted.
func PairwiseCorrect(scores []float64, labels []uint8) (pairs, correct int) {
	for i := 0; i+1 < len(labels); i += 2 {
		if labels[i] != 0 || labels[i+1] != 1 {
			continue
		}
		pairs++
		if scores[i+1] > scores[i] {
			correct++
		}
	}
	return pairs, correct
}
