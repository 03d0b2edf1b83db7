package services

import (
	"math"
	"sort"
)

// TrainingSample is one labeled observation: a feature vector, the realized
// direction (1 = up) and the realized return over the horizon.
type TrainingSample struct {
	Features []float64
	Label    int
	Return   float64
}

// ModelMetrics is the held-out evaluation of a fitted model.
type ModelMetrics struct {
	Accuracy  float64
	Precision float64
	Recall    float64
	F1        float64
	AUC       float64
	Sharpe    float64
	WinRate   float64
}

// ModelFitter fits a direction model on train and evaluates it on test. The
// production deployment swaps in heavier fitters; the engine only depends on
// this signature.
type ModelFitter func(train, test []TrainingSample) (ModelMetrics, error)

// logisticFitter trains a logistic regression with plain gradient descent.
// Deterministic: no random initialization, fixed epoch count.
func logisticFitter(train, test []TrainingSample) (ModelMetrics, error) {
	if len(train) == 0 || len(test) == 0 || len(train[0].Features) == 0 {
		return ModelMetrics{}, nil
	}

	dim := len(train[0].Features)
	weights := make([]float64, dim)
	var bias float64

	const (
		epochs       = 200
		learningRate = 0.05
	)

	n := float64(len(train))
	for epoch := 0; epoch < epochs; epoch++ {
		grad := make([]float64, dim)
		var gradBias float64
		for i := range train {
			s := &train[i]
			err := sigmoid(dot(weights, s.Features)+bias) - float64(s.Label)
			for j, x := range s.Features {
				grad[j] += err * x
			}
			gradBias += err
		}
		for j := range weights {
			weights[j] -= learningRate * grad[j] / n
		}
		bias -= learningRate * gradBias / n
	}

	return evaluate(weights, bias, test), nil
}

func evaluate(weights []float64, bias float64, test []TrainingSample) ModelMetrics {
	var tp, fp, tn, fn int
	probs := make([]float64, len(test))
	pnl := make([]float64, 0, len(test))
	wins := 0

	for i := range test {
		s := &test[i]
		p := sigmoid(dot(weights, s.Features) + bias)
		probs[i] = p
		predictedUp := p >= 0.5

		switch {
		case predictedUp && s.Label == 1:
			tp++
		case predictedUp && s.Label == 0:
			fp++
		case !predictedUp && s.Label == 1:
			fn++
		default:
			tn++
		}

		// Trade the prediction: long on up, short on down.
		ret := s.Return
		if !predictedUp {
			ret = -ret
		}
		pnl = append(pnl, ret)
		if ret > 0 {
			wins++
		}
	}

	total := float64(len(test))
	m := ModelMetrics{
		Accuracy: float64(tp+tn) / total,
		AUC:      rankAUC(probs, test),
		Sharpe:   sharpeRatio(pnl),
		WinRate:  float64(wins) / total,
	}
	if tp+fp > 0 {
		m.Precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		m.Recall = float64(tp) / float64(tp+fn)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	return m
}

// rankAUC computes the area under the ROC curve via the rank-sum identity.
func rankAUC(probs []float64, test []TrainingSample) float64 {
	type scored struct {
		p     float64
		label int
	}
	items := make([]scored, len(test))
	for i := range test {
		items[i] = scored{probs[i], test[i].Label}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].p < items[j].p })

	var positives, negatives, rankSum float64
	for rank, it := range items {
		if it.label == 1 {
			positives++
			rankSum += float64(rank + 1)
		} else {
			negatives++
		}
	}
	if positives == 0 || negatives == 0 {
		return 0.5
	}
	return (rankSum - positives*(positives+1)/2) / (positives * negatives)
}

// normalizeSamples z-scores both splits using statistics from the training
// split only, so the held-out evaluation stays honest.
func normalizeSamples(train, test []TrainingSample) {
	if len(train) == 0 {
		return
	}
	dim := len(train[0].Features)
	means := make([]float64, dim)
	stds := make([]float64, dim)

	for j := 0; j < dim; j++ {
		col := make([]float64, len(train))
		for i := range train {
			col[i] = train[i].Features[j]
		}
		means[j] = mean(col)
		stds[j] = stdDev(col)
		if stds[j] == 0 {
			stds[j] = 1
		}
	}

	apply := func(samples []TrainingSample) {
		for i := range samples {
			for j := range samples[i].Features {
				if j < dim {
					samples[i].Features[j] = (samples[i].Features[j] - means[j]) / stds[j]
				}
			}
		}
	}
	apply(train)
	apply(test)
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		if i < len(b) {
			sum += a[i] * b[i]
		}
	}
	return sum
}
