package services

import (
	"math/rand"

	"github.com/tradepilot/engine/internal/models"
)

// HyperParams is one candidate parameter set for a strategy.
type HyperParams struct {
	RSIPeriod     int     `json:"rsi_period"`
	EMAFast       int     `json:"ema_fast"`
	EMASlow       int     `json:"ema_slow"`
	StopLossPct   float64 `json:"stop_loss_pct"`
	TakeProfitPct float64 `json:"take_profit_pct"`
	MinConfidence float64 `json:"min_confidence"`
}

// Search bounds for each gene.
const (
	rsiPeriodMin, rsiPeriodMax         = 7, 28
	emaFastMin, emaFastMax             = 5, 20
	emaSlowMin, emaSlowMax             = 21, 60
	stopLossMin, stopLossMax           = 0.5, 5.0
	takeProfitMin, takeProfitMax       = 1.0, 10.0
	minConfidenceMin, minConfidenceMax = 0.5, 0.9
)

func defaultHyperParams() HyperParams {
	return HyperParams{
		RSIPeriod:     14,
		EMAFast:       9,
		EMASlow:       26,
		StopLossPct:   2.0,
		TakeProfitPct: 4.0,
		MinConfidence: 0.6,
	}
}

func (p HyperParams) toMap() map[string]any {
	return map[string]any{
		"rsi_period":      p.RSIPeriod,
		"ema_fast":        p.EMAFast,
		"ema_slow":        p.EMASlow,
		"stop_loss_pct":   p.StopLossPct,
		"take_profit_pct": p.TakeProfitPct,
		"min_confidence":  p.MinConfidence,
	}
}

// hyperParamsFromMap reads a stored parameter map, falling back to defaults
// for missing keys. JSON round-trips land numbers as float64.
func hyperParamsFromMap(m map[string]any) HyperParams {
	p := defaultHyperParams()
	if m == nil {
		return p
	}
	if v, ok := asFloat(m["rsi_period"]); ok {
		p.RSIPeriod = int(v)
	}
	if v, ok := asFloat(m["ema_fast"]); ok {
		p.EMAFast = int(v)
	}
	if v, ok := asFloat(m["ema_slow"]); ok {
		p.EMASlow = int(v)
	}
	if v, ok := asFloat(m["stop_loss_pct"]); ok {
		p.StopLossPct = v
	}
	if v, ok := asFloat(m["take_profit_pct"]); ok {
		p.TakeProfitPct = v
	}
	if v, ok := asFloat(m["min_confidence"]); ok {
		p.MinConfidence = v
	}
	return p.repair()
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// repair enforces gene bounds and the fast-below-slow EMA ordering, so every
// candidate entering the population is valid.
func (p HyperParams) repair() HyperParams {
	p.RSIPeriod = clampInt(p.RSIPeriod, rsiPeriodMin, rsiPeriodMax)
	p.EMAFast = clampInt(p.EMAFast, emaFastMin, emaFastMax)
	p.EMASlow = clampInt(p.EMASlow, emaSlowMin, emaSlowMax)
	if p.EMAFast >= p.EMASlow {
		p.EMASlow = clampInt(p.EMAFast+1, emaSlowMin, emaSlowMax)
		if p.EMAFast >= p.EMASlow {
			p.EMAFast = p.EMASlow - 1
		}
	}
	p.StopLossPct = clamp(p.StopLossPct, stopLossMin, stopLossMax)
	p.TakeProfitPct = clamp(p.TakeProfitPct, takeProfitMin, takeProfitMax)
	p.MinConfidence = clamp(p.MinConfidence, minConfidenceMin, minConfidenceMax)
	return p
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func randomCandidate(rng *rand.Rand) HyperParams {
	p := HyperParams{
		RSIPeriod:     rsiPeriodMin + rng.Intn(rsiPeriodMax-rsiPeriodMin+1),
		EMAFast:       emaFastMin + rng.Intn(emaFastMax-emaFastMin+1),
		EMASlow:       emaSlowMin + rng.Intn(emaSlowMax-emaSlowMin+1),
		StopLossPct:   stopLossMin + rng.Float64()*(stopLossMax-stopLossMin),
		TakeProfitPct: takeProfitMin + rng.Float64()*(takeProfitMax-takeProfitMin),
		MinConfidence: minConfidenceMin + rng.Float64()*(minConfidenceMax-minConfidenceMin),
	}
	return p.repair()
}

// crossover picks each gene from either parent with equal probability.
func crossover(rng *rand.Rand, a, b HyperParams) HyperParams {
	pick := func(x, y float64) float64 {
		if rng.Intn(2) == 0 {
			return x
		}
		return y
	}
	child := HyperParams{
		RSIPeriod:     int(pick(float64(a.RSIPeriod), float64(b.RSIPeriod))),
		EMAFast:       int(pick(float64(a.EMAFast), float64(b.EMAFast))),
		EMASlow:       int(pick(float64(a.EMASlow), float64(b.EMASlow))),
		StopLossPct:   pick(a.StopLossPct, b.StopLossPct),
		TakeProfitPct: pick(a.TakeProfitPct, b.TakeProfitPct),
		MinConfidence: pick(a.MinConfidence, b.MinConfidence),
	}
	return child.repair()
}

// mutate perturbs each gene with probability rate by up to ±scale of its
// range.
func mutate(rng *rand.Rand, p HyperParams, rate, scale float64) HyperParams {
	jitter := func(v, lo, hi float64) float64 {
		if rng.Float64() >= rate {
			return v
		}
		return v + (rng.Float64()*2-1)*scale*(hi-lo)
	}
	p.RSIPeriod = int(jitter(float64(p.RSIPeriod), rsiPeriodMin, rsiPeriodMax) + 0.5)
	p.EMAFast = int(jitter(float64(p.EMAFast), emaFastMin, emaFastMax) + 0.5)
	p.EMASlow = int(jitter(float64(p.EMASlow), emaSlowMin, emaSlowMax) + 0.5)
	p.StopLossPct = jitter(p.StopLossPct, stopLossMin, stopLossMax)
	p.TakeProfitPct = jitter(p.TakeProfitPct, takeProfitMin, takeProfitMax)
	p.MinConfidence = jitter(p.MinConfidence, minConfidenceMin, minConfidenceMax)
	return p.repair()
}

// FitnessFunc scores a candidate against historical trades. Higher is better.
type FitnessFunc func(p HyperParams, trades []models.TradeOutcome) float64

// replayFitness replays closed trades under the candidate's confidence filter
// and exit rules. Score is win rate times the magnitude of total P&L, with
// losing parameter sets penalized so they rank below modest winners.
func replayFitness(p HyperParams, trades []models.TradeOutcome) float64 {
	var admitted, wins int
	var total float64

	for i := range trades {
		t := &trades[i]
		if entryQuality(t) < p.MinConfidence {
			continue
		}
		admitted++

		pnl := replayExit(p, t)
		if pnl > 0 {
			wins++
		}
		total += pnl
	}

	if admitted == 0 {
		return 0
	}

	fitness := float64(wins) / float64(admitted) * absFloat(total)
	if total < 0 {
		fitness *= 0.25
	}
	return fitness
}

// entryQuality scores how clean a trade's entry was: favorable excursion
// against total excursion. Trades with no excursion data score neutral.
func entryQuality(t *models.TradeOutcome) float64 {
	mfe := t.MaxFavorable.InexactFloat64()
	mae := t.MaxAdverse.InexactFloat64()
	if mfe+mae <= 0 {
		return 0.5
	}
	return mfe / (mfe + mae)
}

// replayExit applies the candidate's stop-loss and take-profit to a trade,
// using its excursion extremes to decide which level was hit first by
// magnitude.
func replayExit(p HyperParams, t *models.TradeOutcome) float64 {
	notional := t.EntryPrice.Mul(t.Quantity).InexactFloat64()
	if notional <= 0 {
		return t.NetPnL.InexactFloat64()
	}

	stop := notional * p.StopLossPct / 100
	take := notional * p.TakeProfitPct / 100
	mfe := t.MaxFavorable.InexactFloat64()
	mae := t.MaxAdverse.InexactFloat64()

	switch {
	case mae >= stop:
		return -stop
	case mfe >= take:
		return take
	default:
		return t.NetPnL.InexactFloat64()
	}
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// runGA evolves hyperparameters against the trade history. Elitist: the top
// half survives each generation and breeds the other half. Deterministic for
// a fixed rng.
func runGA(rng *rand.Rand, fitness FitnessFunc, trades []models.TradeOutcome, popSize, generations int, mutationRate, mutationScale float64, seedCandidate HyperParams) (HyperParams, float64) {
	if popSize < 4 {
		popSize = 4
	}

	population := make([]HyperParams, popSize)
	population[0] = seedCandidate.repair()
	for i := 1; i < popSize; i++ {
		population[i] = randomCandidate(rng)
	}

	scores := make([]float64, popSize)
	for gen := 0; gen < generations; gen++ {
		for i, c := range population {
			scores[i] = fitness(c, trades)
		}
		sortByScore(population, scores)

		// Breed the bottom half from the surviving top half.
		survivors := popSize / 2
		for i := survivors; i < popSize; i++ {
			a := population[rng.Intn(survivors)]
			b := population[rng.Intn(survivors)]
			population[i] = mutate(rng, crossover(rng, a, b), mutationRate, mutationScale)
		}
	}

	best, bestScore := population[0], fitness(population[0], trades)
	for _, c := range population[1:] {
		if s := fitness(c, trades); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best, bestScore
}

// sortByScore orders population descending by score, insertion sort since
// populations are small. Stable so equal scores keep their order and the run
// stays deterministic.
func sortByScore(population []HyperParams, scores []float64) {
	for i := 1; i < len(population); i++ {
		c, s := population[i], scores[i]
		j := i - 1
		for j >= 0 && scores[j] < s {
			population[j+1], scores[j+1] = population[j], scores[j]
			j--
		}
		population[j+1], scores[j+1] = c, s
	}
}
