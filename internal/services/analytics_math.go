package services

import "math"

// tradingDaysPerYear annualizes daily series. Crypto markets trade every day.
const tradingDaysPerYear = 365

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sum float64
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)-1))
}

// sharpeRatio annualizes the mean/stddev ratio of a daily P&L series. Returns
// zero when the series is too short or flat to say anything.
func sharpeRatio(dailyPnL []float64) float64 {
	if len(dailyPnL) < 2 {
		return 0
	}
	sd := stdDev(dailyPnL)
	if sd == 0 {
		return 0
	}
	return mean(dailyPnL) / sd * math.Sqrt(tradingDaysPerYear)
}

// maxDrawdown returns the largest peak-to-trough decline of the cumulative
// P&L series, as a positive number.
func maxDrawdown(dailyPnL []float64) float64 {
	var cum, peak, maxDD float64
	for _, v := range dailyPnL {
		cum += v
		if cum > peak {
			peak = cum
		}
		if dd := peak - cum; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// correlation returns the Pearson correlation of two equal-length series,
// zero when either side is degenerate.
func correlation(xs, ys []float64) float64 {
	n := len(xs)
	if n != len(ys) || n < 2 {
		return 0
	}
	mx, my := mean(xs), mean(ys)
	var cov, vx, vy float64
	for i := 0; i < n; i++ {
		dx := xs[i] - mx
		dy := ys[i] - my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx == 0 || vy == 0 {
		return 0
	}
	return cov / math.Sqrt(vx*vy)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
