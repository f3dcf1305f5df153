package sizing

import (
	"math"
	"sort"
	"sync"
)

// maxSamples bounds the retained portfolio history.
const maxSamples = 500

// annualization converts per-cycle statistics to annualized figures
// assuming one observation per trading day.
var annualization = math.Sqrt(252)

// Metrics is a point-in-time view of realized portfolio performance.
type Metrics struct {
	Sharpe      float64 `json:"sharpe"`
	Sortino     float64 `json:"sortino"`
	VaR95       float64 `json:"var_95"`       // 5th percentile return, in percent
	MaxDrawdown float64 `json:"max_drawdown"` // in percent
	Samples     int     `json:"samples"`
}

// Performance accumulates portfolio values and derives the statistics
// feeding the sizer's risk adjustment.
type Performance struct {
	mu      sync.Mutex
	values  []float64
	returns []float64
}

// NewPerformance creates an empty tracker.
func NewPerformance() *Performance {
	return &Performance{}
}

// AddPortfolioValue records one observation of total fleet equity and
// returns the updated metrics.
func (p *Performance) AddPortfolioValue(value float64) Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.values); n > 0 && p.values[n-1] > 0 {
		p.returns = append(p.returns, value/p.values[n-1]-1)
	}
	p.values = append(p.values, value)

	if len(p.values) > maxSamples {
		p.values = p.values[len(p.values)-maxSamples:]
	}
	if len(p.returns) > maxSamples {
		p.returns = p.returns[len(p.returns)-maxSamples:]
	}

	return p.metricsLocked()
}

// Metrics returns the current statistics.
func (p *Performance) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metricsLocked()
}

func (p *Performance) metricsLocked() Metrics {
	m := Metrics{Samples: len(p.returns)}
	if len(p.returns) < 2 {
		return m
	}

	mean := meanOf(p.returns)
	std := stddevOf(p.returns, mean)
	if std > 0 {
		m.Sharpe = mean / std * annualization
	}

	var downside []float64
	for _, r := range p.returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	downsideStd := std
	if len(downside) > 0 {
		downsideStd = stddevOf(downside, meanOf(downside))
	}
	if downsideStd > 0 {
		m.Sortino = mean / downsideStd * annualization
	}

	m.VaR95 = percentile(p.returns, 5) * 100
	m.MaxDrawdown = maxDrawdown(p.values) * 100
	return m
}

func meanOf(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddevOf(xs []float64, mean float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		d := x - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}

// percentile returns the nearest-rank q-th percentile.
func percentile(xs []float64, q float64) float64 {
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)

	idx := int(math.Ceil(q/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func maxDrawdown(values []float64) float64 {
	var peak, worst float64
	for _, v := range values {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			dd := (peak - v) / peak
			if dd > worst {
				worst = dd
			}
		}
	}
	return worst
}
