// Package metrics exposes the Prometheus instrumentation shared by the
// execution and risk components. Metrics are registered on the default
// registry and served by the control API on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	BatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_batches_total",
		Help: "Batch executions by outcome",
	}, []string{"result"})

	BatchLegsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_batch_legs_total",
		Help: "Per-account batch legs by outcome",
	}, []string{"account", "result"})

	BatchTimingSpread = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_batch_timing_spread_seconds",
		Help:    "Spread between fastest and slowest completed leg in a batch",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	BatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_batch_duration_seconds",
		Help:    "Wall time of a full batch execution",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	OrdersSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_orders_submitted_total",
		Help: "Orders submitted to the broker",
	}, []string{"account", "side"})

	OrderFills = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_order_fills_total",
		Help: "Fill confirmations received on the trade stream",
	}, []string{"account"})

	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_breaker_state",
		Help: "Circuit breaker state per call domain. 0=closed, 1=half_open, 2=open",
	}, []string{"domain"})

	BreakerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_breaker_failures_total",
		Help: "Failures counted by the circuit breaker per call domain",
	}, []string{"domain"})

	RiskState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_risk_state",
		Help: "Risk governor state. 0=normal, 1=degraded, 2=emergency_stopped",
	})

	DailyPnL = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_daily_pnl_dollars",
		Help: "Aggregate realized plus unrealized P&L for the current session",
	})

	AccountEquity = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_account_equity_dollars",
		Help: "Last refreshed equity per account",
	}, []string{"account"})

	AccountRefreshErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_account_refresh_errors_total",
		Help: "Failed account snapshot refreshes",
	}, []string{"account"})

	DayTradesUsed = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_day_trades_used",
		Help: "Round trips counted against the five day window per account",
	}, []string{"account"})

	RebalanceTrades = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleet_rebalance_trades_total",
		Help: "Trades generated by the rebalance engine",
	})

	PositionExits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_position_exits_total",
		Help: "Exit batches queued by the stop loss, take profit and trailing stop sweep",
	}, []string{"rule"})

	NotificationsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_notifications_sent_total",
		Help: "Notifications delivered to the webhook by level",
	}, []string{"level"})

	NotificationsSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleet_notifications_suppressed_total",
		Help: "Notifications dropped by the cooldown window",
	})

	HealthStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_health_status",
		Help: "Overall health (0 operational, 1 degraded, 2 critical)",
	})

	CyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_engine_cycles_total",
		Help: "Trading cycles by outcome",
	}, []string{"result"})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_batch_queue_depth",
		Help: "Batches waiting for execution",
	})
)

func init() {
	prometheus.MustRegister(
		BatchesTotal, BatchLegsTotal, BatchTimingSpread, BatchDuration,
		OrdersSubmitted, OrderFills,
		BreakerState, BreakerFailures,
		RiskState, DailyPnL,
		AccountEquity, AccountRefreshErrors, DayTradesUsed,
		RebalanceTrades, PositionExits,
		NotificationsSent, NotificationsSuppressed,
		HealthStatus,
		CyclesTotal, QueueDepth,
	)
	RiskState.Set(0)
}

// SetBreakerState maps a breaker state name onto the numeric gauge.
func SetBreakerState(domain, state string) {
	var v float64
	switch state {
	case "HALF_OPEN":
		v = 1
	case "OPEN":
		v = 2
	}
	BreakerState.WithLabelValues(domain).Set(v)
}

// SetRiskState maps a risk governor state name onto the numeric gauge.
func SetRiskState(state string) {
	var v float64
	switch state {
	case "DEGRADED":
		v = 1
	case "EMERGENCY_STOPPED":
		v = 2
	}
	RiskState.Set(v)
}

// SetHealthStatus maps a health status name onto the numeric gauge.
func SetHealthStatus(status string) {
	var v float64
	switch status {
	case "DEGRADED":
		v = 1
	case "CRITICAL_ERROR":
		v = 2
	}
	HealthStatus.Set(v)
}
