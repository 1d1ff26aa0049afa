package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradeGuard/internal/domain"
)

// Recorder implements ports.Metrics with Prometheus collectors on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	equity          prometheus.Gauge
	drawdown        prometheus.Gauge
	tradingAllowed  prometheus.Gauge
	breaches        prometheus.Counter
	entries         *prometheus.CounterVec
	exits           *prometheus.CounterVec
	sizingRejected  *prometheus.CounterVec
	executionFailed *prometheus.CounterVec
}

// NewRecorder creates and registers the engine collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry:        prometheus.NewRegistry(),
		equity:          prometheus.NewGauge(prometheus.GaugeOpts{Name: "tradeguard_equity", Help: "Latest account equity"}),
		drawdown:        prometheus.NewGauge(prometheus.GaugeOpts{Name: "tradeguard_drawdown_ratio", Help: "Drawdown from the session equity peak (negative)"}),
		tradingAllowed:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "tradeguard_trading_allowed", Help: "1 while the risk gate allows new entries"}),
		breaches:        prometheus.NewCounter(prometheus.CounterOpts{Name: "tradeguard_risk_breaches_total", Help: "Risk limit breaches that halted trading"}),
		entries:         prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tradeguard_positions_opened_total", Help: "Positions opened"}, []string{"instrument", "direction"}),
		exits:           prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tradeguard_position_exits_total", Help: "Position closes by reason"}, []string{"instrument", "reason"}),
		sizingRejected:  prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tradeguard_sizing_rejections_total", Help: "Entries aborted by the position sizer"}, []string{"reason"}),
		executionFailed: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tradeguard_execution_failures_total", Help: "Execution port calls that failed"}, []string{"operation"}),
	}
	r.registry.MustRegister(
		r.equity, r.drawdown, r.tradingAllowed, r.breaches,
		r.entries, r.exits, r.sizingRejected, r.executionFailed,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func (r *Recorder) ObserveAccount(equity, drawdown float64, tradingAllowed bool) {
	r.equity.Set(equity)
	r.drawdown.Set(drawdown)
	if tradingAllowed {
		r.tradingAllowed.Set(1)
	} else {
		r.tradingAllowed.Set(0)
	}
}

func (r *Recorder) RiskBreach() { r.breaches.Inc() }

func (r *Recorder) PositionOpened(instrument string, direction domain.Direction) {
	r.entries.WithLabelValues(instrument, string(direction)).Inc()
}

func (r *Recorder) PositionExit(instrument string, reason domain.CloseReason) {
	r.exits.WithLabelValues(instrument, string(reason)).Inc()
}

func (r *Recorder) SizingRejected(reason string) {
	r.sizingRejected.WithLabelValues(reason).Inc()
}

func (r *Recorder) ExecutionFailed(operation string) {
	r.executionFailed.WithLabelValues(operation).Inc()
}
