// Package metrics exposes Prometheus instrumentation for the trading core.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics bundles all registered collectors. One instance is shared by
// every instrument cycle.
type Metrics struct {
	CyclesTotal     *prometheus.CounterVec
	TradesTotal     *prometheus.CounterVec
	RejectionsTotal *prometheus.CounterVec
	GatewayErrors   *prometheus.CounterVec
	TriggersActive  *prometheus.GaugeVec
	RealizedPnL     *prometheus.GaugeVec
	QuoteBalance    *prometheus.GaugeVec
	LastPrice       *prometheus.GaugeVec
	CycleDuration   *prometheus.HistogramVec
	FeesPaid        *prometheus.CounterVec
}

// New registers all collectors on a fresh registry and returns both.
func New() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aggro_cycles_total",
			Help: "Scheduler cycles executed per instrument and outcome.",
		}, []string{"symbol", "outcome"}),
		TradesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aggro_trades_total",
			Help: "Settled trades per instrument and side.",
		}, []string{"symbol", "side"}),
		RejectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aggro_rejections_total",
			Help: "Orders rejected by admission or the venue.",
		}, []string{"symbol"}),
		GatewayErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aggro_gateway_errors_total",
			Help: "Gateway call failures per instrument.",
		}, []string{"symbol"}),
		TriggersActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aggro_emergency_triggers_active",
			Help: "Active emergency triggers per instrument.",
		}, []string{"symbol"}),
		RealizedPnL: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aggro_realized_pnl_today",
			Help: "Realized PnL since the daily reset.",
		}, []string{"symbol"}),
		QuoteBalance: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aggro_quote_balance",
			Help: "Free quote-asset balance per instrument.",
		}, []string{"symbol"}),
		LastPrice: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aggro_last_price",
			Help: "Last observed price per instrument.",
		}, []string{"symbol"}),
		CycleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aggro_cycle_duration_seconds",
			Help:    "Wall time of one scheduler cycle.",
			Buckets: prometheus.DefBuckets,
		}, []string{"symbol"}),
		FeesPaid: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aggro_fees_paid_total",
			Help: "Cumulative trading fees in quote currency.",
		}, []string{"symbol"}),
	}
	return m, reg
}

// Serve exposes /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics listener started")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics listener failed")
	}
}
