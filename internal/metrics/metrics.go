// Package metrics holds the process-wide Prometheus instruments. Every
// helper is a no-op until Setup has run, so packages can record metrics
// unconditionally and tests need no registry.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "fixmatch"

var (
	orderCounter       *prometheus.CounterVec
	rejectCounter      *prometheus.CounterVec
	tradeCounter       *prometheus.CounterVec
	matchSeconds       *prometheus.HistogramVec
	ringBackpressure   *prometheus.CounterVec
	persistBatches     *prometheus.CounterVec
	unpersistedCounter prometheus.Counter
	publishErrors      *prometheus.CounterVec
	sessionGauge       prometheus.Gauge
)

type Config struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

func NewDefaultConfig() Config {
	return Config{
		Enabled: true,
		Address: "0.0.0.0:2112",
		Path:    "/metrics",
	}
}

// Setup creates the instruments and registers them with reg.
func Setup(reg prometheus.Registerer) error {
	oc := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_total",
		Help:      "Number of order messages processed by the matching engines",
	}, []string{"engine", "msg_type", "valid"})
	rc := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rejects_total",
		Help:      "Number of rejected order messages",
	}, []string{"stage", "reason"})
	tc := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trades_total",
		Help:      "Number of trades matched",
	}, []string{"symbol"})
	ms := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "match_seconds",
		Help:      "Time spent in the order book per order message",
		Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
	}, []string{"engine"})
	rb := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ring_backpressure_total",
		Help:      "Writes refused because a consumer had not caught up",
	}, []string{"ring"})
	pb := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "persist_batches_total",
		Help:      "Persistence batches applied, by result",
	}, []string{"result"})
	up := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unpersisted_operations_total",
		Help:      "Operations given up on after retries were exhausted",
	})
	pe := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "publish_errors_total",
		Help:      "Messages the publisher failed to deliver",
	}, []string{"topic"})
	sg := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions",
		Help:      "Number of logged on FIX sessions",
	})

	for _, col := range []prometheus.Collector{oc, rc, tc, ms, rb, pb, up, pe, sg} {
		if err := reg.Register(col); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	orderCounter, rejectCounter, tradeCounter = oc, rc, tc
	matchSeconds, ringBackpressure, persistBatches = ms, rb, pb
	unpersistedCounter, publishErrors, sessionGauge = up, pe, sg
	return nil
}

// Start registers the instruments with the default registry and serves
// them over HTTP until ctx is done.
func Start(ctx context.Context, conf Config) error {
	if !conf.Enabled {
		return nil
	}
	if err := Setup(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(conf.Path, promhttp.Handler())
	srv := &http.Server{Addr: conf.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()
	go func() {
		log.Info().Str("address", conf.Address).Str("path", conf.Path).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server stopped")
		}
	}()
	return nil
}

// OrderCounterInc counts an order message handled by engine.
func OrderCounterInc(engine string, msgType byte, valid bool) {
	if orderCounter == nil {
		return
	}
	orderCounter.WithLabelValues(engine, string([]byte{msgType}), fmt.Sprint(valid)).Inc()
}

// RejectCounterInc counts a reject raised at stage ("gateway", "engine").
func RejectCounterInc(stage, reason string) {
	if rejectCounter == nil {
		return
	}
	rejectCounter.WithLabelValues(stage, reason).Inc()
}

func TradeCounterAdd(symbol string, n int) {
	if tradeCounter == nil || n == 0 {
		return
	}
	tradeCounter.WithLabelValues(symbol).Add(float64(n))
}

// ObserveMatch records the time since start against engine.
func ObserveMatch(engine string, start time.Time) {
	if matchSeconds == nil {
		return
	}
	matchSeconds.WithLabelValues(engine).Observe(time.Since(start).Seconds())
}

func RingBackpressureInc(ring string) {
	if ringBackpressure == nil {
		return
	}
	ringBackpressure.WithLabelValues(ring).Inc()
}

func PersistBatchInc(result string) {
	if persistBatches == nil {
		return
	}
	persistBatches.WithLabelValues(result).Inc()
}

func UnpersistedAdd(n int) {
	if unpersistedCounter == nil {
		return
	}
	unpersistedCounter.Add(float64(n))
}

func PublishErrorInc(topic string) {
	if publishErrors == nil {
		return
	}
	publishErrors.WithLabelValues(topic).Inc()
}

func SessionGaugeAdd(n int) {
	if sessionGauge == nil {
		return
	}
	sessionGauge.Add(float64(n))
}
