package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "okx_grid_hedge"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
	counters map[string]prometheus.Counter
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		counters: make(map[string]prometheus.Counter),
	}
	p.Metrics = &Metrics{
		OrdersPlaced:      p.counter("orders_placed_total", "Total number of orders accepted by the exchange."),
		OrdersFailed:      p.counter("orders_failed_total", "Total number of orders rejected or failed."),
		Rollbacks:         p.counter("batch_rollbacks_total", "Total number of order batches rolled back."),
		Reversals:         p.counter("reversal_orders_total", "Total number of offsetting orders after failed cancels."),
		GridTrades:        p.counter("grid_trades_total", "Total number of grid trades executed."),
		HedgeOpens:        p.counter("hedge_opens_total", "Total number of hedge positions opened."),
		HedgeCloses:       p.counter("hedge_closes_total", "Total number of hedge positions closed."),
		FeedReconnects:    p.counter("feed_reconnects_total", "Total number of candle feed reconnects."),
		PersistenceErrors: p.counter("persistence_errors_total", "Total number of state write failures."),
	}
	p.registry.MustRegister(collectors.NewGoCollector())
	return p
}

func (p *Prometheus) counter(name, help string) Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
	p.registry.MustRegister(c)
	p.counters[name] = c
	return promCounter{c}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
