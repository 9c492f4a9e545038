// Package metrics exposes prometheus counters for the exchange API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_orders_submitted_total",
		Help: "Orders accepted for matching, by side.",
	}, []string{"side"})

	OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_orders_cancelled_total",
		Help: "Orders cancelled by their owner.",
	})

	TradesExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_trades_executed_total",
		Help: "Trades produced by settlement.",
	})

	QuantityExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_quantity_executed_total",
		Help: "Total quantity crossed in trades.",
	})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
