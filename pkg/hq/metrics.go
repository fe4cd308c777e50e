package hq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hq_transactions_total",
			Help: "Total number of transactions opened",
		},
		[]string{"variant"},
	)

	transactionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hq_transactions_active",
			Help: "Current number of attached transactions",
		},
	)

	transactionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hq_transaction_errors_total",
			Help: "Total number of errors delivered to transactions",
		},
		[]string{"kind"},
	)

	goawaysReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hq_goaways_received_total",
			Help: "Total number of GOAWAY frames received",
		},
	)

	goawaysSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hq_goaways_sent_total",
			Help: "Total number of GOAWAY frames sent",
		},
	)

	qpackBlockedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hq_qpack_blocked_total",
			Help: "Total number of header blocks that waited on the dynamic table",
		},
	)

	qpackBlocked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hq_qpack_blocked_streams",
			Help: "Current number of streams blocked on the dynamic table",
		},
	)

	sessionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hq_sessions_closed_total",
			Help: "Total number of sessions closed, by reason",
		},
		[]string{"reason"},
	)
)
