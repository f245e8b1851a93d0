package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	depositsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depositops_deposits_total",
		Help: "Deposit lifecycle transitions, labeled by event",
	}, []string{"event"})

	settlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depositops_settlements_total",
		Help: "Deposit settlements, labeled by trigger and result",
	}, []string{"trigger", "result"})

	referralPayoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "depositops_referral_payouts_total",
		Help: "Referral bonuses paid",
	})

	withdrawalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depositops_withdrawals_total",
		Help: "Withdrawal events, labeled by event",
	}, []string{"event"})

	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depositops_notifications_total",
		Help: "Notification attempts, labeled by template and result",
	}, []string{"template", "result"})

	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "depositops_settlement_sweep_duration_seconds",
		Help:    "Latency distribution of settlement sweeps",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60},
	})

	lastSweepTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "depositops_settlement_sweep_last_completed_timestamp_seconds",
		Help: "Unix time of the last sweep that ran to completion",
	})
)
