package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	kotTickets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kot_tickets_total",
			Help: "KOT confirmations that appended an order, by round kind",
		},
		[]string{"round"}, // "first" or "running"
	)

	kotNothingToSend = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kot_nothing_to_send_total",
			Help: "KOT confirmations whose delta was empty",
		},
	)

	billsPrinted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bills_total",
			Help: "Bills created, by payment method",
		},
		[]string{"payment_method"},
	)

	printJobResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "print_jobs_total",
			Help: "Print job dispatch results",
		},
		[]string{"type", "status"},
	)

	deferredWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_deferred_writes_total",
			Help: "Writes parked in the local cache because the ledger was unreachable",
		},
		[]string{"op"},
	)

	replayedWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_replayed_writes_total",
			Help: "Deferred writes replayed by the sync worker",
		},
		[]string{"result"},
	)
)
