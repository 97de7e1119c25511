package service

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/bookescrow/internal/domain"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_transitions_total",
		Help: "Escrow transitions attempted, labeled by operation and outcome",
	}, []string{"operation", "outcome"})

	escrowValueTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_value_moved_total",
		Help: "Minor units moved through escrow vaults",
	}, []string{"kind"})

	settleRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_settle_records_total",
		Help: "Matured rentals processed by the settle job",
	}, []string{"outcome"})
)

// outcome labels an error for metrics without unbounded cardinality.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, domain.ErrRentalPeriodNotOver):
		return "rental_period_not_over"
	case errors.Is(err, domain.ErrInvalidStateTransition):
		return "invalid_state"
	case errors.Is(err, domain.ErrAssetNotSingleton):
		return "asset_not_singleton"
	case errors.Is(err, domain.ErrInvalidTerms):
		return "invalid_terms"
	case errors.Is(err, domain.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, domain.ErrEscrowNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}
