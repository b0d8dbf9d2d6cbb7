// Trailmarks Relay - Real-time presence and chat for the Trailmarks map app
// SPDX-License-Identifier: MIT

package identity

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/trailmarks/relay/internal/logging"
	"github.com/trailmarks/relay/internal/metrics"
)

// BreakerAccountStore wraps an AccountStore with a circuit breaker so a
// flapping account directory cannot stall credential resolution. Rejected
// lookups surface as ordinary lookup errors, which the resolver already
// treats as best-effort.
//
// A not-found result is a valid answer from a healthy directory, so it is
// not counted as a breaker failure.
type BreakerAccountStore struct {
	inner AccountStore
	cb    *gobreaker.CircuitBreaker[*Account]
	name  string
}

// NewBreakerAccountStore wraps the given store with a circuit breaker.
// The breaker opens after a 60% failure rate over at least 10 requests,
// resets counts every minute, and probes again after 30 seconds open.
func NewBreakerAccountStore(inner AccountStore) *BreakerAccountStore {
	cbName := "account-directory"

	metrics.CircuitBreakerState.WithLabelValues(cbName).Set(0) // 0 = closed

	cb := gobreaker.NewCircuitBreaker[*Account](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.6
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr, toStr := stateToString(from), stateToString(to)
			logging.Warn().Str("from", fromStr).Str("to", toStr).Msg("account directory circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, fromStr, toStr).Inc()
		},
	})

	return &BreakerAccountStore{inner: inner, cb: cb, name: cbName}
}

// FindByID looks up the account through the breaker.
func (s *BreakerAccountStore) FindByID(ctx context.Context, subjectID string) (*Account, error) {
	account, err := s.cb.Execute(func() (*Account, error) {
		acct, err := s.inner.FindByID(ctx, subjectID)
		if errors.Is(err, ErrAccountNotFound) {
			// Report success to the breaker, carry the miss out of band.
			return nil, nil
		}
		return acct, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.AccountLookups.WithLabelValues("rejected").Inc()
		}
		return nil, err
	}
	if account == nil {
		return nil, ErrAccountNotFound
	}
	return account, nil
}

func stateToString(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
