package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/convoyd/convoy/internal/server/probe"
)

// monitor polls a healthy service at its configured interval and reports when
// it crosses the consecutive-failure threshold. Failure counting is handled
// by a circuit breaker: one passing probe resets the count, and the breaker
// opening is the unhealthy signal.
type monitor struct {
	stack    string
	service  string
	checker  probe.Checker
	host     string
	port     int
	interval time.Duration
	retries  int

	log    *EventLog
	logger *slog.Logger
}

// run polls until the breaker opens or ctx is cancelled. Returns an
// *UnhealthyError when the service crosses its failure threshold.
//
// Probes that could not run at all (ExecutionError) are logged and reported
// as probe.failed events but never feed the breaker: a broken probe must not
// take down a working service.
func (m *monitor) run(ctx context.Context) error {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        m.service,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     m.interval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(m.retries)
		},
	})

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	var last error

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		err := m.checker.Check(ctx, m.host, m.port)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var execErr *probe.ExecutionError
		if errors.As(err, &execErr) {
			m.logger.Warn("probe could not run",
				"service", m.service, "error", execErr.Err)
			m.log.Publish(Event{
				Type:    EventProbeFailed,
				Stack:   m.stack,
				Service: m.service,
				Error:   execErr.Error(),
			})
			continue
		}

		breaker.Execute(func() (any, error) { return nil, err })

		if err != nil {
			last = err
			m.log.Publish(Event{
				Type:    EventProbeFailed,
				Stack:   m.stack,
				Service: m.service,
				Error:   err.Error(),
			})
		}

		if breaker.State() == gobreaker.StateOpen {
			return &UnhealthyError{Service: m.service, Failures: m.retries, Last: last}
		}
	}
}
