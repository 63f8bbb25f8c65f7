package client

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/wsql/rpc/common"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"sync/atomic"
)

var (
	Logger = logger.GetLogger("client")
)

// --------------------------------------------------------------------------
// Metrics (exported via metrics.WritePrometheus)
// --------------------------------------------------------------------------

var (
	sessionsOpened     = metrics.NewCounter(`wsql_sessions_opened_total`)
	sessionsClosed     = metrics.NewCounter(`wsql_sessions_closed_total`)
	connectFailures    = metrics.NewCounter(`wsql_connect_failures_total`)
	rotationsStarted   = metrics.NewCounter(`wsql_rotations_total{result="started"}`)
	rotationsSucceeded = metrics.NewCounter(`wsql_rotations_total{result="succeeded"}`)
	rotationsFailed    = metrics.NewCounter(`wsql_rotations_total{result="failed"}`)
	recoveries         = metrics.NewCounter(`wsql_recoveries_total`)
	leasesOpened       = metrics.NewCounter(`wsql_leases_opened_total`)
	roundTrips         = metrics.NewCounter(`wsql_round_trips_total`)
	cacheHits          = metrics.NewCounter(`wsql_statement_cache_total{result="hit"}`)
	cacheMisses        = metrics.NewCounter(`wsql_statement_cache_total{result="miss"}`)
	cacheEvictions     = metrics.NewCounter(`wsql_statement_cache_evictions_total`)
	handshakeDuration  = metrics.NewHistogram(`wsql_handshake_duration_seconds`)
	openLeases         atomic.Int64
	_                  = metrics.NewGauge(`wsql_leases_open`, func() float64 { return float64(openLeases.Load()) })
)

// --------------------------------------------------------------------------
// Error helpers
// --------------------------------------------------------------------------

var (
	errLeaseClosed   = fmt.Errorf("%w: stream lease is closed", common.ErrClientClosed)
	errNotFlushed    = errors.New("pipeline step was not flushed yet")
	errWrongStepType = errors.New("pipeline step has a different request type")
)

// asProtocolError classifies errors reported for single requests.
// Errors that are already classified are passed through unchanged.
func asProtocolError(err error) error {
	if err == nil {
		return nil
	}
	if common.KindOf(err) != common.KindUnknown {
		return err
	}
	return fmt.Errorf("%w: %w", common.ErrProtocol, err)
}
