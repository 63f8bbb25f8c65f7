package client

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/wsql/rpc/common"
	"github.com/ValentinKolb/wsql/rpc/transport"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"sync"
	"time"
)

// ManagerState describes what the manager is doing right now
type ManagerState int

const (
	StateActive     ManagerState = iota // serving from the current connection
	StateRotating                       // a replacement connection is being opened in the background
	StateRecovering                     // the current connection died and is being replaced synchronously
	StateClosed                         // Close was called
)

// String returns the string representation of the state
func (s ManagerState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateRotating:
		return "rotating"
	case StateRecovering:
		return "recovering"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// pendingSession is the result of a rotation in flight. done is closed after
// session and err are set.
type pendingSession struct {
	done    chan struct{}
	session *connSession
	err     error
}

// --------------------------------------------------------------------------
// Manager
// --------------------------------------------------------------------------

// Manager owns the connection of a client. It hands out leases on the current
// connection, replaces aging connections in the background (rotation) and
// replaces dead connections on demand (recovery). At most two connections are
// open at any time: the current one and its replacement in flight. Older
// connections stay open until their last lease is closed.
type Manager struct {
	connector transport.IConnector
	endpoint  common.Endpoint
	config    *common.ClientConfig
	now       func() time.Time

	// ctx is cancelled by Close and bounds all background work
	ctx    context.Context
	cancel context.CancelFunc

	mu                  sync.Mutex
	current             *connSession
	future              *pendingSession
	recovering          bool
	closed              bool
	lastRotationFailure time.Time

	recovery  singleflight.Group
	rotations sync.WaitGroup
}

// NewManager opens the first connection and returns the manager.
// The endpoint must be validated by the caller (see common.ClientConfig.Endpoint).
func NewManager(ctx context.Context, connector transport.IConnector, endpoint common.Endpoint, config *common.ClientConfig) (*Manager, error) {
	return newManager(ctx, connector, endpoint, config, time.Now)
}

func newManager(ctx context.Context, connector transport.IConnector, endpoint common.Endpoint, config *common.ClientConfig, now func() time.Time) (*Manager, error) {
	connectCtx, cancel := context.WithTimeout(ctx, config.GetConnectTimeout())
	defer cancel()

	s, err := openSession(connectCtx, connector, endpoint, now())
	if err != nil {
		return nil, err
	}

	m := &Manager{
		connector: connector,
		endpoint:  endpoint,
		config:    config,
		now:       now,
		current:   s,
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m, nil
}

// State returns the current state of the manager
func (m *Manager) State() ManagerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.closed:
		return StateClosed
	case m.recovering:
		return StateRecovering
	case m.future != nil:
		return StateRotating
	default:
		return StateActive
	}
}

// Closed returns whether Close was called
func (m *Manager) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// OpenLease opens a new stream on the current connection.
// The returned lease must be closed by the caller.
func (m *Manager) OpenLease(ctx context.Context) (*Lease, error) {
	return m.openLease(ctx)
}

func (m *Manager) openLease(ctx context.Context) (*Lease, error) {
	recovered := false
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: cannot open a stream", common.ErrClientClosed)
		}

		s := m.current
		if s.conn.Closed() {
			m.mu.Unlock()
			if recovered {
				return nil, fmt.Errorf("%w: connection %s closed right after recovery", common.ErrTransport, s.id)
			}
			if err := m.recover(ctx, s); err != nil {
				return nil, err
			}
			recovered = true
			continue
		}

		m.maybeRotateLocked(s)

		// the lease is registered before anything blocks, so the session
		// cannot be closed by a concurrent rotation in the meantime
		l := &Lease{id: uuid.New(), manager: m, session: s}
		s.registerLease(l)
		m.mu.Unlock()

		if _, err := s.resolveCacheEligibility(ctx); err != nil {
			m.releaseLease(l)
			return nil, err
		}

		stream, err := s.conn.OpenStream(ctx)
		if err != nil {
			m.releaseLease(l)
			return nil, common.AsTransportError(fmt.Errorf("failed to open stream on connection %s: %w", s.id, err))
		}
		l.stream = stream

		leasesOpened.Inc()
		openLeases.Add(1)
		return l, nil
	}
}

// releaseLease removes the lease from its session and closes the session if
// it was the last lease of a replaced connection
func (m *Manager) releaseLease(l *Lease) {
	s := l.session

	m.mu.Lock()
	s.unregisterLease(l)
	closeSession := s != m.current && s.leaseCount() == 0
	m.mu.Unlock()

	if closeSession {
		if err := s.close(); err != nil {
			Logger.Debugf("failed to close replaced connection %s: %v", s.id, err)
		}
	}
}

// --------------------------------------------------------------------------
// Rotation
// --------------------------------------------------------------------------

// maybeRotateLocked starts a background rotation if s is older than the
// rotation interval and no rotation is in flight. m.mu must be held.
func (m *Manager) maybeRotateLocked(s *connSession) {
	if m.future != nil || m.closed {
		return
	}

	now := m.now()
	if s.age(now) <= m.config.GetRotationInterval() {
		return
	}
	if delay := m.config.RotationRetryDelay; delay > 0 && !m.lastRotationFailure.IsZero() && now.Sub(m.lastRotationFailure) < delay {
		return
	}

	p := &pendingSession{done: make(chan struct{})}
	m.future = p
	rotationsStarted.Inc()
	m.rotations.Add(1)
	go m.rotate(p)
}

// rotate opens the replacement connection and swaps it in once its handshake
// is done. Failures are logged and otherwise ignored: the current connection
// keeps serving and the next lease request may try again.
func (m *Manager) rotate(p *pendingSession) {
	defer m.rotations.Done()

	ctx, cancel := context.WithTimeout(m.ctx, m.config.GetConnectTimeout())
	defer cancel()

	s, err := openSession(ctx, m.connector, m.endpoint, m.now())
	if err == nil {
		if _, err = s.resolveCacheEligibility(ctx); err != nil {
			_ = s.close()
			s = nil
		}
	}

	var discard, retired *connSession

	m.mu.Lock()
	if err == nil && m.closed {
		discard, s = s, nil
		err = fmt.Errorf("%w: rotation finished after close", common.ErrClientClosed)
	}
	if err != nil {
		m.lastRotationFailure = m.now()
		rotationsFailed.Inc()
	} else {
		retired = m.current
		m.current = s
		m.lastRotationFailure = time.Time{}
		rotationsSucceeded.Inc()
		if retired.leaseCount() > 0 {
			retired = nil // closed by its last lease
		}
	}
	p.session, p.err = s, err
	m.future = nil
	close(p.done)
	m.mu.Unlock()

	if discard != nil {
		_ = discard.close()
	}
	if retired != nil {
		_ = retired.close()
	}

	if err != nil {
		Logger.Debugf("connection rotation failed, keep using the current connection: %v", err)
		return
	}
	Logger.Debugf("rotated to connection %s", s.id)
}

// --------------------------------------------------------------------------
// Recovery
// --------------------------------------------------------------------------

// recover replaces the dead connection. Concurrent callers share a single
// attempt. If a rotation is in flight, its result is used instead of opening
// yet another connection.
func (m *Manager) recover(ctx context.Context, dead *connSession) error {
	ch := m.recovery.DoChan(dead.id.String(), func() (interface{}, error) {
		return nil, m.recoverOnce(dead)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) recoverOnce(dead *connSession) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot recover connection", common.ErrClientClosed)
	}
	if m.current != dead {
		m.mu.Unlock()
		return nil
	}
	m.recovering = true
	p := m.future
	m.mu.Unlock()

	recoveries.Inc()
	defer func() {
		m.mu.Lock()
		m.recovering = false
		m.mu.Unlock()
	}()

	if p != nil {
		Logger.Debugf("connection %s is closed, waiting for the rotation in flight", dead.id)
		select {
		case <-p.done:
		case <-m.ctx.Done():
			return fmt.Errorf("%w: cannot recover connection", common.ErrClientClosed)
		}
		m.mu.Lock()
		replaced := m.current != dead
		m.mu.Unlock()
		if replaced {
			return nil
		}
	}

	Logger.Infof("connection %s is closed, reconnecting to %s", dead.id, m.endpoint.URL())
	ctx, cancel := context.WithTimeout(m.ctx, m.config.GetConnectTimeout())
	defer cancel()

	s, err := openSession(ctx, m.connector, m.endpoint, m.now())
	if err != nil {
		if m.ctx.Err() != nil {
			return fmt.Errorf("%w: cannot recover connection", common.ErrClientClosed)
		}
		return err
	}

	m.mu.Lock()
	if m.closed || m.current != dead {
		closed := m.closed
		m.mu.Unlock()
		_ = s.close()
		if closed {
			return fmt.Errorf("%w: cannot recover connection", common.ErrClientClosed)
		}
		return nil
	}
	m.current = s
	closeDead := dead.leaseCount() == 0
	m.mu.Unlock()

	if closeDead {
		_ = dead.close()
	}
	return nil
}

// --------------------------------------------------------------------------
// Close
// --------------------------------------------------------------------------

// Close closes the current connection, cancels a rotation in flight and
// rejects all further lease requests. Connections that were already replaced
// are closed by their last lease. Close is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	s := m.current
	m.mu.Unlock()

	m.cancel()
	err := s.close()
	m.rotations.Wait()
	return err
}
