package client

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/wsql/lib/lru"
	"github.com/ValentinKolb/wsql/rpc/common"
	"github.com/ValentinKolb/wsql/rpc/transport"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// StatementCacheCapacity is the number of SQL texts stored per connection
	StatementCacheCapacity = 100
	// maxStoredSQLLength is the size limit for SQL text the server accepts as stored SQL
	maxStoredSQLLength = 5000
	// minCacheVersion is the first protocol version that supports stored SQL
	minCacheVersion = 2
)

// cacheEligibility is a tri-state that is only known after the handshake
type cacheEligibility int32

const (
	eligibilityUnknown cacheEligibility = iota
	eligibilityYes
	eligibilityNo
)

// connSession wraps a single transport connection together with its statement
// cache and the set of leases that are currently using it
type connSession struct {
	id       uuid.UUID
	conn     transport.IConnection
	openedAt time.Time

	// ctx is cancelled when the session is closed, it bounds the handshake probe
	ctx    context.Context
	cancel context.CancelFunc

	eligibility atomic.Int32
	probe       singleflight.Group

	cacheMu        sync.Mutex
	cache          *lru.Cache[string, common.SQLHandle]
	pins           map[common.SQLHandle]int
	pendingRelease map[common.SQLHandle]struct{}

	leases *xsync.MapOf[uuid.UUID, *Lease]

	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
}

// openSession connects a new session. The error is always classified, a
// connector error that is not classified yet becomes a transport error.
func openSession(ctx context.Context, connector transport.IConnector, endpoint common.Endpoint, now time.Time) (*connSession, error) {
	conn, err := connector.Connect(ctx, endpoint)
	if err != nil {
		connectFailures.Inc()
		return nil, common.AsTransportError(fmt.Errorf("failed to connect to %s: %w", endpoint.URL(), err))
	}

	s := &connSession{
		id:             uuid.New(),
		conn:           conn,
		openedAt:       now,
		pins:           make(map[common.SQLHandle]int),
		pendingRelease: make(map[common.SQLHandle]struct{}),
		leases:         xsync.NewMapOf[uuid.UUID, *Lease](),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	cache, err := lru.NewCache[string, common.SQLHandle](StatementCacheCapacity, s.onEvict)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	s.cache = cache

	sessionsOpened.Inc()
	Logger.Debugf("opened connection %s to %s using %s transport", s.id, endpoint.URL(), connector.GetName())
	return s, nil
}

// age returns how long the session has been open
func (s *connSession) age(now time.Time) time.Duration {
	return now.Sub(s.openedAt)
}

// --------------------------------------------------------------------------
// Cache eligibility
// --------------------------------------------------------------------------

// resolveCacheEligibility waits for the handshake and decides whether stored
// SQL can be used. The result is memoized; concurrent callers share one probe.
// A failed probe is not memoized, the next caller tries again.
func (s *connSession) resolveCacheEligibility(ctx context.Context) (bool, error) {
	switch cacheEligibility(s.eligibility.Load()) {
	case eligibilityYes:
		return true, nil
	case eligibilityNo:
		return false, nil
	}

	ch := s.probe.DoChan("version", func() (interface{}, error) {
		if e := cacheEligibility(s.eligibility.Load()); e != eligibilityUnknown {
			return e == eligibilityYes, nil
		}

		start := time.Now()
		version, err := s.conn.ProtocolVersion(s.ctx)
		if err != nil {
			return nil, err
		}
		handshakeDuration.UpdateDuration(start)

		eligible := version >= minCacheVersion
		if eligible {
			s.eligibility.Store(int32(eligibilityYes))
		} else {
			s.eligibility.Store(int32(eligibilityNo))
		}
		Logger.Debugf("connection %s negotiated protocol version %d (statement cache: %t)", s.id, version, eligible)
		return eligible, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return false, common.AsTransportError(fmt.Errorf("handshake of connection %s failed: %w", s.id, res.Err))
		}
		return res.Val.(bool), nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// --------------------------------------------------------------------------
// Statement cache
// --------------------------------------------------------------------------

// applyCache rewrites text statements to stored SQL handles, storing SQL text
// on the server where needed. It is a no-op until the session is known to be
// eligible. All statements passed in one call are treated as one unit: a handle
// used by one of them is never evicted to make room for another one.
//
// The returned function unpins the used handles and must be called once the
// statements were sent. Handles evicted while pinned are released on unpin.
func (s *connSession) applyCache(stmts []*common.Statement) (unpin func()) {
	if cacheEligibility(s.eligibility.Load()) != eligibilityYes {
		return func() {}
	}

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	if s.closed.Load() {
		return func() {}
	}

	used := make(map[common.SQLHandle]struct{})
	for _, stmt := range stmts {
		if stmt.IsStored() || stmt.SQL == "" || len(stmt.SQL) >= maxStoredSQLLength {
			continue
		}

		handle, ok := s.cache.Get(stmt.SQL)
		if ok {
			cacheHits.Inc()
		} else {
			cacheMisses.Inc()
			if !s.hasRoomLocked(used) {
				continue
			}
			h, err := s.conn.StoreSQL(stmt.SQL)
			if err != nil {
				Logger.Debugf("failed to store sql on connection %s, sending text: %v", s.id, err)
				continue
			}
			// evicts the least recently used entry if the cache is full
			s.cache.Put(stmt.SQL, h)
			handle = h
		}

		stmt.UseHandle(handle)
		if _, ok := used[handle]; !ok {
			used[handle] = struct{}{}
			s.pins[handle]++
		}
	}

	return func() {
		s.cacheMu.Lock()
		defer s.cacheMu.Unlock()
		for handle := range used {
			s.pins[handle]--
			if s.pins[handle] > 0 {
				continue
			}
			delete(s.pins, handle)
			if _, ok := s.pendingRelease[handle]; ok {
				delete(s.pendingRelease, handle)
				s.releaseSQL(handle)
			}
		}
	}
}

// hasRoomLocked reports whether one more entry can be added. A full cache has
// room unless its least recently used entry is used by the current unit.
// Nothing is evicted here, the eviction happens on Put.
func (s *connSession) hasRoomLocked(used map[common.SQLHandle]struct{}) bool {
	if s.cache.Len() < s.cache.Cap() {
		return true
	}
	_, handle, ok := s.cache.Oldest()
	if !ok {
		return false
	}
	_, inUse := used[handle]
	return !inUse
}

// onEvict is the eviction callback of the cache. s.cacheMu is held.
func (s *connSession) onEvict(_ string, handle common.SQLHandle) {
	cacheEvictions.Inc()
	if s.pins[handle] > 0 {
		s.pendingRelease[handle] = struct{}{}
		return
	}
	s.releaseSQL(handle)
}

func (s *connSession) releaseSQL(handle common.SQLHandle) {
	if err := s.conn.ReleaseSQL(handle); err != nil {
		Logger.Debugf("failed to release sql %d on connection %s: %v", handle, s.id, err)
	}
}

// cacheLen returns the number of cached SQL texts
func (s *connSession) cacheLen() int {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.cache.Len()
}

// --------------------------------------------------------------------------
// Lease set
// --------------------------------------------------------------------------

func (s *connSession) registerLease(l *Lease) {
	s.leases.Store(l.id, l)
}

func (s *connSession) unregisterLease(l *Lease) {
	s.leases.Delete(l.id)
}

func (s *connSession) leaseCount() int {
	return s.leases.Size()
}

// --------------------------------------------------------------------------
// Teardown
// --------------------------------------------------------------------------

// close releases the cached SQL and closes the transport connection.
// Only the first call has an effect.
func (s *connSession) close() error {
	s.closeOnce.Do(func() {
		s.cacheMu.Lock()
		s.closed.Store(true)
		s.cache.EvictAll()
		s.cacheMu.Unlock()

		s.cancel()
		s.closeErr = s.conn.Close()
		sessionsClosed.Inc()
		Logger.Debugf("closed connection %s after %s", s.id, time.Since(s.openedAt).Round(time.Millisecond))
	})
	return s.closeErr
}
