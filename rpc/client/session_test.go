package client

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/wsql/rpc/common"
	"github.com/ValentinKolb/wsql/rpc/transport/transporttest"
	"strings"
	"sync"
	"testing"
	"time"
)

// openTestSession opens a session on a fake connection and resolves its eligibility
func openTestSession(t *testing.T, connector *transporttest.Connector) *connSession {
	t.Helper()
	s, err := openSession(context.Background(), connector, common.Endpoint{Scheme: "ws", Authority: "db.test"}, time.Now())
	if err != nil {
		t.Fatalf("openSession failed: %v", err)
	}
	if _, err := s.resolveCacheEligibility(context.Background()); err != nil {
		t.Fatalf("resolveCacheEligibility failed: %v", err)
	}
	t.Cleanup(func() { _ = s.close() })
	return s
}

func statements(prefix string, n int) []common.Statement {
	stmts := make([]common.Statement, n)
	for i := range stmts {
		stmts[i] = common.NewStatement(fmt.Sprintf("%s %d", prefix, i))
	}
	return stmts
}

func pointers(stmts []common.Statement) []*common.Statement {
	out := make([]*common.Statement, len(stmts))
	for i := range stmts {
		out[i] = &stmts[i]
	}
	return out
}

// TestStatementCacheEvictsLeastRecentlyUsed tests that the 101st distinct SQL text
// evicts the least recently used one and releases its handle exactly once
func TestStatementCacheEvictsLeastRecentlyUsed(t *testing.T) {
	connector := transporttest.NewConnector()
	c, _ := newTestClient(t, connector, nil)
	conn := connector.Last()

	for i := 0; i < StatementCacheCapacity; i++ {
		mustExecute(t, c, fmt.Sprintf("SELECT %d", i))
	}
	if conn.StoredCount() != StatementCacheCapacity {
		t.Fatalf("StoredCount() = %d, want %d", conn.StoredCount(), StatementCacheCapacity)
	}

	// make "SELECT 0" the most recently used entry
	mustExecute(t, c, "SELECT 0")
	mustExecute(t, c, fmt.Sprintf("SELECT %d", StatementCacheCapacity))

	released := conn.Released()
	if len(released) != 1 {
		t.Fatalf("expected exactly one released handle, got %v", released)
	}
	for handle, count := range released {
		if count != 1 {
			t.Errorf("handle %d released %d times, want 1", handle, count)
		}
	}
	// handles are assigned in store order, "SELECT 1" got the second one
	if released[2] != 1 {
		t.Errorf("expected the handle of \"SELECT 1\" to be released, got %v", released)
	}
	if _, ok := conn.Stored(1); !ok {
		t.Error("\"SELECT 0\" was used recently and must stay stored")
	}
	if conn.StoredCount() != StatementCacheCapacity {
		t.Errorf("StoredCount() = %d, want %d", conn.StoredCount(), StatementCacheCapacity)
	}
}

// TestCachedSQLIsNotStoredAgain tests that cached SQL is sent by handle
func TestCachedSQLIsNotStoredAgain(t *testing.T) {
	connector := transporttest.NewConnector()
	c, _ := newTestClient(t, connector, nil)
	conn := connector.Last()

	for i := 0; i < 3; i++ {
		res := mustExecute(t, c, "SELECT * FROM users")
		if got := res.Rows[0][0]; got != "SELECT * FROM users" {
			t.Errorf("unexpected result %v", got)
		}
	}

	if conn.StoreCalls() != 1 {
		t.Errorf("StoreCalls() = %d, want 1", conn.StoreCalls())
	}
	for _, stream := range conn.Streams() {
		req := stream.Requests()[0][0]
		if !req.Stmt.IsStored() || req.Stmt.SQL != "" {
			t.Errorf("stream %d sent %v, expected stored sql", stream.ID, req.Stmt)
		}
	}
}

// TestCacheDisabledForOldProtocol tests that version 1 connections send SQL text only
func TestCacheDisabledForOldProtocol(t *testing.T) {
	connector := transporttest.NewConnector()
	connector.SetVersion(1)
	c, _ := newTestClient(t, connector, nil)
	conn := connector.Last()

	mustExecute(t, c, "SELECT 1")
	mustExecute(t, c, "SELECT 1")

	if conn.StoreCalls() != 0 {
		t.Errorf("StoreCalls() = %d, want 0", conn.StoreCalls())
	}
	if c.manager.current.leaseCount() != 0 {
		t.Error("no lease should be left open")
	}
	for _, stream := range conn.Streams() {
		if stmt := stream.Requests()[0][0].Stmt; stmt.SQL != "SELECT 1" {
			t.Errorf("expected sql text, got %v", stmt)
		}
	}
}

// TestLongSQLIsNotStored tests the size limit of stored SQL
func TestLongSQLIsNotStored(t *testing.T) {
	connector := transporttest.NewConnector()
	c, _ := newTestClient(t, connector, nil)

	long := "SELECT '" + strings.Repeat("x", maxStoredSQLLength) + "'"
	mustExecute(t, c, long)

	if calls := connector.Last().StoreCalls(); calls != 0 {
		t.Errorf("StoreCalls() = %d, want 0", calls)
	}
}

// TestEligibilityProbeIsShared tests that concurrent leases on a new connection
// wait for the same handshake
func TestEligibilityProbeIsShared(t *testing.T) {
	connector := transporttest.NewConnector()
	release := connector.BlockHandshake()
	c, _ := newTestClient(t, connector, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := c.Lease(context.Background())
			if err != nil {
				errs <- err
				return
			}
			errs <- lease.Close()
		}()
	}

	waitFor(t, "leases to wait for the handshake", func() bool {
		return c.manager.current.leaseCount() == 10
	})
	release()
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("lease failed: %v", err)
		}
	}
	if calls := connector.Last().VersionCalls(); calls != 1 {
		t.Errorf("VersionCalls() = %d, want 1", calls)
	}
}

// TestProbeFailureIsNotMemoized tests that a failed handshake is retried by the next caller
func TestProbeFailureIsNotMemoized(t *testing.T) {
	connector := transporttest.NewConnector()
	connector.BlockHandshake()
	s, err := openSession(context.Background(), connector, common.Endpoint{Scheme: "ws", Authority: "db.test"}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	defer s.close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := s.resolveCacheEligibility(ctx); err == nil {
		t.Fatal("expected the blocked handshake to time out")
	}
	if cacheEligibility(s.eligibility.Load()) != eligibilityUnknown {
		t.Error("a failed probe must leave the eligibility unknown")
	}

	// closing the session cancels the probe, it must not hang
	_ = s.close()
	if _, err := s.resolveCacheEligibility(context.Background()); err == nil {
		t.Error("probe on a closed session should fail")
	}
}

// TestBatchKeepsItsOwnHandles tests that a statement never evicts the handle of
// another statement of the same batch
func TestBatchKeepsItsOwnHandles(t *testing.T) {
	connector := transporttest.NewConnector()
	s := openTestSession(t, connector)

	stmts := statements("SELECT", StatementCacheCapacity+1)
	unpin := s.applyCache(pointers(stmts))
	defer unpin()

	for i := 0; i < StatementCacheCapacity; i++ {
		if !stmts[i].IsStored() {
			t.Fatalf("statement %d should use stored sql", i)
		}
	}
	last := stmts[StatementCacheCapacity]
	if last.IsStored() || last.SQL == "" {
		t.Errorf("the last statement must stay sql text, got %v", last)
	}
	if len(connector.Last().Released()) != 0 {
		t.Errorf("no handle of the batch may be released, got %v", connector.Last().Released())
	}
}

// TestPinnedHandleIsReleasedAfterUnpin tests that an evicted handle that is
// still in flight is released once its request was sent
func TestPinnedHandleIsReleasedAfterUnpin(t *testing.T) {
	connector := transporttest.NewConnector()
	s := openTestSession(t, connector)
	conn := connector.Last()

	first := []common.Statement{common.NewStatement("SELECT pinned")}
	unpinFirst := s.applyCache(pointers(first))
	handle := first[0].Handle

	// fills the cache and evicts the pinned handle
	unpinSecond := s.applyCache(pointers(statements("SELECT", StatementCacheCapacity)))
	if _, ok := s.cache.Peek("SELECT pinned"); ok {
		t.Fatal("\"SELECT pinned\" should have been evicted")
	}
	if conn.Released()[handle] != 0 {
		t.Fatal("pinned handle must not be released while in flight")
	}

	unpinSecond()
	if conn.Released()[handle] != 0 {
		t.Fatal("handle is still pinned by the first unit")
	}
	unpinFirst()
	if conn.Released()[handle] != 1 {
		t.Errorf("handle released %d times after unpin, want 1", conn.Released()[handle])
	}
}

// TestStoreFailureFallsBackToText tests that a failing StoreSQL leaves the statement unchanged
func TestStoreFailureFallsBackToText(t *testing.T) {
	connector := transporttest.NewConnector()
	s := openTestSession(t, connector)
	connector.Last().Kill()

	stmts := []common.Statement{common.NewStatement("SELECT 1")}
	s.applyCache(pointers(stmts))()

	if stmts[0].IsStored() || stmts[0].SQL != "SELECT 1" {
		t.Errorf("expected sql text, got %v", stmts[0])
	}
	if s.cacheLen() != 0 {
		t.Errorf("cacheLen() = %d, want 0", s.cacheLen())
	}
}

// TestStoreFailureKeepsFullCache tests that a failed store on a full cache
// does not evict anything
func TestStoreFailureKeepsFullCache(t *testing.T) {
	connector := transporttest.NewConnector()
	s := openTestSession(t, connector)
	conn := connector.Last()

	s.applyCache(pointers(statements("SELECT", StatementCacheCapacity)))()
	if s.cacheLen() != StatementCacheCapacity {
		t.Fatalf("cacheLen() = %d, want %d", s.cacheLen(), StatementCacheCapacity)
	}

	conn.FailStore("SELECT new", "too many stored statements")
	stmts := []common.Statement{common.NewStatement("SELECT new")}
	s.applyCache(pointers(stmts))()

	if stmts[0].IsStored() {
		t.Errorf("expected sql text, got %v", stmts[0])
	}
	if len(conn.Released()) != 0 {
		t.Errorf("no handle must be released after a failed store, got %v", conn.Released())
	}
	if s.cacheLen() != StatementCacheCapacity {
		t.Errorf("cacheLen() = %d, want %d", s.cacheLen(), StatementCacheCapacity)
	}

	// the least recently used entry is still served from the cache
	oldest := []common.Statement{common.NewStatement("SELECT 0")}
	s.applyCache(pointers(oldest))()
	if !oldest[0].IsStored() {
		t.Error("\"SELECT 0\" must still be cached")
	}
	if conn.StoreCalls() != StatementCacheCapacity {
		t.Errorf("StoreCalls() = %d, want %d", conn.StoreCalls(), StatementCacheCapacity)
	}
}

// TestSessionCloseIsIdempotent tests that close releases the cache and closes the connection once
func TestSessionCloseIsIdempotent(t *testing.T) {
	connector := transporttest.NewConnector()
	s := openTestSession(t, connector)
	conn := connector.Last()

	s.applyCache(pointers(statements("SELECT", 3)))()

	for i := 0; i < 3; i++ {
		if err := s.close(); err != nil {
			t.Fatalf("close() failed: %v", err)
		}
	}

	if conn.CloseCalls() != 1 {
		t.Errorf("CloseCalls() = %d, want 1", conn.CloseCalls())
	}
	if len(conn.Released()) != 3 {
		t.Errorf("expected 3 released handles, got %v", conn.Released())
	}
	if s.cacheLen() != 0 {
		t.Errorf("cacheLen() = %d, want 0", s.cacheLen())
	}

	// a closed session does not use the cache anymore
	stmts := []common.Statement{common.NewStatement("SELECT 1")}
	s.applyCache(pointers(stmts))()
	if stmts[0].IsStored() {
		t.Error("closed session must not rewrite statements")
	}
}
