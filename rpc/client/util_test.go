package client

import (
	"context"
	"github.com/ValentinKolb/wsql/rpc/common"
	"github.com/ValentinKolb/wsql/rpc/transport/transporttest"
	"sync"
	"testing"
	"time"
)

// testClock is a manually advanced clock
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestClient creates a client on the fake connector. config may be nil.
func newTestClient(t *testing.T, connector *transporttest.Connector, config *common.ClientConfig) (*Client, *testClock) {
	t.Helper()
	if config == nil {
		config = &common.ClientConfig{}
	}
	if config.URL == "" {
		config.URL = "ws://db.test"
	}

	clock := newTestClock()
	c, err := newClient(context.Background(), config, connector, clock.Now)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, clock
}

// waitFor polls cond until it is true or fails the test after two seconds
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// currentConn returns the fake connection of the current session
func currentConn(c *Client) *transporttest.Conn {
	c.manager.mu.Lock()
	defer c.manager.mu.Unlock()
	return c.manager.current.conn.(*transporttest.Conn)
}

// mustExecute executes sql and fails the test on error
func mustExecute(t *testing.T, c *Client, sql string) *common.ResultSet {
	t.Helper()
	res, err := c.Execute(context.Background(), common.NewStatement(sql))
	if err != nil {
		t.Fatalf("Execute(%q) failed: %v", sql, err)
	}
	return res
}
