package embedded

import (
	"context"
	"errors"
	"github.com/ValentinKolb/wsql/rpc/client"
	"github.com/ValentinKolb/wsql/rpc/common"
	"github.com/ValentinKolb/wsql/rpc/transport"
	"github.com/ValentinKolb/wsql/rpc/transport/transporttest"
	"path/filepath"
	"testing"
)

// newTestConnector creates a connector on a fresh database file
func newTestConnector(t *testing.T) *Connector {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_pragma=busy_timeout(5000)"
	c := NewConnector(dsn)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newTestClient(t *testing.T, connector *Connector) *client.Client {
	t.Helper()
	c, err := client.New(context.Background(), &common.ClientConfig{URL: "ws://embedded"}, connector)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestEmbeddedConnector(t *testing.T) {
	transporttest.RunConnectorTests(t, func(t *testing.T) (transport.IConnector, common.Endpoint) {
		return newTestConnector(t), common.Endpoint{Scheme: "ws", Authority: "embedded"}
	})
}

func TestEmbeddedConnectorVersion1(t *testing.T) {
	transporttest.RunConnectorTests(t, func(t *testing.T) (transport.IConnector, common.Endpoint) {
		c := newTestConnector(t)
		c.SetProtocolVersion(1)
		return c, common.Endpoint{Scheme: "ws", Authority: "embedded"}
	})
}

// TestClientOnEmbeddedDatabase runs the client against a real SQLite database
func TestClientOnEmbeddedDatabase(t *testing.T) {
	c := newTestClient(t, newTestConnector(t))
	ctx := context.Background()

	if _, err := c.Execute(ctx, common.NewStatement("CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL)")); err != nil {
		t.Fatalf("CREATE TABLE failed: %v", err)
	}

	res, err := c.Execute(ctx, common.NewStatement("INSERT INTO users (name) VALUES (?)", "alice"))
	if err != nil {
		t.Fatalf("INSERT failed: %v", err)
	}
	if res.RowsAffected != 1 || res.LastInsertRowID != 1 {
		t.Errorf("unexpected insert result %+v", res)
	}

	named := common.Statement{SQL: "INSERT INTO users (name) VALUES (:name)", NamedArgs: map[string]any{":name": "bob"}}
	if _, err := c.Execute(ctx, named); err != nil {
		t.Fatalf("INSERT with named args failed: %v", err)
	}

	// run the same query twice, the second time by stored sql
	for i := 0; i < 2; i++ {
		res, err = c.Execute(ctx, common.NewStatement("SELECT name FROM users ORDER BY id"))
		if err != nil {
			t.Fatalf("SELECT failed: %v", err)
		}
		if len(res.Rows) != 2 || res.Rows[0][0] != "alice" || res.Rows[1][0] != "bob" {
			t.Errorf("unexpected rows %v", res.Rows)
		}
		if len(res.Columns) != 1 || res.Columns[0] != "name" {
			t.Errorf("unexpected columns %v", res.Columns)
		}
	}

	res, err = c.Execute(ctx, common.NewStatement("UPDATE users SET name = upper(name) RETURNING id"))
	if err != nil {
		t.Fatalf("UPDATE ... RETURNING failed: %v", err)
	}
	if len(res.Rows) != 2 {
		t.Errorf("expected 2 returned rows, got %v", res.Rows)
	}

	if _, err := c.Execute(ctx, common.NewStatement("SELECT * FROM missing")); !errors.Is(err, common.ErrProtocol) {
		t.Errorf("expected a protocol error, got %v", err)
	}
}

// TestTransactionsOnEmbeddedDatabase tests commit, rollback and batches
func TestTransactionsOnEmbeddedDatabase(t *testing.T) {
	c := newTestClient(t, newTestConnector(t))
	ctx := context.Background()

	if _, err := c.Execute(ctx, common.NewStatement("CREATE TABLE t (v INTEGER UNIQUE)")); err != nil {
		t.Fatal(err)
	}

	count := func() int64 {
		t.Helper()
		res, err := c.Execute(ctx, common.NewStatement("SELECT count(*) FROM t"))
		if err != nil {
			t.Fatal(err)
		}
		return res.Rows[0][0].(int64)
	}

	// rolled back
	tx, err := c.BeginTransaction(ctx, client.TxWrite)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Execute(ctx, common.NewStatement("INSERT INTO t VALUES (1)")); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatal(err)
	}
	if n := count(); n != 0 {
		t.Fatalf("count after rollback = %d, want 0", n)
	}

	// closed without commit
	tx, _ = c.BeginTransaction(ctx, client.TxWrite)
	if _, err := tx.Execute(ctx, common.NewStatement("INSERT INTO t VALUES (1)")); err != nil {
		t.Fatal(err)
	}
	_ = tx.Close()
	if n := count(); n != 0 {
		t.Fatalf("count after close = %d, want 0", n)
	}

	// committed
	tx, _ = c.BeginTransaction(ctx, client.TxDeferred)
	if _, err := tx.ExecuteBatch(ctx, []common.Statement{
		common.NewStatement("INSERT INTO t VALUES (1)"),
		common.NewStatement("INSERT INTO t VALUES (2)"),
	}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if n := count(); n != 2 {
		t.Fatalf("count after commit = %d, want 2", n)
	}

	// a failing batch is rolled back as a whole
	_, err = c.ExecuteBatch(ctx, client.TxWrite, []common.Statement{
		common.NewStatement("INSERT INTO t VALUES (3)"),
		common.NewStatement("INSERT INTO t VALUES (1)"),
	})
	if !errors.Is(err, common.ErrProtocol) {
		t.Fatalf("expected a protocol error, got %v", err)
	}
	if n := count(); n != 2 {
		t.Fatalf("count after failed batch = %d, want 2", n)
	}

	// read only transactions reject writes
	tx, _ = c.BeginTransaction(ctx, client.TxRead)
	if _, err := tx.Execute(ctx, common.NewStatement("SELECT count(*) FROM t")); err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Execute(ctx, common.NewStatement("INSERT INTO t VALUES (4)")); !errors.Is(err, common.ErrProtocol) {
		t.Errorf("write in a read only transaction should fail, got %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Execute(ctx, common.NewStatement("INSERT INTO t VALUES (4)")); err != nil {
		t.Errorf("stream connection must be writable again after a read only transaction: %v", err)
	}
}

func TestReturnsRows(t *testing.T) {
	tests := []struct {
		sql  string
		want bool
	}{
		{"SELECT 1", true},
		{"  select * from t;", true},
		{"WITH x AS (SELECT 1) SELECT * FROM x", true},
		{"PRAGMA table_info(t)", true},
		{"INSERT INTO t VALUES (1)", false},
		{"INSERT INTO t VALUES (1) RETURNING id", true},
		{"DELETE FROM t", false},
		{"BEGIN IMMEDIATE", false},
	}
	for _, tt := range tests {
		if got := returnsRows(tt.sql); got != tt.want {
			t.Errorf("returnsRows(%q) = %t, want %t", tt.sql, got, tt.want)
		}
	}
}
