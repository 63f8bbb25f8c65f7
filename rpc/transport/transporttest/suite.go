package transporttest

import (
	"context"
	"errors"
	"github.com/ValentinKolb/wsql/rpc/common"
	"github.com/ValentinKolb/wsql/rpc/transport"
	"testing"
	"time"
)

// ConnectorFactory creates a new connector and an endpoint it can serve
type ConnectorFactory func(t *testing.T) (transport.IConnector, common.Endpoint)

// RunConnectorTests runs the transport contract tests against the connector
// returned by factory. Every transport implementation should pass them.
func RunConnectorTests(t *testing.T, factory ConnectorFactory) {
	t.Run("Connect_ReportsVersion", func(t *testing.T) { testConnectReportsVersion(t, factory) })
	t.Run("Stream_PipelinedRequests", func(t *testing.T) { testPipelinedRequests(t, factory) })
	t.Run("Stream_BatchRequest", func(t *testing.T) { testBatchRequest(t, factory) })
	t.Run("StoredSQL_ExecuteByHandle", func(t *testing.T) { testStoredSQL(t, factory) })
	t.Run("Close_Idempotent", func(t *testing.T) { testCloseIdempotent(t, factory) })
	t.Run("Close_RejectsStreams", func(t *testing.T) { testCloseRejectsStreams(t, factory) })
}

func connect(t *testing.T, factory ConnectorFactory) transport.IConnection {
	t.Helper()
	connector, endpoint := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := connector.Connect(ctx, endpoint)
	if err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func testConnectReportsVersion(t *testing.T, factory ConnectorFactory) {
	conn := connect(t, factory)

	version, err := conn.ProtocolVersion(context.Background())
	if err != nil {
		t.Fatalf("ProtocolVersion() failed: %v", err)
	}
	if version < 1 {
		t.Errorf("ProtocolVersion() = %d, want >= 1", version)
	}
	if conn.Closed() {
		t.Error("a new connection must not be closed")
	}
}

func testPipelinedRequests(t *testing.T, factory ConnectorFactory) {
	conn := connect(t, factory)
	ctx := context.Background()

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream() failed: %v", err)
	}
	defer stream.Close()

	resps, err := stream.Send(ctx, []common.Request{
		common.NewExecuteRequest(common.NewStatement("SELECT 1")),
		common.NewExecuteRequest(common.NewStatement("SELECT 2")),
	})
	if err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if len(resps) != 2 {
		t.Fatalf("Send() returned %d responses, want 2", len(resps))
	}
	for i, resp := range resps {
		if resp.Err != nil {
			t.Errorf("response %d failed: %v", i, resp.Err)
		}
		if resp.Result == nil || len(resp.Result.Rows) != 1 {
			t.Errorf("response %d should contain exactly one row, got %+v", i, resp.Result)
		}
	}
}

func testBatchRequest(t *testing.T, factory ConnectorFactory) {
	conn := connect(t, factory)
	ctx := context.Background()

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream() failed: %v", err)
	}
	defer stream.Close()

	resps, err := stream.Send(ctx, []common.Request{
		common.NewBatchRequest([]common.Statement{
			common.NewStatement("SELECT 1"),
			common.NewStatement("SELECT 2"),
			common.NewStatement("SELECT 3"),
		}),
	})
	if err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if len(resps) != 1 {
		t.Fatalf("Send() returned %d responses, want 1", len(resps))
	}
	if resps[0].Err != nil {
		t.Fatalf("batch failed: %v", resps[0].Err)
	}
	if len(resps[0].Batch) != 3 {
		t.Errorf("batch returned %d results, want 3", len(resps[0].Batch))
	}
}

func testStoredSQL(t *testing.T, factory ConnectorFactory) {
	conn := connect(t, factory)
	ctx := context.Background()

	version, err := conn.ProtocolVersion(ctx)
	if err != nil {
		t.Fatalf("ProtocolVersion() failed: %v", err)
	}
	if version < 2 {
		t.Skipf("protocol version %d does not support stored sql", version)
	}

	handle, err := conn.StoreSQL("SELECT 42")
	if err != nil {
		t.Fatalf("StoreSQL() failed: %v", err)
	}
	if handle == 0 {
		t.Fatal("StoreSQL() returned the zero handle")
	}

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream() failed: %v", err)
	}
	defer stream.Close()

	stmt := common.Statement{Handle: handle}
	resps, err := stream.Send(ctx, []common.Request{common.NewExecuteRequest(stmt)})
	if err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if resps[0].Err != nil {
		t.Fatalf("executing stored sql failed: %v", resps[0].Err)
	}

	if err := conn.ReleaseSQL(handle); err != nil {
		t.Fatalf("ReleaseSQL() failed: %v", err)
	}
	resps, err = stream.Send(ctx, []common.Request{common.NewExecuteRequest(stmt)})
	if err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if !errors.Is(resps[0].Err, common.ErrProtocol) {
		t.Errorf("executing released sql should fail with a protocol error, got %v", resps[0].Err)
	}
}

func testCloseIdempotent(t *testing.T, factory ConnectorFactory) {
	conn := connect(t, factory)

	if err := conn.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close() failed: %v", err)
	}
	if !conn.Closed() {
		t.Error("Closed() should report true after Close()")
	}
	if err := conn.ReleaseSQL(1); err != nil {
		t.Errorf("ReleaseSQL() on a closed connection should be a no-op, got %v", err)
	}
}

func testCloseRejectsStreams(t *testing.T, factory ConnectorFactory) {
	conn := connect(t, factory)
	ctx := context.Background()

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream() failed: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("stream Close() failed: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("second stream Close() failed: %v", err)
	}

	_ = conn.Close()
	if _, err := conn.OpenStream(ctx); err == nil {
		t.Error("OpenStream() on a closed connection should fail")
	}
}
