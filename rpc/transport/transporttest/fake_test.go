package transporttest

import (
	"context"
	"errors"
	"github.com/ValentinKolb/wsql/rpc/common"
	"github.com/ValentinKolb/wsql/rpc/transport"
	"testing"
	"time"
)

func TestFakeConnector(t *testing.T) {
	RunConnectorTests(t, func(t *testing.T) (transport.IConnector, common.Endpoint) {
		return NewConnector(), common.Endpoint{Scheme: "ws", Authority: "fake"}
	})
}

// TestFailNextConnect tests the queued connect failures
func TestFailNextConnect(t *testing.T) {
	c := NewConnector()
	boom := errors.New("boom")
	c.FailNextConnect(boom)

	if _, err := c.Connect(context.Background(), common.Endpoint{}); !errors.Is(err, boom) {
		t.Fatalf("first Connect() should fail with boom, got %v", err)
	}
	if _, err := c.Connect(context.Background(), common.Endpoint{}); err != nil {
		t.Fatalf("second Connect() should succeed, got %v", err)
	}
	if c.ConnectCalls() != 2 {
		t.Errorf("ConnectCalls() = %d, want 2", c.ConnectCalls())
	}
	if len(c.Connections()) != 1 {
		t.Errorf("Connections() = %d, want 1", len(c.Connections()))
	}
}

// TestBlockHandshake tests that ProtocolVersion waits for the release
func TestBlockHandshake(t *testing.T) {
	c := NewConnector()
	release := c.BlockHandshake()

	conn, err := c.Connect(context.Background(), common.Endpoint{})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := conn.ProtocolVersion(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ProtocolVersion() should block, got %v", err)
	}

	release()
	if v, err := conn.ProtocolVersion(context.Background()); err != nil || v != DefaultVersion {
		t.Fatalf("ProtocolVersion() = (%d, %v) after release", v, err)
	}
}

// TestKill tests that a killed connection reports closed without a Close call
func TestKill(t *testing.T) {
	c := NewConnector()
	conn, _ := c.Connect(context.Background(), common.Endpoint{})
	fake := c.Last()

	fake.Kill()
	if !conn.Closed() {
		t.Error("killed connection should report closed")
	}
	if fake.CloseCalls() != 0 {
		t.Error("Kill must not count as Close call")
	}
}

// TestFailSQL tests the scripted protocol errors
func TestFailSQL(t *testing.T) {
	c := NewConnector()
	conn, _ := c.Connect(context.Background(), common.Endpoint{})
	c.Last().FailSQL("SELECT broken", "no such column")

	stream, _ := conn.OpenStream(context.Background())
	resps, err := stream.Send(context.Background(), []common.Request{
		common.NewExecuteRequest(common.NewStatement("SELECT broken")),
		common.NewExecuteRequest(common.NewStatement("SELECT 1")),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(resps[0].Err, common.ErrProtocol) {
		t.Errorf("expected a protocol error, got %v", resps[0].Err)
	}
	if resps[1].Err != nil {
		t.Errorf("second request should succeed, got %v", resps[1].Err)
	}
	if c.Last().RoundTrips() != 1 {
		t.Errorf("RoundTrips() = %d, want 1", c.Last().RoundTrips())
	}
}
