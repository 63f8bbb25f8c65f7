package transport

import (
	"context"
	"github.com/ValentinKolb/wsql/rpc/common"
)

// --------------------------------------------------------------------------
// Connector
// --------------------------------------------------------------------------

// IConnector creates connections to a database endpoint.
// A connector is stateless from the point of view of the client: the session
// manager calls Connect whenever it needs a new connection (initial connect,
// rotation, recovery).
type IConnector interface {
	// Connect establishes a new connection to the endpoint.
	// The handshake may still be in progress when Connect returns; it must be
	// finished before ProtocolVersion returns.
	Connect(ctx context.Context, endpoint common.Endpoint) (IConnection, error)
	// GetName returns the name of the transport type (e.g. "embedded")
	GetName() string
	// Schemes returns the endpoint schemes (ws, wss) this connector can serve
	Schemes() []string
}

// --------------------------------------------------------------------------
// Connection
// --------------------------------------------------------------------------

// IConnection is a single multiplexed connection. Many streams can be open on
// one connection at the same time.
type IConnection interface {
	// ProtocolVersion waits for the handshake and returns the negotiated protocol version.
	// Stored SQL (StoreSQL) is only supported from version 2 on.
	ProtocolVersion(ctx context.Context) (int, error)
	// OpenStream opens a new logical stream on the connection
	OpenStream(ctx context.Context) (IStream, error)
	// StoreSQL registers SQL text on the server so later statements can reference it by handle.
	// The call does not wait for the server, the store request is sent with the next request.
	StoreSQL(sql string) (common.SQLHandle, error)
	// ReleaseSQL frees stored SQL on the server. Releasing on a closed connection is a no-op.
	ReleaseSQL(handle common.SQLHandle) error
	// Closed returns whether the connection was closed, either by Close or by a failure
	Closed() bool
	// Close closes the connection and all its streams. Close is idempotent.
	Close() error
}

// --------------------------------------------------------------------------
// Stream
// --------------------------------------------------------------------------

// IStream is a logical request channel on a connection.
// Server side state (e.g. an open transaction) is bound to the stream.
type IStream interface {
	// Send sends all requests in one round trip and returns one response per request.
	// The returned error is set if the round trip itself failed; errors of single
	// requests are reported in Response.Err.
	Send(ctx context.Context, reqs []common.Request) ([]common.Response, error)
	// Close closes the stream. Close is idempotent.
	Close() error
}
