// Package transport defines the contract between the wsql session manager and
// the transport layer that actually talks to the database server.
//
// The wire protocol itself (framing, handshake, statement encoding) is not
// part of this module. A transport only has to provide the capabilities below,
// the session manager takes care of connection rotation, recovery, stream
// tracking and statement caching on top of them.
//
// Key Components:
//
//   - IConnector: Creates connections for an endpoint. The session manager calls
//     it for the initial connection, for background rotation and for recovery.
//
//   - IConnection: One multiplexed connection. Reports the negotiated protocol
//     version (stored SQL requires version 2), opens streams and stores SQL
//     text on the server.
//
//   - IStream: A logical request channel. Send transmits several requests in a
//     single round trip, which is what makes pipelining possible.
//
// Implementations:
//
//   - embedded: Runs statements against an in-process SQLite database.
//   - transporttest: A scriptable fake used by the tests.
package transport
