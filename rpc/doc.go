// Package rpc contains the client and the transport abstractions of wsql.
//
// The package is organized into several subpackages:
//
//   - common: Core data structures and utilities used across the packages,
//     including the statement/request model, the client configuration, the
//     error kinds and logging.
//
//   - transport: Connection abstractions (IConnector, IConnection, IStream)
//     with pluggable implementations. The embedded transport runs an in-process
//     SQLite database; transporttest provides a scriptable fake and a
//     conformance test suite for connectors.
//
//   - client: The session manager and the public client API (statements,
//     batches, transactions) built on top of a transport.
package rpc
