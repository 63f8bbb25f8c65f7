// Package common provides core data structures and utilities shared across
// the wsql client. It defines the statement model, configuration structures,
// error kinds and logging used by the other packages.
//
// The package focuses on:
//   - Statement, request and result definitions exchanged with transports
//   - Client configuration, URL parsing and validation
//   - Error kinds every failure is classified into
//   - Custom logging implementation integrated with Dragonboat's logger package
//
// Key Components:
//
//   - Statement: A single SQL statement with its parameters. A statement either
//     carries its SQL text or a handle to SQL text stored on the connection.
//
//   - Request / Response: The unit of work sent over a stream. Several requests
//     can be sent in one round trip.
//
//   - ClientConfig: Configuration of a client. Endpoint() validates the URL
//     scheme (ws, wss, libsql), the TLS setting and the auth token before any
//     network activity takes place.
//
//   - Errors: ErrConfiguration, ErrClientClosed, ErrTransportUnsupported,
//     ErrTransport, ErrProtocol and ErrTransactionClosed. Use errors.Is or
//     KindOf to classify an error.
//
//   - Logger: Custom logging implementation that plugs into Dragonboat's
//     logging system while providing consistent formatting across the application.
package common
