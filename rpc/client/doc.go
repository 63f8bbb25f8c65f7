// Package client implements the client side of wsql: a session manager that
// owns the connection to a database endpoint and hands out streams to callers.
//
// The package focuses on:
//   - Hiding the connection lifecycle (handshake latency, connection aging,
//     connection failures) behind a request/response and transaction API
//   - Saving round trips: stored SQL instead of SQL text, pipelined requests
//   - Never closing a connection that still has open streams
//
// Key Components:
//
//   - Client: The public API. Execute, ExecuteBatch and BeginTransaction borrow a
//     stream (Lease) from the Manager for the duration of the call.
//
//   - Manager: Owns the current connection. Connections older than the rotation
//     interval are replaced in the background (rotation); failed rotations are
//     logged and ignored. A connection found closed is replaced synchronously
//     (recovery). A replaced connection is closed by its last lease.
//
//   - Lease: A stream on one connection. Requests queued on a Pipeline are sent
//     in a single round trip on Flush.
//
//   - Transaction: An interactive transaction on one lease. BEGIN is sent in the
//     same round trip as the first statement.
//
//   - Statement cache: Every connection that supports stored SQL (protocol
//     version 2 or newer) keeps up to StatementCacheCapacity SQL texts stored on
//     the server. Evicting an entry releases the stored SQL on the server.
//
// Usage Example:
//
//	config := &common.ClientConfig{URL: "libsql://db.example.com", AuthToken: token}
//	c, err := client.New(ctx, config, connector)
//	if err != nil {
//	  return err
//	}
//	defer c.Close()
//
//	res, err := c.Execute(ctx, common.NewStatement("SELECT * FROM users WHERE id = ?", 42))
//
//	tx, _ := c.BeginTransaction(ctx, client.TxWrite)
//	_, err = tx.Execute(ctx, common.NewStatement("UPDATE users SET name = ? WHERE id = ?", "bob", 42))
//	if err != nil {
//	  tx.Rollback(ctx)
//	  return err
//	}
//	err = tx.Commit(ctx)
//
// Errors:
//
//	All errors wrap one of the sentinel errors of the common package and can be
//	classified with errors.Is or common.KindOf. Requests are never retried by
//	the client.
//
// Thread Safety:
//
//	Client and Manager are safe for concurrent use. A Lease, Pipeline or
//	Transaction belongs to one goroutine at a time.
package client
