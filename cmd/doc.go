// Package cmd implements the command-line interface of wsql. It provides a
// hierarchical command structure for running statements against a database
// through the wsql client.
//
// The package is organized into several subpackages:
//
//   - db: Commands for executing statements, batches and transactions, and a
//     performance testing tool (exec, batch, tx, perf)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Every flag can also be set as environment variable with the prefix WSQL_
// (e.g. WSQL_URL, WSQL_AUTH_TOKEN), or in a .env / .env.local file.
//
// See wsql -help for a list of all commands.
package cmd
