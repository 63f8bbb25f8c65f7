package client

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/wsql/rpc/common"
	"strings"
	"sync"
)

// TxMode selects how a transaction is started
type TxMode int

const (
	TxWrite    TxMode = iota // BEGIN IMMEDIATE
	TxRead                   // BEGIN TRANSACTION READONLY
	TxDeferred               // BEGIN DEFERRED
)

// String returns the string representation of the transaction mode
func (m TxMode) String() string {
	switch m {
	case TxWrite:
		return "write"
	case TxRead:
		return "read"
	case TxDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

func (m TxMode) beginSQL() string {
	switch m {
	case TxRead:
		return "BEGIN TRANSACTION READONLY"
	case TxDeferred:
		return "BEGIN DEFERRED"
	default:
		return "BEGIN IMMEDIATE"
	}
}

// ParseTxMode parses "write", "read" or "deferred"
func ParseTxMode(s string) (TxMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "write":
		return TxWrite, nil
	case "read":
		return TxRead, nil
	case "deferred":
		return TxDeferred, nil
	default:
		return TxWrite, fmt.Errorf("%w: unknown transaction mode %q, use write, read or deferred", common.ErrConfiguration, s)
	}
}

// --------------------------------------------------------------------------
// Transaction
// --------------------------------------------------------------------------

// Transaction is an interactive transaction bound to one lease.
// BEGIN is not sent on its own: it is sent together with the first statement.
// A transaction that never executed anything does not cause any round trip.
type Transaction struct {
	lease *Lease
	mode  TxMode

	mu     sync.Mutex
	begun  bool
	closed bool
}

func newTransaction(lease *Lease, mode TxMode) *Transaction {
	return &Transaction{lease: lease, mode: mode}
}

// Mode returns the mode the transaction was started with
func (t *Transaction) Mode() TxMode {
	return t.mode
}

// Closed returns whether the transaction was committed, rolled back or closed
func (t *Transaction) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Execute runs a statement inside the transaction
func (t *Transaction) Execute(ctx context.Context, stmt common.Statement) (*common.ResultSet, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, common.ErrTransactionClosed
	}

	if t.begun {
		return t.lease.Execute(ctx, stmt)
	}

	results, err := t.beginWith(ctx, []common.Statement{stmt})
	if len(results) == 0 {
		return nil, err
	}
	return results[0], err
}

// ExecuteBatch runs the statements in order inside the transaction.
// Execution stops at the first failing statement.
func (t *Transaction) ExecuteBatch(ctx context.Context, stmts []common.Statement) ([]*common.ResultSet, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, common.ErrTransactionClosed
	}

	if t.begun {
		return t.lease.ExecuteBatch(ctx, stmts)
	}
	return t.beginWith(ctx, stmts)
}

// beginWith sends BEGIN and the statements as one batch. If BEGIN fails, none
// of the statements runs. t.mu must be held.
func (t *Transaction) beginWith(ctx context.Context, stmts []common.Statement) ([]*common.ResultSet, error) {
	batch := make([]common.Statement, 0, len(stmts)+1)
	batch = append(batch, common.NewStatement(t.mode.beginSQL()))
	batch = append(batch, stmts...)

	results, err := t.lease.ExecuteBatch(ctx, batch)
	if len(results) == 0 {
		// the round trip or BEGIN itself failed
		return nil, err
	}
	t.begun = true
	return results[1:], err
}

// Commit commits the transaction and closes it
func (t *Transaction) Commit(ctx context.Context) error {
	return t.finish(ctx, "COMMIT")
}

// Rollback rolls the transaction back and closes it
func (t *Transaction) Rollback(ctx context.Context) error {
	return t.finish(ctx, "ROLLBACK")
}

func (t *Transaction) finish(ctx context.Context, sql string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return common.ErrTransactionClosed
	}

	var err error
	if t.begun {
		_, err = t.lease.Execute(ctx, common.NewStatement(sql))
	}
	return closeFirstErr(err, t.closeLocked())
}

// Close closes the transaction without committing it. Closing the stream
// makes the server roll back an open transaction. Close is idempotent.
func (t *Transaction) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	return t.closeLocked()
}

func (t *Transaction) closeLocked() error {
	t.closed = true
	return t.lease.Close()
}

func closeFirstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
