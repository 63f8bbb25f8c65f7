package client

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/wsql/rpc/common"
	"github.com/ValentinKolb/wsql/rpc/transport"
	"slices"
	"strings"
	"time"
)

// Client is the entry point for applications. It is safe for concurrent use.
// Every call borrows a stream from the session manager and gives it back
// afterward; transactions keep their stream until they are finished.
type Client struct {
	config   *common.ClientConfig
	endpoint common.Endpoint
	manager  *Manager
}

// New validates the configuration and connects to the endpoint.
// Configuration problems are reported before any network activity.
func New(ctx context.Context, config *common.ClientConfig, connector transport.IConnector) (*Client, error) {
	return newClient(ctx, config, connector, time.Now)
}

func newClient(ctx context.Context, config *common.ClientConfig, connector transport.IConnector, now func() time.Time) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("%w: missing client configuration", common.ErrConfiguration)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	endpoint, err := config.Endpoint()
	if err != nil {
		return nil, err
	}

	if err := checkConnector(connector, endpoint); err != nil {
		return nil, err
	}

	if exp, ok := config.AuthTokenExpiry(); ok && !exp.After(now()) {
		Logger.Warningf("the auth token expired at %s, the server will most likely reject it", exp.Format(time.RFC3339))
	}

	manager, err := newManager(ctx, connector, endpoint, config, now)
	if err != nil {
		return nil, err
	}

	Logger.Debugf("client connected to %s (transport: %s)", endpoint.URL(), connector.GetName())
	return &Client{
		config:   config,
		endpoint: endpoint,
		manager:  manager,
	}, nil
}

// checkConnector makes sure the connector can serve the scheme of the endpoint
func checkConnector(connector transport.IConnector, endpoint common.Endpoint) error {
	if connector == nil {
		return fmt.Errorf("%w: no transport configured for %s urls", common.ErrTransportUnsupported, endpoint.Scheme)
	}

	schemes := connector.Schemes()
	if slices.Contains(schemes, endpoint.Scheme) {
		return nil
	}
	if len(schemes) == 0 {
		return fmt.Errorf("%w: the %s transport does not support any url scheme", common.ErrTransportUnsupported, connector.GetName())
	}
	return fmt.Errorf("%w: the %s transport does not support %s urls, please use a %s: url instead",
		common.ErrTransportUnsupported, connector.GetName(), endpoint.Scheme, strings.Join(schemes, ": or "))
}

// --------------------------------------------------------------------------
// Statement execution
// --------------------------------------------------------------------------

// Execute runs a single statement (outside of any transaction)
func (c *Client) Execute(ctx context.Context, stmt common.Statement) (*common.ResultSet, error) {
	lease, err := c.manager.openLease(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.Close()

	return lease.Execute(ctx, stmt)
}

// ExecuteBatch runs the statements in a transaction of the given mode.
// BEGIN, the statements and COMMIT are sent in one round trip, together with
// a ROLLBACK that only takes effect if one of the statements failed.
// The results of the statements before the failing one are returned with the error.
func (c *Client) ExecuteBatch(ctx context.Context, mode TxMode, stmts []common.Statement) ([]*common.ResultSet, error) {
	if c.manager.Closed() {
		return nil, fmt.Errorf("%w: cannot execute batch", common.ErrClientClosed)
	}
	if len(stmts) == 0 {
		return nil, nil
	}

	lease, err := c.manager.openLease(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.Close()

	batch := make([]common.Statement, 0, len(stmts)+2)
	batch = append(batch, common.NewStatement(mode.beginSQL()))
	batch = append(batch, stmts...)
	batch = append(batch, common.NewStatement("COMMIT"))

	p := lease.Pipeline()
	step := p.Batch(batch)
	p.Execute(common.NewStatement("ROLLBACK")) // fails if COMMIT succeeded, ignored
	if err := p.Flush(ctx); err != nil {
		return nil, err
	}

	results, err := step.BatchResult()
	switch {
	case len(results) == 0:
		// BEGIN failed
		return nil, err
	case len(results) > len(stmts):
		// everything up to COMMIT (included if err == nil) ran
		return results[1 : len(stmts)+1], err
	default:
		return results[1:], err
	}
}

// BeginTransaction starts an interactive transaction. BEGIN is sent with the
// first statement of the transaction. The transaction must be committed,
// rolled back or closed by the caller.
func (c *Client) BeginTransaction(ctx context.Context, mode TxMode) (*Transaction, error) {
	lease, err := c.manager.openLease(ctx)
	if err != nil {
		return nil, err
	}
	return newTransaction(lease, mode), nil
}

// Lease borrows a stream for callers that want to pipeline requests
// themselves (see Lease.Pipeline). The lease must be closed by the caller.
func (c *Client) Lease(ctx context.Context) (*Lease, error) {
	return c.manager.openLease(ctx)
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Close closes the client and its connection. Every later call fails with
// common.ErrClientClosed. Close is idempotent.
func (c *Client) Close() error {
	return c.manager.Close()
}

// Closed returns whether Close was called
func (c *Client) Closed() bool {
	return c.manager.Closed()
}

// State returns the state of the session manager (for diagnostics)
func (c *Client) State() ManagerState {
	return c.manager.State()
}

// Endpoint returns the validated endpoint the client connects to
func (c *Client) Endpoint() common.Endpoint {
	return c.endpoint
}
