package embedded

import (
	"context"
	"database/sql"
	"fmt"
	"github.com/ValentinKolb/wsql/rpc/common"
	"github.com/ValentinKolb/wsql/rpc/transport"
	_ "github.com/glebarez/go-sqlite" // registers the "sqlite" driver
	"github.com/lni/dragonboat/v4/logger"
	"strings"
	"sync"
)

var (
	Logger = logger.GetLogger("transport")
)

const (
	// DefaultDSN is a named in-memory database shared by all connections of a process
	DefaultDSN = "file:wsql?mode=memory&cache=shared"
	// DefaultProtocolVersion is the protocol version reported by embedded connections
	DefaultProtocolVersion = 3
)

// --------------------------------------------------------------------------
// Connector
// --------------------------------------------------------------------------

// Connector is a transport.IConnector that runs statements against an
// in-process SQLite database instead of a remote server. All connections of
// one connector share the same database handle; every stream gets its own
// SQLite connection, so transactions are bound to streams like on a server.
type Connector struct {
	dsn     string
	version int

	mu sync.Mutex
	db *sql.DB
}

// NewConnector creates a connector for the SQLite data source dsn.
// An empty dsn means DefaultDSN.
func NewConnector(dsn string) *Connector {
	if dsn == "" {
		dsn = DefaultDSN
	}
	return &Connector{
		dsn:     dsn,
		version: DefaultProtocolVersion,
	}
}

// SetProtocolVersion changes the version reported by connections created
// afterward. Versions below 2 disable stored SQL.
func (c *Connector) SetProtocolVersion(version int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version = version
}

// Close closes the shared database handle. Connections created before keep
// failing afterward.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IConnector)
// --------------------------------------------------------------------------

func (c *Connector) GetName() string {
	return "embedded"
}

func (c *Connector) Schemes() []string {
	return []string{"ws", "wss"}
}

func (c *Connector) Connect(ctx context.Context, endpoint common.Endpoint) (transport.IConnection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		db, err := sql.Open("sqlite", c.dsn)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to open embedded database: %v", common.ErrTransport, err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%w: failed to open embedded database: %v", common.ErrTransport, err)
		}
		c.db = db
		Logger.Debugf("opened embedded database %s", c.dsn)
	}

	return &connection{
		db:       c.db,
		endpoint: endpoint,
		version:  c.version,
		stored:   make(map[common.SQLHandle]string),
		streams:  make(map[*stream]struct{}),
	}, nil
}

// --------------------------------------------------------------------------
// Connection
// --------------------------------------------------------------------------

// connection emulates a server connection on top of the shared database handle
type connection struct {
	db       *sql.DB
	endpoint common.Endpoint
	version  int

	mu         sync.Mutex
	closed     bool
	nextHandle common.SQLHandle
	stored     map[common.SQLHandle]string
	streams    map[*stream]struct{}
}

func (c *connection) ProtocolVersion(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, fmt.Errorf("%w: connection is closed", common.ErrTransport)
	}
	return c.version, nil
}

func (c *connection) OpenStream(ctx context.Context) (transport.IStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%w: connection is closed", common.ErrTransport)
	}

	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open stream: %v", common.ErrTransport, err)
	}
	s := &stream{owner: c, conn: conn}
	c.streams[s] = struct{}{}
	return s, nil
}

func (c *connection) StoreSQL(sql string) (common.SQLHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, fmt.Errorf("%w: connection is closed", common.ErrTransport)
	}
	if c.version < 2 {
		return 0, fmt.Errorf("%w: stored sql requires protocol version 2, got %d", common.ErrProtocol, c.version)
	}
	c.nextHandle++
	c.stored[c.nextHandle] = sql
	return c.nextHandle, nil
}

func (c *connection) ReleaseSQL(handle common.SQLHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stored, handle)
	return nil
}

func (c *connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	streams := make([]*stream, 0, len(c.streams))
	for s := range c.streams {
		streams = append(streams, s)
	}
	c.stored = make(map[common.SQLHandle]string)
	c.mu.Unlock()

	for _, s := range streams {
		_ = s.Close()
	}
	return nil
}

// resolve returns the SQL text of a statement
func (c *connection) resolve(stmt common.Statement) (string, error) {
	if !stmt.IsStored() {
		return stmt.SQL, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	sql, ok := c.stored[stmt.Handle]
	if !ok {
		return "", fmt.Errorf("%w: sql handle %d is not stored on this connection", common.ErrProtocol, stmt.Handle)
	}
	return sql, nil
}

func (c *connection) forget(s *stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.streams, s)
}

// --------------------------------------------------------------------------
// Stream
// --------------------------------------------------------------------------

// stream owns one SQLite connection, so transaction state stays on the stream
type stream struct {
	owner *connection

	mu       sync.Mutex
	conn     *sql.Conn
	closed   bool
	readOnly bool
}

func (s *stream) Send(ctx context.Context, reqs []common.Request) ([]common.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.owner.Closed() {
		return nil, fmt.Errorf("%w: stream is closed", common.ErrTransport)
	}

	resps := make([]common.Response, len(reqs))
	for i, req := range reqs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch req.ReqType {
		case common.ReqTExecute:
			resps[i].Result, resps[i].Err = s.execute(ctx, req.Stmt)
		case common.ReqTBatch:
			results := make([]*common.ResultSet, 0, len(req.Batch))
			for _, stmt := range req.Batch {
				res, err := s.execute(ctx, stmt)
				if err != nil {
					resps[i].Err = err
					break
				}
				results = append(results, res)
			}
			resps[i].Batch = results
		default:
			resps[i].Err = fmt.Errorf("%w: unknown request type %s", common.ErrProtocol, req.ReqType)
		}
	}
	return resps, nil
}

func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.owner.forget(s)

	// the SQLite connection goes back to the pool, it must not keep an open transaction
	ctx := context.Background()
	if _, err := s.conn.ExecContext(ctx, "ROLLBACK"); err == nil {
		Logger.Debugf("rolled back open transaction of closed stream")
	}
	if s.readOnly {
		_, _ = s.conn.ExecContext(ctx, "PRAGMA query_only = 0")
	}
	return s.conn.Close()
}

// execute runs a single statement. s.mu must be held.
func (s *stream) execute(ctx context.Context, stmt common.Statement) (*common.ResultSet, error) {
	text, err := s.owner.resolve(stmt)
	if err != nil {
		return nil, err
	}
	text, endsTx := s.translate(ctx, text)
	if endsTx {
		defer s.leaveReadOnly(ctx)
	}

	args := bindArgs(stmt)
	if returnsRows(text) {
		return s.query(ctx, text, args)
	}

	res, err := s.conn.ExecContext(ctx, text, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrProtocol, err)
	}
	rs := &common.ResultSet{Columns: []string{}, Rows: [][]any{}}
	if n, err := res.RowsAffected(); err == nil {
		rs.RowsAffected = n
	}
	if id, err := res.LastInsertId(); err == nil {
		rs.LastInsertRowID = id
	}
	return rs, nil
}

func (s *stream) query(ctx context.Context, text string, args []any) (*common.ResultSet, error) {
	rows, err := s.conn.QueryContext(ctx, text, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrProtocol, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrProtocol, err)
	}

	rs := &common.ResultSet{Columns: columns, Rows: [][]any{}}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrProtocol, err)
		}
		rs.Rows = append(rs.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrProtocol, err)
	}
	return rs, nil
}

// translate maps statements SQLite does not understand. It returns whether
// the statement ends a transaction.
func (s *stream) translate(ctx context.Context, text string) (string, bool) {
	switch normalize(text) {
	case "BEGIN TRANSACTION READONLY":
		if _, err := s.conn.ExecContext(ctx, "PRAGMA query_only = 1"); err == nil {
			s.readOnly = true
		}
		return "BEGIN DEFERRED", false
	case "COMMIT", "END", "ROLLBACK", "COMMIT TRANSACTION", "END TRANSACTION", "ROLLBACK TRANSACTION":
		return text, true
	}
	return text, false
}

func (s *stream) leaveReadOnly(ctx context.Context) {
	if !s.readOnly {
		return
	}
	if _, err := s.conn.ExecContext(ctx, "PRAGMA query_only = 0"); err == nil {
		s.readOnly = false
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// normalize upper-cases the statement and collapses whitespace and the trailing semicolon
func normalize(text string) string {
	return strings.ToUpper(strings.Join(strings.Fields(strings.TrimRight(strings.TrimSpace(text), ";")), " "))
}

// returnsRows decides whether the statement is run as query or as exec
func returnsRows(text string) bool {
	n := normalize(text)
	for _, prefix := range []string{"SELECT", "WITH", "PRAGMA", "EXPLAIN", "VALUES"} {
		if strings.HasPrefix(n, prefix) {
			return true
		}
	}
	return strings.Contains(n, " RETURNING ")
}

// bindArgs converts positional and named parameters to database/sql arguments.
// Named parameters may be given with or without their prefix (:name, @name, $name).
func bindArgs(stmt common.Statement) []any {
	args := make([]any, 0, len(stmt.Args)+len(stmt.NamedArgs))
	args = append(args, stmt.Args...)
	for name, value := range stmt.NamedArgs {
		args = append(args, sql.Named(strings.TrimLeft(name, ":@$"), value))
	}
	return args
}
