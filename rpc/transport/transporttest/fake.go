package transporttest

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/wsql/rpc/common"
	"github.com/ValentinKolb/wsql/rpc/transport"
	"sync"
)

// DefaultVersion is the protocol version reported by fake connections
const DefaultVersion = 3

// --------------------------------------------------------------------------
// Connector
// --------------------------------------------------------------------------

// Connector is a scriptable in-memory transport.IConnector.
// Every connection it creates is kept, so tests can inspect round trips,
// stored SQL, released handles and close calls afterwards.
type Connector struct {
	mu            sync.Mutex
	schemes       []string
	version       int
	connectErrs   []error
	connectGate   chan struct{}
	handshakeGate chan struct{}
	connectCalls  int
	conns         []*Conn
}

// NewConnector creates a fake connector that serves ws and wss endpoints
func NewConnector() *Connector {
	return &Connector{
		schemes: []string{"ws", "wss"},
		version: DefaultVersion,
	}
}

// SetSchemes restricts the schemes the connector claims to serve
func (c *Connector) SetSchemes(schemes ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.schemes = schemes
}

// SetVersion sets the protocol version of connections created afterwards
func (c *Connector) SetVersion(version int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version = version
}

// FailNextConnect makes the next Connect call fail with err.
// Calling it several times queues several failures.
func (c *Connector) FailNextConnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErrs = append(c.connectErrs, err)
}

// BlockConnect makes Connect calls block until the returned release function is called
func (c *Connector) BlockConnect() (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.connectGate = gate
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if c.connectGate == gate {
				c.connectGate = nil
			}
			c.mu.Unlock()
			close(gate)
		})
	}
}

// BlockHandshake makes connections created afterwards hold their handshake
// (ProtocolVersion) until the returned release function is called
func (c *Connector) BlockHandshake() (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.handshakeGate = gate
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if c.handshakeGate == gate {
				c.handshakeGate = nil
			}
			c.mu.Unlock()
			close(gate)
		})
	}
}

// ConnectCalls returns how often Connect was called (including failed calls)
func (c *Connector) ConnectCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectCalls
}

// Connections returns all successfully created connections in creation order
func (c *Connector) Connections() []*Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Conn(nil), c.conns...)
}

// Last returns the most recently created connection (or nil)
func (c *Connector) Last() *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.conns) == 0 {
		return nil
	}
	return c.conns[len(c.conns)-1]
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IConnector)
// --------------------------------------------------------------------------

func (c *Connector) GetName() string {
	return "fake"
}

func (c *Connector) Schemes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.schemes...)
}

func (c *Connector) Connect(ctx context.Context, endpoint common.Endpoint) (transport.IConnection, error) {
	c.mu.Lock()
	c.connectCalls++
	gate := c.connectGate
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.connectErrs) > 0 {
		err := c.connectErrs[0]
		c.connectErrs = c.connectErrs[1:]
		return nil, err
	}

	conn := newConn(len(c.conns)+1, endpoint, c.version, c.handshakeGate)
	c.conns = append(c.conns, conn)
	return conn, nil
}

// --------------------------------------------------------------------------
// Connection
// --------------------------------------------------------------------------

// Conn is a fake transport.IConnection
type Conn struct {
	ID       int
	Endpoint common.Endpoint

	version   int
	handshake chan struct{}

	mu           sync.Mutex
	closed       bool
	closeCalls   int
	versionCalls int
	nextHandle   common.SQLHandle
	stored       map[common.SQLHandle]string
	storeCalls   int
	released     map[common.SQLHandle]int
	failing      map[string]error
	failingStore map[string]error
	roundTrips   int
	executed     []string
	streams      []*Stream
}

func newConn(id int, endpoint common.Endpoint, version int, handshake chan struct{}) *Conn {
	if handshake == nil {
		handshake = make(chan struct{})
		close(handshake)
	}
	return &Conn{
		ID:        id,
		Endpoint:  endpoint,
		version:   version,
		handshake: handshake,
		stored:    make(map[common.SQLHandle]string),
		released:  make(map[common.SQLHandle]int),
		failing:   make(map[string]error),

		failingStore: make(map[string]error),
	}
}

// Kill simulates an asynchronous connection failure: the connection reports
// itself as closed although nobody called Close
func (c *Conn) Kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// FailSQL makes every execution of sql fail with a protocol error
func (c *Conn) FailSQL(sql string, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failing[sql] = fmt.Errorf("%w: %s", common.ErrProtocol, msg)
}

// FailStore makes StoreSQL fail for sql with a protocol error
func (c *Conn) FailStore(sql string, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failingStore[sql] = fmt.Errorf("%w: %s", common.ErrProtocol, msg)
}

// CloseCalls returns how often Close was called
func (c *Conn) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

// VersionCalls returns how often ProtocolVersion was called
func (c *Conn) VersionCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.versionCalls
}

// StoreCalls returns how often StoreSQL was called
func (c *Conn) StoreCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.storeCalls
}

// Stored returns the SQL text currently stored for handle
func (c *Conn) Stored(handle common.SQLHandle) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sql, ok := c.stored[handle]
	return sql, ok
}

// StoredCount returns the number of currently stored SQL texts
func (c *Conn) StoredCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stored)
}

// Released returns how often each handle was released
func (c *Conn) Released() map[common.SQLHandle]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[common.SQLHandle]int, len(c.released))
	for k, v := range c.released {
		out[k] = v
	}
	return out
}

// RoundTrips returns the number of Send calls over all streams
func (c *Conn) RoundTrips() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roundTrips
}

// Executed returns the SQL texts of all executed statements in order
// (stored SQL is resolved to its text)
func (c *Conn) Executed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.executed...)
}

// Streams returns all streams opened on the connection
func (c *Conn) Streams() []*Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Stream(nil), c.streams...)
}

// OpenStreams returns the number of streams that are not closed
func (c *Conn) OpenStreams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.streams {
		if !s.closed {
			n++
		}
	}
	return n
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IConnection)
// --------------------------------------------------------------------------

func (c *Conn) ProtocolVersion(ctx context.Context) (int, error) {
	c.mu.Lock()
	c.versionCalls++
	c.mu.Unlock()

	select {
	case <-c.handshake:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, fmt.Errorf("%w: connection %d closed during handshake", common.ErrTransport, c.ID)
	}
	return c.version, nil
}

func (c *Conn) OpenStream(_ context.Context) (transport.IStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%w: connection %d is closed", common.ErrTransport, c.ID)
	}
	s := &Stream{conn: c, ID: len(c.streams) + 1}
	c.streams = append(c.streams, s)
	return s, nil
}

func (c *Conn) StoreSQL(sql string) (common.SQLHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, fmt.Errorf("%w: connection %d is closed", common.ErrTransport, c.ID)
	}
	if c.version < 2 {
		return 0, fmt.Errorf("%w: stored sql requires protocol version 2", common.ErrProtocol)
	}
	if err, ok := c.failingStore[sql]; ok {
		return 0, err
	}
	c.storeCalls++
	c.nextHandle++
	c.stored[c.nextHandle] = sql
	return c.nextHandle, nil
}

func (c *Conn) ReleaseSQL(handle common.SQLHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released[handle]++
	delete(c.stored, handle)
	return nil
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	c.closed = true
	for _, s := range c.streams {
		s.closed = true
	}
	return nil
}

// --------------------------------------------------------------------------
// Stream
// --------------------------------------------------------------------------

// Stream is a fake transport.IStream.
// Every executed statement returns one row with one column "sql" holding the
// executed SQL text.
type Stream struct {
	ID int

	conn       *Conn
	closed     bool
	closeCalls int
	requests   [][]common.Request
}

// Requests returns the requests of every round trip on this stream
func (s *Stream) Requests() [][]common.Request {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return append([][]common.Request(nil), s.requests...)
}

// CloseCalls returns how often Close was called on the stream
func (s *Stream) CloseCalls() int {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.closeCalls
}

// IsClosed returns whether the stream is closed
func (s *Stream) IsClosed() bool {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.closed
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IStream)
// --------------------------------------------------------------------------

func (s *Stream) Send(ctx context.Context, reqs []common.Request) ([]common.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := s.conn
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("%w: connection %d is closed", common.ErrTransport, c.ID)
	}
	if s.closed {
		return nil, fmt.Errorf("%w: stream %d is closed", common.ErrTransport, s.ID)
	}

	c.roundTrips++
	s.requests = append(s.requests, append([]common.Request(nil), reqs...))

	resps := make([]common.Response, len(reqs))
	for i, req := range reqs {
		switch req.ReqType {
		case common.ReqTExecute:
			resps[i].Result, resps[i].Err = c.executeLocked(req.Stmt)
		case common.ReqTBatch:
			results := make([]*common.ResultSet, 0, len(req.Batch))
			for _, stmt := range req.Batch {
				res, err := c.executeLocked(stmt)
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

func (s *Stream) Close() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	s.closeCalls++
	s.closed = true
	return nil
}

// executeLocked resolves the statement text and records the execution.
// c.mu must be held.
func (c *Conn) executeLocked(stmt common.Statement) (*common.ResultSet, error) {
	sql := stmt.SQL
	if stmt.IsStored() {
		var ok bool
		sql, ok = c.stored[stmt.Handle]
		if !ok {
			return nil, fmt.Errorf("%w: sql handle %d is not stored", common.ErrProtocol, stmt.Handle)
		}
	}
	if err, ok := c.failing[sql]; ok {
		return nil, err
	}
	c.executed = append(c.executed, sql)
	return &common.ResultSet{
		Columns: []string{"sql"},
		Rows:    [][]any{{sql}},
	}, nil
}
