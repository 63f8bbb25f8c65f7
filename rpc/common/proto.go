package common

import (
	"encoding/json"
	"fmt"
)

// --------------------------------------------------------------------------
// Statement Structure
// --------------------------------------------------------------------------

// SQLHandle is a server-held reference to SQL text that was stored on a
// connection. The zero value means "no handle".
type SQLHandle uint64

// Statement is a single SQL statement with its bound parameters.
// It is a tagged union: either SQL holds the statement text, or Handle
// references SQL text previously stored on the same connection.
type Statement struct {
	SQL       string         `json:"sql,omitempty"`
	Handle    SQLHandle      `json:"sql_id,omitempty"`
	Args      []any          `json:"args,omitempty"`       // positional parameters
	NamedArgs map[string]any `json:"named_args,omitempty"` // named parameters (e.g. :name, $name, @name)
}

// NewStatement creates a new text statement with positional arguments
func NewStatement(sql string, args ...any) Statement {
	return Statement{
		SQL:  sql,
		Args: args,
	}
}

// IsStored returns whether the statement references stored SQL instead of carrying the text
func (s *Statement) IsStored() bool {
	return s.Handle != 0
}

// UseHandle rewrites the statement to reference stored SQL
func (s *Statement) UseHandle(handle SQLHandle) {
	s.Handle = handle
	s.SQL = ""
}

// String returns a short description of the statement (used for logging)
func (s Statement) String() string {
	if s.IsStored() {
		return fmt.Sprintf("stmt{sql_id=%d, args=%d}", s.Handle, len(s.Args)+len(s.NamedArgs))
	}
	sql := s.SQL
	if len(sql) > 40 {
		sql = sql[:37] + "..."
	}
	return fmt.Sprintf("stmt{sql=%q, args=%d}", sql, len(s.Args)+len(s.NamedArgs))
}

// --------------------------------------------------------------------------
// Request / Response Structure
// --------------------------------------------------------------------------

// Request is a single operation sent over a stream.
// Several requests can be sent in one round trip (pipelining).
type Request struct {
	// Type of request
	ReqType RequestType `json:"type"`

	Stmt  Statement   `json:"stmt,omitempty"`  // Used for: Execute
	Batch []Statement `json:"batch,omitempty"` // Used for: Batch
}

// NewExecuteRequest creates a new Execute request
func NewExecuteRequest(stmt Statement) Request {
	return Request{
		ReqType: ReqTExecute,
		Stmt:    stmt,
	}
}

// NewBatchRequest creates a new Batch request
func NewBatchRequest(stmts []Statement) Request {
	return Request{
		ReqType: ReqTBatch,
		Batch:   stmts,
	}
}

// Response is the answer to a single Request.
// Err is set if the request failed, otherwise Result (Execute) or
// Batch (Batch) holds the result. The statements of a batch run in order and
// execution stops at the first failing statement; Batch then holds the results
// of the statements before the failure.
type Response struct {
	Result *ResultSet   `json:"result,omitempty"`
	Batch  []*ResultSet `json:"batch,omitempty"`
	Err    error        `json:"-"`
}

// ResultSet is the result of a single statement
type ResultSet struct {
	Columns         []string `json:"columns"`
	Rows            [][]any  `json:"rows"`
	RowsAffected    int64    `json:"rows_affected"`
	LastInsertRowID int64    `json:"last_insert_rowid,omitempty"`
}

// --------------------------------------------------------------------------
// Request Type
// --------------------------------------------------------------------------

// RequestType identifies the operation of a Request
type RequestType uint8

const (
	ReqTUnknown RequestType = iota
	ReqTExecute             // Execute a single statement
	ReqTBatch               // Execute a list of statements in order
)

// String returns the string representation of the request type
func (t RequestType) String() string {
	switch t {
	case ReqTExecute:
		return "execute"
	case ReqTBatch:
		return "batch"
	default:
		return "unknown"
	}
}

// MarshalJSON implements the json.Marshaller interface for RequestType.
func (t RequestType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for RequestType.
func (t *RequestType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	switch s {
	case "execute":
		*t = ReqTExecute
	case "batch":
		*t = ReqTBatch
	default:
		return fmt.Errorf("unknown request type: %s", s)
	}

	return nil
}
