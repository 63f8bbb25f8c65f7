package client

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/wsql/rpc/common"
	"github.com/ValentinKolb/wsql/rpc/transport"
	"github.com/google/uuid"
	"sync"
	"sync/atomic"
)

// --------------------------------------------------------------------------
// Lease
// --------------------------------------------------------------------------

// Lease is a stream on one connection, borrowed from the Manager.
// The connection of a lease stays open until the lease is closed, even if the
// manager already rotated to a newer connection. Every lease must be closed.
type Lease struct {
	id      uuid.UUID
	manager *Manager
	session *connSession
	stream  transport.IStream

	// sendMu serializes round trips on the stream
	sendMu sync.Mutex

	closeOnce sync.Once
	closed    atomic.Bool
}

// Closed returns whether the lease was closed
func (l *Lease) Closed() bool {
	return l.closed.Load()
}

// Execute runs a single statement in its own round trip
func (l *Lease) Execute(ctx context.Context, stmt common.Statement) (*common.ResultSet, error) {
	p := l.Pipeline()
	step := p.Execute(stmt)
	if err := p.Flush(ctx); err != nil {
		return nil, err
	}
	return step.Result()
}

// ExecuteBatch runs the statements in order in one round trip. Execution stops
// at the first failing statement; the results of the statements before the
// failure are returned together with the error.
func (l *Lease) ExecuteBatch(ctx context.Context, stmts []common.Statement) ([]*common.ResultSet, error) {
	p := l.Pipeline()
	step := p.Batch(stmts)
	if err := p.Flush(ctx); err != nil {
		return nil, err
	}
	return step.BatchResult()
}

// Pipeline creates a new request queue on the lease
func (l *Lease) Pipeline() *Pipeline {
	return &Pipeline{lease: l}
}

// Close closes the stream and gives the lease back to the manager. If the
// lease was the last one on a connection that was already replaced, the
// connection is closed as well. Close is idempotent.
func (l *Lease) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		if l.stream != nil {
			err = l.stream.Close()
		}
		l.manager.releaseLease(l)
		openLeases.Add(-1)
	})
	return err
}

// --------------------------------------------------------------------------
// Pipeline
// --------------------------------------------------------------------------

// Pipeline queues requests and sends all of them in a single round trip on
// Flush. The results are available from the returned steps after Flush.
// A pipeline must not be used from multiple goroutines.
type Pipeline struct {
	lease *Lease
	reqs  []common.Request
	steps []*Step
}

// Step is the handle of a single queued request
type Step struct {
	reqType common.RequestType
	flushed bool
	result  *common.ResultSet
	batch   []*common.ResultSet
	err     error
}

// Result returns the result of an Execute step
func (s *Step) Result() (*common.ResultSet, error) {
	if !s.flushed {
		return nil, errNotFlushed
	}
	if s.reqType != common.ReqTExecute {
		return nil, errWrongStepType
	}
	return s.result, s.err
}

// BatchResult returns the results of a Batch step. If the batch failed, the
// results of the statements before the failing one are returned with the error.
func (s *Step) BatchResult() ([]*common.ResultSet, error) {
	if !s.flushed {
		return nil, errNotFlushed
	}
	if s.reqType != common.ReqTBatch {
		return nil, errWrongStepType
	}
	return s.batch, s.err
}

// Err returns the error of the step (nil if the step succeeded)
func (s *Step) Err() error {
	if !s.flushed {
		return errNotFlushed
	}
	return s.err
}

// Execute queues a single statement
func (p *Pipeline) Execute(stmt common.Statement) *Step {
	return p.add(common.NewExecuteRequest(stmt))
}

// Batch queues a list of statements that run in order
func (p *Pipeline) Batch(stmts []common.Statement) *Step {
	return p.add(common.NewBatchRequest(stmts))
}

// Len returns the number of queued requests
func (p *Pipeline) Len() int {
	return len(p.reqs)
}

func (p *Pipeline) add(req common.Request) *Step {
	step := &Step{reqType: req.ReqType}
	p.reqs = append(p.reqs, req)
	p.steps = append(p.steps, step)
	return step
}

// Flush sends every queued request in one round trip and empties the queue.
// The returned error is only set if the round trip failed as a whole (the
// error then is also set on every step); errors of single requests are
// reported by their step.
func (p *Pipeline) Flush(ctx context.Context) error {
	reqs, steps := p.reqs, p.steps
	p.reqs, p.steps = nil, nil
	if len(reqs) == 0 {
		return nil
	}

	resps, err := p.lease.send(ctx, reqs)
	if err == nil && len(resps) != len(reqs) {
		err = fmt.Errorf("%w: got %d responses for %d requests", common.ErrProtocol, len(resps), len(reqs))
	}
	if err != nil {
		for _, step := range steps {
			step.flushed, step.err = true, err
		}
		return err
	}

	for i, step := range steps {
		step.flushed = true
		step.result = resps[i].Result
		step.batch = resps[i].Batch
		step.err = asProtocolError(resps[i].Err)
	}
	return nil
}

// send performs one round trip. The requests are copied before the statement
// cache rewrites them, the caller's statements are never modified.
func (l *Lease) send(ctx context.Context, reqs []common.Request) ([]common.Response, error) {
	if l.closed.Load() {
		return nil, errLeaseClosed
	}
	if l.manager.Closed() {
		return nil, fmt.Errorf("%w: cannot send on connection %s", common.ErrClientClosed, l.session.id)
	}

	out := make([]common.Request, len(reqs))
	var stmts []*common.Statement
	for i, req := range reqs {
		out[i] = req
		switch req.ReqType {
		case common.ReqTExecute:
			stmts = append(stmts, &out[i].Stmt)
		case common.ReqTBatch:
			out[i].Batch = append([]common.Statement(nil), req.Batch...)
			for j := range out[i].Batch {
				stmts = append(stmts, &out[i].Batch[j])
			}
		}
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	unpin := l.session.applyCache(stmts)
	defer unpin()

	roundTrips.Inc()
	resps, err := l.stream.Send(ctx, out)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, common.AsTransportError(err)
	}
	return resps, nil
}
