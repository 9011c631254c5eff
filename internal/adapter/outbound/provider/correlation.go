// Package provider implements the three Provider Client transports
// (stdio, sse, streamable_http) against the outbound.ProviderClient port.
package provider

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	domainprovider "github.com/xiaozhi-mcp/xzproxy/internal/domain/provider"
)

// callResult is what a correlator delivers to a waiting caller: either a
// raw JSON-RPC result payload, or an error (possibly a *domainprovider.ProtocolError
// carrying the upstream's verbatim code/message).
type callResult struct {
	result json.RawMessage
	err    error
}

// correlator maps outstanding JSON-RPC request ids to the channel their
// caller is waiting on. Used by the stdio and SSE transports, both of
// which multiplex requests and responses over one persistent stream;
// the streaming-HTTP transport has no need for it since each call is its
// own self-contained request/response round trip.
//
// Each Provider Client owns its correlation table (id -> waiter)
// exclusively on the reader task.
type correlator struct {
	nextID int64

	mu      sync.Mutex
	pending map[int64]chan callResult
	closed  bool
	done    chan struct{}
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[int64]chan callResult), done: make(chan struct{})}
}

// Done returns a channel closed once closeAll has run, letting a health
// monitor block until the underlying transport goes away.
func (c *correlator) Done() <-chan struct{} {
	return c.done
}

// newID allocates the next request id.
func (c *correlator) newID() int64 {
	return atomic.AddInt64(&c.nextID, 1)
}

// register opens a waiter for id. Must be called before the request is
// sent, so a same-goroutine-fast response can never race the map insert.
func (c *correlator) register(id int64) (chan callResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	ch := make(chan callResult, 1)
	c.pending[id] = ch
	return ch, true
}

// forget removes a waiter without resolving it, used after a caller times
// out so a late response doesn't leak the channel.
func (c *correlator) forget(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// resolve delivers a result to the waiter for id, if one is registered.
// A response with an unknown id (late arrival after timeout, or a stray
// frame) is silently dropped.
func (c *correlator) resolve(id int64, result callResult) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		ch <- result
	}
}

// closeAll fails every outstanding waiter with err (ErrTransportClosed on
// an unexpected close, ErrCancelled on a deliberate Stop) and marks the
// correlator closed so no further waiters can register.
func (c *correlator) closeAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan callResult)
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- callResult{err: err}
	}
	if !alreadyClosed {
		close(c.done)
	}
}

// rpcErrorObj is the wire shape of a JSON-RPC error object.
type rpcErrorObj struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcFrame is a loosely-typed view over any JSON-RPC frame sufficient to
// route it: either a response (has "id" and one of result/error) or a
// request/notification (has "method").
type rpcFrame struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcErrorObj    `json:"error,omitempty"`
}

// asProtocolError converts a wire error object to the domain ProtocolError,
// surfacing the upstream code/message verbatim ("All failures
// surface the upstream JSON-RPC error code verbatim when one is
// provided.").
func (e *rpcErrorObj) asProtocolError() error {
	if e == nil {
		return nil
	}
	return &domainprovider.ProtocolError{Code: e.Code, Message: e.Message}
}
