package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// WriteFunc delivers one complete, newline-terminated frame to the peer. Implementations
// must write each frame atomically with respect to other calls.
type WriteFunc func(ctx context.Context, frame []byte) error

// UnsolicitedHandler receives every inbound message that does not answer a pending
// request: notifications, requests initiated by the server, and responses that arrive
// after their request was abandoned.
type UnsolicitedHandler func(msg JSONRPCMessage)

// CorrelatorOption represents the options for the Correlator.
type CorrelatorOption func(*Correlator)

// Correlator matches JSON-RPC responses to the requests that caused them. It assigns a
// monotonically increasing integer id to every outgoing request, starting at 1, and keeps
// a table of pending calls keyed by that id. Dispatch resolves the call whose id matches
// an inbound response and removes it from the table; each call resolves exactly once.
//
// The table is guarded by a mutex, so any number of goroutines may have requests in
// flight at the same time. Responses resolve their calls in the order they arrive,
// regardless of the order the requests were sent in.
type Correlator struct {
	write          WriteFunc
	logger         *slog.Logger
	unsolicited    UnsolicitedHandler
	requestTimeout time.Duration

	mu      sync.Mutex
	nextID  int64
	pending map[int64]*Call
	closed  error
}

// Call is the handle of one in-flight request.
type Call struct {
	id     int64
	method string
	c      *Correlator
	timer  *time.Timer

	done    chan struct{}
	outcome Outcome
	err     error
}

// Outcome is the resolved value of a request: either a result or a protocol error
// reported by the peer, never both.
type Outcome struct {
	ID     int64
	Result json.RawMessage
	Error  *JSONRPCError
}

var (
	// ErrRequestTimeout is returned for a request whose response did not arrive within
	// the configured request timeout.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrSessionClosed is returned for requests that cannot complete because the
	// session's transport has shut down.
	ErrSessionClosed = errors.New("session closed")

	defaultCancelNotifyTimeout = 5 * time.Second
)

// NewCorrelator creates a Correlator that writes outgoing frames with write.
func NewCorrelator(write WriteFunc, options ...CorrelatorOption) *Correlator {
	c := &Correlator{
		write:   write,
		logger:  slog.Default(),
		pending: make(map[int64]*Call),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.unsolicited == nil {
		c.unsolicited = logUnsolicited(c.logger)
	}
	return c
}

// WithCorrelatorLogger sets the logger of the correlator. It is also used by the default
// unsolicited message handler.
func WithCorrelatorLogger(logger *slog.Logger) CorrelatorOption {
	return func(c *Correlator) {
		c.logger = logger
	}
}

// WithRequestTimeout bounds how long a request may stay pending. When the deadline
// passes the request is removed from the table and its call resolves with
// ErrRequestTimeout; an answer that arrives later is handled as unsolicited. Zero
// disables the deadline.
func WithRequestTimeout(timeout time.Duration) CorrelatorOption {
	return func(c *Correlator) {
		c.requestTimeout = timeout
	}
}

// WithUnsolicitedHandler replaces the default handler, which logs unsolicited messages.
func WithUnsolicitedHandler(handler UnsolicitedHandler) CorrelatorOption {
	return func(c *Correlator) {
		c.unsolicited = handler
	}
}

// Send allocates the next id, registers a pending call for it and writes the request.
// Registration happens before the write so a response can never arrive ahead of its
// entry in the table. If the write fails the entry is removed and the error returned.
func (c *Correlator) Send(ctx context.Context, method string, params any) (*Call, error) {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}

	c.mu.Lock()
	if c.closed != nil {
		err := c.closed
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	id := c.nextID
	call := &Call{
		id:     id,
		method: method,
		c:      c,
		done:   make(chan struct{}),
	}
	c.pending[id] = call
	if c.requestTimeout > 0 {
		call.timer = time.AfterFunc(c.requestTimeout, func() { c.expire(id) })
	}
	c.mu.Unlock()

	msg.ID = IntID(id)
	msgBs, err := json.Marshal(msg)
	if err != nil {
		c.abandon(id, err)
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := c.write(ctx, append(msgBs, '\n')); err != nil {
		c.abandon(id, err)
		return nil, fmt.Errorf("failed to write %s request: %w", method, err)
	}

	c.logger.Debug("request sent", "id", id, "method", method)

	return call, nil
}

// Notify writes a notification, which carries no id and gets no response.
func (c *Correlator) Notify(ctx context.Context, method string, params any) error {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := c.write(ctx, append(msgBs, '\n')); err != nil {
		return fmt.Errorf("failed to write %s notification: %w", method, err)
	}
	return nil
}

// Dispatch routes one inbound message. A response whose integer id is pending resolves
// that call; everything else goes to the unsolicited handler.
func (c *Correlator) Dispatch(msg JSONRPCMessage) {
	if id, ok := msg.ID.Int(); ok && msg.Method == "" {
		if call := c.take(id); call != nil {
			c.logger.Debug("response received", "id", id, "method", call.method)
			call.resolve(Outcome{ID: id, Result: msg.Result, Error: msg.Error}, nil)
			return
		}
	}
	c.unsolicited(msg)
}

// Close resolves every pending call with an error wrapping ErrSessionClosed and cause,
// and makes later sends fail the same way. Only the first call has any effect.
func (c *Correlator) Close(cause error) {
	c.mu.Lock()
	if c.closed != nil {
		c.mu.Unlock()
		return
	}
	if cause == nil {
		c.closed = ErrSessionClosed
	} else {
		c.closed = fmt.Errorf("%w: %w", ErrSessionClosed, cause)
	}
	closed := c.closed
	calls := make([]*Call, 0, len(c.pending))
	for id, call := range c.pending {
		calls = append(calls, call)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	for _, call := range calls {
		call.stopTimer()
		call.resolve(Outcome{ID: call.id}, closed)
	}
}

// Pending returns the number of requests awaiting a response.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// take removes id from the table and returns its call, or nil when the id is not
// pending. Whoever gets a non-nil call owns its resolution.
func (c *Correlator) take(id int64) *Call {
	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	call.stopTimer()
	return call
}

func (c *Correlator) abandon(id int64, err error) bool {
	call := c.take(id)
	if call == nil {
		return false
	}
	call.resolve(Outcome{ID: id}, err)
	return true
}

func (c *Correlator) expire(id int64) {
	call := c.take(id)
	if call == nil {
		return
	}
	c.logger.Warn("request timed out", "id", id, "method", call.method, "timeout", c.requestTimeout)
	call.resolve(Outcome{ID: id}, fmt.Errorf("%w: %s (id %d) after %s", ErrRequestTimeout, call.method, id, c.requestTimeout))
	c.notifyCancelled(context.Background(), id, timeoutReason)
}

// notifyCancelled tells the peer that the result of id is no longer wanted. Failure is
// only logged: the request is already resolved on this side.
func (c *Correlator) notifyCancelled(ctx context.Context, id int64, reason string) {
	nCtx, nCancel := context.WithTimeout(ctx, defaultCancelNotifyTimeout)
	defer nCancel()

	err := c.Notify(nCtx, methodNotificationsCancelled, notificationsCancelledParams{
		RequestID: id,
		Reason:    reason,
	})
	if err != nil {
		c.logger.Debug("failed to send cancellation", "id", id, "err", err)
	}
}

// ID returns the request id assigned to the call.
func (call *Call) ID() int64 {
	return call.id
}

// Method returns the method of the request.
func (call *Call) Method() string {
	return call.method
}

// Done returns a channel that is closed once the call has resolved.
func (call *Call) Done() <-chan struct{} {
	return call.done
}

// Wait blocks until the call resolves or ctx ends. A protocol error reported by the peer
// is not a Wait error: it is returned in Outcome.Error. The error result is reserved for
// failures to obtain any response (timeout, cancellation, closed session).
//
// When ctx ends first the request is withdrawn from the table and the peer is sent a
// notifications/cancelled for it.
func (call *Call) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-call.done:
		return call.outcome, call.err
	case <-ctx.Done():
	}

	if !call.c.abandon(call.id, ctx.Err()) {
		// Resolved concurrently with the cancellation; the response wins.
		<-call.done
		return call.outcome, call.err
	}
	call.c.notifyCancelled(context.WithoutCancel(ctx), call.id, userCancelledReason)
	return call.outcome, call.err
}

func (call *Call) resolve(outcome Outcome, err error) {
	call.outcome = outcome
	call.err = err
	close(call.done)
}

func (call *Call) stopTimer() {
	if call.timer != nil {
		call.timer.Stop()
	}
}

// Err returns the protocol error carried by the outcome, or nil for a success.
func (o Outcome) Err() error {
	if o.Error == nil {
		return nil
	}
	return o.Error
}

// IsError reports whether the peer answered with an error object.
func (o Outcome) IsError() bool {
	return o.Error != nil
}

// logUnsolicited returns the default UnsolicitedHandler. Server log notifications are
// re-emitted at their own severity; any other message is logged verbatim.
func logUnsolicited(logger *slog.Logger) UnsolicitedHandler {
	return func(msg JSONRPCMessage) {
		if msg.Method == methodNotificationsMessage {
			var params LogParams
			if err := json.Unmarshal(msg.Params, &params); err == nil {
				logger.Log(context.Background(), params.Level.slogLevel(), "server log",
					"logger", params.Logger,
					"data", string(params.Data),
				)
				return
			}
		}

		msgBs, err := json.Marshal(msg)
		if err != nil {
			logger.Error("failed to marshal unsolicited message", "err", err)
			return
		}
		logger.Info("unsolicited message", "method", msg.Method, "id", msg.ID.String(), "message", string(msgBs))
	}
}
