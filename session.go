package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionOption is a function that configures a session.
type SessionOption func(*Session)

// Session is one conversation with one tool server. It owns the transport, the framing
// of its inbound stream and the table of pending requests; nothing is shared between
// sessions, so a host may run several side by side.
//
// A Session must be created using NewSession and started with Start before any request
// is made. It cannot be restarted: once Close is called, or the transport ends on its
// own, every pending and future request fails with ErrSessionClosed.
type Session struct {
	id         string
	transport  Transport
	correlator *Correlator
	logger     *slog.Logger

	clientInfo     Info
	capabilities   ClientCapabilities
	requestTimeout time.Duration
	unsolicited    UnsolicitedHandler

	mu         sync.RWMutex
	serverInfo Info
	serverCaps ServerCapabilities

	closeOnce sync.Once
	closeErr  error
}

var defaultClientInfo = Info{
	Name:    "go-mcp-client",
	Version: "1.0.0",
}

// WithSessionLogger sets the logger of the session and its correlator.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithClientInfo sets the client name and version announced in the initialize handshake.
func WithClientInfo(info Info) SessionOption {
	return func(s *Session) {
		s.clientInfo = info
	}
}

// WithSessionRequestTimeout bounds how long each request may wait for its response.
// See WithRequestTimeout.
func WithSessionRequestTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) {
		s.requestTimeout = timeout
	}
}

// WithSessionUnsolicitedHandler receives inbound messages that answer no pending request.
// See WithUnsolicitedHandler.
func WithSessionUnsolicitedHandler(handler UnsolicitedHandler) SessionOption {
	return func(s *Session) {
		s.unsolicited = handler
	}
}

// NewSession creates a session over transport. The transport must not have been started.
func NewSession(transport Transport, options ...SessionOption) *Session {
	s := &Session{
		id:         uuid.New().String(),
		transport:  transport,
		logger:     slog.Default(),
		clientInfo: defaultClientInfo,
		capabilities: ClientCapabilities{
			Tools: &ToolsCapability{},
		},
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With("session", s.id)

	corrOptions := []CorrelatorOption{
		WithCorrelatorLogger(s.logger),
		WithRequestTimeout(s.requestTimeout),
	}
	if s.unsolicited != nil {
		corrOptions = append(corrOptions, WithUnsolicitedHandler(s.unsolicited))
	}
	s.correlator = NewCorrelator(transport.Send, corrOptions...)

	return s
}

// ID returns the random identifier of the session, used to correlate its log lines.
func (s *Session) ID() string {
	return s.id
}

// Start starts the transport and waits until the server is ready for requests. If the
// server never becomes ready the session is closed and the error returned.
func (s *Session) Start(ctx context.Context) error {
	if err := s.transport.Start(ctx, s.correlator.Dispatch); err != nil {
		s.correlator.Close(err)
		if cErr := s.transport.Close(); cErr != nil {
			s.logger.Warn("failed to close transport", "err", cErr)
		}
		return fmt.Errorf("failed to start session: %w", err)
	}

	go s.watchTransport()

	s.logger.Debug("session started")
	return nil
}

// Call sends a request and returns its pending handle without waiting, so independent
// requests can be pipelined on one session.
func (s *Session) Call(ctx context.Context, method string, params any) (*Call, error) {
	return s.correlator.Send(ctx, method, params)
}

// Request sends a request and waits for its response. A protocol error answered by the
// server is returned as an error wrapping *JSONRPCError.
func (s *Session) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	call, err := s.correlator.Send(ctx, method, params)
	if err != nil {
		return nil, err
	}

	outcome, err := call.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if outcome.IsError() {
		return nil, fmt.Errorf("%s: %w", method, outcome.Error)
	}

	return outcome.Result, nil
}

// Notify sends a notification.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	return s.correlator.Notify(ctx, method, params)
}

// Initialize performs the handshake: an initialize request, then the
// notifications/initialized notification once the server has answered. The content of
// the answer is informational; a result that cannot be decoded or announces another
// protocol revision is logged, not rejected. An error answer fails the handshake.
func (s *Session) Initialize(ctx context.Context) (InitializeResult, error) {
	call, err := s.SendInitialize(ctx)
	if err != nil {
		return InitializeResult{}, err
	}
	return s.CompleteInitialize(ctx, call)
}

// SendInitialize sends the initialize request without waiting for the answer. Pass the
// returned call to CompleteInitialize.
func (s *Session) SendInitialize(ctx context.Context) (*Call, error) {
	return s.correlator.Send(ctx, MethodInitialize, InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    s.capabilities,
		ClientInfo:      s.clientInfo,
	})
}

// CompleteInitialize waits for the answer to call, records the server's info and sends
// notifications/initialized.
func (s *Session) CompleteInitialize(ctx context.Context, call *Call) (InitializeResult, error) {
	outcome, err := call.Wait(ctx)
	if err != nil {
		return InitializeResult{}, fmt.Errorf("%s: %w", MethodInitialize, err)
	}
	if outcome.IsError() {
		return InitializeResult{}, fmt.Errorf("%s: %w", MethodInitialize, outcome.Error)
	}

	var result InitializeResult
	if err := json.Unmarshal(outcome.Result, &result); err != nil {
		s.logger.Warn("failed to unmarshal initialize result", "err", err)
	}
	if result.ProtocolVersion != "" && result.ProtocolVersion != ProtocolVersion {
		s.logger.Warn("server announced a different protocol version",
			"server", result.ProtocolVersion,
			"client", ProtocolVersion,
		)
	}

	s.mu.Lock()
	s.serverInfo = result.ServerInfo
	s.serverCaps = result.Capabilities
	s.mu.Unlock()

	s.logger.Info("session initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
	)

	if err := s.Notify(ctx, methodNotificationsInitialized, nil); err != nil {
		return result, fmt.Errorf("failed to send initialized notification: %w", err)
	}

	return result, nil
}

// ListTools retrieves a page of the tools the server offers.
func (s *Session) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	res, err := s.Request(ctx, MethodToolsList, params)
	if err != nil {
		return ListToolsResult{}, err
	}

	var result ListToolsResult
	if err := json.Unmarshal(res, &result); err != nil {
		return ListToolsResult{}, fmt.Errorf("failed to unmarshal tools/list result: %w", err)
	}

	return result, nil
}

// CallTool invokes the named tool with args, which must marshal to a JSON object, and
// waits for the result. A tool that reports failure through isError still yields a nil
// error here; check CallToolResult.IsError.
func (s *Session) CallTool(ctx context.Context, name string, args any) (CallToolResult, error) {
	call, err := s.SendCallTool(ctx, name, args)
	if err != nil {
		return CallToolResult{}, err
	}
	return DecodeCallTool(ctx, call)
}

// SendCallTool sends a tools/call request without waiting for the result. Pass the
// returned call to DecodeCallTool.
func (s *Session) SendCallTool(ctx context.Context, name string, args any) (*Call, error) {
	return s.correlator.Send(ctx, MethodToolsCall, CallToolParams{
		Name:      name,
		Arguments: args,
	})
}

// DecodeCallTool waits for the answer to a tools/call request and decodes it.
func DecodeCallTool(ctx context.Context, call *Call) (CallToolResult, error) {
	outcome, err := call.Wait(ctx)
	if err != nil {
		return CallToolResult{}, fmt.Errorf("%s: %w", MethodToolsCall, err)
	}
	if outcome.IsError() {
		return CallToolResult{}, fmt.Errorf("%s: %w", MethodToolsCall, outcome.Error)
	}

	var result CallToolResult
	if len(outcome.Result) == 0 {
		return result, nil
	}
	if err := json.Unmarshal(outcome.Result, &result); err != nil {
		return CallToolResult{}, fmt.Errorf("failed to unmarshal tools/call result: %w", err)
	}

	return result, nil
}

// Ping checks that the server still answers requests.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.Request(ctx, MethodPing, nil)
	return err
}

// ServerInfo returns the server's info, as announced during Initialize.
func (s *Session) ServerInfo() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverInfo
}

// ToolServerSupported returns true if the server announced tool support during Initialize.
func (s *Session) ToolServerSupported() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverCaps.Tools != nil
}

// Pending returns the number of requests awaiting a response.
func (s *Session) Pending() int {
	return s.correlator.Pending()
}

// Done returns a channel that is closed when the transport has ended.
func (s *Session) Done() <-chan struct{} {
	return s.transport.Done()
}

// Close ends the transport and fails every pending request. It is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.transport.Close()
		s.correlator.Close(nil)
		s.logger.Debug("session closed")
	})
	return s.closeErr
}

func (s *Session) watchTransport() {
	<-s.transport.Done()

	err := s.transport.Err()
	if err != nil {
		s.logger.Error("transport ended", "err", err)
	}
	s.correlator.Close(err)
}

// FirstText returns the text of the first content entry of the result. ok is false when
// the result has no content or the first entry carries no text.
func (r CallToolResult) FirstText() (text string, ok bool) {
	if len(r.Content) == 0 || r.Content[0].Text == "" {
		return "", false
	}
	return r.Content[0].Text, true
}

// IsSessionClosed reports whether err was caused by the session ending.
func IsSessionClosed(err error) bool {
	return errors.Is(err, ErrSessionClosed)
}
