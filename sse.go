package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/tmaxmax/go-sse"
)

// SSEClient implements Transport for tool servers reached over HTTP Server-Sent Events.
// A GET on the connect URL opens the event stream; the server's first "endpoint" event
// names the URL that outgoing frames are POSTed to and doubles as the readiness signal.
// Subsequent "message" events each carry one JSON-RPC frame.
//
// Instances should be created using NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	maxPayloadSize int

	started    atomic.Bool
	messageURL string
	cancel     context.CancelFunc
	ready      chan struct{}
	done       chan struct{}
	err        error
	closing    atomic.Bool
	closeOnce  sync.Once
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

var errSSENotConnected = errors.New("sse client is not connected")

// NewSSEClient creates an SSE transport that connects to connectURL. The optional
// httpClient parameter allows custom HTTP client configuration; if nil, the default
// HTTP client is used.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default(),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithSSEClientMaxPayloadSize sets the maximum size of the payload that can be received
// from the server. If the payload size exceeds this limit, the error will be logged and
// the client will be disconnected.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientLogger sets the logger of the SSE client.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger
	}
}

// Start opens the event stream and waits for the endpoint event. The stream stays open
// until Close, independently of ctx.
func (s *SSEClient) Start(ctx context.Context, handle func(JSONRPCMessage)) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("sse client already started")
	}

	connCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		return s.failStart(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return s.failStart(fmt.Errorf("failed to connect to SSE server: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return s.failStart(fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}

	readyErrs := make(chan error, 1)
	go s.listenSSEMessages(resp.Body, handle, readyErrs)

	select {
	case <-s.ready:
		return nil
	case err := <-readyErrs:
		s.Close()
		return err
	case <-s.done:
		if err := s.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrNotReady, err)
		}
		return ErrNotReady
	case <-ctx.Done():
		s.Close()
		return fmt.Errorf("wait for endpoint event: %w", ctx.Err())
	}
}

// Send transmits a JSON-RPC frame to the server through an HTTP POST request. The
// provided context allows request cancellation. Returns an error if the request cannot
// be created, or the server responds with a non-2xx status code.
func (s *SSEClient) Send(ctx context.Context, frame []byte) error {
	select {
	case <-s.ready:
	default:
		return errSSENotConnected
	}

	r := bytes.NewReader(frame)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.messageURL, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

// Done returns a channel that is closed once the event stream has ended.
func (s *SSEClient) Done() <-chan struct{} {
	return s.done
}

// Err reports why the event stream ended. It is nil after Close.
func (s *SSEClient) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close disconnects from the server. It is idempotent.
func (s *SSEClient) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		if s.started.CompareAndSwap(false, true) {
			// Never started: there is no stream to wait for.
			close(s.done)
			return
		}
		if s.cancel != nil {
			s.cancel()
		}
		<-s.done
	})
	return nil
}

func (s *SSEClient) failStart(err error) error {
	s.cancel()
	s.err = err
	close(s.done)
	return err
}

func (s *SSEClient) listenSSEMessages(body io.ReadCloser, handle func(JSONRPCMessage), readyErrs chan<- error) {
	var streamErr error
	defer func() {
		body.Close()
		if !s.closing.Load() {
			if streamErr == nil {
				streamErr = io.ErrUnexpectedEOF
			}
			s.err = streamErr
		}
		close(s.done)
	}()

	var config *sse.ReadConfig
	if s.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: s.maxPayloadSize,
		}
	}

	connected := false
	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) && !s.closing.Load() {
				s.logger.Error("failed to read SSE message", "err", err)
				streamErr = err
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			if connected {
				s.logger.Warn("ignoring repeated endpoint event", "data", ev.Data)
				continue
			}
			u, err := s.resolveEndpoint(ev.Data)
			if err != nil {
				streamErr = err
				readyErrs <- err
				return
			}
			s.messageURL = u
			connected = true
			close(s.ready)
		case "message":
			// Messages are only meaningful once we know where to answer them.
			if !connected {
				s.logger.Error("received message before endpoint URL")
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				s.logger.Debug("dropping undecodable message", "err", err, "data", ev.Data)
				continue
			}

			handle(msg)
		default:
			s.logger.Debug("unhandled event type", "type", ev.Type)
		}
	}
}

// resolveEndpoint turns the endpoint event payload into an absolute URL. Servers commonly
// send a path relative to the connect URL.
func (s *SSEClient) resolveEndpoint(data string) (string, error) {
	if data == "" {
		return "", errors.New("empty endpoint URL")
	}
	base, err := url.Parse(s.connectURL)
	if err != nil {
		return "", fmt.Errorf("parse connect URL: %w", err)
	}
	ref, err := url.Parse(data)
	if err != nil {
		return "", fmt.Errorf("parse endpoint URL: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}
