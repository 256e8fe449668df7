package mcp_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-mcp-client"
	"github.com/tmaxmax/go-sse"
)

// endpointHandler upgrades the request and announces endpoint, then keeps the stream
// open until hold is closed or the client goes away.
func endpointHandler(endpoint string, hold <-chan struct{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		msg := &sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(endpoint)
		if err := sess.Send(msg); err != nil {
			return
		}
		if err := sess.Flush(); err != nil {
			return
		}

		select {
		case <-hold:
		case <-r.Context().Done():
		}
	}
}

func TestSSEConnectionNegativeCases(t *testing.T) {
	testCases := []struct {
		name    string
		handler http.HandlerFunc
		wantErr error
	}{
		{
			name: "non 200 status",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "gone", http.StatusGone)
			},
		},
		{
			name: "stream ends before endpoint",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "text/event-stream")
				w.WriteHeader(http.StatusOK)
				_, _ = io.WriteString(w, ": keep-alive\n\n")
			},
			wantErr: mcp.ErrNotReady,
		},
		{
			name:    "invalid endpoint URL",
			handler: endpointHandler("http://[::1", nil),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			cli := mcp.NewSSEClient(srv.URL, srv.Client())
			defer cli.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			err := cli.Start(ctx, discard)
			if err == nil {
				t.Fatal("expected start to fail")
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Errorf("expected %v, got %v", tc.wantErr, err)
			}

			select {
			case <-cli.Done():
			case <-time.After(time.Second):
				t.Fatal("expected the transport to be ended")
			}
		})
	}
}

func TestSSEClientSendBeforeStart(t *testing.T) {
	cli := mcp.NewSSEClient("http://127.0.0.1:0/sse", nil)

	if err := cli.Send(context.Background(), []byte("{}\n")); err == nil {
		t.Fatal("expected send before start to fail")
	}
	if err := cli.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	select {
	case <-cli.Done():
	default:
		t.Fatal("expected Done to be closed")
	}
}

func TestSSEClientStreamLossFailsPending(t *testing.T) {
	hold := make(chan struct{})
	mux := http.NewServeMux()
	mux.Handle("/sse", endpointHandler("/message", hold))
	mux.HandleFunc("/message", func(w http.ResponseWriter, _ *http.Request) {
		// Accept the request, then drop the stream instead of answering it.
		w.WriteHeader(http.StatusAccepted)
		close(hold)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sess := mcp.NewSession(mcp.NewSSEClient(srv.URL+"/sse", srv.Client()))
	defer sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sess.Start(ctx); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	_, err := sess.Request(ctx, mcp.MethodPing, nil)
	if !mcp.IsSessionClosed(err) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if strings.HasSuffix(err.Error(), mcp.ErrSessionClosed.Error()) {
		t.Errorf("expected the stream loss to be named as the cause, got %v", err)
	}
}
