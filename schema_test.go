package mcp_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/MegaGrindStone/go-mcp-client"
)

func TestRequestID_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantInt int64
		wantOK  bool
		wantRaw string
	}{
		{
			name:    "integer",
			input:   `{"id":42}`,
			wantInt: 42,
			wantOK:  true,
			wantRaw: "42",
		},
		{
			name:    "string",
			input:   `{"id":"42"}`,
			wantRaw: `"42"`,
		},
		{
			name:    "fraction",
			input:   `{"id":42.5}`,
			wantRaw: "42.5",
		},
		{
			name:    "null",
			input:   `{"id":null}`,
			wantRaw: "null",
		},
		{
			name:  "absent",
			input: `{"method":"notifications/message"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg mcp.JSONRPCMessage
			if err := json.Unmarshal([]byte(tt.input), &msg); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			n, ok := msg.ID.Int()
			if ok != tt.wantOK || n != tt.wantInt {
				t.Errorf("Int() = %d, %v, want %d, %v", n, ok, tt.wantInt, tt.wantOK)
			}
			if msg.ID.String() != tt.wantRaw {
				t.Errorf("String() = %q, want %q", msg.ID.String(), tt.wantRaw)
			}
			if msg.ID.IsZero() != (tt.wantRaw == "") {
				t.Errorf("IsZero() = %v", msg.ID.IsZero())
			}
		})
	}
}

func TestJSONRPCMessage_MarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		msg  mcp.JSONRPCMessage
		want string
	}{
		{
			name: "request",
			msg: mcp.JSONRPCMessage{
				JSONRPC: mcp.JSONRPCVersion,
				ID:      mcp.IntID(1),
				Method:  mcp.MethodInitialize,
				Params:  json.RawMessage(`{"protocolVersion":"2024-11-05"}`),
			},
			want: `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`,
		},
		{
			name: "notification omits id",
			msg: mcp.JSONRPCMessage{
				JSONRPC: mcp.JSONRPCVersion,
				Method:  "notifications/initialized",
			},
			want: `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		},
		{
			name: "string id is kept verbatim",
			msg: mcp.JSONRPCMessage{
				JSONRPC: mcp.JSONRPCVersion,
				ID:      mcp.RequestID(`"abc"`),
				Result:  json.RawMessage(`{}`),
			},
			want: `{"jsonrpc":"2.0","id":"abc","result":{}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.msg)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestInitializeParams_MarshalJSON(t *testing.T) {
	params := mcp.InitializeParams{
		ProtocolVersion: mcp.ProtocolVersion,
		Capabilities: mcp.ClientCapabilities{
			Tools: &mcp.ToolsCapability{},
		},
		ClientInfo: mcp.Info{Name: "local-mcp-client", Version: "1.0.0"},
	}

	got, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := `{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"clientInfo":{"name":"local-mcp-client","version":"1.0.0"}}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestJSONRPCError_Error(t *testing.T) {
	var err error = &mcp.JSONRPCError{Code: -32601, Message: "method not found"}

	if err.Error() != "request error, code: -32601, message: method not found" {
		t.Errorf("unexpected message %q", err.Error())
	}

	var rpcErr *mcp.JSONRPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32601 {
		t.Errorf("expected errors.As to find the code, got %v", rpcErr)
	}
}

func TestCallToolResult_FirstText(t *testing.T) {
	tests := []struct {
		name   string
		result string
		want   string
		wantOK bool
	}{
		{
			name:   "text",
			result: `{"content":[{"type":"text","text":"Sunny, 20°C"},{"type":"text","text":"ignored"}]}`,
			want:   "Sunny, 20°C",
			wantOK: true,
		},
		{
			name:   "empty content",
			result: `{"content":[]}`,
		},
		{
			name:   "missing content",
			result: `{}`,
		},
		{
			name:   "non-text first entry",
			result: `{"content":[{"type":"image","data":"aGVsbG8=","mimeType":"image/png"}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var result mcp.CallToolResult
			if err := json.Unmarshal([]byte(tt.result), &result); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got, ok := result.FirstText()
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("FirstText() = %q, %v, want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
