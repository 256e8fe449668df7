// Package mcptest provides a scripted weather tool server for exercising the client
// against a real peer. The same Server answers over newline-delimited stdio, when the
// test binary re-executes itself as a helper process, and over HTTP Server-Sent Events.
//
// A Behavior selects how the server misbehaves, so tests can reproduce noisy streams,
// premature exits, protocol errors and servers that never answer.
package mcptest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/MegaGrindStone/go-mcp-client"
)

// Behavior selects a scripted deviation from a well-behaved server.
type Behavior string

const (
	// BehaviorDefault answers every request promptly and correctly.
	BehaviorDefault Behavior = ""
	// BehaviorSplitBanner writes the readiness banner in two pieces.
	BehaviorSplitBanner Behavior = "split-banner"
	// BehaviorNoisy precedes every frame with a non-JSON line and a truncated JSON line
	// carrying the same id, then writes the real frame in two halves.
	BehaviorNoisy Behavior = "noisy"
	// BehaviorNoBanner never announces readiness.
	BehaviorNoBanner Behavior = "no-banner"
	// BehaviorExitBeforeReady exits with a failure status before the banner.
	BehaviorExitBeforeReady Behavior = "exit-before-ready"
	// BehaviorExitOnCall exits with a failure status when a tool is called.
	BehaviorExitOnCall Behavior = "exit-on-call"
	// BehaviorToolError answers tool calls with isError set.
	BehaviorToolError Behavior = "tool-error"
	// BehaviorNoContent answers tool calls with an empty content list.
	BehaviorNoContent Behavior = "no-content"
	// BehaviorSilent never answers tool calls.
	BehaviorSilent Behavior = "silent"
	// BehaviorLinger keeps running after its stdin is closed.
	BehaviorLinger Behavior = "linger"
	// BehaviorLog sends a notifications/message before every tool result.
	BehaviorLog Behavior = "log"
)

const (
	// Banner is the readiness line written to stderr.
	Banner = "Weather MCP Server running on stdio"

	// ToolErrorText is the text of the result sent under BehaviorToolError.
	ToolErrorText = "weather service unavailable"

	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// Tools is the tool list the server advertises.
var Tools = []mcp.Tool{
	{
		Name:        "get-forecast",
		Description: "Get weather forecast for a location",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"latitude":{"type":"number"},"longitude":{"type":"number"}},"required":["latitude","longitude"]}`),
	},
	{
		Name:        "get-alerts",
		Description: "Get weather alerts for a state",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"state":{"type":"string"}},"required":["state"]}`),
	},
}

var errExitRequested = errors.New("exit requested by behavior")

// Server answers the initialize, ping, tools/list and tools/call methods. Tool results
// echo the tool name and its raw arguments, "<name> <arguments>", so tests can check
// exactly what the client sent.
type Server struct {
	behavior Behavior

	// trace receives one line per inbound message, "recv <method>" for requests and
	// notifications and "recv response" otherwise.
	trace io.Writer
	// mu serializes trace lines from concurrent SSE requests.
	mu sync.Mutex
}

// NewServer creates a server with the given behavior. trace may be nil.
func NewServer(behavior Behavior, trace io.Writer) *Server {
	if trace == nil {
		trace = io.Discard
	}
	return &Server{
		behavior: behavior,
		trace:    trace,
	}
}

// handle returns the frames to send back for msg. A non-nil error asks the caller to
// end the server.
func (s *Server) handle(msg mcp.JSONRPCMessage) ([]mcp.JSONRPCMessage, error) {
	method := msg.Method
	if method == "" {
		method = "response"
	}
	s.mu.Lock()
	fmt.Fprintf(s.trace, "recv %s\n", method)
	s.mu.Unlock()

	if msg.Method == "" || msg.ID.IsZero() {
		// Responses and notifications need no answer.
		return nil, nil
	}

	switch msg.Method {
	case mcp.MethodInitialize:
		return s.reply(msg.ID, mcp.InitializeResult{
			ProtocolVersion: mcp.ProtocolVersion,
			Capabilities: mcp.ServerCapabilities{
				Tools: &mcp.ToolsCapability{},
			},
			ServerInfo: mcp.Info{Name: "weather", Version: "1.0.0"},
		})
	case mcp.MethodPing:
		return s.reply(msg.ID, struct{}{})
	case mcp.MethodToolsList:
		return s.reply(msg.ID, mcp.ListToolsResult{Tools: Tools})
	case mcp.MethodToolsCall:
		return s.callTool(msg)
	default:
		return []mcp.JSONRPCMessage{errorReply(msg.ID, codeMethodNotFound, "method not found: "+msg.Method)}, nil
	}
}

func (s *Server) callTool(msg mcp.JSONRPCMessage) ([]mcp.JSONRPCMessage, error) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return []mcp.JSONRPCMessage{errorReply(msg.ID, codeInvalidParams, err.Error())}, nil
	}

	known := false
	for _, tool := range Tools {
		if tool.Name == params.Name {
			known = true
			break
		}
	}
	if !known {
		return []mcp.JSONRPCMessage{errorReply(msg.ID, codeInvalidParams, "unknown tool: "+params.Name)}, nil
	}

	var out []mcp.JSONRPCMessage
	switch s.behavior {
	case BehaviorExitOnCall:
		return nil, errExitRequested
	case BehaviorSilent:
		return nil, nil
	case BehaviorToolError:
		return s.reply(msg.ID, mcp.CallToolResult{
			Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: ToolErrorText}},
			IsError: true,
		})
	case BehaviorNoContent:
		return s.reply(msg.ID, mcp.CallToolResult{Content: []mcp.Content{}})
	case BehaviorLog:
		out = append(out, mcp.JSONRPCMessage{
			JSONRPC: mcp.JSONRPCVersion,
			Method:  "notifications/message",
			Params:  json.RawMessage(`{"level":"info","logger":"weather","data":"fetching ` + params.Name + `"}`),
		})
	}

	res, err := s.reply(msg.ID, mcp.CallToolResult{
		Content: []mcp.Content{{
			Type: mcp.ContentTypeText,
			Text: params.Name + " " + string(params.Arguments),
		}},
	})
	return append(out, res...), err
}

func (s *Server) reply(id mcp.RequestID, result any) ([]mcp.JSONRPCMessage, error) {
	resBs, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return []mcp.JSONRPCMessage{{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	}}, nil
}

func errorReply(id mcp.RequestID, code int, message string) mcp.JSONRPCMessage {
	return mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      id,
		Error: &mcp.JSONRPCError{
			Code:    code,
			Message: message,
		},
	}
}
