// Package mcp implements a small client for Model Context Protocol (MCP) tool servers,
// following the specification at https://spec.modelcontextprotocol.io/specification/.
//
// The package drives a tool server that speaks JSON-RPC 2.0, most commonly a child
// process exchanging newline-delimited frames over its standard streams. It is built
// from three independent pieces:
//
//   - Framer splits an inbound byte stream into JSON-RPC frames, tolerating frames split
//     across reads and silently dropping lines that are not JSON.
//   - Correlator assigns request ids, keeps the table of pending requests and resolves
//     each one when the response with its id arrives, in arrival order.
//   - Transport implementations own the connection: Process spawns the server, watches its
//     stderr for a readiness banner and stops it; SSEClient talks to a server over HTTP
//     Server-Sent Events.
//
// Session ties one Transport to one Correlator and offers the typed MCP operations
// (Initialize, ListTools, CallTool, Ping) on top of the general-purpose Request and Call.
package mcp
