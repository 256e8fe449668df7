package mcp_test

import (
	"bytes"
	"io"
	"slices"
	"strings"
	"testing"

	"github.com/MegaGrindStone/go-mcp-client"
)

const framerStream = `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}
not json at all

{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info","data":"héllo wörld"}}
   {"jsonrpc":"2.0","id":2,"error":{"code":-32601,"message":"method not found"}}
{"jsonrpc":"2.0","id":
{"jsonrpc":"2.0","id":3,"result":"日本語"}
`

func feedAll(f *mcp.Framer, chunks ...[]byte) []string {
	var out []string
	for _, chunk := range chunks {
		for msg := range f.Feed(chunk) {
			out = append(out, frameKey(msg))
		}
	}
	return out
}

func frameKey(msg mcp.JSONRPCMessage) string {
	var b strings.Builder
	b.WriteString(msg.ID.String())
	b.WriteString("|")
	b.WriteString(msg.Method)
	b.WriteString("|")
	b.Write(msg.Result)
	if msg.Error != nil {
		b.WriteString("|")
		b.WriteString(msg.Error.Message)
	}
	return b.String()
}

func TestFramerDecodesFrames(t *testing.T) {
	got := feedAll(mcp.NewFramer(), []byte(framerStream))

	want := []string{
		`1||{"ok":true}`,
		`|notifications/message|`,
		`2|||method not found`,
		`3||"日本語"`,
	}
	if !slices.Equal(got, want) {
		t.Fatalf("got frames %q, want %q", got, want)
	}
}

func TestFramerChunkBoundaryIndependence(t *testing.T) {
	stream := []byte(framerStream)
	want := feedAll(mcp.NewFramer(), stream)

	// Every single split point, including ones inside multi-byte characters.
	for i := 0; i <= len(stream); i++ {
		got := feedAll(mcp.NewFramer(), stream[:i], stream[i:])
		if !slices.Equal(got, want) {
			t.Fatalf("split at %d: got %q, want %q", i, got, want)
		}
	}

	// Byte by byte.
	f := mcp.NewFramer()
	var chunks [][]byte
	for i := range stream {
		chunks = append(chunks, stream[i:i+1])
	}
	if got := feedAll(f, chunks...); !slices.Equal(got, want) {
		t.Fatalf("byte by byte: got %q, want %q", got, want)
	}
	if f.Buffered() != 0 {
		t.Errorf("expected empty buffer, got %d bytes", f.Buffered())
	}
}

func TestFramerKeepsPartialLine(t *testing.T) {
	f := mcp.NewFramer()

	partial := `{"jsonrpc":"2.0","id":7,"res`
	if got := feedAll(f, []byte(partial)); len(got) != 0 {
		t.Fatalf("expected no frames from a partial line, got %q", got)
	}
	if f.Buffered() != len(partial) {
		t.Fatalf("expected %d buffered bytes, got %d", len(partial), f.Buffered())
	}

	got := feedAll(f, []byte(`ult":null}`+"\n"))
	want := []string{`7||null`}
	if !slices.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestFramerTruncatedLineDoesNotCorruptNext(t *testing.T) {
	f := mcp.NewFramer()

	got := feedAll(f,
		[]byte(`{"jsonrpc":"2.0","id":`+"\n"),
		[]byte(`{"jsonrpc":"2.0","id":4,`),
		[]byte(`"result":{}}`+"\n"),
	)
	want := []string{`4||{}`}
	if !slices.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestFramerNeverRedeliversAfterEarlyStop(t *testing.T) {
	f := mcp.NewFramer()

	var first []string
	for msg := range f.Feed([]byte(framerStream)) {
		first = append(first, frameKey(msg))
		break
	}
	rest := feedAll(f, nil)

	all := append(first, rest...)
	want := feedAll(mcp.NewFramer(), []byte(framerStream))
	if !slices.Equal(all, want) {
		t.Fatalf("got %q, want %q", all, want)
	}
}

func TestFramerOversizedLine(t *testing.T) {
	f := mcp.NewFramer(mcp.WithFramerMaxLineSize(64))

	huge := bytes.Repeat([]byte("x"), 100)
	if got := feedAll(f, huge); len(got) != 0 {
		t.Fatalf("expected no frames, got %q", got)
	}
	if f.Buffered() != 0 {
		t.Fatalf("expected oversized line to be dropped, %d bytes buffered", f.Buffered())
	}

	// The remainder of the oversized line is skipped, the next line is intact.
	got := feedAll(f, []byte(`more garbage`+"\n"+`{"jsonrpc":"2.0","id":9,"result":1}`+"\n"))
	want := []string{`9||1`}
	if !slices.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestReadFrames(t *testing.T) {
	r, w := io.Pipe()

	go func() {
		for _, part := range []string{`{"jsonrpc":"2.0",`, `"id":1,"result":1}` + "\n" + `{"jsonrpc"`, `:"2.0","id":2,"result":2}` + "\n" + `{"tail":`} {
			_, _ = w.Write([]byte(part))
		}
		w.Close()
	}()

	var got []string
	for msg := range mcp.ReadFrames(r, mcp.NewFramer()) {
		got = append(got, frameKey(msg))
	}

	want := []string{`1||1`, `2||2`}
	if !slices.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}
