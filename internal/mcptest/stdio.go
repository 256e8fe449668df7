package mcptest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/go-mcp-client"
)

const (
	// HelperEnv marks a test binary that was re-executed to act as the tool server.
	HelperEnv = "GO_MCP_HELPER_PROCESS"
	// BehaviorEnv carries the Behavior of the helper process.
	BehaviorEnv = "GO_MCP_HELPER_BEHAVIOR"

	// noiseLine is written before frames under BehaviorNoisy.
	noiseLine = "debug: fetching upstream data"

	splitDelay  = 20 * time.Millisecond
	lingerDelay = time.Minute
)

// ServeStdio runs s over newline-delimited JSON-RPC: it announces readiness on diag,
// then answers every frame read from in on out until in is exhausted.
func (s *Server) ServeStdio(in io.Reader, out, diag io.Writer) error {
	if s.behavior == BehaviorExitBeforeReady {
		fmt.Fprintln(diag, "fatal: weather API key is not configured")
		return errExitRequested
	}

	switch s.behavior {
	case BehaviorNoBanner:
		fmt.Fprintln(diag, "booting")
	case BehaviorSplitBanner:
		half := len(Banner) / 2
		fmt.Fprint(diag, "boot complete. "+Banner[:half])
		time.Sleep(splitDelay)
		fmt.Fprintln(diag, Banner[half:])
	default:
		fmt.Fprintln(diag, Banner)
	}

	w := &frameWriter{w: out, noisy: s.behavior == BehaviorNoisy}
	for msg := range mcp.ReadFrames(in, mcp.NewFramer()) {
		replies, err := s.handle(msg)
		if err != nil {
			return err
		}
		for _, reply := range replies {
			if err := w.write(reply); err != nil {
				return err
			}
		}
	}

	if s.behavior == BehaviorLinger {
		fmt.Fprintln(diag, "stdin closed, lingering")
		time.Sleep(lingerDelay)
	}
	return nil
}

type frameWriter struct {
	mu    sync.Mutex
	w     io.Writer
	noisy bool
}

func (fw *frameWriter) write(msg mcp.JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	msgBs = append(msgBs, '\n')

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if !fw.noisy {
		_, err := fw.w.Write(msgBs)
		return err
	}

	truncated := `{"jsonrpc":"2.0","id":` + msg.ID.String()
	if _, err := io.WriteString(fw.w, noiseLine+"\n"+truncated+"\n"); err != nil {
		return err
	}
	half := len(msgBs) / 2
	if _, err := fw.w.Write(msgBs[:half]); err != nil {
		return err
	}
	time.Sleep(splitDelay)
	_, err = fw.w.Write(msgBs[half:])
	return err
}

// RunHelperProcess turns the current test binary into the tool server when it was
// started through HelperCommand. It never returns in that case. Call it first thing in
// TestMain.
func RunHelperProcess() {
	if os.Getenv(HelperEnv) != "1" {
		return
	}

	// Traces share stderr with the banner, where the client mirrors them.
	s := NewServer(Behavior(os.Getenv(BehaviorEnv)), os.Stderr)
	if err := s.ServeStdio(os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "server failed:", err)
		if errors.Is(err, errExitRequested) {
			os.Exit(3)
		}
		os.Exit(1)
	}
	os.Exit(0)
}

// HelperCommand returns the command, arguments and extra environment that start the
// running test binary as a tool server with behavior.
func HelperCommand(behavior Behavior) (command string, args []string, env []string) {
	env = []string{
		HelperEnv + "=1",
		BehaviorEnv + "=" + string(behavior),
	}
	return os.Args[0], []string{"-test.run=^$"}, env
}

// SyncBuffer is a bytes buffer safe for concurrent writers, for capturing a server's
// mirrored stderr.
type SyncBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

// String returns everything written so far.
func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}
