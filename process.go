package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// ProcessConfig describes the tool server executable a Process spawns.
type ProcessConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess, in "KEY=VALUE" form.
	// They are appended to the current process environment.
	Env []string

	// Dir is the working directory of the subprocess. Empty means the current directory.
	Dir string

	// ReadyBanner is the text the server writes to its stderr once it can accept
	// requests. Empty means the server is considered ready as soon as it is spawned.
	ReadyBanner string

	// Stderr receives a copy of everything the server writes to its stderr.
	// Defaults to os.Stderr.
	Stderr io.Writer

	// StopTimeout is how long Stop waits for the server to exit after its stdin is
	// closed before killing it. Defaults to 2 seconds.
	StopTimeout time.Duration

	// MaxLineSize bounds the size of an unterminated stdout line. See WithFramerMaxLineSize.
	MaxLineSize int

	// Logger is the structured logger for process diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Process implements Transport by running a tool server as a child process and
// exchanging newline-delimited JSON-RPC over its stdin and stdout. The child's stderr is
// mirrored to ProcessConfig.Stderr and watched for the readiness banner.
//
// A Process runs at most once: it is never restarted, and once the child exits the
// transport has ended for good.
type Process struct {
	cfg    ProcessConfig
	logger *slog.Logger

	started atomic.Bool
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	stderr  io.ReadCloser

	writeMessages chan processMessage
	ready         chan struct{}
	readyOnce     sync.Once
	stopping      chan struct{}
	stopOnce      sync.Once
	done          chan struct{}
	err           error
}

type processMessage struct {
	frame []byte
	errs  chan error
}

var (
	// ErrNotReady is returned when the server goes away before signalling readiness.
	ErrNotReady = errors.New("server exited before it was ready")

	errProcessStopped    = errors.New("process is stopped")
	errProcessNotStarted = errors.New("process is not started")

	defaultStopTimeout = 2 * time.Second
)

// NewProcess creates a Process for cfg. Nothing is spawned until Start.
func NewProcess(cfg ProcessConfig) *Process {
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Process{
		cfg:           cfg,
		logger:        logger,
		writeMessages: make(chan processMessage),
		ready:         make(chan struct{}),
		stopping:      make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start spawns the child with all three standard streams piped, so it never inherits
// this process's stdin. It returns once the readiness banner has been seen on the
// child's stderr, or with an error if the child exits first or ctx ends. Call Stop in
// every case to release the child.
func (p *Process) Start(ctx context.Context, handle func(JSONRPCMessage)) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("process already started")
	}

	p.logger.Info("starting server process", "command", p.cfg.Command, "args", p.cfg.Args)

	// The child's lifetime is governed by Stop, not by ctx, so exec.Command is used
	// rather than exec.CommandContext.
	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	cmd.Dir = p.cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return p.failStart(fmt.Errorf("create stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return p.failStart(fmt.Errorf("create stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return p.failStart(fmt.Errorf("create stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		stderr.Close()
		stdout.Close()
		stdin.Close()
		return p.failStart(fmt.Errorf("start subprocess %s: %w", p.cfg.Command, err))
	}

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = stdout
	p.stderr = stderr

	p.logger.Info("server process started", "pid", cmd.Process.Pid)

	if p.cfg.ReadyBanner == "" {
		p.markReady()
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.readStdout(handle)
	}()
	go func() {
		defer readers.Done()
		p.readStderr()
	}()
	go p.processWriteMessages()
	go p.wait(&readers)

	select {
	case <-p.ready:
		p.logger.Debug("server process ready", "pid", cmd.Process.Pid)
		return nil
	case <-p.done:
		if err := p.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrNotReady, err)
		}
		return ErrNotReady
	case <-ctx.Done():
		if err := p.Stop(); err != nil {
			p.logger.Warn("failed to stop server process", "err", err)
		}
		return fmt.Errorf("wait for server readiness: %w", ctx.Err())
	}
}

// Ready returns a channel that is closed once the readiness banner has been seen.
func (p *Process) Ready() <-chan struct{} {
	return p.ready
}

// Send queues frame for the writer goroutine and waits until it has been written to the
// child's stdin.
func (p *Process) Send(ctx context.Context, frame []byte) error {
	if !p.started.Load() {
		return errProcessNotStarted
	}

	msg := processMessage{
		frame: frame,
		errs:  make(chan error, 1),
	}

	// Queue the message for sending so concurrent frames are never interleaved.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopping:
		return errProcessStopped
	case <-p.done:
		return p.exitedErr()
	case p.writeMessages <- msg:
	}

	select {
	case err := <-msg.errs:
		if err != nil {
			return fmt.Errorf("write to subprocess stdin: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel that is closed once the child has exited and its output has
// been drained.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err returns the child's exit error once Done is closed. A child that exits with
// status 0, or that was stopped by Stop, reports nil.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Pid returns the child's process id, or 0 when it has not been spawned.
func (p *Process) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Stop terminates the child: its stdin is closed so it can exit on its own, and it is
// killed if it is still running after StopTimeout. Stop is idempotent; calls after the
// first, or after the child already exited, do nothing and return nil.
func (p *Process) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		err = p.stop()
	})
	return err
}

// Close implements Transport. It is equivalent to Stop.
func (p *Process) Close() error {
	return p.Stop()
}

func (p *Process) stop() error {
	close(p.stopping)

	// Never started: end the transport so Done observers are released.
	if p.started.CompareAndSwap(false, true) {
		close(p.done)
		return nil
	}
	if p.cmd == nil {
		return nil
	}

	select {
	case <-p.done:
		return nil
	default:
	}

	p.logger.Info("stopping server process", "pid", p.cmd.Process.Pid)

	// Closing stdin is the polite request to exit.
	if err := p.stdin.Close(); err != nil {
		p.logger.Debug("failed to close subprocess stdin", "err", err)
	}

	timer := time.NewTimer(p.cfg.StopTimeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}

	p.logger.Warn("server process did not exit gracefully, killing", "pid", p.cmd.Process.Pid)
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill subprocess: %w", err)
	}

	// A grandchild may still hold the output pipes open; the readers must not wait for it.
	p.stdout.Close()
	p.stderr.Close()
	<-p.done

	return nil
}

func (p *Process) failStart(err error) error {
	p.err = err
	close(p.done)
	return err
}

func (p *Process) markReady() {
	p.readyOnce.Do(func() { close(p.ready) })
}

func (p *Process) exitedErr() error {
	if err := p.Err(); err != nil {
		return fmt.Errorf("process exited: %w", err)
	}
	return errors.New("process exited")
}

func (p *Process) readStdout(handle func(JSONRPCMessage)) {
	framer := NewFramer(WithFramerLogger(p.logger), WithFramerMaxLineSize(p.cfg.MaxLineSize))
	for msg := range ReadFrames(p.stdout, framer) {
		handle(msg)
	}
}

func (p *Process) readStderr() {
	w := &bannerWatcher{
		mirror: p.cfg.Stderr,
		banner: []byte(p.cfg.ReadyBanner),
		found:  p.markReady,
	}
	if _, err := io.Copy(w, p.stderr); err != nil && !errors.Is(err, os.ErrClosed) {
		p.logger.Debug("stderr reader stopped", "err", err)
	}
}

// wait reaps the child once both output streams are drained, as exec.Cmd requires.
func (p *Process) wait(readers *sync.WaitGroup) {
	readers.Wait()
	err := p.cmd.Wait()

	select {
	case <-p.stopping:
		// Exit statuses caused by our own shutdown are not failures.
		p.logger.Info("server process stopped", "pid", p.cmd.Process.Pid)
	default:
		if err != nil {
			p.err = err
			p.logger.Error("server process exited", "pid", p.cmd.Process.Pid, "err", err)
		} else {
			p.logger.Warn("server process exited on its own", "pid", p.cmd.Process.Pid)
		}
	}
	close(p.done)
}

func (p *Process) processWriteMessages() {
	for {
		// Process writing the message queue until the process is stopped or gone.
		var msg processMessage
		select {
		case <-p.stopping:
			return
		case <-p.done:
			return
		case msg = <-p.writeMessages:
		}

		_, err := p.stdin.Write(msg.frame)

		msg.errs <- err
	}
}

// bannerWatcher is an io.Writer that forwards everything to mirror and calls found the
// first time banner appears in the stream, also when the banner straddles two writes.
type bannerWatcher struct {
	mirror io.Writer
	banner []byte
	found  func()

	tail    []byte
	matched bool
}

func (w *bannerWatcher) Write(p []byte) (int, error) {
	// Mirroring is best effort; a broken mirror must not stop banner detection.
	_, _ = w.mirror.Write(p)

	if w.matched || len(w.banner) == 0 {
		return len(p), nil
	}

	buf := append(w.tail, p...)
	if bytes.Contains(buf, w.banner) {
		w.matched = true
		w.tail = nil
		w.found()
		return len(p), nil
	}

	// Keep just enough bytes to recognise a banner split across writes.
	keep := len(w.banner) - 1
	if len(buf) > keep {
		buf = buf[len(buf)-keep:]
	}
	w.tail = append([]byte(nil), buf...)

	return len(p), nil
}
