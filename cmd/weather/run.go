package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/MegaGrindStone/go-mcp-client"
)

// state is a step of one invocation. States are entered strictly in declaration order;
// any failure skips straight to stateTerminating.
type state int

const (
	stateSpawned state = iota
	stateAwaitingReady
	stateInitializing
	stateAwaitingInitResponse
	stateCallingTool
	stateAwaitingToolResponse
	stateTerminating
	stateTerminated
)

var stateNames = [...]string{
	stateSpawned:              "Spawned",
	stateAwaitingReady:        "AwaitingReady",
	stateInitializing:         "Initializing",
	stateAwaitingInitResponse: "AwaitingInitResponse",
	stateCallingTool:          "CallingTool",
	stateAwaitingToolResponse: "AwaitingToolResponse",
	stateTerminating:          "Terminating",
	stateTerminated:           "Terminated",
}

func (s state) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// noContentText is printed when the tool result carries no text.
const noContentText = "No content"

// errToolFailed is returned when the tool answered with isError set.
var errToolFailed = errors.New("tool reported an error")

type driver struct {
	cfg    config
	cmd    command
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
}

// run performs one invocation: start the server, complete the initialize handshake,
// issue the command's single request, print its result and stop the server.
func run(ctx context.Context, cfg config, cmd command, stdout, stderr io.Writer, logger *slog.Logger) error {
	d := &driver{
		cfg:    cfg,
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		logger: logger,
	}
	return d.run(ctx)
}

func (d *driver) run(ctx context.Context) error {
	sess := mcp.NewSession(d.newTransport(),
		mcp.WithSessionLogger(d.logger),
		mcp.WithClientInfo(mcp.Info{
			Name:    d.cfg.Client.Name,
			Version: d.cfg.Client.Version,
		}),
		mcp.WithSessionRequestTimeout(d.cfg.Timeouts.Request),
	)
	d.enter(stateSpawned)

	printed := false
	defer func() {
		d.terminate(ctx, sess, printed)
	}()

	d.enter(stateAwaitingReady)
	if err := d.start(ctx, sess); err != nil {
		return err
	}

	d.enter(stateInitializing)
	initCall, err := sess.SendInitialize(ctx)
	if err != nil {
		return err
	}
	d.enter(stateAwaitingInitResponse)
	if _, err := sess.CompleteInitialize(ctx, initCall); err != nil {
		return err
	}

	if d.cmd.kind == commandTools {
		err = d.listTools(ctx, sess)
	} else {
		err = d.callTool(ctx, sess)
	}
	printed = err == nil || errors.Is(err, errToolFailed)
	return err
}

func (d *driver) enter(s state) {
	d.logger.Debug("state transition", "state", s.String())
}

func (d *driver) newTransport() mcp.Transport {
	if d.cfg.Server.SSEURL != "" {
		return mcp.NewSSEClient(d.cfg.Server.SSEURL, nil, mcp.WithSSEClientLogger(d.logger))
	}
	return mcp.NewProcess(mcp.ProcessConfig{
		Command:     d.cfg.Server.Command,
		Args:        d.cfg.Server.Args,
		Env:         d.cfg.Server.Env,
		Dir:         d.cfg.Server.Dir,
		ReadyBanner: d.cfg.Server.ReadyBanner,
		Stderr:      d.stderr,
		StopTimeout: d.cfg.Timeouts.Stop,
		Logger:      d.logger,
	})
}

func (d *driver) start(ctx context.Context, sess *mcp.Session) error {
	if d.cfg.Timeouts.Ready > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeouts.Ready)
		defer cancel()
	}
	return sess.Start(ctx)
}

func (d *driver) callTool(ctx context.Context, sess *mcp.Session) error {
	d.enter(stateCallingTool)
	call, err := sess.SendCallTool(ctx, d.cmd.tool, d.cmd.args)
	if err != nil {
		return err
	}

	d.enter(stateAwaitingToolResponse)
	result, err := mcp.DecodeCallTool(ctx, call)
	if err != nil {
		return err
	}

	text, ok := result.FirstText()
	if !ok {
		text = noContentText
	}
	fmt.Fprintln(d.stdout, text)

	if result.IsError {
		return fmt.Errorf("%w: %s", errToolFailed, d.cmd.tool)
	}
	return nil
}

// listTools prints one "name<TAB>description" line per matching tool, following
// pagination.
func (d *driver) listTools(ctx context.Context, sess *mcp.Session) error {
	params := mcp.ListToolsParams{}
	for {
		d.enter(stateCallingTool)
		call, err := sess.Call(ctx, mcp.MethodToolsList, params)
		if err != nil {
			return err
		}

		d.enter(stateAwaitingToolResponse)
		outcome, err := call.Wait(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", mcp.MethodToolsList, err)
		}
		if err := outcome.Err(); err != nil {
			return fmt.Errorf("%s: %w", mcp.MethodToolsList, err)
		}

		var result mcp.ListToolsResult
		if err := json.Unmarshal(outcome.Result, &result); err != nil {
			return fmt.Errorf("failed to unmarshal tools/list result: %w", err)
		}
		for _, tool := range result.Tools {
			if d.cmd.filter != nil && !d.cmd.filter.Match(tool.Name) {
				continue
			}
			fmt.Fprintf(d.stdout, "%s\t%s\n", tool.Name, tool.Description)
		}

		if result.NextCursor == "" {
			return nil
		}
		params.Cursor = result.NextCursor
	}
}

// terminate stops the server. After a printed result it first waits the grace delay so
// trailing server output reaches stderr.
func (d *driver) terminate(ctx context.Context, sess *mcp.Session, graceful bool) {
	d.enter(stateTerminating)

	if graceful && d.cfg.Timeouts.Grace > 0 {
		timer := time.NewTimer(d.cfg.Timeouts.Grace)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	if err := sess.Close(); err != nil {
		d.logger.Warn("failed to stop server", "err", err)
	}

	d.enter(stateTerminated)
}
