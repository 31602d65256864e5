package plugin

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/actiond/internal/action"
	"github.com/mattjoyce/actiond/internal/component"
	"github.com/mattjoyce/actiond/internal/config"
	"github.com/mattjoyce/actiond/internal/log"
	"github.com/mattjoyce/actiond/internal/protocol"
)

// DefaultTimeout bounds one external component invocation.
const DefaultTimeout = 5 * time.Minute

// runFunc executes one protocol exchange. Tests swap it out.
type runFunc func(ctx context.Context, entrypoint, dir string, req *protocol.Request) (*protocol.Response, error)

// Component adapts a discovered external component into a registry
// component. Each declared event gets a handler that runs the entrypoint.
func Component(ext *External, cfg *config.Config) *component.Component {
	return buildComponent(ext, cfg, invoke)
}

func buildComponent(ext *External, cfg *config.Config, run runFunc) *component.Component {
	section := cfg.App(ext.Section)
	queue := ext.Queue
	if q := section["queue"]; q != "" {
		queue = q
	}

	timeout := DefaultTimeout
	if ext.Timeout > 0 {
		timeout = time.Duration(ext.Timeout) * time.Second
	}

	var required []string
	if ext.ConfigKeys != nil {
		required = ext.ConfigKeys.Required
	}

	handlers := make(map[string]component.HandlerFunc, len(ext.Events))
	for _, event := range ext.Events {
		event := event
		handlers[event] = func(ctx context.Context, m *action.Message) (*component.Result, error) {
			return handle(ctx, ext, section, event, m, timeout, run)
		}
	}

	return &component.Component{
		Name:           ext.Name,
		Queue:          queue,
		Inbound:        ext.Inbound,
		LowCode:        ext.LowCode,
		Handlers:       handlers,
		RequiredFields: required,
		Section:        ext.Section,
	}
}

func handle(ctx context.Context, ext *External, section map[string]string,
	event string, m *action.Message, timeout time.Duration, run runFunc) (*component.Result, error) {

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	invocationID := uuid.NewString()
	req := &protocol.Request{
		Protocol:     protocol.SupportedVersion,
		Event:        event,
		Queue:        m.Queue,
		ActionID:     m.ActionID(),
		InvocationID: invocationID,
		Message:      m.Body(),
		Headers: map[string]string{
			"message-id":      m.Headers.MessageID,
			"correlation-id":  m.Headers.CorrelationID,
			"Co3ContextToken": m.Headers.ContextToken,
		},
		Config:     section,
		DeadlineAt: time.Now().Add(timeout).UTC(),
	}

	resp, err := run(ctx, ext.Entrypoint, ext.Path, req)
	if err != nil {
		return nil, fmt.Errorf("component %s (invocation %s): %w", ext.Name, invocationID, err)
	}
	forwardLogs(ext.Name, resp.Logs)

	switch resp.Status {
	case protocol.StatusOK:
		return component.OK(resp.Message), nil
	case protocol.StatusDefer:
		return nil, &action.DeferError{
			Delay:  time.Duration(resp.DeferMS) * time.Millisecond,
			Reason: resp.Message,
		}
	default:
		return nil, fmt.Errorf("component %s: %s", ext.Name, resp.Message)
	}
}

// invoke runs the entrypoint with the request on stdin and decodes its
// stdout. Stderr is logged, not parsed.
func invoke(ctx context.Context, entrypoint, dir string, req *protocol.Request) (*protocol.Response, error) {
	var stdin bytes.Buffer
	if err := protocol.EncodeRequest(&stdin, req); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, entrypoint)
	cmd.Dir = dir
	cmd.Stdin = &stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if s := strings.TrimSpace(stderr.String()); s != "" {
		log.Warn("component stderr", "entrypoint", entrypoint, "output", s)
	}
	if runErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("timed out")
		}
		// a failed exit with a valid protocol response still counts
		if resp, _, derr := protocol.DecodeResponse(bytes.NewReader(stdout.Bytes())); derr == nil {
			return resp, nil
		}
		return nil, fmt.Errorf("entrypoint failed: %w", runErr)
	}

	resp, raw, err := protocol.DecodeResponse(bytes.NewReader(stdout.Bytes()))
	if err != nil {
		log.Error("component produced invalid output",
			"entrypoint", entrypoint, "output", string(truncate(raw, 1024)))
		return nil, err
	}
	return resp, nil
}

func forwardLogs(name string, entries []protocol.LogEntry) {
	logger := log.WithComponent(name)
	for _, e := range entries {
		switch strings.ToLower(e.Level) {
		case "debug":
			logger.Debug(e.Message)
		case "warn", "warning":
			logger.Warn(e.Message)
		case "error":
			logger.Error(e.Message)
		default:
			logger.Info(e.Message)
		}
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
