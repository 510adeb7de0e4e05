package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// EchoEngine answers every request with its own payload. A payload object
// may carry "delay_ms" to hold the answer back and "fail" to answer with an
// error instead.
type EchoEngine struct{}

// NewEcho is a Factory for EchoEngine.
func NewEcho(context.Context, json.RawMessage) (Engine, error) {
	return EchoEngine{}, nil
}

// Name implements Engine.
func (EchoEngine) Name() string { return "echo" }

// Handle implements Engine.
func (EchoEngine) Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var ctl struct {
		DelayMS int    `json:"delay_ms"`
		Fail    string `json:"fail"`
	}
	// Non-object payloads are echoed unchanged.
	_ = json.Unmarshal(payload, &ctl)

	if ctl.DelayMS > 0 {
		timer := time.NewTimer(time.Duration(ctl.DelayMS) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if ctl.Fail != "" {
		return nil, errors.New(ctl.Fail)
	}
	if len(payload) == 0 {
		return json.RawMessage("null"), nil
	}
	return payload, nil
}

// ExecEngine runs an external command once per request. The request
// payload is written to the command's stdin and its stdout becomes the
// response: as-is when it is valid JSON, otherwise as a JSON string.
type ExecEngine struct {
	bin     string
	args    []string
	env     []string
	timeout time.Duration
}

// defaultExecTimeout bounds a single command run when none is configured.
const defaultExecTimeout = 30 * time.Second

// NewExecFactory returns a Factory for an ExecEngine running command. The
// session id and widget from the init payload are exported to the command
// as HOMEBOARD_SESSION_ID and HOMEBOARD_WIDGET.
func NewExecFactory(command []string, timeout time.Duration) Factory {
	return func(ctx context.Context, init json.RawMessage) (Engine, error) {
		if len(command) == 0 || command[0] == "" {
			return nil, errors.New("exec engine: no command configured")
		}
		bin, err := exec.LookPath(command[0])
		if err != nil {
			return nil, fmt.Errorf("exec engine: %w", err)
		}

		var info struct {
			SessionID string `json:"session_id"`
			Widget    string `json:"widget"`
		}
		if len(init) > 0 {
			if err := json.Unmarshal(init, &info); err != nil {
				return nil, fmt.Errorf("exec engine: decode init: %w", err)
			}
		}

		if timeout <= 0 {
			timeout = defaultExecTimeout
		}
		env := append(os.Environ(),
			"HOMEBOARD_SESSION_ID="+info.SessionID,
			"HOMEBOARD_WIDGET="+info.Widget,
		)
		return &ExecEngine{bin: bin, args: command[1:], env: env, timeout: timeout}, nil
	}
}

// Name implements Engine.
func (e *ExecEngine) Name() string { return "exec:" + e.bin }

// Handle implements Engine.
func (e *ExecEngine) Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.bin, e.args...)
	cmd.Env = e.env
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("timeout after %s", e.timeout)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if json.Valid(out) {
		return json.RawMessage(out), nil
	}
	encoded, err := json.Marshal(string(out))
	if err != nil {
		return nil, fmt.Errorf("encode output: %w", err)
	}
	return encoded, nil
}
