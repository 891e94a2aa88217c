package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"agentsched/internal/task/engine"
)

const maxOutput = 64 << 10

type ExecParams struct {
	Cmd  string   `json:"cmd"`
	Args []string `json:"args,omitempty"`
	Dir  string   `json:"dir,omitempty"`
	// Env entries ("K=V") are appended to the daemon environment.
	Env []string `json:"env,omitempty"`
}

type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

// Exec runs a command. Cancellation kills the process. A non-zero exit is a
// retryable error; a missing binary is not.
func Exec() Kind {
	return Kind{
		Name:    "exec",
		Handler: runExec,
		Decode: func(raw json.RawMessage) (any, error) {
			p, err := decodeStrict[ExecParams](raw)
			if err != nil {
				return nil, err
			}
			if strings.TrimSpace(p.Cmd) == "" {
				return nil, errors.New("params.cmd is required")
			}
			return p, nil
		},
	}
}

func runExec(ctx context.Context, params any) (any, error) {
	p, ok := params.(ExecParams)
	if !ok {
		return nil, engine.NoRetry(fmt.Errorf("exec: unexpected params %T", params))
	}

	cmd := exec.CommandContext(ctx, p.Cmd, p.Args...)
	cmd.Dir = p.Dir
	if len(p.Env) > 0 {
		cmd.Env = append(os.Environ(), p.Env...)
	}
	var out cappedBuffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	res := ExecResult{Output: strings.TrimSpace(out.String())}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, context.Cause(ctx)
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return res, engine.NoRetry(fmt.Errorf("exec %s: %w", p.Cmd, err))
	}
	return res, fmt.Errorf("exec %s: %w: %s", p.Cmd, err, tail(res.Output, 200))
}

// cappedBuffer keeps the first maxOutput bytes and discards the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := maxOutput - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
