// Package execrunner implements the Execute effect (spec.md §4.9):
// spawning a subprocess in a dispatch worker, piping the current
// payload in on stdin, and interpreting stdout as the successor's data.
// Grounded on the teacher's internal/tools/shell_exec.go
// (exec.CommandContext with a timeout, stdout/stderr capture via
// bytes.Buffer, exit-code classification), generalized from a
// fixed shell-command-string tool call to an arbitrary command/args
// pair with templated argument substitution.
package execrunner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/songokas/hvents/internal/herrors"
	"github.com/songokas/hvents/internal/payload"
	"github.com/songokas/hvents/internal/render"
)

// DefaultTimeout bounds how long a spawned command may run before it is
// killed and the chain terminates with an EffectError.
const DefaultTimeout = 30 * time.Second

// Runner executes Execute-kind effects.
type Runner struct {
	timeout time.Duration
}

// New creates a Runner with DefaultTimeout.
func New() *Runner {
	return &Runner{timeout: DefaultTimeout}
}

// Run spawns command with args, substituting replaceArgs[i] (rendered
// against the current payload scope plus vars as its own {{vars}} key)
// into args[i] before exec, pipes current.Data to the child's stdin,
// and on a zero exit
// interprets stdout per dataType ("json", "text", or "bytes", default
// "text"). A non-zero exit or spawn failure is always an EffectError.
func (r *Runner) Run(ctx context.Context, command string, args []string, replaceArgs map[int]string, vars map[string]string, dataType string, current payload.Payload) (payload.Data, error) {
	resolvedArgs := append([]string{}, args...)

	scope := render.Scope{Data: current.Data, State: current.State.Snapshot(), Metadata: current.Metadata, Vars: vars}
	for i, tmpl := range replaceArgs {
		if i < 0 || i >= len(resolvedArgs) {
			continue
		}
		rendered, err := render.Render("execute.replace_args", tmpl, scope)
		if err != nil {
			return payload.Data{}, err
		}
		resolvedArgs[i] = rendered
	}

	timeout := r.timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, command, resolvedArgs...)
	cmd.Stdin = bytes.NewReader(current.Data.AsBytes())

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return payload.Data{}, herrors.NewEffect("execrunner.Run", command, fmt.Errorf("timed out after %s", timeout))
	}
	if err != nil {
		return payload.Data{}, herrors.NewEffect("execrunner.Run", command, fmt.Errorf("%w: %s", err, stderr.String()))
	}

	return decodeOutput(dataType, stdout.Bytes())
}

func decodeOutput(dataType string, out []byte) (payload.Data, error) {
	switch dataType {
	case "json":
		var v any
		if err := json.Unmarshal(out, &v); err != nil {
			return payload.Data{}, herrors.NewEffect("execrunner.decodeOutput", "json", err)
		}
		return payload.Tree(v), nil
	case "bytes":
		return payload.Bytes(out), nil
	default:
		return payload.String(string(out)), nil
	}
}
