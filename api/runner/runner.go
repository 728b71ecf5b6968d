package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"caflz/api/model"
)

const (
	DefaultTimeout = time.Hour
	maxOutputBytes = 4 << 20
)

// Command is one external process invocation.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     map[string]string
	Timeout time.Duration
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Result carries the verbatim outcome of a process. A nonzero ExitCode is
// not an error.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner spawns local processes.
type ExecRunner struct {
	DefaultTimeout time.Duration
}

func New() *ExecRunner {
	return &ExecRunner{DefaultTimeout: DefaultTimeout}
}

func (r *ExecRunner) Run(ctx context.Context, c Command) (*Result, error) {
	fi, err := os.Stat(c.Dir)
	if err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", model.ErrWorkspaceNotFound, c.Dir)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = r.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr capped
	cmd := exec.CommandContext(runCtx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = MergeEnv(os.Environ(), c.Env)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	configureKill(cmd)

	log := logr.FromContextOrDiscard(ctx)
	log.V(1).Info("running command", "cmd", c.String(), "dir", c.Dir, "timeout", timeout.String())

	start := time.Now()
	err = cmd.Run()
	res := &Result{
		ExitCode: -1,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err == nil {
		res.ExitCode = 0
		return res, nil
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return res, fmt.Errorf("%w: %s exceeded %s", model.ErrExecutionTimeout, c.String(), timeout)
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, fmt.Errorf("%w: %s: %v", model.ErrToolExecutionFailed, c.String(), err)
}

// MergeEnv overlays overrides onto base (KEY=VALUE entries). Overrides win
// on collision and the result is sorted by key.
func MergeEnv(base []string, overrides map[string]string) []string {
	merged := make(map[string]string, len(base)+len(overrides))
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}

// capped keeps at most maxOutputBytes of a stream.
type capped struct {
	buf       bytes.Buffer
	truncated bool
}

func (c *capped) Write(p []byte) (int, error) {
	if room := maxOutputBytes - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
			c.truncated = true
		} else {
			c.buf.Write(p)
		}
	} else if len(p) > 0 {
		c.truncated = true
	}
	return len(p), nil
}

func (c *capped) String() string {
	if c.truncated {
		return c.buf.String() + "\n... (output truncated at 4MB)"
	}
	return c.buf.String()
}
