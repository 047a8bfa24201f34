package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "release-pipeline"

// Command describes one external invocation.
type Command struct {
	Name  string            // Executable name or path
	Args  []string          // Arguments, not including Name
	Dir   string            // Working directory, empty means the current one
	Env   map[string]string // Extra environment variables appended to the parent's
	Stdin io.Reader         // Optional standard input
}

// Result is what an external invocation produced.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success returns true if the command exited with status zero.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Runner runs external commands.
// A non-zero exit status is reported through Result, not as an error: the error return is
// reserved for failures to start or wait for the process.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// FromArgv builds a Command from an argv list such as the ones found in the configuration.
func FromArgv(argv []string) (Command, error) {
	if len(argv) == 0 || argv[0] == "" {
		return Command{}, fmt.Errorf("empty command")
	}

	return Command{Name: argv[0], Args: append([]string{}, argv[1:]...)}, nil
}

// String renders the command the way a shell user would type it.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+len(c.Env)+1)

	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, Quote(c.Env[k])))
	}

	parts = append(parts, Quote(c.Name))
	for _, a := range c.Args {
		parts = append(parts, Quote(a))
	}

	return strings.Join(parts, " ")
}

// Quote renders s as a single POSIX shell word.
func Quote(s string) string {
	if s == "" {
		return "''"
	}

	if strings.ContainsAny(s, " \t\n'\"$`;&|<>*?()") {
		return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
	}

	return s
}

// Check runs cmd and turns a non-zero exit status into an error carrying the trimmed stderr.
func Check(ctx context.Context, r Runner, cmd Command) (Result, error) {
	res, err := r.Run(ctx, cmd)
	if err != nil {
		return res, err
	}

	if !res.Success() {
		return res, &ExitError{Command: cmd.String(), Result: res}
	}

	return res, nil
}

// ExitError is returned by Check when a command exits with a non-zero status.
type ExitError struct {
	Command string
	Result  Result
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Result.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(e.Result.Stdout)
	}

	if msg == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.Result.ExitCode)
	}

	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.Result.ExitCode, msg)
}

// Exec runs commands as local child processes.
type Exec struct{}

// Run implements Runner.
func (Exec) Run(ctx context.Context, c Command) (res Result, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "process:Run")
	defer span.End()

	span.SetAttributes(attribute.String("command", c.Name))

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin

	if len(c.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.WithContext(ctx).
		WithFields(log.Fields{
			"command": c.String(),
		}).
		Debug("running command")

	runErr := cmd.Run()
	res = Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		res.ExitCode = 0
	case ctx.Err() != nil:
		return res, ctx.Err()
	case errors.As(runErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("starting %s: %w", c.Name, runErr)
	}

	return res, nil
}
