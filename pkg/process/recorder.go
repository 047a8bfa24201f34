package process

import (
	"context"
	"io"
	"sync"
)

// Recorder is a Runner that does not execute anything. It keeps every command it is given
// and answers with Handler, or with an empty successful Result when Handler is nil.
// It backs --dry-run and the fakes used in tests.
type Recorder struct {
	Handler func(cmd Command) Result

	mutex    sync.Mutex
	commands []Command
	stdins   []string
}

// Run implements Runner.
func (r *Recorder) Run(ctx context.Context, cmd Command) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var stdin string
	if cmd.Stdin != nil {
		b, err := io.ReadAll(cmd.Stdin)
		if err != nil {
			return Result{}, err
		}

		stdin = string(b)
	}

	r.mutex.Lock()
	r.commands = append(r.commands, cmd)
	r.stdins = append(r.stdins, stdin)
	r.mutex.Unlock()

	if r.Handler == nil {
		return Result{}, nil
	}

	return r.Handler(cmd), nil
}

// Commands returns a copy of the recorded commands, in call order.
func (r *Recorder) Commands() []Command {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return append([]Command{}, r.commands...)
}

// Lines returns the recorded commands rendered as strings.
func (r *Recorder) Lines() (lines []string) {
	for _, c := range r.Commands() {
		lines = append(lines, c.String())
	}

	return
}

// Stdin returns what was read from the standard input of the i-th recorded command.
func (r *Recorder) Stdin(i int) string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if i < 0 || i >= len(r.stdins) {
		return ""
	}

	return r.stdins[i]
}
