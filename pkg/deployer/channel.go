package deployer

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/helvethink/release-pipeline/pkg/process"
)

// Channel is one authenticated session with a remote host.
type Channel interface {
	// Upload writes content to remotePath, creating its directory if needed.
	Upload(ctx context.Context, remotePath string, content []byte, mode os.FileMode) error

	// Exec runs cmd on the host. Like process.Runner, a non-zero exit status is reported
	// through the Result and not as an error.
	Exec(ctx context.Context, cmd process.Command) (process.Result, error)

	Close() error
}

// Dialer opens channels.
type Dialer interface {
	Dial(ctx context.Context, host string) (Channel, error)
}

// uploadCommand is the remote command an upload pipes the file content into.
func uploadCommand(remotePath string, mode os.FileMode) string {
	dir := path.Dir(remotePath)
	return fmt.Sprintf("mkdir -p %s && cat > %s && chmod %o %s",
		process.Quote(dir), process.Quote(remotePath), mode.Perm(), process.Quote(remotePath))
}

// RecordingDialer opens channels which record what they are asked to do into a
// process.Recorder instead of contacting the host. It backs dry runs.
type RecordingDialer struct {
	Recorder *process.Recorder
	User     string
}

// Dial implements Dialer.
func (d *RecordingDialer) Dial(ctx context.Context, host string) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	target := host
	if d.User != "" {
		target = d.User + "@" + host
	}

	return &recordingChannel{recorder: d.Recorder, target: target}, nil
}

type recordingChannel struct {
	recorder *process.Recorder
	target   string
}

func (c *recordingChannel) Upload(ctx context.Context, remotePath string, content []byte, mode os.FileMode) error {
	res, err := c.recorder.Run(ctx, process.Command{
		Name:  "ssh",
		Args:  []string{c.target, uploadCommand(remotePath, mode)},
		Stdin: strings.NewReader(string(content)),
	})
	if err != nil {
		return err
	}

	if !res.Success() {
		return &process.ExitError{Command: "upload " + remotePath, Result: res}
	}

	return nil
}

func (c *recordingChannel) Exec(ctx context.Context, cmd process.Command) (process.Result, error) {
	return c.recorder.Run(ctx, process.Command{
		Name: "ssh",
		Args: []string{c.target, cmd.String()},
	})
}

func (c *recordingChannel) Close() error { return nil }
