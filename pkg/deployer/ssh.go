package deployer

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/helvethink/release-pipeline/pkg/config"
	"github.com/helvethink/release-pipeline/pkg/process"
)

// SSHDialer opens SSH sessions authenticated with a private key.
type SSHDialer struct {
	port    int
	timeout time.Duration
	config  *ssh.ClientConfig
}

// NewSSHDialer loads the key and the known hosts referenced by cfg.
func NewSSHDialer(cfg config.Remote) (*SSHDialer, error) {
	if cfg.PrivateKeyPath == "" {
		return nil, errors.New("remote.private_key_path is required to deploy over ssh")
	}

	key, err := os.ReadFile(filepath.Clean(cfg.PrivateKeyPath))
	if err != nil {
		return nil, errors.Wrap(err, "reading private key")
	}

	var signer ssh.Signer
	if cfg.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(cfg.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(key)
	}

	if err != nil {
		return nil, errors.Wrap(err, "parsing private key")
	}

	var hostKeyCallback ssh.HostKeyCallback
	switch {
	case cfg.KnownHostsPath != "":
		if hostKeyCallback, err = knownhosts.New(cfg.KnownHostsPath); err != nil {
			return nil, errors.Wrap(err, "loading known hosts")
		}
	case cfg.InsecureIgnoreHostKey:
		log.Warn("remote host keys are not verified")
		hostKeyCallback = ssh.InsecureIgnoreHostKey() // #nosec G106 explicit opt-in
	default:
		return nil, errors.New("either remote.known_hosts_path or remote.insecure_ignore_host_key must be set")
	}

	return &SSHDialer{
		port:    cfg.Port,
		timeout: cfg.DialTimeout(),
		config: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         cfg.DialTimeout(),
		},
	}, nil
}

// Dial implements Dialer.
func (d *SSHDialer) Dial(ctx context.Context, host string) (Channel, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(d.port))

	dialer := net.Dialer{Timeout: d.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %s", addr)
	}

	// bound the handshake, the deadline is lifted once authenticated
	_ = conn.SetDeadline(time.Now().Add(d.timeout))

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, d.config)
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(err, "ssh handshake with %s", addr)
	}

	_ = conn.SetDeadline(time.Time{})

	return &sshChannel{client: ssh.NewClient(c, chans, reqs)}, nil
}

type sshChannel struct {
	client *ssh.Client
}

func (c *sshChannel) Upload(ctx context.Context, remotePath string, content []byte, mode os.FileMode) error {
	res, err := c.run(ctx, uploadCommand(remotePath, mode), bytes.NewReader(content))
	if err != nil {
		return err
	}

	if !res.Success() {
		return &process.ExitError{Command: "upload " + remotePath, Result: res}
	}

	return nil
}

func (c *sshChannel) Exec(ctx context.Context, cmd process.Command) (process.Result, error) {
	return c.run(ctx, cmd.String(), cmd.Stdin)
}

func (c *sshChannel) run(ctx context.Context, command string, stdin io.Reader) (res process.Result, err error) {
	session, err := c.client.NewSession()
	if err != nil {
		return res, errors.Wrap(err, "opening ssh session")
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = stdin
	}

	if err = session.Start(command); err != nil {
		return res, errors.Wrapf(err, "starting %q", command)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return res, ctx.Err()
	case err = <-done:
	}

	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	default:
		return res, errors.Wrapf(err, "running %q", command)
	}
}

func (c *sshChannel) Close() error {
	return c.client.Close()
}
