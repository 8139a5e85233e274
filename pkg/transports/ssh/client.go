package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Client is a connection to one host. It is safe for concurrent use; every
// command runs in a session of its own.
type Client struct {
	config Config
	logger zerolog.Logger
	conn   *ssh.Client

	connectedAt time.Time
}

// File is a local file copied to the host.
type File struct {
	Source      string
	Destination string

	// Mode is applied to the remote file when non-zero.
	Mode os.FileMode
}

// Dial connects and authenticates to the host of cfg.
func Dial(ctx context.Context, cfg Config, logger zerolog.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	clientConfig, err := cfg.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Host: cfg.key(), Err: err, IsAuthError: true}
	}

	address := cfg.Address()
	logger = logger.With().Str("host", cfg.key()).Logger()
	logger.Debug().Msg("establishing SSH connection")

	dialer := net.Dialer{Timeout: cfg.ConnectionTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &TransportError{Op: "connect", Host: cfg.key(), Err: err, IsTemporary: true}
	}

	// The handshake is bounded by the connection timeout and ctx.
	deadline := time.Now().Add(cfg.ConnectionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = netConn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = netConn.Close() })

	ncc, chans, reqs, err := ssh.NewClientConn(netConn, address, clientConfig)
	stop()
	if err != nil {
		_ = netConn.Close()
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &TransportError{Op: "connect", Host: cfg.key(), Err: err, IsTemporary: true, IsAuthError: isAuthError(err)}
	}
	_ = netConn.SetDeadline(time.Time{})

	logger.Info().Msg("SSH connection established")
	return &Client{
		config:      cfg,
		logger:      logger,
		conn:        ssh.NewClient(ncc, chans, reqs),
		connectedAt: time.Now(),
	}, nil
}

func isAuthError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unable to authenticate")
}

// Run runs argv on the host with env set and returns its combined output.
// A command that exits non-zero yields an error ExitStatus understands.
func (c *Client) Run(ctx context.Context, argv []string, env map[string]string) ([]byte, error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "exec", Host: c.config.key(), Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	// Stdout and stderr are copied by separate goroutines.
	var out lockedBuffer
	session.Stdout = &out
	session.Stderr = &out

	cmd := commandLine(argv, env)
	start := time.Now()
	c.logger.Debug().Strs("argv", argv).Msg("executing command")

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		return out.Bytes(), &TransportError{Op: "exec", Host: c.config.key(), Err: ctx.Err()}
	case err = <-done:
	}

	c.logger.Debug().
		Strs("argv", argv).
		Int("output_len", out.Len()).
		Dur("duration", time.Since(start)).
		Err(err).
		Msg("command completed")

	if err != nil {
		var exitErr *ssh.ExitError
		return out.Bytes(), &TransportError{Op: "exec", Host: c.config.key(), Err: err, IsTemporary: !errors.As(err, &exitErr)}
	}
	return out.Bytes(), nil
}

// Upload copies files to the host over SFTP, creating missing directories.
func (c *Client) Upload(ctx context.Context, files []File) error {
	if len(files) == 0 {
		return nil
	}
	client, err := sftp.NewClient(c.conn)
	if err != nil {
		return &TransportError{Op: "sftp-init", Host: c.config.key(), Err: fmt.Errorf("failed to create SFTP client: %w", err), IsTemporary: true}
	}
	defer client.Close()

	for _, f := range files {
		if err := c.upload(ctx, client, f); err != nil {
			return &TransportError{Op: "upload", Host: c.config.key(), Err: fmt.Errorf("%s: %w", f.Destination, err)}
		}
	}
	return nil
}

func (c *Client) upload(ctx context.Context, client *sftp.Client, f File) error {
	start := time.Now()

	local, err := os.Open(f.Source)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer local.Close()

	if err := client.MkdirAll(path.Dir(f.Destination)); err != nil {
		return fmt.Errorf("failed to create remote directory: %w", err)
	}
	remote, err := client.Create(f.Destination)
	if err != nil {
		return fmt.Errorf("failed to create remote file: %w", err)
	}
	written, err := copyWithContext(ctx, remote, local)
	if cerr := remote.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}
	if f.Mode != 0 {
		if err := client.Chmod(f.Destination, f.Mode); err != nil {
			return fmt.Errorf("failed to set file permissions: %w", err)
		}
	}

	c.logger.Info().
		Str("local", f.Source).
		Str("remote", f.Destination).
		Int64("bytes", written).
		Dur("duration", time.Since(start)).
		Msg("file uploaded")
	return nil
}

// Alive sends a keep-alive request.
func (c *Client) Alive() bool {
	_, _, err := c.conn.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.logger.Debug().Dur("connected_for", time.Since(c.connectedAt)).Msg("closing SSH connection")
	return c.conn.Close()
}

// commandLine quotes argv for the remote shell, prefixed with the env
// assignments in a stable order.
func commandLine(argv []string, env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(env)+len(argv))
	for _, k := range keys {
		parts = append(parts, k+"="+shellQuote(env[k]))
	}
	for _, a := range argv {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func (b *lockedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}
