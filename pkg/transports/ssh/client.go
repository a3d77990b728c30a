package ssh

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Client is a thin SSH client for one fault-injection host. It runs
// commands and uploads payload files; connection management is lazy and a
// broken connection is re-established on the next call.
type Client struct {
	config *Config
	logger zerolog.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// NewClient creates a client for the given host configuration. The
// connection is established on first use.
func NewClient(config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	return &Client{
		config: config,
		logger: logger.With().Str("component", "ssh-client").Str("host", config.Host).Logger(),
	}, nil
}

// Run executes a command on the remote host and returns its stdout and
// stderr. The context bounds the whole call including connection setup.
func (c *Client) Run(ctx context.Context, command string) (stdout, stderr string, err error) {
	client, err := c.connect(ctx)
	if err != nil {
		return "", "", err
	}

	session, err := client.NewSession()
	if err != nil {
		c.drop()
		return "", "", fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		c.drop()
		return outBuf.String(), errBuf.String(), ctx.Err()
	}

	c.logger.Debug().Str("command", command).Err(err).Msg("command finished")
	return outBuf.String(), errBuf.String(), err
}

// Upload writes data to remotePath over SFTP, creating parent directories
// as needed.
func (c *Client) Upload(ctx context.Context, data []byte, remotePath string) error {
	client, err := c.connect(ctx)
	if err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		c.drop()
		return fmt.Errorf("failed to open sftp session: %w", err)
	}
	defer sftpClient.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := sftpClient.MkdirAll(dir); err != nil {
			return fmt.Errorf("failed to create remote directory %s: %w", dir, err)
		}
	}

	f, err := sftpClient.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s: %w", remotePath, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write remote file %s: %w", remotePath, err)
	}

	c.logger.Debug().Str("path", remotePath).Int("bytes", len(data)).Msg("payload uploaded")
	return nil
}

// Remove deletes a remote file. Missing files are not an error.
func (c *Client) Remove(ctx context.Context, remotePath string) error {
	client, err := c.connect(ctx)
	if err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		c.drop()
		return fmt.Errorf("failed to open sftp session: %w", err)
	}
	defer sftpClient.Close()

	if err := sftpClient.Remove(remotePath); err != nil {
		if _, statErr := sftpClient.Stat(remotePath); statErr != nil {
			return nil
		}
		return fmt.Errorf("failed to remove remote file %s: %w", remotePath, err)
	}
	return nil
}

// Close tears down the connection if one is open.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// connect returns the live connection, dialing if necessary.
func (c *Client) connect(ctx context.Context) (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}

	clientConfig, err := c.config.BuildClientConfig()
	if err != nil {
		return nil, err
	}

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", c.config.Address(), clientConfig)
		ch <- dialResult{client, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", c.config.Address(), res.err)
		}
		c.logger.Info().Msg("connected")
		c.client = res.client
		return c.client, nil
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.client != nil {
				res.client.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// drop discards the connection after a failure so the next call redials.
func (c *Client) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}
