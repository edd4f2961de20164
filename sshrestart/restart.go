// Package sshrestart implements the post-renewal service restart
// (spec.md §4.6) over golang.org/x/crypto/ssh, reusing the same
// module restinpieces already depends on (there: crypto/password.go's
// bcrypt subpackage) for a different concern.
package sshrestart

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/caasmo/fleetcert"
)

// RestartCommand is the fixed command run on every VOS appliance
// restart (spec.md §4.6).
const RestartCommand = "utils service restart Cisco Tomcat"

// commandTimeout bounds how long a single SSH command may run before
// the renewal gives up waiting on it.
const commandTimeout = 5 * time.Minute

// Client implements fleetcert.SSHClient over golang.org/x/crypto/ssh.
type Client struct {
	dialTimeout time.Duration
}

// New returns a Client with a 10s connection dial timeout.
func New() *Client {
	return &Client{dialTimeout: 10 * time.Second}
}

func (c *Client) dial(host, user, pass string) (*ssh.Client, error) {
	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(pass)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.dialTimeout,
	}
	return ssh.Dial("tcp", host, config)
}

// TestConnection verifies host/user/pass can establish an SSH session
// without running a command.
func (c *Client) TestConnection(ctx context.Context, host, user, pass string) error {
	client, err := c.dial(host, user, pass)
	if err != nil {
		return fmt.Errorf("sshrestart: dial %s: %w", host, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("sshrestart: new session on %s: %w", host, err)
	}
	return session.Close()
}

// ExecuteCommand runs command on host over SSH, bounded by timeout, and
// returns its captured stdout/stderr. Used by the orchestrator to run
// RestartCommand after a successful install (spec.md §4.6); failure is
// logged as a warning there and never fails the renewal.
func (c *Client) ExecuteCommand(ctx context.Context, host, user, pass, command string, timeout time.Duration) (stdout, stderr string, err error) {
	if timeout <= 0 {
		timeout = commandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := c.dial(host, user, pass)
	if err != nil {
		return "", "", fmt.Errorf("sshrestart: dial %s: %w", host, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("sshrestart: new session on %s: %w", host, err)
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case runErr := <-done:
		if runErr != nil {
			return outBuf.String(), errBuf.String(), fmt.Errorf("sshrestart: command %q on %s: %w", command, host, runErr)
		}
		return outBuf.String(), errBuf.String(), nil
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return outBuf.String(), errBuf.String(), fmt.Errorf("sshrestart: command %q on %s: %w", command, host, ctx.Err())
	}
}

var _ fleetcert.SSHClient = (*Client)(nil)
