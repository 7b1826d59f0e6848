// Package ssh provides the SSH transport used to reach remote reconciliation
// targets, including dev harness machines.
package ssh

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config holds the connection settings for an SSH target.
type Config struct {
	// Host is the hostname or IP address of the target.
	Host string

	// Port is the SSH port (default 22).
	Port int

	// User is the login user.
	User string

	// PrivateKeyPath is the path to the private key used for authentication.
	PrivateKeyPath string

	// Password is used when no private key is configured.
	Password string

	// StrictHostKeyChecking verifies the host key against known_hosts.
	// Disabled for ephemeral dev machines whose keys change on every boot.
	StrictHostKeyChecking bool

	// KnownHostsPath overrides the default known_hosts location.
	KnownHostsPath string

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration

	// CommandTimeout bounds individual command execution.
	CommandTimeout time.Duration
}

// Validate checks the configuration for completeness.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("ssh: host is required")
	}
	if c.User == "" {
		return fmt.Errorf("ssh: user is required")
	}
	if c.PrivateKeyPath == "" && c.Password == "" {
		return fmt.Errorf("ssh: either a private key or a password is required")
	}
	return nil
}

// Address returns the host:port dial address.
func (c *Config) Address() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// clientConfig builds the x/crypto/ssh client configuration.
func (c *Config) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	if c.PrivateKeyPath != "" {
		key, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("ssh: read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("ssh: parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() // #nosec G106 -- ephemeral dev machines
	if c.StrictHostKeyChecking {
		path := c.KnownHostsPath
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("ssh: resolve known_hosts: %w", err)
			}
			path = filepath.Join(home, ".ssh", "known_hosts")
		}
		cb, err := knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("ssh: load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	timeout := c.ConnectTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}
