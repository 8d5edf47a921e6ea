package remote

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// Connector dials ssh servers with a private key
type Connector struct {
	privateKey string
	timeout    time.Duration
}

// NewConnector makes a Connector for the private key file, the key is read on each Dial
func NewConnector(privateKey string, timeout time.Duration) (*Connector, error) {
	if _, err := os.Stat(privateKey); err != nil {
		return nil, fmt.Errorf("private key file %q: %w", privateKey, err)
	}
	return &Connector{privateKey: privateKey, timeout: timeout}, nil
}

// Dial connects to the host with public key auth, caller must close the client
func (c *Connector) Dial(ctx context.Context, host, user string) (*ssh.Client, error) {
	if !strings.Contains(host, ":") {
		host += ":22"
	}
	log.Printf("[DEBUG] dial %s, user %s", host, user)

	conf, err := c.sshConfig(user)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, fmt.Errorf("can't dial %s: %w", host, err)
	}
	if c.timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.timeout)) // handshake only, reset below
	}
	ncc, chans, reqs, err := ssh.NewClientConn(conn, host, conf)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("can't make ssh connection to %s: %w", host, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(ncc, chans, reqs), nil
}

func (c *Connector) sshConfig(user string) (*ssh.ClientConfig, error) {
	key, err := os.ReadFile(c.privateKey) //nolint:gosec // key path from the user
	if err != nil {
		return nil, fmt.Errorf("can't read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("can't parse private key %s: %w", c.privateKey, err)
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // no known_hosts handling
		Timeout:         c.timeout,
	}, nil
}
