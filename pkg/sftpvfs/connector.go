package sftpvfs

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/go-pkgz/fileutils"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ConnectorOpts tunes the ssh transport and the sftp session of a Connector
type ConnectorOpts struct {
	Timeout    time.Duration // dial and ssh handshake timeout
	KnownHosts string        // known_hosts file, host keys are not verified if empty
	MaxPacket  int           // sftp packet size, the library default if 0
}

// Connector dials sftp hosts keeping database files. The private key is parsed once and shared by
// all connections.
type Connector struct {
	signer     ssh.Signer
	hostKey    ssh.HostKeyCallback
	timeout    time.Duration
	clientOpts []sftp.ClientOption
}

// NewConnector makes a Connector authenticating with privateKey
func NewConnector(privateKey string, opts ConnectorOpts) (*Connector, error) {
	if !fileutils.IsFile(privateKey) {
		return nil, fmt.Errorf("private key file %q does not exist", privateKey)
	}
	key, err := os.ReadFile(privateKey) //nolint:gosec // user supplied key file
	if err != nil {
		return nil, fmt.Errorf("can't read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("unable to parse private key %q: %w", privateKey, err)
	}

	res := &Connector{signer: signer, timeout: opts.Timeout, hostKey: ssh.InsecureIgnoreHostKey()} //nolint:gosec
	if opts.KnownHosts != "" {
		if res.hostKey, err = knownhosts.New(opts.KnownHosts); err != nil {
			return nil, fmt.Errorf("can't load known hosts: %w", err)
		}
	} else {
		log.Printf("[WARN] no known hosts for sftp, host keys are not verified")
	}

	res.clientOpts = []sftp.ClientOption{sftp.UseFstat(true), sftp.UseConcurrentWrites(true)}
	if opts.MaxPacket > 0 {
		res.clientOpts = append(res.clientOpts, sftp.MaxPacketChecked(opts.MaxPacket))
	}
	return res, nil
}

// Connect opens an sftp session on hostAddr and returns a VFS keeping files under root.
// The root directory is created if missing. Caller must close the VFS.
func (c *Connector) Connect(ctx context.Context, hostAddr, user, root string) (*VFS, error) {
	addr := hostAddr
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}
	client, err := c.dial(ctx, addr, user)
	if err != nil {
		return nil, err
	}
	sc, err := sftp.NewClient(client, c.clientOpts...)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("can't start sftp session on %s: %w", addr, err)
	}
	if err := sc.MkdirAll(root); err != nil {
		_ = sc.Close()
		_ = client.Close()
		return nil, fmt.Errorf("can't make root %q on %s: %w", root, addr, err)
	}
	log.Printf("[INFO] sftp session to %s@%s, root %q", user, addr, root)
	return New(sc, root, client), nil
}

// dial makes an ssh client to addr. The timeout covers both the dial and the handshake.
func (c *Connector) dial(ctx context.Context, addr, user string) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("can't dial %s: %w", addr, err)
	}
	if c.timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.timeout))
	}
	ncc, chans, reqs, err := ssh.NewClientConn(conn, addr, c.clientConfig(user))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("can't make ssh connection to %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	log.Printf("[DEBUG] ssh connection to %s as %q", addr, user)
	return ssh.NewClient(ncc, chans, reqs), nil
}

func (c *Connector) clientConfig(user string) *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(c.signer)},
		HostKeyCallback: c.hostKey,
		Timeout:         c.timeout,
	}
}
