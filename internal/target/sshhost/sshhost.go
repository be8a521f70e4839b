// Package sshhost keeps the synced guild structure in a state file on a
// remote host reached over SSH. The connection is opened lazily on first
// use and closed when the adapter is closed; host keys are verified against
// a known_hosts file unless explicitly disabled.
package sshhost

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/schaermu/guildsyncd/internal/diff"
	"github.com/schaermu/guildsyncd/internal/format"
	"github.com/schaermu/guildsyncd/internal/target"
)

// Config describes the remote host and state file location. The key
// material stays inside this package; it never enters the sync core.
type Config struct {
	Host           string
	Port           string
	User           string
	KeyFile        string
	KnownHostsFile string
	// InsecureIgnoreHostKey disables host key verification. Test
	// environments only.
	InsecureIgnoreHostKey bool
	// Path is the remote state file holding the dump document.
	Path string
}

// Adapter implements target.Adapter against a remote state file.
type Adapter struct {
	cfg    Config
	client *ssh.Client
	state  *target.DocState
}

// New builds an adapter; no connection is made until first use.
func New(cfg Config) *Adapter {
	if cfg.Port == "" {
		cfg.Port = "22"
	}
	return &Adapter{cfg: cfg}
}

// FetchSnapshot reads and parses the remote state file.
func (a *Adapter) FetchSnapshot(ctx context.Context) (*format.Snapshot, error) {
	if err := a.load(ctx); err != nil {
		return nil, err
	}
	return a.state.Snapshot(), nil
}

// Supports reports true for every operation kind.
func (a *Adapter) Supports(_ diff.OperationKind) bool {
	return true
}

// Apply mutates the document state and writes it back to the remote file.
func (a *Adapter) Apply(ctx context.Context, op diff.Operation) error {
	if err := a.load(ctx); err != nil {
		return err
	}
	if err := a.state.Apply(op); err != nil {
		return target.NewError("ssh", op.TargetID, err, err.Error())
	}
	if err := a.save(ctx); err != nil {
		return target.NewError("ssh", op.TargetID, target.ErrTransport, err.Error())
	}
	return nil
}

// Close tears down the SSH connection if one was opened.
func (a *Adapter) Close() error {
	if a.client == nil {
		return nil
	}
	err := a.client.Close()
	a.client = nil
	return err
}

func (a *Adapter) load(ctx context.Context) error {
	if a.state != nil {
		return nil
	}

	output, err := a.run(ctx, nil, fmt.Sprintf("cat %s 2>/dev/null || true", shellEscape(a.cfg.Path)))
	if err != nil {
		return target.NewError("ssh", a.cfg.Host, target.ErrTransport, err.Error())
	}
	if len(bytes.TrimSpace(output)) == 0 {
		a.state = target.NewDocState(nil)
		return nil
	}

	doc, _, err := format.Parse(output, format.Options{Expected: format.FormatDump})
	if err != nil {
		return target.NewError("ssh", a.cfg.Host, target.ErrTransport,
			fmt.Sprintf("remote state file is invalid: %v", err))
	}
	a.state = target.NewDocState(doc)
	return nil
}

func (a *Adapter) save(ctx context.Context) error {
	data, err := a.state.Document().Marshal()
	if err != nil {
		return err
	}
	_, err = a.run(ctx, bytes.NewReader(data), fmt.Sprintf("cat > %s", shellEscape(a.cfg.Path)))
	return err
}

// run executes one remote command over a fresh session on the shared
// connection.
func (a *Adapter) run(ctx context.Context, stdin *bytes.Reader, command string) ([]byte, error) {
	if err := a.dial(ctx); err != nil {
		return nil, err
	}

	session, err := a.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	defer func() {
		_ = session.Close()
	}()

	if stdin != nil {
		session.Stdin = stdin
	}
	output, err := session.CombinedOutput(command)
	if err != nil {
		return nil, fmt.Errorf("remote command failed: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

// dial opens the connection on first use.
func (a *Adapter) dial(ctx context.Context) error {
	if a.client != nil {
		return nil
	}

	key, err := os.ReadFile(a.cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return fmt.Errorf("parse ssh key: %w", err)
	}

	hostKeyCallback, err := a.hostKeyCallback()
	if err != nil {
		return err
	}

	config := &ssh.ClientConfig{
		User:            a.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
	}

	addr := net.JoinHostPort(a.cfg.Host, a.cfg.Port)
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	a.client = ssh.NewClient(sshConn, chans, reqs)
	return nil
}

func (a *Adapter) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if a.cfg.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // explicit opt-in
	}
	callback, err := knownhosts.New(a.cfg.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return callback, nil
}

func shellEscape(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}
