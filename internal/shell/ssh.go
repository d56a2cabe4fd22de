package shell

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/haasonsaas/strand/internal/infra"
	"github.com/haasonsaas/strand/internal/observability"
)

// ErrKeyPermissions means an identity file is readable by group or
// world and was refused.
var ErrKeyPermissions = errors.New("identity file permissions too open")

// Host describes a remote execution target.
type Host struct {
	Name         string
	Hostname     string // defaults to Name
	User         string
	Port         int
	IdentityFile string
	Mount        bool // mount the remote filesystem via sshfs
}

func (h Host) target() string {
	hostname := h.Hostname
	if hostname == "" {
		hostname = h.Name
	}
	if h.User != "" {
		return h.User + "@" + hostname
	}
	return hostname
}

// SSHManager owns the process-wide SSH state: one ControlMaster socket
// per host, plus any sshfs mounts. Connections are established at most
// once per host; concurrent callers for the same host share a single
// in-flight connect through a singleflight group. Everything it opens
// is torn down by CloseAll, which the controller calls on dispose.
type SSHManager struct {
	dataDir string
	hosts   map[string]Host
	runner  *Runner
	logger  *observability.Logger

	connect infra.Group[string, string]

	mu        sync.Mutex
	connected map[string]bool
	mounts    map[string]string

	// runCmd executes a setup command such as the master connect or an
	// sshfs mount. Swapped out in tests.
	runCmd func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewSSHManager creates a manager rooted at dataDir. Control sockets
// live under dataDir/ssh and mounts under dataDir/mnt.
func NewSSHManager(dataDir string, hosts map[string]Host, runner *Runner, logger *observability.Logger) *SSHManager {
	if logger != nil {
		logger = logger.WithFields("component", "ssh")
	}
	return &SSHManager{
		dataDir:   dataDir,
		hosts:     hosts,
		runner:    runner,
		logger:    logger,
		connected: make(map[string]bool),
		mounts:    make(map[string]string),
		runCmd: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}
}

// Hosts lists the configured host names.
func (m *SSHManager) Hosts() []string {
	names := make([]string, 0, len(m.hosts))
	for name := range m.hosts {
		names = append(names, name)
	}
	return names
}

// SocketPath returns the control socket path for a host.
func (m *SSHManager) SocketPath(host string) string {
	return filepath.Join(m.dataDir, "ssh", host+".sock")
}

// MountPath returns the deterministic sshfs mount point for a host.
func (m *SSHManager) MountPath(host string) string {
	return filepath.Join(m.dataDir, "mnt", host)
}

// EnsureConnection establishes the ControlMaster connection for host if
// it is not already up, and returns the control socket path. It is
// idempotent and safe to call concurrently; callers racing on the same
// host share one connect attempt.
func (m *SSHManager) EnsureConnection(ctx context.Context, host string) (string, error) {
	h, ok := m.hosts[host]
	if !ok {
		return "", fmt.Errorf("unknown ssh host %q", host)
	}

	sock, err, _ := m.connect.Do(host, func() (string, error) {
		return m.connectMaster(ctx, h)
	})
	return sock, err
}

func (m *SSHManager) connectMaster(ctx context.Context, h Host) (string, error) {
	sock := m.SocketPath(h.Name)

	m.mu.Lock()
	up := m.connected[h.Name]
	m.mu.Unlock()
	if up {
		if _, err := os.Stat(sock); err == nil {
			return sock, nil
		}
		// Socket vanished out from under us, reconnect.
		m.mu.Lock()
		delete(m.connected, h.Name)
		m.mu.Unlock()
	}

	if h.IdentityFile != "" {
		if err := checkIdentityFile(h.IdentityFile); err != nil {
			return "", err
		}
	}
	if err := os.MkdirAll(filepath.Dir(sock), 0o700); err != nil {
		return "", fmt.Errorf("create ssh socket dir: %w", err)
	}

	args := []string{
		"-M", "-N", "-f",
		"-S", sock,
		"-o", "BatchMode=yes",
		"-o", "ConnectTimeout=10",
	}
	if h.Port > 0 {
		args = append(args, "-p", strconv.Itoa(h.Port))
	}
	if h.IdentityFile != "" {
		args = append(args, "-i", h.IdentityFile)
	}
	args = append(args, h.target())

	out, err := m.runCmd(ctx, "ssh", args...)
	if err != nil {
		return "", fmt.Errorf("ssh connect %s: %w: %s", h.Name, err, strings.TrimSpace(string(out)))
	}

	m.mu.Lock()
	m.connected[h.Name] = true
	m.mu.Unlock()
	if m.logger != nil {
		m.logger.Info(ctx, "ssh master connected", "host", h.Name, "socket", sock)
	}
	return sock, nil
}

// checkIdentityFile rejects private keys readable by group or world,
// matching the ssh client's own refusal to use unprotected keys.
func checkIdentityFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("identity file: %w", err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return fmt.Errorf("%w: %s has %04o, must not be group or world accessible", ErrKeyPermissions, path, perm)
	}
	return nil
}

// Exec runs a command on the remote host through the shared control
// socket. The command goes through the same runner pipeline as local
// commands, so sanitizing, tail limits, spill files, timeouts and
// aborts all behave identically.
func (m *SSHManager) Exec(ctx context.Context, id, host string, cmd Command) (Result, error) {
	if cmd.Command == "" {
		return Result{}, fmt.Errorf("command is required")
	}
	h, ok := m.hosts[host]
	if !ok {
		return Result{}, fmt.Errorf("unknown ssh host %q", host)
	}
	sock, err := m.EnsureConnection(ctx, host)
	if err != nil {
		return Result{}, err
	}

	remote := cmd.Command
	if cmd.Cwd != "" {
		remote = fmt.Sprintf("cd %s && %s", shellQuote(cmd.Cwd), remote)
	}
	argv := []string{"ssh", "-S", sock, "-o", "BatchMode=yes", h.target(), "--", remote}

	return m.runner.Run(ctx, id, Command{
		Argv:    argv,
		Timeout: cmd.Timeout,
		OnData:  cmd.OnData,
	})
}

// Mount mounts the remote filesystem with sshfs when the host opts in
// and sshfs is installed. It returns the mount point, or empty when
// mounting is skipped. Already-mounted hosts return the existing path.
func (m *SSHManager) Mount(ctx context.Context, host string) (string, error) {
	h, ok := m.hosts[host]
	if !ok {
		return "", fmt.Errorf("unknown ssh host %q", host)
	}
	if !h.Mount {
		return "", nil
	}

	m.mu.Lock()
	if path, ok := m.mounts[host]; ok {
		m.mu.Unlock()
		return path, nil
	}
	m.mu.Unlock()

	if _, err := exec.LookPath("sshfs"); err != nil {
		if m.logger != nil {
			m.logger.Info(ctx, "sshfs not installed, skipping mount", "host", host)
		}
		return "", nil
	}

	sock, err := m.EnsureConnection(ctx, host)
	if err != nil {
		return "", err
	}
	path := m.MountPath(host)
	if err := os.MkdirAll(path, 0o700); err != nil {
		return "", fmt.Errorf("create mount dir: %w", err)
	}

	out, err := m.runCmd(ctx, "sshfs", h.target()+":/", path, "-o", "ControlPath="+sock)
	if err != nil {
		return "", fmt.Errorf("sshfs mount %s: %w: %s", host, err, strings.TrimSpace(string(out)))
	}

	m.mu.Lock()
	m.mounts[host] = path
	m.mu.Unlock()
	if m.logger != nil {
		m.logger.Info(ctx, "remote filesystem mounted", "host", host, "path", path)
	}
	return path, nil
}

// UnmountAll unmounts every sshfs mount. Failures are logged and do not
// stop the remaining unmounts.
func (m *SSHManager) UnmountAll(ctx context.Context) {
	m.mu.Lock()
	mounts := make(map[string]string, len(m.mounts))
	for host, path := range m.mounts {
		mounts[host] = path
	}
	m.mounts = make(map[string]string)
	m.mu.Unlock()

	for host, path := range mounts {
		out, err := m.runCmd(ctx, "fusermount", "-u", path)
		if err != nil {
			out, err = m.runCmd(ctx, "umount", path)
		}
		if err != nil && m.logger != nil {
			m.logger.Warn(ctx, "unmount failed", "host", host, "path", path, "error", err, "output", strings.TrimSpace(string(out)))
		}
	}
}

// CloseAll unmounts everything and shuts down every master connection.
// Called once at session disposal.
func (m *SSHManager) CloseAll(ctx context.Context) {
	m.UnmountAll(ctx)

	m.mu.Lock()
	hosts := make([]string, 0, len(m.connected))
	for host := range m.connected {
		hosts = append(hosts, host)
	}
	m.connected = make(map[string]bool)
	m.mu.Unlock()

	for _, host := range hosts {
		h := m.hosts[host]
		sock := m.SocketPath(host)
		if out, err := m.runCmd(ctx, "ssh", "-S", sock, "-O", "exit", h.target()); err != nil {
			if m.logger != nil {
				m.logger.Warn(ctx, "ssh master shutdown failed", "host", host, "error", err, "output", strings.TrimSpace(string(out)))
			}
		}
		os.Remove(sock)
		m.connect.Forget(host)
	}
}

// shellQuote wraps s in single quotes for safe interpolation into a
// remote shell command line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
