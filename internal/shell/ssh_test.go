package shell

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// cmdRecorder stands in for the external ssh binaries. Master connects
// touch the requested control socket so later health checks pass.
type cmdRecorder struct {
	mu    sync.Mutex
	calls [][]string
	delay time.Duration
}

func (c *cmdRecorder) run(_ context.Context, name string, args ...string) ([]byte, error) {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	c.calls = append(c.calls, append([]string{name}, args...))
	c.mu.Unlock()

	for i := 0; i < len(args)-1; i++ {
		if args[i] == "-S" && contains(args, "-M") {
			sock := args[i+1]
			os.MkdirAll(filepath.Dir(sock), 0o700)
			os.WriteFile(sock, nil, 0o600)
		}
	}
	return nil, nil
}

func (c *cmdRecorder) countMatching(pred func(call []string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if pred(call) {
			n++
		}
	}
	return n
}

func contains(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

func isMasterConnect(call []string) bool {
	return call[0] == "ssh" && contains(call, "-M")
}

func isMasterExit(call []string) bool {
	return call[0] == "ssh" && contains(call, "-O") && contains(call, "exit")
}

func newTestSSHManager(t *testing.T, hosts map[string]Host) (*SSHManager, *cmdRecorder) {
	t.Helper()
	rec := &cmdRecorder{}
	m := NewSSHManager(t.TempDir(), hosts, newTestRunner(t, RunnerConfig{}, nil), nil)
	m.runCmd = rec.run
	return m, rec
}

func TestSocketAndMountPathsAreDeterministic(t *testing.T) {
	m, _ := newTestSSHManager(t, map[string]Host{"web": {Name: "web"}})

	if m.SocketPath("web") != m.SocketPath("web") {
		t.Error("socket path not stable")
	}
	if m.MountPath("web") != m.MountPath("web") {
		t.Error("mount path not stable")
	}
	if m.SocketPath("web") == m.SocketPath("db") {
		t.Error("socket paths must differ per host")
	}
	if !strings.HasSuffix(m.SocketPath("web"), filepath.Join("ssh", "web.sock")) {
		t.Errorf("socket path = %q", m.SocketPath("web"))
	}
	if !strings.HasSuffix(m.MountPath("web"), filepath.Join("mnt", "web")) {
		t.Errorf("mount path = %q", m.MountPath("web"))
	}
}

func TestEnsureConnectionConnectsOnce(t *testing.T) {
	m, rec := newTestSSHManager(t, map[string]Host{"web": {Name: "web", Hostname: "web.example.com", User: "deploy"}})

	sock1, err := m.EnsureConnection(context.Background(), "web")
	if err != nil {
		t.Fatalf("first connect: %v", err)
	}
	sock2, err := m.EnsureConnection(context.Background(), "web")
	if err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if sock1 != sock2 {
		t.Errorf("sockets differ: %q vs %q", sock1, sock2)
	}
	if got := rec.countMatching(isMasterConnect); got != 1 {
		t.Errorf("master connects = %d, want 1", got)
	}
	if got := rec.countMatching(func(c []string) bool { return contains(c, "deploy@web.example.com") }); got != 1 {
		t.Errorf("connects to deploy@web.example.com = %d, want 1", got)
	}
}

func TestEnsureConnectionConcurrent(t *testing.T) {
	m, rec := newTestSSHManager(t, map[string]Host{"web": {Name: "web"}})
	rec.delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.EnsureConnection(context.Background(), "web")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
	}
	if got := rec.countMatching(isMasterConnect); got != 1 {
		t.Errorf("master connects = %d, want 1", got)
	}
}

func TestEnsureConnectionUnknownHost(t *testing.T) {
	m, _ := newTestSSHManager(t, map[string]Host{"web": {Name: "web"}})
	if _, err := m.EnsureConnection(context.Background(), "nope"); err == nil {
		t.Fatal("expected an error for an unknown host")
	}
}

func TestEnsureConnectionReconnectsAfterSocketLoss(t *testing.T) {
	m, rec := newTestSSHManager(t, map[string]Host{"web": {Name: "web"}})

	sock, err := m.EnsureConnection(context.Background(), "web")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	os.Remove(sock)

	if _, err := m.EnsureConnection(context.Background(), "web"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if got := rec.countMatching(isMasterConnect); got != 2 {
		t.Errorf("master connects = %d, want 2", got)
	}
}

func TestIdentityFilePermissions(t *testing.T) {
	dir := t.TempDir()
	key := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(key, []byte("fake key"), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	if err := checkIdentityFile(key); err != nil {
		t.Errorf("0600 key rejected: %v", err)
	}

	for _, perm := range []os.FileMode{0o644, 0o640, 0o604} {
		if err := os.Chmod(key, perm); err != nil {
			t.Fatalf("chmod: %v", err)
		}
		err := checkIdentityFile(key)
		if err == nil {
			t.Errorf("%04o key accepted", perm)
			continue
		}
		if !strings.Contains(err.Error(), "group or world") {
			t.Errorf("%04o error = %v", perm, err)
		}
	}

	if err := checkIdentityFile(filepath.Join(dir, "missing")); err == nil {
		t.Error("missing key accepted")
	}
}

func TestConnectRejectsOpenIdentityFile(t *testing.T) {
	dir := t.TempDir()
	key := filepath.Join(dir, "id_rsa")
	if err := os.WriteFile(key, []byte("fake key"), 0o644); err != nil {
		t.Fatalf("write key: %v", err)
	}

	m, rec := newTestSSHManager(t, map[string]Host{"web": {Name: "web", IdentityFile: key}})
	if _, err := m.EnsureConnection(context.Background(), "web"); err == nil {
		t.Fatal("expected connect to reject the open key")
	}
	if got := rec.countMatching(isMasterConnect); got != 0 {
		t.Errorf("master connects = %d, want 0", got)
	}
}

func TestMountSkippedWhenHostOptsOut(t *testing.T) {
	m, rec := newTestSSHManager(t, map[string]Host{"web": {Name: "web", Mount: false}})
	path, err := m.Mount(context.Background(), "web")
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	if path != "" {
		t.Errorf("mount path = %q, want empty", path)
	}
	if len(rec.calls) != 0 {
		t.Errorf("expected no commands, got %v", rec.calls)
	}
}

func TestCloseAllShutsDownMasters(t *testing.T) {
	m, rec := newTestSSHManager(t, map[string]Host{
		"web": {Name: "web"},
		"db":  {Name: "db"},
	})

	for _, host := range []string{"web", "db"} {
		if _, err := m.EnsureConnection(context.Background(), host); err != nil {
			t.Fatalf("connect %s: %v", host, err)
		}
	}

	m.CloseAll(context.Background())
	if got := rec.countMatching(isMasterExit); got != 2 {
		t.Errorf("master exits = %d, want 2", got)
	}
	if _, err := os.Stat(m.SocketPath("web")); !os.IsNotExist(err) {
		t.Error("control socket left behind")
	}

	// A fresh connection after CloseAll establishes a new master.
	if _, err := m.EnsureConnection(context.Background(), "web"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if got := rec.countMatching(isMasterConnect); got != 3 {
		t.Errorf("master connects = %d, want 3", got)
	}
}
