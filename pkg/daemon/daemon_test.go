package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/mtford90/procsi/pkg/control"
)

// startDaemon runs the daemon against a temp project dir and waits for
// the control socket to come up.
func startDaemon(t *testing.T) (string, context.CancelFunc, chan error) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), ".procsi")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, &Options{Dir: dir, Version: "test"})
	}()

	socket := filepath.Join(dir, "control.sock")
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if client, err := control.Dial(socket); err == nil {
			if err := client.Ping(); err == nil {
				client.Close()
				return dir, cancel, done
			}
			client.Close()
		}
		time.Sleep(25 * time.Millisecond)
	}
	cancel()
	t.Fatal("daemon did not come up")
	return "", nil, nil
}

func waitStopped(t *testing.T, done chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("daemon exited with error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemonStartupWritesFiles(t *testing.T) {
	dir, cancel, done := startDaemon(t)
	defer func() {
		cancel()
		waitStopped(t, done)
	}()

	pidData, err := os.ReadFile(filepath.Join(dir, "daemon.pid"))
	if err != nil {
		t.Fatalf("pid file missing: %v", err)
	}
	pid, err := strconv.Atoi(string(pidData))
	if err != nil || pid != os.Getpid() {
		t.Errorf("unexpected pid file contents %q", pidData)
	}

	if _, err := os.Stat(filepath.Join(dir, "proxy.port")); err != nil {
		t.Errorf("port file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "ca.pem")); err != nil {
		t.Errorf("CA cert missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "requests.db")); err != nil {
		t.Errorf("store missing: %v", err)
	}
}

func TestDaemonStatusRPC(t *testing.T) {
	dir, cancel, done := startDaemon(t)
	defer func() {
		cancel()
		waitStopped(t, done)
	}()

	client, err := control.Dial(filepath.Join(dir, "control.sock"))
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	info, err := client.Status()
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !info.Running || info.PID != os.Getpid() {
		t.Errorf("unexpected status %+v", info)
	}
	if info.ProxyPort == 0 {
		t.Error("expected bound proxy port in status")
	}
	if info.Version != "test" {
		t.Errorf("unexpected version %q", info.Version)
	}
}

func TestSecondDaemonRejected(t *testing.T) {
	dir, cancel, done := startDaemon(t)
	defer func() {
		cancel()
		waitStopped(t, done)
	}()

	err := Run(context.Background(), &Options{Dir: dir})
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestShutdownRPCRemovesFiles(t *testing.T) {
	dir, cancel, done := startDaemon(t)
	defer cancel()

	client, err := control.Dial(filepath.Join(dir, "control.sock"))
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Shutdown(); err != nil {
		t.Fatalf("shutdown RPC failed: %v", err)
	}
	client.Close()

	waitStopped(t, done)

	for _, name := range []string{"daemon.pid", "proxy.port", "control.sock"} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("expected %s to be removed, stat err: %v", name, err)
		}
	}
}

func TestStalePIDLockRecovered(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".procsi")
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatal(err)
	}

	// A PID that cannot be a live process.
	if err := os.WriteFile(filepath.Join(dir, "daemon.pid"), []byte("999999"), 0600); err != nil {
		t.Fatal(err)
	}

	if err := acquirePIDLock(filepath.Join(dir, "daemon.pid")); err != nil {
		t.Fatalf("expected stale lock recovery, got %v", err)
	}
	defer os.Remove(filepath.Join(dir, "daemon.pid"))

	pid, ok := readPIDFile(filepath.Join(dir, "daemon.pid"))
	if !ok || pid != os.Getpid() {
		t.Errorf("lock not taken over: %d %v", pid, ok)
	}
}

func TestLivePIDLockRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemon.pid")

	// Our own PID is definitely alive.
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		t.Fatal(err)
	}

	err := acquirePIDLock(path)
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
}
