package vm

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeIPAllocator struct {
	reserved map[string]bool
}

func newFakeIPAllocator() *fakeIPAllocator {
	return &fakeIPAllocator{reserved: make(map[string]bool)}
}

func (f *fakeIPAllocator) ReserveVMIP(ctx context.Context, runnerName string) (string, string, string, error) {
	token := "tok-" + runnerName
	f.reserved[token] = true
	return "10.44.0.7", "10.44.0.1", token, nil
}

func (f *fakeIPAllocator) ReleaseVMIP(ctx context.Context, token string) error {
	delete(f.reserved, token)
	return nil
}

func TestStandardPoolAcquireReleaseAvoidsReuse(t *testing.T) {
	pool := newStandardPool()
	a, err := pool.acquire()
	require.NoError(t, err)
	b, err := pool.acquire()
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	pool.release(a)
	pool.mu.Lock()
	released := !pool.used[2]
	pool.mu.Unlock()
	require.True(t, released)
}

func TestCleanupClassifiesMissingPIDFileAsStale(t *testing.T) {
	dir := t.TempDir()
	mgr := NewManager(Config{VMInstancesDir: dir}, nil)

	require.NoError(t, writeInstanceDir(dir, "42"))

	report, err := mgr.Cleanup(map[int64]bool{})
	require.NoError(t, err)
	require.Contains(t, report.StaleBindings, int64(42))
	require.Empty(t, report.Live)
	require.Empty(t, report.Orphaned)
}

func writeInstanceDir(base, name string) error {
	return os.MkdirAll(base+"/"+name, 0o755)
}

func TestPIDAliveDetectsOwnAndMissingProcess(t *testing.T) {
	require.True(t, pidAlive(os.Getpid()))
	require.False(t, pidAlive(1<<22), "pid beyond pid_max can never be alive")
}

func TestWaitPIDExitReturnsImmediatelyForDeadPID(t *testing.T) {
	start := time.Now()
	require.True(t, waitPIDExit(1<<22, time.Second))
	require.Less(t, time.Since(start), time.Second)
}

func TestNewManagerDefaultsTimeouts(t *testing.T) {
	mgr := NewManager(Config{}, newFakeIPAllocator())
	require.Equal(t, 60*time.Second, mgr.cfg.BootTimeout)
	require.Equal(t, 30*time.Second, mgr.cfg.ShutdownGrace)
}
