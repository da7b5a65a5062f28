package imagesync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string

	inspectCreated string
	inspectErr     bool
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{name}, args...))

	if name == "docker" && len(args) > 0 && args[0] == "inspect" {
		if f.inspectErr {
			return "", fmt.Errorf("no such image")
		}
		return f.inspectCreated, nil
	}
	return "", nil
}

func (f *fakeRunner) callStrings() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = strings.Join(c, " ")
	}
	return out
}

func TestEnsureSyncedPullsRegistryImageDirectly(t *testing.T) {
	runner := &fakeRunner{}
	s := NewSyncerWithRunner(t.TempDir(), runner)

	ref, err := s.EnsureSynced(context.Background(), "", "example.com/app:v1")
	require.NoError(t, err)
	assert.Equal(t, "example.com/app:v1", ref)
	assert.Contains(t, runner.callStrings(), "docker pull example.com/app:v1")
}

func TestEnsureSyncedSkipsLoadWhenNoTarballExists(t *testing.T) {
	runner := &fakeRunner{inspectErr: true}
	s := NewSyncerWithRunner(t.TempDir(), runner)

	ref, err := s.EnsureSynced(context.Background(), "myapp", "")
	require.NoError(t, err)
	assert.Equal(t, "kohakuriver/myapp:base", ref)
	for _, c := range runner.callStrings() {
		assert.NotContains(t, c, "load")
	}
}

func TestEnsureSyncedLoadsNewerTarball(t *testing.T) {
	dir := t.TempDir()
	newTS := time.Now().Add(time.Hour).Unix()
	require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("myapp-%d.tar", newTS)), []byte("tar"), 0o644))

	runner := &fakeRunner{inspectCreated: time.Now().Add(-time.Hour).Format(time.RFC3339Nano)}
	s := NewSyncerWithRunner(dir, runner)

	ref, err := s.EnsureSynced(context.Background(), "myapp", "")
	require.NoError(t, err)
	assert.Equal(t, "kohakuriver/myapp:base", ref)
	assert.Contains(t, runner.callStrings(), fmt.Sprintf("docker load -i %s", filepath.Join(dir, fmt.Sprintf("myapp-%d.tar", newTS))))
}

func TestEnsureSyncedSkipsLoadWhenImageAlreadyNewer(t *testing.T) {
	dir := t.TempDir()
	oldTS := time.Now().Add(-2 * time.Hour).Unix()
	require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("myapp-%d.tar", oldTS)), []byte("tar"), 0o644))

	runner := &fakeRunner{inspectCreated: time.Now().Add(-time.Hour).Format(time.RFC3339Nano)}
	s := NewSyncerWithRunner(dir, runner)

	_, err := s.EnsureSynced(context.Background(), "myapp", "")
	require.NoError(t, err)
	for _, c := range runner.callStrings() {
		assert.NotContains(t, c, "load")
	}
}

func TestEnsureSyncedPicksNewestOfMultipleTarballs(t *testing.T) {
	dir := t.TempDir()
	older := time.Now().Add(-time.Hour).Unix()
	newer := time.Now().Add(time.Hour).Unix()
	require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("myapp-%d.tar", older)), []byte("tar"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("myapp-%d.tar", newer)), []byte("tar"), 0o644))

	runner := &fakeRunner{inspectErr: true}
	s := NewSyncerWithRunner(dir, runner)

	_, err := s.EnsureSynced(context.Background(), "myapp", "")
	require.NoError(t, err)
	assert.Contains(t, runner.callStrings(), fmt.Sprintf("docker load -i %s", filepath.Join(dir, fmt.Sprintf("myapp-%d.tar", newer))))
}

func TestEnsureSyncedRequiresContainerNameOrRegistryImage(t *testing.T) {
	s := NewSyncerWithRunner(t.TempDir(), &fakeRunner{})
	_, err := s.EnsureSynced(context.Background(), "", "")
	assert.Error(t, err)
}
