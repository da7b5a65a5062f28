package snapshot

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/KohakuBlueleaf/kohakuriver/internal/types"
	"github.com/stretchr/testify/require"
)

// fakeStore implements store.Store with real snapshot-bucket semantics so
// rotation logic can be exercised; task/node methods are unused by this
// package and stubbed out.
type fakeStore struct {
	mu   sync.Mutex
	snap map[int64][]*types.Snapshot
}

func newFakeStore() *fakeStore { return &fakeStore{snap: make(map[int64][]*types.Snapshot)} }

func (f *fakeStore) CreateTask(*types.Task) error                  { return nil }
func (f *fakeStore) GetTask(int64) (*types.Task, error)            { return nil, fmt.Errorf("unused") }
func (f *fakeStore) ListTasks() ([]*types.Task, error)             { return nil, nil }
func (f *fakeStore) UpdateTask(*types.Task) error                  { return nil }
func (f *fakeStore) CreateNode(*types.Node) error                  { return nil }
func (f *fakeStore) GetNode(string) (*types.Node, error)           { return nil, fmt.Errorf("unused") }
func (f *fakeStore) ListNodes() ([]*types.Node, error)             { return nil, nil }
func (f *fakeStore) UpdateNode(*types.Node) error                  { return nil }
func (f *fakeStore) DeleteNode(string) error                       { return nil }
func (f *fakeStore) SaveIDGenEpochFloor(int64) error               { return nil }
func (f *fakeStore) LoadIDGenEpochFloor() (int64, error)           { return 0, nil }
func (f *fakeStore) Close() error                                  { return nil }

func (f *fakeStore) CreateSnapshot(s *types.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.snap[s.TaskID] = append(f.snap[s.TaskID], &cp)
	return nil
}

func (f *fakeStore) ListSnapshotsByTask(taskID int64) ([]*types.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]*types.Snapshot(nil), f.snap[taskID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (f *fakeStore) DeleteOldestSnapshot(taskID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.snap[taskID]
	if len(list) == 0 {
		return nil
	}
	oldestIdx := 0
	for i, s := range list {
		if s.Timestamp.Before(list[oldestIdx].Timestamp) {
			oldestIdx = i
		}
	}
	f.snap[taskID] = append(list[:oldestIdx], list[oldestIdx+1:]...)
	return nil
}

func (f *fakeStore) DeleteSnapshot(taskID, ts int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.snap[taskID]
	for i, s := range list {
		if s.Timestamp.Unix() == ts {
			f.snap[taskID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return nil
}

type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string{name}, args...))
	if name == "docker" && len(args) > 0 && args[0] == "inspect" {
		return "1048576", nil
	}
	return "", nil
}

func TestTakeRotatesOldestOnOverflow(t *testing.T) {
	st := newFakeStore()
	runner := &fakeRunner{}
	mgr := NewManagerWithRunner(st, runner, 2)

	for i := 0; i < 3; i++ {
		_, err := mgr.Take(context.Background(), 1, "kohakuriver-1", "")
		require.NoError(t, err)
	}

	snaps, err := mgr.List(1)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
}

func TestDeleteRemovesLedgerEntry(t *testing.T) {
	st := newFakeStore()
	runner := &fakeRunner{}
	mgr := NewManagerWithRunner(st, runner, 5)

	snap, err := mgr.Take(context.Background(), 7, "kohakuriver-7", "before upgrade")
	require.NoError(t, err)

	err = mgr.Delete(context.Background(), 7, snap.Timestamp.Unix())
	require.NoError(t, err)

	snaps, err := mgr.List(7)
	require.NoError(t, err)
	require.Empty(t, snaps)
}

func TestRestoreImageTagPicksNewest(t *testing.T) {
	st := newFakeStore()
	runner := &fakeRunner{}
	mgr := NewManagerWithRunner(st, runner, 5)

	_, err := mgr.Take(context.Background(), 3, "kohakuriver-3", "first")
	require.NoError(t, err)
	newest, err := mgr.Take(context.Background(), 3, "kohakuriver-3", "second")
	require.NoError(t, err)

	tag, err := mgr.RestoreImageTag(3)
	require.NoError(t, err)
	require.Equal(t, newest.ImageTag, tag)
}
