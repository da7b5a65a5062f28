package hostapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/KohakuBlueleaf/kohakuriver/internal/hostclient"
	"github.com/KohakuBlueleaf/kohakuriver/internal/idgen"
	"github.com/KohakuBlueleaf/kohakuriver/internal/registry"
	"github.com/KohakuBlueleaf/kohakuriver/internal/types"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu    sync.Mutex
	tasks map[int64]*types.Task
	nodes map[string]*types.Node
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[int64]*types.Task), nodes: make(map[string]*types.Node)}
}

func (f *fakeStore) CreateTask(t *types.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	f.tasks[t.TaskID] = &cp
	return nil
}

func (f *fakeStore) GetTask(taskID int64) (*types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("no such task %d", taskID)
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) ListTasks() ([]*types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) UpdateTask(t *types.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	f.tasks[t.TaskID] = &cp
	return nil
}

func (f *fakeStore) CreateNode(n *types.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *n
	f.nodes[n.Hostname] = &cp
	return nil
}

func (f *fakeStore) GetNode(hostname string) (*types.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[hostname]
	if !ok {
		return nil, fmt.Errorf("no such node %s", hostname)
	}
	cp := *n
	return &cp, nil
}

func (f *fakeStore) ListNodes() ([]*types.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Node, 0, len(f.nodes))
	for _, n := range f.nodes {
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) UpdateNode(n *types.Node) error { return f.CreateNode(n) }
func (f *fakeStore) DeleteNode(hostname string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.nodes, hostname)
	return nil
}

func (f *fakeStore) CreateSnapshot(*types.Snapshot) error                { return nil }
func (f *fakeStore) ListSnapshotsByTask(int64) ([]*types.Snapshot, error) { return nil, nil }
func (f *fakeStore) DeleteOldestSnapshot(int64) error                    { return nil }
func (f *fakeStore) DeleteSnapshot(int64, int64) error                   { return nil }
func (f *fakeStore) SaveIDGenEpochFloor(int64) error                     { return nil }
func (f *fakeStore) LoadIDGenEpochFloor() (int64, error)                 { return 0, nil }
func (f *fakeStore) Close() error                                        { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *fakeStore) {
	t.Helper()
	st := newFakeStore()
	gen := idgen.New(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), nil)

	deps := Deps{
		Store:    st,
		Registry: registry.New(st, nil, time.Minute),
		IDGen:    gen,
		Client:   hostclient.New(0),
	}
	srv := New("127.0.0.1:0", deps)
	ts := httptest.NewServer(srv.srv.Handler)
	t.Cleanup(ts.Close)
	return ts, st
}

func TestSubmitAssignsIDAndPersists(t *testing.T) {
	ts, st := newTestServer(t)

	body, _ := json.Marshal(types.Task{Command: "echo hi", RequiredCores: 1})
	resp, err := http.Post(ts.URL+"/submit", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var got types.Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.NotZero(t, got.TaskID)
	require.Equal(t, types.TaskStatusPending, got.Status)

	stored, err := st.GetTask(got.TaskID)
	require.NoError(t, err)
	require.Equal(t, "echo hi", stored.Command)
}

func TestTaskStatusReturnsNotFoundForUnknownTask(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/status/99999")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestKillReturnsConflictWhenNodeMissing(t *testing.T) {
	ts, st := newTestServer(t)
	require.NoError(t, st.CreateTask(&types.Task{TaskID: 1, AssignedNode: "ghost", Status: types.TaskStatusRunning}))

	resp, err := http.Post(ts.URL+"/kill/1", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestApproveRejectsWrongStartingState(t *testing.T) {
	ts, st := newTestServer(t)
	require.NoError(t, st.CreateTask(&types.Task{TaskID: 5, Status: types.TaskStatusRunning}))

	resp, err := http.Post(ts.URL+"/approve/5", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestTaskUpdateRecordsRunnerResult(t *testing.T) {
	ts, st := newTestServer(t)
	require.NoError(t, st.CreateNode(&types.Node{Hostname: "node1", TotalCores: 4, AllocatedCores: 1}))
	require.NoError(t, st.CreateTask(&types.Task{TaskID: 7, Status: types.TaskStatusRunning, AssignedNode: "node1", RequiredCores: 1}))

	body, _ := json.Marshal(map[string]interface{}{
		"status":    types.TaskStatusCompleted,
		"exit_code": 0,
	})
	resp, err := http.Post(ts.URL+"/update/7", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := st.GetTask(7)
	require.NoError(t, err)
	require.Equal(t, types.TaskStatusCompleted, stored.Status)
	require.NotNil(t, stored.ExitCode)
	require.Equal(t, 0, *stored.ExitCode)

	node, err := st.GetNode("node1")
	require.NoError(t, err)
	require.Equal(t, 0, node.AllocatedCores)
}

func TestTaskUpdateRejectsIllegalTransition(t *testing.T) {
	ts, st := newTestServer(t)
	require.NoError(t, st.CreateTask(&types.Task{TaskID: 8, Status: types.TaskStatusCompleted}))

	body, _ := json.Marshal(map[string]interface{}{"status": types.TaskStatusFailed})
	resp, err := http.Post(ts.URL+"/update/8", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestApproveTransitionsPendingApprovalToPending(t *testing.T) {
	ts, st := newTestServer(t)
	require.NoError(t, st.CreateTask(&types.Task{TaskID: 6, Status: types.TaskStatusPendingApproval}))

	resp, err := http.Post(ts.URL+"/approve/6", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := st.GetTask(6)
	require.NoError(t, err)
	require.Equal(t, types.TaskStatusPending, stored.Status)
}
