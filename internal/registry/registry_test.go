package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/KohakuBlueleaf/kohakuriver/internal/types"
	"github.com/stretchr/testify/assert"
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

func (f *fakeStore) CreateTask(task *types.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[task.TaskID] = task
	return nil
}
func (f *fakeStore) GetTask(taskID int64) (*types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return t, nil
}
func (f *fakeStore) ListTasks() ([]*types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out, nil
}
func (f *fakeStore) UpdateTask(task *types.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[task.TaskID] = task
	return nil
}
func (f *fakeStore) CreateNode(node *types.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[node.Hostname] = node
	return nil
}
func (f *fakeStore) GetNode(hostname string) (*types.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[hostname]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return n, nil
}
func (f *fakeStore) ListNodes() ([]*types.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Node, 0, len(f.nodes))
	for _, n := range f.nodes {
		out = append(out, n)
	}
	return out, nil
}
func (f *fakeStore) UpdateNode(node *types.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[node.Hostname] = node
	return nil
}
func (f *fakeStore) DeleteNode(hostname string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.nodes, hostname)
	return nil
}
func (f *fakeStore) CreateSnapshot(*types.Snapshot) error                { return nil }
func (f *fakeStore) ListSnapshotsByTask(int64) ([]*types.Snapshot, error) { return nil, nil }
func (f *fakeStore) DeleteOldestSnapshot(int64) error                     { return nil }
func (f *fakeStore) DeleteSnapshot(int64, int64) error                    { return nil }
func (f *fakeStore) SaveIDGenEpochFloor(int64) error                      { return nil }
func (f *fakeStore) LoadIDGenEpochFloor() (int64, error)                  { return 0, nil }
func (f *fakeStore) Close() error                                        { return nil }

type fakeOverlay struct{}

func (fakeOverlay) Allocate(runnerName, physicalIP string, active map[string]bool) (*types.OverlayAllocation, error) {
	return &types.OverlayAllocation{
		RunnerName:      runnerName,
		RunnerID:        1,
		PhysicalIP:      physicalIP,
		RunnerSubnet:    "10.128.64.0/18",
		RunnerGatewayIP: "10.128.64.1",
	}, nil
}

func TestRegisterIsIdempotentOnHostname(t *testing.T) {
	st := newFakeStore()
	reg := New(st, fakeOverlay{}, time.Second)

	info := RegistrationInfo{Hostname: "node1", PhysicalIP: "10.0.0.5", TotalCores: 8}
	res1, err := reg.Register(info)
	require.NoError(t, err)
	assert.Equal(t, "10.128.64.0/18", res1.RunnerSubnet)

	res2, err := reg.Register(info)
	require.NoError(t, err)
	assert.Equal(t, res1.RunnerSubnet, res2.RunnerSubnet)

	nodes, _ := st.ListNodes()
	assert.Len(t, nodes, 1)
}

func TestRegisterPreservesAllocatedResourcesAcrossReregistration(t *testing.T) {
	st := newFakeStore()
	reg := New(st, fakeOverlay{}, time.Second)

	info := RegistrationInfo{Hostname: "node1", TotalCores: 8}
	_, err := reg.Register(info)
	require.NoError(t, err)

	node, _ := st.GetNode("node1")
	node.AllocatedCores = 4
	require.NoError(t, st.UpdateNode(node))

	_, err = reg.Register(info)
	require.NoError(t, err)

	node2, _ := st.GetNode("node1")
	assert.Equal(t, 4, node2.AllocatedCores)
}

// TestHeartbeatFreesResourcesOnFinishedTask: a finished task returns its
// cores to the node within the same heartbeat.
func TestHeartbeatFreesResourcesOnFinishedTask(t *testing.T) {
	st := newFakeStore()
	reg := New(st, fakeOverlay{}, time.Second)

	node := &types.Node{Hostname: "node1", TotalCores: 8, AllocatedCores: 2, Status: types.NodeStatusOnline, LastHeartbeat: time.Now()}
	require.NoError(t, st.CreateNode(node))
	task := &types.Task{TaskID: 1, Status: types.TaskStatusRunning, AssignedNode: "node1", RequiredCores: 2}
	require.NoError(t, st.CreateTask(task))

	err := reg.Heartbeat(HeartbeatReport{Hostname: "node1", FinishedTaskIDs: []int64{1}})
	require.NoError(t, err)

	gotTask, _ := st.GetTask(1)
	assert.Equal(t, types.TaskStatusCompleted, gotTask.Status)

	gotNode, _ := st.GetNode("node1")
	assert.Equal(t, 0, gotNode.AllocatedCores)
}

func TestHeartbeatMarksKilledOOM(t *testing.T) {
	st := newFakeStore()
	reg := New(st, fakeOverlay{}, time.Second)

	node := &types.Node{Hostname: "node1", Status: types.NodeStatusOnline, LastHeartbeat: time.Now()}
	require.NoError(t, st.CreateNode(node))
	task := &types.Task{TaskID: 1, Status: types.TaskStatusRunning, AssignedNode: "node1"}
	require.NoError(t, st.CreateTask(task))

	require.NoError(t, reg.Heartbeat(HeartbeatReport{Hostname: "node1", KilledOOMTaskIDs: []int64{1}}))

	got, _ := st.GetTask(1)
	assert.Equal(t, types.TaskStatusKilledOOM, got.Status)
}

// TestSuspicionCounterDemotesAfterThreeMismatches implements the
// suspicion-counter rule.
func TestSuspicionCounterDemotesAfterThreeMismatches(t *testing.T) {
	st := newFakeStore()
	reg := New(st, fakeOverlay{}, time.Second)

	node := &types.Node{Hostname: "node1", Status: types.NodeStatusOnline, LastHeartbeat: time.Now()}
	require.NoError(t, st.CreateNode(node))
	task := &types.Task{TaskID: 1, Status: types.TaskStatusRunning, AssignedNode: "node1"}
	require.NoError(t, st.CreateTask(task))

	for i := 0; i < 2; i++ {
		require.NoError(t, reg.Heartbeat(HeartbeatReport{Hostname: "node1"}))
		got, _ := st.GetTask(1)
		assert.Equal(t, types.TaskStatusRunning, got.Status)
		assert.Equal(t, i+1, got.AssignmentSuspicionCount)
	}

	require.NoError(t, reg.Heartbeat(HeartbeatReport{Hostname: "node1"}))
	got, _ := st.GetTask(1)
	assert.Equal(t, types.TaskStatusLost, got.Status)
}

func TestSuspicionCounterResetsOnMatch(t *testing.T) {
	st := newFakeStore()
	reg := New(st, fakeOverlay{}, time.Second)

	node := &types.Node{Hostname: "node1", Status: types.NodeStatusOnline, LastHeartbeat: time.Now()}
	require.NoError(t, st.CreateNode(node))
	task := &types.Task{TaskID: 1, Status: types.TaskStatusRunning, AssignedNode: "node1"}
	require.NoError(t, st.CreateTask(task))

	require.NoError(t, reg.Heartbeat(HeartbeatReport{Hostname: "node1"}))
	require.NoError(t, reg.Heartbeat(HeartbeatReport{Hostname: "node1", RunningTaskIDs: []int64{1}}))

	got, _ := st.GetTask(1)
	assert.Equal(t, types.TaskStatusRunning, got.Status)
	assert.Equal(t, 0, got.AssignmentSuspicionCount)
}

// TestScanOnceMarksOfflineAndLosesCommandTasks implements the
// missed-heartbeat scanner's offline/lost rules.
func TestScanOnceMarksOfflineAndLosesCommandTasks(t *testing.T) {
	st := newFakeStore()
	reg := New(st, fakeOverlay{}, 10*time.Millisecond)

	node := &types.Node{Hostname: "node1", Status: types.NodeStatusOnline, LastHeartbeat: time.Now().Add(-time.Hour), AllocatedCores: 2}
	require.NoError(t, st.CreateNode(node))
	task := &types.Task{TaskID: 1, TaskType: types.TaskTypeCommand, Status: types.TaskStatusRunning, AssignedNode: "node1", RequiredCores: 2}
	require.NoError(t, st.CreateTask(task))

	reg.scanOnce()

	gotNode, _ := st.GetNode("node1")
	assert.Equal(t, types.NodeStatusOffline, gotNode.Status)
	assert.Equal(t, 0, gotNode.AllocatedCores)

	gotTask, _ := st.GetTask(1)
	assert.Equal(t, types.TaskStatusLost, gotTask.Status)
}

// TestHeartbeatPromotesAssigningTaskToRunning: a runner reporting a task
// in its running set acks the assignment.
func TestHeartbeatPromotesAssigningTaskToRunning(t *testing.T) {
	st := newFakeStore()
	reg := New(st, fakeOverlay{}, time.Second)

	node := &types.Node{Hostname: "node1", Status: types.NodeStatusOnline, LastHeartbeat: time.Now()}
	require.NoError(t, st.CreateNode(node))
	task := &types.Task{TaskID: 1, Status: types.TaskStatusAssigning, AssignedNode: "node1"}
	require.NoError(t, st.CreateTask(task))

	require.NoError(t, reg.Heartbeat(HeartbeatReport{Hostname: "node1", RunningTaskIDs: []int64{1}}))

	got, _ := st.GetTask(1)
	assert.Equal(t, types.TaskStatusRunning, got.Status)
	assert.NotNil(t, got.StartedAt)
}

// TestHeartbeatReclaimsLostVPSTask: a lost VPS task whose runner still
// reports it running recovers to running; command tasks stay lost.
func TestHeartbeatReclaimsLostVPSTask(t *testing.T) {
	st := newFakeStore()
	reg := New(st, fakeOverlay{}, time.Second)

	node := &types.Node{Hostname: "node1", Status: types.NodeStatusOnline, LastHeartbeat: time.Now()}
	require.NoError(t, st.CreateNode(node))
	vps := &types.Task{TaskID: 1, TaskType: types.TaskTypeVPS, Status: types.TaskStatusLost, AssignedNode: "node1"}
	cmd := &types.Task{TaskID: 2, TaskType: types.TaskTypeCommand, Status: types.TaskStatusLost, AssignedNode: "node1"}
	require.NoError(t, st.CreateTask(vps))
	require.NoError(t, st.CreateTask(cmd))

	require.NoError(t, reg.Heartbeat(HeartbeatReport{Hostname: "node1", RunningTaskIDs: []int64{1, 2}}))

	gotVPS, _ := st.GetTask(1)
	assert.Equal(t, types.TaskStatusRunning, gotVPS.Status)
	gotCmd, _ := st.GetTask(2)
	assert.Equal(t, types.TaskStatusLost, gotCmd.Status)
}

func TestHeartbeatUpdatesHealthFields(t *testing.T) {
	st := newFakeStore()
	reg := New(st, fakeOverlay{}, time.Second)

	node := &types.Node{Hostname: "node1", Status: types.NodeStatusOnline, LastHeartbeat: time.Now()}
	require.NoError(t, st.CreateNode(node))

	require.NoError(t, reg.Heartbeat(HeartbeatReport{
		Hostname:        "node1",
		CPUPercent:      42.5,
		MemoryUsedBytes: 1 << 30,
		MemoryPercent:   25.0,
	}))

	got, _ := st.GetNode("node1")
	assert.Equal(t, 42.5, got.CPUPercent)
	assert.Equal(t, int64(1<<30), got.MemoryUsedBytes)
	assert.Equal(t, 25.0, got.MemoryPercent)
}

// TestApplyTaskResultRecordsExitCodeAndFrees: a runner's update callback
// records the terminal outcome and frees the node's allocation.
func TestApplyTaskResultRecordsExitCodeAndFrees(t *testing.T) {
	st := newFakeStore()
	reg := New(st, fakeOverlay{}, time.Second)

	node := &types.Node{Hostname: "node1", TotalCores: 8, AllocatedCores: 2, Status: types.NodeStatusOnline}
	require.NoError(t, st.CreateNode(node))
	task := &types.Task{TaskID: 1, Status: types.TaskStatusRunning, AssignedNode: "node1", RequiredCores: 2}
	require.NoError(t, st.CreateTask(task))

	code := 137
	err := reg.ApplyTaskResult(1, TaskResult{
		Status:       types.TaskStatusKilledOOM,
		ExitCode:     &code,
		ErrorMessage: "container killed (out of memory)",
	})
	require.NoError(t, err)

	got, _ := st.GetTask(1)
	assert.Equal(t, types.TaskStatusKilledOOM, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 137, *got.ExitCode)
	assert.NotNil(t, got.FinishedAt)

	gotNode, _ := st.GetNode("node1")
	assert.Equal(t, 0, gotNode.AllocatedCores)
}

func TestApplyTaskResultRejectsTransitionOutOfTerminal(t *testing.T) {
	st := newFakeStore()
	reg := New(st, fakeOverlay{}, time.Second)

	task := &types.Task{TaskID: 1, Status: types.TaskStatusCompleted, AssignedNode: "node1"}
	require.NoError(t, st.CreateTask(task))

	err := reg.ApplyTaskResult(1, TaskResult{Status: types.TaskStatusFailed})
	assert.Error(t, err)

	got, _ := st.GetTask(1)
	assert.Equal(t, types.TaskStatusCompleted, got.Status)
}

// TestScanOnceLeavesVPSResourcesReservedForReclaim: VPS tasks become
// lost but their node resources are not freed, since they remain
// eligible for reclaim on re-registration.
func TestScanOnceLeavesVPSResourcesReservedForReclaim(t *testing.T) {
	st := newFakeStore()
	reg := New(st, fakeOverlay{}, 10*time.Millisecond)

	node := &types.Node{Hostname: "node1", Status: types.NodeStatusOnline, LastHeartbeat: time.Now().Add(-time.Hour), AllocatedCores: 2}
	require.NoError(t, st.CreateNode(node))
	task := &types.Task{TaskID: 1, TaskType: types.TaskTypeVPS, Status: types.TaskStatusRunning, AssignedNode: "node1", RequiredCores: 2}
	require.NoError(t, st.CreateTask(task))

	reg.scanOnce()

	gotNode, _ := st.GetNode("node1")
	assert.Equal(t, 2, gotNode.AllocatedCores, "VPS resources stay reserved for reclaim")

	gotTask, _ := st.GetTask(1)
	assert.Equal(t, types.TaskStatusLost, gotTask.Status)
}
