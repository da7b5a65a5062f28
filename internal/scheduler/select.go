package scheduler

import (
	"fmt"
	"sort"

	"github.com/KohakuBlueleaf/kohakuriver/internal/types"
)

// FindSuitableNode filters candidates by resource fit and returns the one
// with the most available cores. If task.TargetHostname is set, the
// filter set is narrowed to that single node before fit-checking.
func FindSuitableNode(task *types.Task, nodes []*types.Node) (*types.Node, error) {
	candidates := nodes
	if task.TargetHostname != "" {
		candidates = filterByHostname(nodes, task.TargetHostname)
		if len(candidates) == 0 {
			return nil, fmt.Errorf("scheduler: target hostname %q not found", task.TargetHostname)
		}
	}

	var fit []*types.Node
	for _, n := range candidates {
		if n.Status != types.NodeStatusOnline {
			continue
		}
		if !nodeFits(task, n) {
			continue
		}
		fit = append(fit, n)
	}

	if len(fit) == 0 {
		return nil, fmt.Errorf("scheduler: no suitable node for task %d", task.TaskID)
	}

	sort.Slice(fit, func(i, j int) bool {
		return fit[i].AvailableCores() > fit[j].AvailableCores()
	})
	return fit[0], nil
}

func filterByHostname(nodes []*types.Node, hostname string) []*types.Node {
	for _, n := range nodes {
		if n.Hostname == hostname {
			return []*types.Node{n}
		}
	}
	return nil
}

func nodeFits(task *types.Task, n *types.Node) bool {
	if n.AvailableCores() < task.RequiredCores {
		return false
	}

	if task.RequiredMemoryBytes != nil && n.AvailableMemoryBytes() < *task.RequiredMemoryBytes {
		return false
	}

	if len(task.RequiredGPUs) > 0 {
		free := n.FreeGPUSet()
		for _, g := range task.RequiredGPUs {
			if !free[g] {
				return false
			}
		}
	}

	if task.TargetNUMANodeID != nil {
		found := false
		for _, numa := range n.NUMATopology {
			if numa.ID == *task.TargetNUMANodeID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if task.TaskType == types.TaskTypeVPS && task.VPSBackend == types.VPSBackendQEMU {
		if !n.VMCapable {
			return false
		}
		for _, addr := range task.RequiredGPUPCIAddrs {
			if !n.HasVFIOAddr(addr) {
				return false
			}
		}
	}

	return true
}
