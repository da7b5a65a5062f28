// Package snapshot manages the per-VPS docker-commit snapshot ledger for
// Docker VPS tasks: the per-VPS count is capped at max_snapshots_per_vps,
// with the oldest snapshot evicted on overflow.
package snapshot

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/KohakuBlueleaf/kohakuriver/internal/kohakulog"
	"github.com/KohakuBlueleaf/kohakuriver/internal/store"
	"github.com/KohakuBlueleaf/kohakuriver/internal/types"
	"github.com/rs/zerolog"
)

// CommandRunner abstracts `docker commit`/`docker image inspect` so tests
// can avoid shelling out.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout string, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, out)
	}
	return string(out), nil
}

// Manager takes and rotates Docker VPS snapshots.
type Manager struct {
	store              store.Store
	runner             CommandRunner
	maxPerVPS          int
	logger             zerolog.Logger
}

// NewManager builds a Manager backed by the real docker CLI.
func NewManager(st store.Store, maxPerVPS int) *Manager {
	return &Manager{
		store:     st,
		runner:    execRunner{},
		maxPerVPS: maxPerVPS,
		logger:    kohakulog.WithComponent("snapshot"),
	}
}

// NewManagerWithRunner builds a Manager with an injected CommandRunner,
// for tests.
func NewManagerWithRunner(st store.Store, runner CommandRunner, maxPerVPS int) *Manager {
	return &Manager{store: st, runner: runner, maxPerVPS: maxPerVPS, logger: kohakulog.WithComponent("snapshot")}
}

// Take commits containerName's current filesystem state into a new image
// tag, records it in the ledger, and evicts the oldest snapshot if the
// per-VPS count now exceeds maxPerVPS.
func (m *Manager) Take(ctx context.Context, taskID int64, containerName, message string) (*types.Snapshot, error) {
	ts := time.Now()
	tag := fmt.Sprintf("kohakuriver-snapshot/%d:%d", taskID, ts.Unix())

	if _, err := m.runner.Run(ctx, "docker", "commit", containerName, tag); err != nil {
		return nil, fmt.Errorf("snapshot: docker commit %s: %w", containerName, err)
	}

	size, err := m.inspectSize(ctx, tag)
	if err != nil {
		m.logger.Warn().Err(err).Str("tag", tag).Msg("snapshot: could not determine image size")
	}

	snap := &types.Snapshot{
		TaskID:    taskID,
		Timestamp: ts,
		ImageTag:  tag,
		Message:   message,
		SizeBytes: size,
	}
	if err := m.store.CreateSnapshot(snap); err != nil {
		return nil, fmt.Errorf("snapshot: persist ledger entry: %w", err)
	}

	if err := m.rotate(taskID); err != nil {
		m.logger.Warn().Err(err).Int64("task_id", taskID).Msg("snapshot rotation failed")
	}
	return snap, nil
}

// rotate evicts the oldest snapshot(s) past maxPerVPS for taskID.
func (m *Manager) rotate(taskID int64) error {
	if m.maxPerVPS <= 0 {
		return nil
	}
	for {
		snaps, err := m.store.ListSnapshotsByTask(taskID)
		if err != nil {
			return err
		}
		if len(snaps) <= m.maxPerVPS {
			return nil
		}
		oldest := oldestOf(snaps)
		if _, err := m.runner.Run(context.Background(), "docker", "image", "rm", oldest.ImageTag); err != nil {
			m.logger.Warn().Err(err).Str("tag", oldest.ImageTag).Msg("failed to remove rotated-out image, dropping ledger entry anyway")
		}
		if err := m.store.DeleteOldestSnapshot(taskID); err != nil {
			return err
		}
	}
}

func oldestOf(snaps []*types.Snapshot) *types.Snapshot {
	oldest := snaps[0]
	for _, s := range snaps[1:] {
		if s.Timestamp.Before(oldest.Timestamp) {
			oldest = s
		}
	}
	return oldest
}

// Delete removes one snapshot by timestamp, both the image and the
// ledger entry.
func (m *Manager) Delete(ctx context.Context, taskID, timestamp int64) error {
	snaps, err := m.store.ListSnapshotsByTask(taskID)
	if err != nil {
		return err
	}
	for _, s := range snaps {
		if s.Timestamp.Unix() == timestamp {
			if _, err := m.runner.Run(ctx, "docker", "image", "rm", s.ImageTag); err != nil {
				m.logger.Warn().Err(err).Str("tag", s.ImageTag).Msg("failed to remove snapshot image")
			}
			return m.store.DeleteSnapshot(taskID, timestamp)
		}
	}
	return nil // idempotent: unknown snapshot, nothing to do.
}

// List returns all snapshots recorded for taskID.
func (m *Manager) List(taskID int64) ([]*types.Snapshot, error) {
	return m.store.ListSnapshotsByTask(taskID)
}

// RestoreImageTag returns the most recent snapshot's image tag, for
// "restart from latest snapshot" VPS restarts.
func (m *Manager) RestoreImageTag(taskID int64) (string, error) {
	snaps, err := m.store.ListSnapshotsByTask(taskID)
	if err != nil {
		return "", err
	}
	if len(snaps) == 0 {
		return "", fmt.Errorf("snapshot: no snapshots recorded for task %d", taskID)
	}
	newest := snaps[0]
	for _, s := range snaps[1:] {
		if s.Timestamp.After(newest.Timestamp) {
			newest = s
		}
	}
	return newest.ImageTag, nil
}

func (m *Manager) inspectSize(ctx context.Context, tag string) (int64, error) {
	out, err := m.runner.Run(ctx, "docker", "inspect", "--format", "{{.Size}}", tag)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(out), 10, 64)
}
