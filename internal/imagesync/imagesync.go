// Package imagesync keeps a Runner's local docker image cache in step with
// tarballs dropped into the shared container directory, and pulls registry
// images directly when a task names one.
package imagesync

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/KohakuBlueleaf/kohakuriver/internal/kohakulog"
)

// CommandRunner abstracts subprocess execution so tests can stub out the
// docker CLI without invoking it.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout string, err error)
}

// execRunner shells out via os/exec.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, out)
	}
	return string(out), nil
}

var tarballPattern = regexp.MustCompile(`^(.+)-(\d+)\.tar$`)

// Syncer ensures a named local image is no older than the newest matching
// tarball in the container-image directory, and pulls registry images on
// request. One in-flight load per image name at a time.
type Syncer struct {
	imageDir string
	runner   CommandRunner

	mu      sync.Mutex
	loading map[string]*sync.Mutex
}

// NewSyncer builds a Syncer backed by the real docker CLI. imageDir is
// the directory container tarballs are dropped into.
func NewSyncer(imageDir string) *Syncer {
	return &Syncer{
		imageDir: imageDir,
		runner:   execRunner{},
		loading:  make(map[string]*sync.Mutex),
	}
}

// NewSyncerWithRunner builds a Syncer with an injected CommandRunner, for
// tests that want to avoid shelling out to docker.
func NewSyncerWithRunner(imageDir string, runner CommandRunner) *Syncer {
	return &Syncer{imageDir: imageDir, runner: runner, loading: make(map[string]*sync.Mutex)}
}

func (s *Syncer) lockFor(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.loading[name]
	if !ok {
		l = &sync.Mutex{}
		s.loading[name] = l
	}
	return l
}

// EnsureSynced pulls a registry image directly, or loads the newest
// tarball for a local container name if it postdates the currently
// loaded image.
func (s *Syncer) EnsureSynced(ctx context.Context, containerName, registryImage string) (imageRef string, err error) {
	if registryImage != "" {
		if _, err := s.runner.Run(ctx, "docker", "pull", registryImage); err != nil {
			return "", fmt.Errorf("imagesync: pull %s: %w", registryImage, err)
		}
		return registryImage, nil
	}
	if containerName == "" {
		return "", fmt.Errorf("imagesync: no container_name or registry_image given")
	}

	imageTag := fmt.Sprintf("kohakuriver/%s:base", containerName)

	lock := s.lockFor(containerName)
	lock.Lock()
	defer lock.Unlock()

	tarball, tarballTS, found, err := s.newestTarball(containerName)
	if err != nil {
		return "", err
	}
	if !found {
		return imageTag, nil
	}

	// Re-check after acquiring the lock: another goroutine may have just
	// loaded this exact tarball.
	imageTS, exists, err := s.localImageTimestamp(ctx, imageTag)
	if err != nil {
		return "", err
	}
	if exists && !tarballTS.After(imageTS) {
		return imageTag, nil
	}

	logger := kohakulog.WithComponent("imagesync")
	logger.Info().
		Str("container", containerName).
		Str("tarball", tarball).
		Msg("loading newer image tarball")

	if _, err := s.runner.Run(ctx, "docker", "load", "-i", tarball); err != nil {
		return "", fmt.Errorf("imagesync: load %s: %w", tarball, err)
	}
	if _, err := s.runner.Run(ctx, "docker", "tag", loadedTagGuess(containerName), imageTag); err != nil {
		// docker load already produces a deterministic repo:tag in our
		// convention, so a failed re-tag isn't fatal as long as the load
		// above succeeded with that exact tag baked in.
		logger.Warn().
			Str("container", containerName).
			Msg("tag after load failed, assuming tarball already tagged correctly")
	}
	return imageTag, nil
}

func loadedTagGuess(containerName string) string {
	return fmt.Sprintf("kohakuriver/%s:base", containerName)
}

// newestTarball finds the highest-timestamped {name}-{unix_ts}.tar file in
// the shared container directory.
func (s *Syncer) newestTarball(containerName string) (path string, ts time.Time, found bool, err error) {
	entries, err := os.ReadDir(s.imageDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", time.Time{}, false, nil
		}
		return "", time.Time{}, false, fmt.Errorf("imagesync: read %s: %w", s.imageDir, err)
	}

	type candidate struct {
		ts   int64
		name string
	}
	var candidates []candidate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := tarballPattern.FindStringSubmatch(e.Name())
		if m == nil || m[1] != containerName {
			continue
		}
		unixTS, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{ts: unixTS, name: e.Name()})
	}
	if len(candidates) == 0 {
		return "", time.Time{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ts > candidates[j].ts })
	best := candidates[0]
	return filepath.Join(s.imageDir, best.name), time.Unix(best.ts, 0), true, nil
}

// localImageTimestamp reports the creation time docker has recorded for
// imageTag, or !exists if docker has no such image.
func (s *Syncer) localImageTimestamp(ctx context.Context, imageTag string) (ts time.Time, exists bool, err error) {
	out, err := s.runner.Run(ctx, "docker", "inspect", "--format", "{{.Created}}", imageTag)
	if err != nil {
		// docker inspect exits non-zero when the image is unknown; treat
		// that as "missing", not an error worth failing the sync for.
		return time.Time{}, false, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(out))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("imagesync: parse image timestamp %q: %w", out, err)
	}
	return parsed, true, nil
}
