// Package registry implements the environment registry: the coordinator-side
// artifact lifecycle (prepare, produce, prune) and the runner-side sync that
// guarantees a named environment's image matches the latest artifact before
// a task using it runs.
package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/KohakuBlueleaf/HakuRiver/pkg/apierr"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/dockerutil"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/log"
	"github.com/docker/docker/client"
	"gopkg.in/yaml.v3"
)

const environmentsDir = "environments"

// imageTag is the local Docker tag an environment's loaded image carries.
func imageTag(name string) string {
	return fmt.Sprintf("env/%s:base", name)
}

// Artifact is one named environment's newest exported image.
type Artifact struct {
	Name      string `json:"name"`
	Timestamp int64  `json:"timestamp"`
	Path      string `json:"path"`

	// SourceImage is read from the artifact's metadata sidecar when present;
	// it is empty for artifacts produced before the sidecar existed.
	SourceImage string `json:"source_image,omitempty"`
}

// artifactMetadata is the sidecar written next to every produced artifact,
// for human inspection without needing to open the tar.
type artifactMetadata struct {
	Name        string `yaml:"name"`
	Timestamp   int64  `yaml:"timestamp"`
	SourceImage string `yaml:"source_image"`
}

func metadataPath(artifactPath string) string {
	return strings.TrimSuffix(artifactPath, ".tar") + ".yaml"
}

func writeArtifactMetadata(artifactPath string, meta artifactMetadata) error {
	data, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshaling artifact metadata: %w", err)
	}
	return os.WriteFile(metadataPath(artifactPath), data, 0644)
}

// readArtifactMetadata is best-effort: a missing or unreadable sidecar just
// leaves SourceImage blank rather than failing the caller.
func readArtifactMetadata(artifactPath string) artifactMetadata {
	data, err := os.ReadFile(metadataPath(artifactPath))
	if err != nil {
		return artifactMetadata{}
	}
	var meta artifactMetadata
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return artifactMetadata{}
	}
	return meta
}

// Registry resolves environment names to artifacts, syncs runner-side
// images against them, and manages the coordinator-side preparation
// container lifecycle. A single Registry is shared by every caller on a
// process; per-name locks keep concurrent syncs/produces for the same name
// from racing.
type Registry struct {
	root string
	cli  *client.Client

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	prepare map[string]string // environment name -> preparation container id
}

// New creates a Registry rooted at sharedStorageRoot, using cli for every
// Docker API call it issues.
func New(sharedStorageRoot string, cli *client.Client) *Registry {
	return &Registry{
		root:    sharedStorageRoot,
		cli:     cli,
		locks:   make(map[string]*sync.Mutex),
		prepare: make(map[string]string),
	}
}

func (r *Registry) nameLock(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[name]
	if !ok {
		l = &sync.Mutex{}
		r.locks[name] = l
	}
	return l
}

func (r *Registry) envDir() string {
	return filepath.Join(r.root, environmentsDir)
}

// Resolve scans the shared environments directory for the newest artifact
// belonging to name. Ties in timestamp are broken lexicographically by
// filename.
func (r *Registry) Resolve(name string) (Artifact, error) {
	entries, err := os.ReadDir(r.envDir())
	if err != nil {
		if os.IsNotExist(err) {
			return Artifact{}, apierr.New(apierr.NotFound, fmt.Sprintf("no artifacts directory for environment %q", name))
		}
		return Artifact{}, apierr.Wrap(apierr.Backend, "reading environments directory", err)
	}

	prefix := name + "-"
	var best Artifact
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fname := e.Name()
		if !strings.HasPrefix(fname, prefix) || !strings.HasSuffix(fname, ".tar") {
			continue
		}
		tsStr := strings.TrimSuffix(strings.TrimPrefix(fname, prefix), ".tar")
		ts, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			continue
		}
		if ts > best.Timestamp || (ts == best.Timestamp && fname > filepath.Base(best.Path)) {
			best = Artifact{Name: name, Timestamp: ts, Path: filepath.Join(r.envDir(), fname)}
		}
	}

	if best.Path == "" {
		return Artifact{}, apierr.New(apierr.NotFound, fmt.Sprintf("no artifact found for environment %q", name))
	}
	best.SourceImage = readArtifactMetadata(best.Path).SourceImage
	return best, nil
}

// Sync guarantees the local Docker daemon's env/<name>:base image matches
// the latest artifact's embedded timestamp, loading it if not. Concurrent
// callers for the same name coalesce onto one load.
func (r *Registry) Sync(ctx context.Context, name string) error {
	lock := r.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	artifact, err := r.Resolve(name)
	if err != nil {
		return err
	}

	tag := imageTag(name)
	exists, err := dockerutil.ImageExists(ctx, r.cli, tag)
	if err != nil {
		return apierr.Wrap(apierr.Backend, "inspecting local image", err)
	}

	if exists {
		current, err := loadedTimestamp(ctx, r.cli, tag)
		if err == nil && current >= artifact.Timestamp {
			return nil // already current, nothing to do
		}
	}

	log.Logger.Info().Str("environment", name).Str("path", artifact.Path).Msg("syncing environment artifact")
	if err := dockerutil.LoadImageFromPath(ctx, r.cli, artifact.Path); err != nil {
		return apierr.Wrap(apierr.Backend, "loading environment artifact", err)
	}
	return nil
}

// Bootstrap creates an initial artifact for name from baseImage if none
// exists yet, so a fresh cluster has a working default environment.
func (r *Registry) Bootstrap(ctx context.Context, name, baseImage string) error {
	if _, err := r.Resolve(name); err == nil {
		return nil // an artifact already exists
	}

	log.Logger.Info().Str("environment", name).Str("base_image", baseImage).Msg("bootstrapping default environment")
	if err := dockerutil.PullImage(ctx, r.cli, baseImage); err != nil {
		return apierr.Wrap(apierr.Backend, "pulling bootstrap base image", err)
	}

	tag := imageTag(name)
	if err := r.cli.ImageTag(ctx, baseImage, tag); err != nil {
		return apierr.Wrap(apierr.Backend, "tagging bootstrap image", err)
	}

	return r.Produce(ctx, name)
}

// CreatePreparation starts a long-lived interactive container from
// environment name's current image for the operator to install packages
// into via `docker exec`.
func (r *Registry) CreatePreparation(ctx context.Context, name string) (string, error) {
	tag := imageTag(name)
	id, err := createInteractiveContainer(ctx, r.cli, tag, "haku-prep-"+name)
	if err != nil {
		return "", apierr.Wrap(apierr.Backend, "creating preparation container", err)
	}
	r.mu.Lock()
	r.prepare[name] = id
	r.mu.Unlock()
	return id, nil
}

// StopPreparation stops the preparation container for name.
func (r *Registry) StopPreparation(ctx context.Context, name string) error {
	id, err := r.preparationID(name)
	if err != nil {
		return err
	}
	timeout := 10
	if err := r.cli.ContainerStop(ctx, id, containerStopOptions(timeout)); err != nil {
		return apierr.Wrap(apierr.Backend, "stopping preparation container", err)
	}
	return nil
}

// StartPreparation restarts a stopped preparation container for name.
func (r *Registry) StartPreparation(ctx context.Context, name string) error {
	id, err := r.preparationID(name)
	if err != nil {
		return err
	}
	if err := startContainer(ctx, r.cli, id); err != nil {
		return apierr.Wrap(apierr.Backend, "starting preparation container", err)
	}
	return nil
}

// DeletePreparation force-removes the preparation container for name.
func (r *Registry) DeletePreparation(ctx context.Context, name string) error {
	id, err := r.preparationID(name)
	if err != nil {
		return err
	}
	if err := removeContainer(ctx, r.cli, id); err != nil {
		return apierr.Wrap(apierr.Backend, "deleting preparation container", err)
	}
	r.mu.Lock()
	delete(r.prepare, name)
	r.mu.Unlock()
	return nil
}

// Produce commits the preparation container (if one is running) or the
// currently tagged image otherwise, exports it to a new timestamped
// artifact, and prunes older versions of the same name.
func (r *Registry) Produce(ctx context.Context, name string) error {
	lock := r.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	tag := imageTag(name)

	if id, err := r.preparationID(name); err == nil {
		if err := dockerutil.CommitContainer(ctx, r.cli, id, tag); err != nil {
			return apierr.Wrap(apierr.Backend, "committing preparation container", err)
		}
	}

	if err := os.MkdirAll(r.envDir(), 0755); err != nil {
		return apierr.Wrap(apierr.Backend, "creating environments directory", err)
	}

	ts := time.Now().Unix()
	path := filepath.Join(r.envDir(), fmt.Sprintf("%s-%d.tar", name, ts))
	if err := dockerutil.SaveImageToPath(ctx, r.cli, tag, path); err != nil {
		return apierr.Wrap(apierr.Backend, "exporting environment artifact", err)
	}
	if err := writeArtifactMetadata(path, artifactMetadata{Name: name, Timestamp: ts, SourceImage: tag}); err != nil {
		log.Logger.Warn().Err(err).Str("path", path).Msg("failed to write artifact metadata sidecar")
	}

	r.prune(name, path)
	return nil
}

// List returns every known environment name, newest-artifact-first within
// each name's own history collapsed to just the latest.
func (r *Registry) List() ([]Artifact, error) {
	entries, err := os.ReadDir(r.envDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apierr.Wrap(apierr.Backend, "reading environments directory", err)
	}

	latest := make(map[string]Artifact)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tar") {
			continue
		}
		name, ts, ok := parseArtifactFilename(e.Name())
		if !ok {
			continue
		}
		if cur, exists := latest[name]; !exists || ts > cur.Timestamp {
			latest[name] = Artifact{Name: name, Timestamp: ts, Path: filepath.Join(r.envDir(), e.Name())}
		}
	}

	out := make([]Artifact, 0, len(latest))
	for _, a := range latest {
		a.SourceImage = readArtifactMetadata(a.Path).SourceImage
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *Registry) prune(name, keep string) {
	entries, err := os.ReadDir(r.envDir())
	if err != nil {
		return
	}
	prefix := name + "-"
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fname := e.Name()
		if !strings.HasPrefix(fname, prefix) || !strings.HasSuffix(fname, ".tar") {
			continue
		}
		full := filepath.Join(r.envDir(), fname)
		if full == keep {
			continue
		}
		if err := os.Remove(full); err != nil {
			log.Logger.Warn().Err(err).Str("path", full).Msg("failed to prune stale environment artifact")
		}
		_ = os.Remove(metadataPath(full))
	}
}

func (r *Registry) preparationID(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.prepare[name]
	if !ok {
		return "", apierr.New(apierr.NotFound, fmt.Sprintf("no preparation container for environment %q", name))
	}
	return id, nil
}

func parseArtifactFilename(fname string) (name string, ts int64, ok bool) {
	base := strings.TrimSuffix(fname, ".tar")
	idx := strings.LastIndex(base, "-")
	if idx < 0 {
		return "", 0, false
	}
	parsed, err := strconv.ParseInt(base[idx+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return base[:idx], parsed, true
}
