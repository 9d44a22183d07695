// Package containerstore implements the storage half of C4 (spec.md
// §4.3): container directory layout, the "lower" symlink that binds a
// container to its image, and the config.json a lifecycle engine reads
// on resume. Grounded on original_source/src/container_manager.rs's
// directory bookkeeping and src/container.rs's layout constants.
package containerstore

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/minato-run/minato/internal/pathutil"
	"github.com/minato-run/minato/internal/spec"
)

// Status is a container's lifecycle state, spec.md §3's Container.status.
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// Record is the on-disk state of one container: its identity, the
// image it was created from, its spec, and its last known status and
// pid. Persisted as config.json alongside the overlay directories.
type Record struct {
	ID        string    `json:"id"`
	ImageID   string    `json:"image_id"`
	Status    Status    `json:"status"`
	PID       int       `json:"pid,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Spec      spec.Spec `json:"spec"`
}

// NewID mints a container id the way original_source/src/container.rs's
// random-id path does: 8 alphanumeric characters, short enough to type
// on a command line. uuid is already wired for daemon request ids
// (internal/ipcsock); reusing it here (stripped of hyphens) keeps the
// pack's stack minimal rather than adding a dedicated random-string lib.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Create lays out a new container's directories: containers/<id>/ with
// upper, work and merged subdirectories plus a "lower" symlink pointing
// at the source image's directory, matching
// original_source/src/container_manager.rs's prepare_container_directories
// ordering (lower is created first so ImageID can always resolve the
// image backing a container, even one that failed later setup).
//
// An id collision is the AlreadyExists kind of spec.md §7: a no-op
// returning the existing record, not an error (spec.md §3's uniqueness
// invariant: "collision causes create to be a no-op").
func Create(id, imageID string, s *spec.Spec) (*Record, error) {
	if err := s.Validate(); err != nil {
		return nil, errors.Wrap(err, "containerstore: invalid spec")
	}

	dir := pathutil.ContainerDir(id)
	if _, err := os.Stat(dir); err == nil {
		return Load(id)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating container directory %s", id)
	}

	imageDir := pathutil.ImageDir(imageID)
	if _, err := os.Stat(imageDir); err != nil {
		return nil, errors.Wrapf(err, "containerstore: image %s not found for container %s", imageID, id)
	}
	if err := os.Symlink(imageDir, pathutil.ContainerLowerLink(id)); err != nil {
		return nil, errors.Wrapf(err, "linking container %s to image %s", id, imageID)
	}

	for _, mk := range []func(string) string{
		pathutil.ContainerUpperDir,
		pathutil.ContainerWorkDir,
		pathutil.ContainerMergedDir,
	} {
		if err := os.MkdirAll(mk(id), 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating overlay directory for container %s", id)
		}
	}

	rec := &Record{
		ID:        id,
		ImageID:   imageID,
		Status:    StatusCreated,
		CreatedAt: time.Now(),
		Spec:      *s,
	}
	if err := Save(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Save persists rec's config.json, matching spec.Save's indented JSON
// convention so container and spec documents look alike on disk.
func Save(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "marshaling container record %s", rec.ID)
	}
	if err := os.WriteFile(pathutil.ContainerConfigPath(rec.ID), data, 0o644); err != nil {
		return errors.Wrapf(err, "writing container config for %s", rec.ID)
	}
	return nil
}

// Load reconstructs a Record from config.json, spec.md §4.3's load().
func Load(id string) (*Record, error) {
	data, err := os.ReadFile(pathutil.ContainerConfigPath(id))
	if err != nil {
		return nil, errors.Wrapf(err, "reading container config for %s", id)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrapf(err, "parsing container config for %s", id)
	}
	return &rec, nil
}

// SetStatus updates rec's status (and pid, when non-zero) and persists
// the change, the bookkeeping original_source/src/container.rs's run
// and cleanup phases perform around process lifetime transitions.
func SetStatus(id string, status Status, pid int) error {
	rec, err := Load(id)
	if err != nil {
		return err
	}
	rec.Status = status
	if pid != 0 {
		rec.PID = pid
	}
	if status == StatusStopped {
		rec.PID = 0
	}
	return Save(rec)
}

// List enumerates every container under the state root, in directory
// name order, for "minato container list".
func List() ([]*Record, error) {
	entries, err := os.ReadDir(pathutil.ContainersDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "reading containers dir")
	}
	var out []*Record
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rec, err := Load(e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Delete removes a container's entire directory tree: upper, work,
// merged, the lower symlink and config.json. The caller is responsible
// for first tearing down any live mounts and namespaces (lifecycle's
// job) — Delete only touches the filesystem bookkeeping, matching
// original_source/src/container_manager.rs's delete, which is purely a
// directory removal once the process has exited.
func Delete(id string) error {
	if err := os.RemoveAll(pathutil.ContainerDir(id)); err != nil {
		return errors.Wrapf(err, "removing container directory %s", id)
	}
	return nil
}

// ImageID returns the image id a container's lower symlink resolves
// to, for callers that only have an id and need to re-derive image
// lineage without parsing config.json.
func ImageID(id string) (string, error) {
	target, err := os.Readlink(pathutil.ContainerLowerLink(id))
	if err != nil {
		return "", errors.Wrapf(err, "reading lower symlink for container %s", id)
	}
	return pathutil.ImageIDFromLowerTarget(target)
}
