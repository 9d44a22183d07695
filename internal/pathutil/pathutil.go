// Package pathutil implements the canonical state-root layout and
// image-id normalization described in spec.md §1 (C1) and §6.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/distribution/reference"
	"github.com/pkg/errors"
)

// DefaultStateRoot is the state root used when MINATO_STATE_ROOT is unset.
const DefaultStateRoot = "/var/lib/minato"

// StateRoot returns the host directory under which all persistent
// minato artifacts live. Overridable via MINATO_STATE_ROOT so tests
// never touch the real /var/lib/minato.
func StateRoot() string {
	if root := os.Getenv("MINATO_STATE_ROOT"); root != "" {
		return root
	}
	return DefaultStateRoot
}

func ImagesDir() string     { return filepath.Join(StateRoot(), "images") }
func ImagesJSONDir() string { return filepath.Join(ImagesDir(), "json") }
func ContainersDir() string { return filepath.Join(StateRoot(), "containers") }
func SocketPath() string    { return filepath.Join(StateRoot(), "socket") }
func DaemonPIDPath() string { return filepath.Join(StateRoot(), "pid") }
func TiniPath() string      { return filepath.Join(StateRoot(), "tini") }

// NormalizeImageID applies the Docker Hub defaulting rule from spec.md
// §1/§8: bare names get "library/" prepended, references with no tag
// get ":latest" appended. "alpine" -> "library/alpine:latest".
func NormalizeImageID(imageID string) (string, error) {
	named, err := reference.ParseNormalizedNamed(imageID)
	if err != nil {
		return "", errors.Wrapf(err, "normalizing image id %q", imageID)
	}
	named = reference.TagNameOnly(named)
	tagged, ok := named.(reference.Tagged)
	if !ok {
		return "", errors.Errorf("image id %q has no resolvable tag", imageID)
	}
	return reference.Path(named) + ":" + tagged.Tag(), nil
}

// SplitImageID splits a normalized image id ("library/alpine:latest")
// into its name ("library/alpine") and reference ("latest") halves,
// per spec.md §3's Image identity.
func SplitImageID(normalized string) (name, ref string) {
	idx := strings.LastIndex(normalized, ":")
	if idx < 0 {
		return normalized, "latest"
	}
	return normalized[:idx], normalized[idx+1:]
}

// FlattenImageName turns "library/alpine" into "library_alpine" for use
// as a manifest cache filename, per spec.md §6's state-root layout.
func FlattenImageName(name string) string {
	return strings.ReplaceAll(name, "/", "_")
}

func ImageDir(normalizedID string) string {
	return filepath.Join(ImagesDir(), normalizedID)
}

func ImageManifestPath(name string) string {
	return filepath.Join(ImagesJSONDir(), FlattenImageName(name)+".json")
}

func ContainerDir(containerID string) string {
	return filepath.Join(ContainersDir(), containerID)
}

func ContainerLowerLink(containerID string) string {
	return filepath.Join(ContainerDir(containerID), "lower")
}

func ContainerUpperDir(containerID string) string {
	return filepath.Join(ContainerDir(containerID), "upper")
}

func ContainerWorkDir(containerID string) string {
	return filepath.Join(ContainerDir(containerID), "work")
}

func ContainerMergedDir(containerID string) string {
	return filepath.Join(ContainerDir(containerID), "merged")
}

func ContainerConfigPath(containerID string) string {
	return filepath.Join(ContainerDir(containerID), "config.json")
}

func ContainerPIDPath(containerID string) string {
	return filepath.Join(ContainerDir(containerID), "pid")
}

// ImageIDFromLowerTarget recovers an image id from the absolute path a
// container's "lower" symlink points at, per spec.md §4.3 load().
func ImageIDFromLowerTarget(target string) (string, error) {
	rel, err := filepath.Rel(ImagesDir(), target)
	if err != nil {
		return "", errors.Wrapf(err, "lower symlink target %q is not under images dir", target)
	}
	if strings.HasPrefix(rel, "..") {
		return "", errors.Errorf("lower symlink target %q escapes images dir", target)
	}
	return rel, nil
}
