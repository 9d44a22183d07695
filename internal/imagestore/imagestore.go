// Package imagestore implements the storage half of C3 (spec.md §4.2):
// materializing a pulled image as extracted layer directories plus a
// manifest cache, and list/delete over that on-disk state. Grounded on
// original_source/src/image_manager.rs's pull/list/delete and the
// teacher's app/file.go untar.
package imagestore

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/minato-run/minato/internal/pathutil"
	"github.com/minato-run/minato/internal/registry"
)

// Image is the in-memory representation of spec.md §3's Image: identity
// plus its fs_layers digests. Pull fills FSLayers in registry order (top
// layer first, never reversed); Load and List fill it from the image
// directory listing, which is alphabetical by digest. LayerOrder is the
// source of registry order for an image already on disk.
type Image struct {
	ID        string // "library/alpine:latest"
	Name      string // "library/alpine"
	Reference string // "latest"
	FSLayers  []string
}

// LayerDirs returns the absolute paths of this image's extracted layer
// directories, in FSLayers order. The lifecycle engine does not use it:
// it builds the overlay lowerdir= argument from LayerOrder instead.
func (img *Image) LayerDirs() []string {
	dirs := make([]string, len(img.FSLayers))
	base := pathutil.ImageDir(img.ID)
	for i, l := range img.FSLayers {
		dirs[i] = filepath.Join(base, l)
	}
	return dirs
}

// Store materializes images under pathutil's state root.
type Store struct {
	Registry *registry.Client
	Log      *logrus.Entry
}

func New(log *logrus.Entry) *Store {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{Registry: registry.New(log), Log: log}
}

// Exists reports whether the image directory for a normalized id is
// already present, the idempotency check spec.md §4.2's pull relies on.
func Exists(normalizedID string) bool {
	_, err := os.Stat(pathutil.ImageDir(normalizedID))
	return err == nil
}

// Pull implements spec.md §4.2's pull operation. Idempotent: if the
// image directory already exists, it returns immediately without
// touching the network (scenario 4 of spec.md §8).
func (s *Store) Pull(ctx context.Context, imageID string) (*Image, error) {
	normalized, err := pathutil.NormalizeImageID(imageID)
	if err != nil {
		return nil, err
	}
	name, ref := pathutil.SplitImageID(normalized)
	log := s.Log.WithField("image", normalized)

	if Exists(normalized) {
		log.Info("image exists, skipping pull")
		return s.loadFromDisk(normalized, name, ref)
	}

	log.Info("pulling image")
	manifest, rawBody, err := s.Registry.FetchManifest(ctx, name, ref)
	if err != nil {
		return nil, errors.Wrapf(err, "pulling image %s", normalized)
	}

	if err := os.MkdirAll(pathutil.ImagesJSONDir(), 0o755); err != nil {
		return nil, errors.Wrap(err, "creating images json dir")
	}
	if err := os.WriteFile(pathutil.ImageManifestPath(name), rawBody, 0o644); err != nil {
		return nil, errors.Wrap(err, "writing manifest cache")
	}

	imageDir := pathutil.ImageDir(normalized)
	if err := os.MkdirAll(imageDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating image directory")
	}

	layers := manifest.Layers()
	fsLayers := make([]string, 0, len(layers))
	for i, blobSum := range layers {
		dig := digest.Digest(blobSum)
		if err := dig.Validate(); err != nil {
			return nil, errors.Wrapf(err, "layer %d has invalid digest %q", i, blobSum)
		}
		hex := dig.Encoded()
		fsLayers = append(fsLayers, hex)

		log.WithField("layer", hex).Infof("downloading layer %d of %d", i+1, len(layers))
		archivePath := filepath.Join(imageDir, hex+".tar.gz")
		if err := s.downloadLayer(ctx, name, blobSum, archivePath); err != nil {
			return nil, errors.Wrapf(err, "downloading layer %s", hex)
		}
	}

	for _, hex := range fsLayers {
		archivePath := filepath.Join(imageDir, hex+".tar.gz")
		layerDir := filepath.Join(imageDir, hex)
		if _, err := os.Stat(layerDir); err == nil {
			log.WithField("layer", hex).Info("layer exists, skipping unpack")
			continue
		}
		if err := extractLayer(archivePath, layerDir); err != nil {
			return nil, errors.Wrapf(err, "extracting layer %s", hex)
		}
	}

	for _, hex := range fsLayers {
		if err := os.Remove(filepath.Join(imageDir, hex+".tar.gz")); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "removing archive for layer %s", hex)
		}
	}

	log.Info("pulled image")
	return &Image{ID: normalized, Name: name, Reference: ref, FSLayers: fsLayers}, nil
}

func (s *Store) downloadLayer(ctx context.Context, name, blobSum, dest string) error {
	f, err := os.Create(dest)
	if err != nil {
		return errors.Wrap(err, "creating layer archive")
	}
	defer f.Close()
	return s.Registry.FetchBlob(ctx, name, blobSum, f)
}

func extractLayer(archivePath, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return errors.Wrap(err, "opening layer archive")
	}
	defer f.Close()

	gzr, err := gzip.NewReader(f)
	if err != nil {
		return errors.Wrap(err, "opening gzip stream")
	}
	defer gzr.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return errors.Wrap(err, "creating layer directory")
	}

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		switch {
		case err == io.EOF:
			return nil
		case err != nil:
			return errors.Wrap(err, "reading tar stream")
		case header == nil:
			continue
		}

		target := filepath.Join(dest, header.Name)
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return errors.Wrapf(err, "creating dir %s", target)
			}
		case tar.TypeSymlink:
			_ = os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return errors.Wrapf(err, "creating symlink %s", target)
			}
		case tar.TypeLink:
			linkTarget := filepath.Join(dest, header.Linkname)
			_ = os.Remove(target)
			if err := os.Link(linkTarget, target); err != nil {
				return errors.Wrapf(err, "creating hardlink %s", target)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return errors.Wrapf(err, "creating parent dir for %s", target)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_RDWR|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return errors.Wrapf(err, "creating file %s", target)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return errors.Wrapf(err, "writing file %s", target)
			}
			out.Close()
		}
	}
}

// Load reconstructs an Image from on-disk state without touching the
// network, spec.md §4.3's load() dependency.
func Load(imageID string) (*Image, error) {
	normalized, err := pathutil.NormalizeImageID(imageID)
	if err != nil {
		return nil, err
	}
	if !Exists(normalized) {
		return nil, nil
	}
	name, ref := pathutil.SplitImageID(normalized)
	return loadImageDir(normalized, name, ref)
}

func (s *Store) loadFromDisk(normalized, name, ref string) (*Image, error) {
	return loadImageDir(normalized, name, ref)
}

func loadImageDir(normalized, name, ref string) (*Image, error) {
	entries, err := os.ReadDir(pathutil.ImageDir(normalized))
	if err != nil {
		return nil, errors.Wrapf(err, "reading image directory for %s", normalized)
	}
	var layers []string
	for _, e := range entries {
		if e.IsDir() {
			layers = append(layers, e.Name())
		}
	}
	return &Image{ID: normalized, Name: name, Reference: ref, FSLayers: layers}, nil
}

// LayerOrder reads the cached manifest JSON written by Pull and returns
// an image's layer digests in the order the registry returned them
// (spec.md §4.2's ordering policy, relied on by the lifecycle engine's
// overlay lowerdir= construction, spec.md §4.5.4). Directory listings
// under the image directory are not a substitute for this: filesystem
// iteration order has no relationship to registry order.
func LayerOrder(imageID string) ([]string, error) {
	normalized, err := pathutil.NormalizeImageID(imageID)
	if err != nil {
		return nil, err
	}
	name, _ := pathutil.SplitImageID(normalized)

	data, err := os.ReadFile(pathutil.ImageManifestPath(name))
	if err != nil {
		return nil, errors.Wrapf(err, "reading cached manifest for %s", normalized)
	}
	var m registry.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrapf(err, "parsing cached manifest for %s", normalized)
	}

	blobSums := m.Layers()
	out := make([]string, 0, len(blobSums))
	for i, blobSum := range blobSums {
		dig := digest.Digest(blobSum)
		if err := dig.Validate(); err != nil {
			return nil, errors.Wrapf(err, "layer %d has invalid digest %q", i, blobSum)
		}
		out = append(out, dig.Encoded())
	}
	return out, nil
}

// List enumerates every cached manifest under <state>/images/json,
// spec.md §4.2's list(). Supplements the distillation with the
// human-readable table original_source/src/image_manager.rs's list
// prints.
func List() ([]*Image, error) {
	entries, err := os.ReadDir(pathutil.ImagesJSONDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "reading images json dir")
	}

	var images []*Image
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		flatName := strings.TrimSuffix(e.Name(), ".json")
		name := strings.ReplaceAll(flatName, "_", "/")
		img, err := Load(name)
		if err != nil {
			return nil, errors.Wrapf(err, "loading image for manifest %s", e.Name())
		}
		if img == nil {
			continue
		}
		images = append(images, img)
	}
	sort.Slice(images, func(i, j int) bool { return images[i].ID < images[j].ID })
	return images, nil
}

// Delete implements spec.md §4.2's delete(): remove the image
// directory and its manifest cache. Missing image is not an error.
func Delete(imageID string) error {
	normalized, err := pathutil.NormalizeImageID(imageID)
	if err != nil {
		return err
	}
	name, _ := pathutil.SplitImageID(normalized)

	if err := os.RemoveAll(pathutil.ImageDir(normalized)); err != nil {
		return errors.Wrapf(err, "removing image directory for %s", normalized)
	}
	manifestPath := pathutil.ImageManifestPath(name)
	if err := os.Remove(manifestPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing manifest cache for %s", normalized)
	}
	return nil
}
