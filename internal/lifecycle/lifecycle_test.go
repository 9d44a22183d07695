package lifecycle

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minato-run/minato/internal/containerstore"
	"github.com/minato-run/minato/internal/pathutil"
	"github.com/minato-run/minato/internal/registry"
	"github.com/minato-run/minato/internal/spec"
)

func TestSplitVolume(t *testing.T) {
	host, guest, ok := splitVolume("/host/path:/guest/path")
	require.True(t, ok)
	assert.Equal(t, "/host/path", host)
	assert.Equal(t, "/guest/path", guest)

	// windows-style host paths with their own colon still split on the
	// last one, matching a hostpath:guestpath convention.
	host, guest, ok = splitVolume("/a:/b:/c")
	require.True(t, ok)
	assert.Equal(t, "/a:/b", host)
	assert.Equal(t, "/c", guest)
}

func TestSplitVolume_Malformed(t *testing.T) {
	cases := []string{"", "noseparator", ":noguest", "nohost:", ":"}
	for _, c := range cases {
		_, _, ok := splitVolume(c)
		assert.False(t, ok, "expected %q to be rejected", c)
	}
}

func TestContainerAddress_Deterministic(t *testing.T) {
	a := containerAddress("c1")
	b := containerAddress("c1")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, containerAddress("c2"))
}

func TestImageLayerOrder(t *testing.T) {
	t.Setenv("MINATO_STATE_ROOT", t.TempDir())

	imageID := "library/alpine:latest"
	imageDir := pathutil.ImageDir(imageID)
	digestB := strings.Repeat("b", 64)
	digestA := strings.Repeat("a", 64)
	// Directories land on disk in alphabetical order (a before b), the
	// opposite of the registry order asserted below, so this only
	// passes if imageLayerOrder actually consults the manifest instead
	// of the directory listing.
	for _, layer := range []string{digestA, digestB} {
		require.NoError(t, os.MkdirAll(filepath.Join(imageDir, layer), 0o755))
	}

	require.NoError(t, os.MkdirAll(pathutil.ImagesJSONDir(), 0o755))
	manifest := registry.Manifest{Name: "library/alpine", Tag: "latest"}
	manifest.FSLayers = []struct {
		BlobSum string `json:"blobSum"`
	}{
		{BlobSum: "sha256:" + digestB},
		{BlobSum: "sha256:" + digestA},
	}
	data, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(pathutil.ImageManifestPath("library/alpine"), data, 0o644))

	s := spec.Default()
	_, err = containerstore.Create("c1", imageID, s)
	require.NoError(t, err)

	layers, err := imageLayerOrder("c1")
	require.NoError(t, err)
	assert.Equal(t, []string{digestB, digestA}, layers)
}

func TestImageLayerOrder_UnknownContainer(t *testing.T) {
	t.Setenv("MINATO_STATE_ROOT", t.TempDir())
	_, err := imageLayerOrder("missing")
	assert.Error(t, err)
}
