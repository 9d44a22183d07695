package imagestore

import (
	"archive/tar"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minato-run/minato/internal/pathutil"
)

func writeTestArchive(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	gzw := gzip.NewWriter(f)
	tw := tar.NewWriter(gzw)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(body)),
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gzw.Close())
}

func TestExtractLayer(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "layer.tar.gz")
	writeTestArchive(t, archivePath, map[string]string{"etc/hostname": "minato\n"})

	dest := filepath.Join(dir, "extracted")
	require.NoError(t, extractLayer(archivePath, dest))

	data, err := os.ReadFile(filepath.Join(dest, "etc/hostname"))
	require.NoError(t, err)
	assert.Equal(t, "minato\n", string(data))
}

func TestExists_And_Load(t *testing.T) {
	t.Setenv("MINATO_STATE_ROOT", t.TempDir())

	assert.False(t, Exists("library/alpine:latest"))

	imageDir := pathutil.ImageDir("library/alpine:latest")
	require.NoError(t, os.MkdirAll(filepath.Join(imageDir, "deadbeef"), 0o755))

	assert.True(t, Exists("library/alpine:latest"))

	img, err := Load("library/alpine:latest")
	require.NoError(t, err)
	require.NotNil(t, img)
	assert.Equal(t, "library/alpine:latest", img.ID)
	assert.Equal(t, "library/alpine", img.Name)
	assert.Equal(t, "latest", img.Reference)
	assert.Equal(t, []string{"deadbeef"}, img.FSLayers)
}

func TestLoad_Missing(t *testing.T) {
	t.Setenv("MINATO_STATE_ROOT", t.TempDir())
	img, err := Load("library/nope:latest")
	require.NoError(t, err)
	assert.Nil(t, img)
}

func TestList_And_Delete(t *testing.T) {
	t.Setenv("MINATO_STATE_ROOT", t.TempDir())

	imageDir := pathutil.ImageDir("library/alpine:latest")
	require.NoError(t, os.MkdirAll(filepath.Join(imageDir, "deadbeef"), 0o755))
	require.NoError(t, os.MkdirAll(pathutil.ImagesJSONDir(), 0o755))
	require.NoError(t, os.WriteFile(pathutil.ImageManifestPath("library/alpine"), []byte(`{}`), 0o644))

	images, err := List()
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "library/alpine:latest", images[0].ID)

	require.NoError(t, Delete("library/alpine:latest"))
	assert.False(t, Exists("library/alpine:latest"))
	_, statErr := os.Stat(pathutil.ImageManifestPath("library/alpine"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDelete_MissingIsNotError(t *testing.T) {
	t.Setenv("MINATO_STATE_ROOT", t.TempDir())
	assert.NoError(t, Delete("library/nope:latest"))
}

func TestImage_LayerDirs(t *testing.T) {
	t.Setenv("MINATO_STATE_ROOT", "/var/lib/minato")
	img := &Image{ID: "library/alpine:latest", FSLayers: []string{"aaa", "bbb"}}
	dirs := img.LayerDirs()
	require.Len(t, dirs, 2)
	assert.Equal(t, filepath.Join(pathutil.ImageDir("library/alpine:latest"), "aaa"), dirs[0])
	assert.Equal(t, filepath.Join(pathutil.ImageDir("library/alpine:latest"), "bbb"), dirs[1])
}
