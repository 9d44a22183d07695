package dispatch

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minato-run/minato/internal/containerstore"
	"github.com/minato-run/minato/internal/pathutil"
	"github.com/minato-run/minato/internal/registry"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	t.Setenv("MINATO_STATE_ROOT", t.TempDir())
	return New(nil)
}

func writeTestLayer(t *testing.T, w http.ResponseWriter) {
	t.Helper()
	gzw := gzip.NewWriter(w)
	tw := tar.NewWriter(gzw)
	body := []byte("hi\n")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "bin/echo", Mode: 0o755, Size: int64(len(body))}))
	_, err := tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gzw.Close())
}

func TestDispatcher_ImagePullListDelete(t *testing.T) {
	d := newTestDispatcher(t)

	registrySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v2/library/alpine/manifests/latest":
			m := registry.Manifest{Name: "library/alpine", Tag: "latest"}
			m.FSLayers = []struct {
				BlobSum string `json:"blobSum"`
			}{{BlobSum: "sha256:0000000000000000000000000000000000000000000000000000000000000000"}}
			_ = json.NewEncoder(w).Encode(m)
		default:
			writeTestLayer(t, w)
		}
	}))
	defer registrySrv.Close()
	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "t0k3n"})
	}))
	defer authSrv.Close()
	d.Images.Registry.AuthURL = authSrv.URL
	d.Images.Registry.RegistryHost = registrySrv.URL

	result, err := d.Run(context.Background(), Command{Action: ActionImagePull, ImageID: "alpine"})
	require.NoError(t, err)
	assert.Contains(t, result.Message, "library/alpine:latest")

	listResult, err := d.Run(context.Background(), Command{Action: ActionImageList})
	require.NoError(t, err)
	require.Len(t, listResult.Images, 1)
	assert.Equal(t, "library/alpine:latest", listResult.Images[0].ID)

	// pull is idempotent: second pull does not re-hit the network path
	// that would fail on a deleted server.
	registrySrv.Close()
	_, err = d.Run(context.Background(), Command{Action: ActionImagePull, ImageID: "alpine"})
	assert.NoError(t, err)

	_, err = d.Run(context.Background(), Command{Action: ActionImageDelete, ImageID: "alpine"})
	require.NoError(t, err)
	_, statErr := os.Stat(pathutil.ImageDir("library/alpine:latest"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDispatcher_ContainerCreateListDelete(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, os.MkdirAll(pathutil.ImageDir("library/alpine:latest"), 0o755))

	_, err := d.Run(context.Background(), Command{Action: ActionContainerCreate, ContainerID: "c1", ImageID: "library/alpine:latest"})
	require.NoError(t, err)

	listResult, err := d.Run(context.Background(), Command{Action: ActionContainerList})
	require.NoError(t, err)
	require.Len(t, listResult.Containers, 1)
	assert.Equal(t, "c1", listResult.Containers[0].ID)
	assert.Equal(t, string(containerstore.StatusCreated), listResult.Containers[0].Status)

	_, err = d.Run(context.Background(), Command{Action: ActionContainerDelete, ContainerID: "c1"})
	require.NoError(t, err)
	_, statErr := os.Stat(filepath.Join(pathutil.ContainersDir(), "c1"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDispatcher_UnknownAction(t *testing.T) {
	d := newTestDispatcher(t)
	_, err := d.Run(context.Background(), Command{Action: "bogus"})
	assert.Error(t, err)
}

func TestDispatcher_ContainerStop_NoPidFile(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, os.MkdirAll(pathutil.ImageDir("library/alpine:latest"), 0o755))
	_, err := d.Run(context.Background(), Command{Action: ActionContainerCreate, ContainerID: "c1", ImageID: "library/alpine:latest"})
	require.NoError(t, err)

	_, err = d.Run(context.Background(), Command{Action: ActionContainerStop, ContainerID: "c1"})
	assert.Error(t, err)
}
