package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchManifest(t *testing.T) {
	manifest := Manifest{
		Name: "library/alpine",
		Tag:  "latest",
	}
	manifest.FSLayers = []struct {
		BlobSum string `json:"blobSum"`
	}{
		{BlobSum: "sha256:aaaa"},
		{BlobSum: "sha256:bbbb"},
	}

	registrySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/library/alpine/manifests/latest", r.URL.Path)
		_ = json.NewEncoder(w).Encode(manifest)
	}))
	defer registrySrv.Close()

	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "t0k3n"})
	}))
	defer authSrv.Close()

	c := New(nil)
	c.AuthURL = authSrv.URL
	c.RegistryHost = registrySrv.URL

	got, _, err := c.FetchManifest(context.Background(), "library/alpine", "latest")
	require.NoError(t, err)
	assert.Equal(t, []string{"sha256:aaaa", "sha256:bbbb"}, got.Layers())
}

func TestFetchManifest_NoFSLayersIsError(t *testing.T) {
	registrySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Manifest{Name: "library/alpine", Tag: "latest"})
	}))
	defer registrySrv.Close()
	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "t0k3n"})
	}))
	defer authSrv.Close()

	c := New(nil)
	c.AuthURL = authSrv.URL
	c.RegistryHost = registrySrv.URL

	_, _, err := c.FetchManifest(context.Background(), "library/alpine", "latest")
	assert.Error(t, err)
}

func TestFetchBlob(t *testing.T) {
	const blobBody = "layer-bytes"
	registrySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/library/alpine/blobs/sha256:aaaa", r.URL.Path)
		_, _ = w.Write([]byte(blobBody))
	}))
	defer registrySrv.Close()
	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "t0k3n"})
	}))
	defer authSrv.Close()

	c := New(nil)
	c.AuthURL = authSrv.URL
	c.RegistryHost = registrySrv.URL

	var buf bytes.Buffer
	require.NoError(t, c.FetchBlob(context.Background(), "library/alpine", "sha256:aaaa", &buf))
	assert.Equal(t, blobBody, buf.String())
}
