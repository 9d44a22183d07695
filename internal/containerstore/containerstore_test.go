package containerstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minato-run/minato/internal/pathutil"
	"github.com/minato-run/minato/internal/spec"
)

func setupImage(t *testing.T, imageID string) {
	t.Helper()
	t.Setenv("MINATO_STATE_ROOT", t.TempDir())
	require.NoError(t, os.MkdirAll(pathutil.ImageDir(imageID), 0o755))
}

func TestCreate_LaysOutDirectoryAndSymlink(t *testing.T) {
	setupImage(t, "library/alpine:latest")

	rec, err := Create("c1", "library/alpine:latest", spec.Default())
	require.NoError(t, err)
	assert.Equal(t, "c1", rec.ID)
	assert.Equal(t, StatusCreated, rec.Status)

	for _, dir := range []string{
		pathutil.ContainerUpperDir("c1"),
		pathutil.ContainerWorkDir("c1"),
		pathutil.ContainerMergedDir("c1"),
	} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	target, err := os.Readlink(pathutil.ContainerLowerLink("c1"))
	require.NoError(t, err)
	assert.Equal(t, pathutil.ImageDir("library/alpine:latest"), target)
}

func TestCreate_MissingImageFails(t *testing.T) {
	t.Setenv("MINATO_STATE_ROOT", t.TempDir())
	_, err := Create("c1", "library/missing:latest", spec.Default())
	assert.Error(t, err)
}

func TestCreate_ExistingIsNoOp(t *testing.T) {
	setupImage(t, "library/alpine:latest")

	first, err := Create("c1", "library/alpine:latest", spec.Default())
	require.NoError(t, err)

	again, err := Create("c1", "library/alpine:latest", spec.Default())
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.ImageID, again.ImageID)
}

func TestCreateThenDelete_AllowsRecreate(t *testing.T) {
	setupImage(t, "library/alpine:latest")

	_, err := Create("c1", "library/alpine:latest", spec.Default())
	require.NoError(t, err)

	require.NoError(t, Delete("c1"))
	_, err = os.Stat(pathutil.ContainerDir("c1"))
	assert.True(t, os.IsNotExist(err))

	_, err = Create("c1", "library/alpine:latest", spec.Default())
	assert.NoError(t, err)
}

func TestDelete_MissingIsNotError(t *testing.T) {
	t.Setenv("MINATO_STATE_ROOT", t.TempDir())
	assert.NoError(t, Delete("nonexistent"))
}

func TestLoad_RoundTrip(t *testing.T) {
	setupImage(t, "library/alpine:latest")
	created, err := Create("c1", "library/alpine:latest", spec.Default())
	require.NoError(t, err)

	loaded, err := Load("c1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, loaded.ID)
	assert.Equal(t, created.ImageID, loaded.ImageID)
	assert.Equal(t, created.Spec, loaded.Spec)
}

func TestSetStatus(t *testing.T) {
	setupImage(t, "library/alpine:latest")
	_, err := Create("c1", "library/alpine:latest", spec.Default())
	require.NoError(t, err)

	require.NoError(t, SetStatus("c1", StatusRunning, 4242))
	rec, err := Load("c1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, rec.Status)
	assert.Equal(t, 4242, rec.PID)

	require.NoError(t, SetStatus("c1", StatusStopped, 0))
	rec, err = Load("c1")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, rec.Status)
	assert.Equal(t, 0, rec.PID)
}

func TestList(t *testing.T) {
	setupImage(t, "library/alpine:latest")
	_, err := Create("c1", "library/alpine:latest", spec.Default())
	require.NoError(t, err)
	_, err = Create("c2", "library/alpine:latest", spec.Default())
	require.NoError(t, err)

	recs, err := List()
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestImageID(t *testing.T) {
	setupImage(t, "library/alpine:latest")
	_, err := Create("c1", "library/alpine:latest", spec.Default())
	require.NoError(t, err)

	imageID, err := ImageID("c1")
	require.NoError(t, err)
	assert.Equal(t, "library/alpine:latest", imageID)
}

func TestNewID_IsEightAlphanumericChars(t *testing.T) {
	id := NewID()
	assert.Len(t, id, 8)
	for _, r := range id {
		assert.True(t, (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f'), "unexpected rune %q", r)
	}
}

func TestCreate_InvalidSpecRejected(t *testing.T) {
	setupImage(t, "library/alpine:latest")
	bad := spec.Default()
	bad.Process.Args = nil
	_, err := Create("c1", "library/alpine:latest", bad)
	assert.Error(t, err)

	_, statErr := os.Stat(filepath.Join(pathutil.ContainersDir(), "c1"))
	assert.True(t, os.IsNotExist(statErr), "create must not leave a partial directory behind on validation failure")
}
