package pathutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeImageID(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"alpine", "library/alpine:latest"},
		{"a/b", "a/b:latest"},
		{"a:1", "library/a:1"},
		{"library/alpine:latest", "library/alpine:latest"},
	}
	for _, c := range cases {
		got, err := NormalizeImageID(c.in)
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}
}

func TestNormalizeImageID_Idempotent(t *testing.T) {
	for _, in := range []string{"alpine", "a/b", "a:1", "library/alpine:latest"} {
		once, err := NormalizeImageID(in)
		require.NoError(t, err)
		twice, err := NormalizeImageID(once)
		require.NoError(t, err)
		assert.Equal(t, once, twice)
	}
}

func TestSplitImageID(t *testing.T) {
	name, ref := SplitImageID("library/alpine:latest")
	assert.Equal(t, "library/alpine", name)
	assert.Equal(t, "latest", ref)

	name, ref = SplitImageID("library/alpine")
	assert.Equal(t, "library/alpine", name)
	assert.Equal(t, "latest", ref)
}

func TestFlattenImageName(t *testing.T) {
	assert.Equal(t, "library_alpine", FlattenImageName("library/alpine"))
}

func TestStateRoot_EnvOverride(t *testing.T) {
	t.Setenv("MINATO_STATE_ROOT", "/tmp/minato-test-root")
	assert.Equal(t, "/tmp/minato-test-root", StateRoot())
}

func TestImageIDFromLowerTarget(t *testing.T) {
	t.Setenv("MINATO_STATE_ROOT", "/var/lib/minato")
	id, err := ImageIDFromLowerTarget(ImageDir("library/alpine:latest"))
	require.NoError(t, err)
	assert.Equal(t, "library/alpine:latest", id)

	_, err = ImageIDFromLowerTarget("/etc/passwd")
	assert.Error(t, err)
}
