package spec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	s := Default()
	require.NoError(t, s.Validate())
	assert.Equal(t, "minato", s.Hostname)
	assert.Equal(t, []string{"/bin/sh"}, s.Process.Args)
	assert.True(t, s.HasNamespace(NamespaceMount))
	assert.False(t, s.HasNamespace(NamespaceNetwork))
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	s := Default()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, Save(path, s))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, s, loaded)
}

func TestLoad_DedupesNamespaces(t *testing.T) {
	s := Default()
	s.Linux.Namespaces = append(s.Linux.Namespaces, NamespaceMount, NamespaceMount)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, Save(path, s))

	loaded, err := Load(path)
	require.NoError(t, err)
	count := 0
	for _, n := range loaded.Linux.Namespaces {
		if n == NamespaceMount {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestValidate_RequiresMountWithPIDOrNetwork(t *testing.T) {
	s := Default()
	s.Linux.Namespaces = []Namespace{NamespacePID}
	assert.Error(t, s.Validate())

	s.Linux.Namespaces = []Namespace{NamespaceNetwork}
	assert.Error(t, s.Validate())

	s.Linux.Namespaces = []Namespace{NamespacePID, NamespaceMount}
	assert.NoError(t, s.Validate())
}

func TestValidate_RequiresNonEmptyArgs(t *testing.T) {
	s := Default()
	s.Process.Args = nil
	assert.Error(t, s.Validate())

	s.Process.Args = []string{""}
	assert.Error(t, s.Validate())
}

func TestLoad_MalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestNamespace_ProcFSName(t *testing.T) {
	assert.Equal(t, "mnt", NamespaceMount.ProcFSName())
	assert.Equal(t, "net", NamespaceNetwork.ProcFSName())
	assert.Equal(t, "pid", NamespacePID.ProcFSName())
}
