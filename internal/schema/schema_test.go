package schema

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultsDoNotCreateStorage(t *testing.T) {
	s := Default()
	require.Equal(t, "job0", s.GetString("option", "jobname"))
	require.Equal(t, "build", s.GetString("option", "builddir"))
	require.False(t, s.IsSet("option", "jobname"))
	require.Empty(t, s.GetKeys())
}

func TestUnknownKey(t *testing.T) {
	s := Default()
	err := s.Set("x", "option", "nosuch")
	require.ErrorIs(t, err, ErrUnknownKey)
	_, err = s.Get("record", "import")
	require.ErrorIs(t, err, ErrUnknownKey)
}

func TestTypeMismatch(t *testing.T) {
	s := Default()
	require.ErrorIs(t, s.Set("yes", "option", "clean"), ErrTypeMismatch)
	require.ErrorIs(t, s.Set(1.5, "record", "syn", "0", "jobid"), ErrTypeMismatch)
	require.ErrorIs(t, s.Add("x", "option", "jobname"), ErrTypeMismatch)
	require.NoError(t, s.Set(2.0, "record", "syn", "0", "jobid"))
	require.Equal(t, 2, s.GetInt("record", "syn", "0", "jobid"))
}

func TestAddAndUnset(t *testing.T) {
	s := Default()
	require.NoError(t, s.Add("syn", "option", "from"))
	require.NoError(t, s.Add([]string{"place", "route"}, "option", "from"))
	require.Equal(t, []string{"syn", "place", "route"}, s.GetStrings("option", "from"))

	require.NoError(t, s.Add([2]string{"import", "0"}, "flowgraph", "asic", "syn", "0", "input"))
	require.Equal(t, [][2]string{{"import", "0"}}, s.GetPairs("flowgraph", "asic", "syn", "0", "input"))

	require.NoError(t, s.Unset("option", "from"))
	require.False(t, s.IsSet("option", "from"))
	require.Empty(t, s.GetStrings("option", "from"))
}

func TestGetKeysInsertionOrder(t *testing.T) {
	s := Default()
	require.NoError(t, s.Set("nop", "flowgraph", "f", "import", "0", "tool"))
	require.NoError(t, s.Set("nop", "flowgraph", "f", "floorplan", "0", "tool"))
	require.NoError(t, s.Set("nop", "flowgraph", "f", "export", "0", "tool"))
	keys := s.GetKeys("flowgraph", "f")
	require.Len(t, keys, 3)
	require.Equal(t, "import", keys[0][2])
	require.Equal(t, "floorplan", keys[1][2])
	require.Equal(t, "export", keys[2][2])
}

func TestJSONRoundTripPreservesOrderAndTypes(t *testing.T) {
	s := Default()
	require.NoError(t, s.Set("top", "design"))
	require.NoError(t, s.Set("zeta", "flowgraph", "f", "zeta", "0", "tool"))
	require.NoError(t, s.Set("alpha", "flowgraph", "f", "alpha", "0", "tool"))
	require.NoError(t, s.Set(3, "record", "zeta", "0", "jobid"))
	require.NoError(t, s.Set(12.5, "metric", "zeta", "0", "tasktime"))
	require.NoError(t, s.Set([]string{}, "option", "skip"))
	require.NoError(t, s.Set(true, "option", "clean"))

	var buf bytes.Buffer
	require.NoError(t, s.WriteJSON(&buf))

	got := Default()
	require.NoError(t, got.ReadJSON(&buf))
	require.Equal(t, "top", got.GetString("design"))
	require.Equal(t, 3, got.GetInt("record", "zeta", "0", "jobid"))
	require.Equal(t, 12.5, got.GetFloat("metric", "zeta", "0", "tasktime"))
	require.True(t, got.GetBool("option", "clean"))
	require.True(t, got.IsSet("option", "skip"))

	keys := got.GetKeys("flowgraph", "f")
	require.Len(t, keys, 2)
	require.Equal(t, "zeta", keys[0][2])
}

func TestManifestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outputs", "top.pkg.json")
	s := Default()
	require.NoError(t, s.Set("abc123", "record", "remoteid"))
	require.NoError(t, s.WriteManifest(path))

	got, err := ReadManifest(path)
	require.NoError(t, err)
	require.Equal(t, "abc123", got.GetString("record", "remoteid"))
}

func TestMergeNodeRemoteWins(t *testing.T) {
	local := Default()
	require.NoError(t, local.Set("running", "record", "syn", "0", "status"))
	require.NoError(t, local.Set(1.0, "metric", "syn", "0", "cells"))
	require.NoError(t, local.Set("done", "record", "import", "0", "status"))

	remote := Default()
	require.NoError(t, remote.Set("done", "record", "syn", "0", "status"))
	require.NoError(t, remote.Set(42.0, "metric", "syn", "0", "cells"))
	require.NoError(t, remote.Set("error", "record", "import", "0", "status"))

	require.Equal(t, 2, local.MergeNode(remote, "syn", "0"))
	require.Equal(t, "done", local.GetString("record", "syn", "0", "status"))
	require.Equal(t, 42.0, local.GetFloat("metric", "syn", "0", "cells"))
	// other nodes untouched
	require.Equal(t, "done", local.GetString("record", "import", "0", "status"))
}

func TestCopyIsIndependent(t *testing.T) {
	s := Default()
	require.NoError(t, s.Set([]string{"a"}, "option", "to"))
	c := s.Copy()
	require.NoError(t, c.Add("b", "option", "to"))
	require.Equal(t, []string{"a"}, s.GetStrings("option", "to"))
	require.Equal(t, []string{"a", "b"}, c.GetStrings("option", "to"))
}
