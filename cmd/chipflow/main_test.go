package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/chipflow/internal/remote"
	"github.com/3cpo-dev/chipflow/internal/schema"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "chipflow "+version))
}

func TestConfigure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	out, err := execute(t, "remote", "configure", "--credentials", path, "--server", "http://localhost", "--port", "8088", "--username", "ada")
	require.NoError(t, err)
	require.Contains(t, out, path)

	t.Setenv("CHIPFLOW_REMOTE_USER", "")
	t.Setenv("CHIPFLOW_REMOTE_KEY", "")
	creds, fallback, err := remote.LoadCredentials(path)
	require.NoError(t, err)
	require.False(t, fallback)
	require.Equal(t, remote.Credentials{Address: "http://localhost", Port: 8088, Username: "ada"}, creds)
}

func TestApplyRunFlags(t *testing.T) {
	cmd := newRunCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--jobname", "job7", "--from", "syn,place", "--remote", "--workers", "3"}))
	s := schema.Default()
	require.NoError(t, s.Set(true, "option", "clean"))
	require.NoError(t, applyRunFlags(cmd, s))

	require.Equal(t, "job7", s.GetString("option", "jobname"))
	require.Equal(t, []string{"syn", "place"}, s.GetStrings("option", "from"))
	require.True(t, s.GetBool("option", "remote"))
	require.Equal(t, 3, s.GetInt("option", "maxworkers"))
	// unset flags keep project values
	require.True(t, s.GetBool("option", "clean"))
	require.False(t, s.IsSet("option", "credentials"))
}

func TestRemoteJobNeedsSource(t *testing.T) {
	_, err := execute(t, "remote", "cancel")
	require.ErrorContains(t, err, "--cfg or --config")

	manifest := filepath.Join(t.TempDir(), "m.pkg.json")
	s := schema.Default()
	require.NoError(t, s.Set("d", "design"))
	require.NoError(t, s.WriteManifest(manifest))
	_, err = execute(t, "remote", "cancel", "--cfg", manifest)
	var setup *remote.RemoteSetupError
	require.ErrorAs(t, err, &setup)
}
