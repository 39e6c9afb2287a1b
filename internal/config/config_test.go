package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buffquant/buffrun/internal/apperr"
)

func TestLoadEnvAndYAML(t *testing.T) {
	t.Setenv(EnvRunsRoot, "/var/lib/buffrun")
	t.Setenv(EnvDefaultUser, "local")
	t.Setenv(EnvHTTPPort, "9090")

	yml := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(yml, []byte("server:\n  addr: \":7000\"\n  rate_limit_rps: 10\n"), 0o644))

	cfg, err := Load(yml)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/buffrun", cfg.RunsRoot)
	assert.Equal(t, "local", cfg.DefaultUser)
	assert.Equal(t, float64(10), cfg.Server.RateLimitRPS)
	assert.Equal(t, 100, cfg.Server.RateLimitBurst, "unset YAML fields keep defaults")
	assert.Equal(t, ":9090", cfg.Server.Addr, "HTTP_PORT overrides the YAML addr")
}

func TestLoadBadYAML(t *testing.T) {
	yml := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(yml, []byte(":\n  - not yaml"), 0o644))
	_, err := Load(yml)
	assert.Error(t, err)
}

func TestValidateRunsRoot(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		root string
		code string
	}{
		{"unset", "", apperr.CodeRunsRootUnset},
		{"relative", "relative/path", apperr.CodeRunsRootInvalid},
		{"missing", filepath.Join(dir, "absent"), apperr.CodeRunsRootMissing},
		{"not a dir", mkFile(t, dir), apperr.CodeRunsRootInvalid},
	}
	for _, tc := range cases {
		err := (&Config{RunsRoot: tc.root}).ValidateRunsRoot()
		require.Error(t, err, tc.name)
		assert.Equal(t, tc.code, apperr.As(err).Code, tc.name)
	}

	assert.NoError(t, (&Config{RunsRoot: dir}).ValidateRunsRoot())
}

func TestValidateRunsRootNotWritable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := filepath.Join(t.TempDir(), "ro")
	require.NoError(t, os.Mkdir(dir, 0o555))
	err := (&Config{RunsRoot: dir}).ValidateRunsRoot()
	require.Error(t, err)
	assert.Equal(t, apperr.CodeRunsRootNotWritable, apperr.As(err).Code)
}

func TestKillSwitch(t *testing.T) {
	t.Setenv("KILL_SWITCH_RUNS", "0")
	_, active := KillSwitchActive()
	assert.False(t, active)

	t.Setenv("KILL_SWITCH_RUNS", "true")
	name, active := KillSwitchActive()
	assert.True(t, active)
	assert.Equal(t, "KILL_SWITCH_RUNS", name)
}

func mkFile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	return path
}
