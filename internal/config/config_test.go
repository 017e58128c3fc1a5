package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/clustr/internal/logger"
)

const fullTOML = `
cluster_name = "swganh"
startup_statements = [
  "UPDATE {galaxy}.account SET account_authenticated = 0 WHERE account_authenticated = 1",
]

[process]
type = "login"
name = "login"
version = "v1.0.0"
address = "127.0.0.1"
tcp_port = 44453
udp_port = 0

[directory]
storage = "global"
liveness_timeout = "45s"
pulse_interval = "500ms"
sweep_schedule = "@every 1m"

[query]
min_workers = 2
max_workers = 8
queue_depth = 256
idle_timeout = "10s"

[schemas]
global = "main"
galaxy = "main"

[[storages]]
name = "global"
driver = "sqlite"
path = "/var/lib/clustr/global.db"
schema = "main"
max_conns = 1

[[storages]]
name = "galaxy"
driver = "postgres"
host = "db"
port = 5433
database = "swganh"
username = "swg"
password_env = "TEST_GALAXY_PASSWORD"

[log]
level = "debug"
format = "json"
file = "/var/log/clustr.log"
max_backups = 5

[metrics]
enabled = true
listen = ":9191"

[server]
listen = ":8080"

[history]
sinks = ["sqlite:///tmp/history.db"]
`

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "clustr.toml")
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

func TestLoad_Full(t *testing.T) {
	t.Setenv("TEST_GALAXY_PASSWORD", "s3cret")
	c, err := Load(writeConfig(t, fullTOML))
	require.NoError(t, err)

	assert.Equal(t, "swganh", c.ClusterName)
	assert.Len(t, c.StartupStatements, 1)
	assert.Equal(t, "login", c.Process.Type)
	assert.Equal(t, uint16(44453), c.Process.TCPPort)
	assert.Equal(t, 45*time.Second, c.Directory.LivenessTimeout)
	assert.Equal(t, 500*time.Millisecond, c.Directory.PulseInterval)
	assert.Equal(t, "@every 1m", c.Directory.SweepSchedule)
	assert.Equal(t, 2, c.Query.MinWorkers)
	assert.Equal(t, 8, c.Query.MaxWorkers)
	assert.Equal(t, 256, c.Query.QueueDepth)
	assert.Equal(t, 10*time.Second, c.Query.IdleTimeout)
	assert.Equal(t, "global", c.Query.DefaultStorage)
	assert.Equal(t, "global", c.Schemas.Storage, "schemas default to the directory storage")

	require.Len(t, c.Storages, 2)
	galaxy, ok := c.Storage("galaxy")
	require.True(t, ok)
	assert.Equal(t, "postgres", galaxy.Driver)
	assert.Equal(t, 5433, galaxy.Port)
	assert.Equal(t, "s3cret", galaxy.Password)
	global, _ := c.Storage("global")
	assert.Equal(t, "/var/lib/clustr/global.db", global.Path)
	assert.Equal(t, 1, global.MaxConns)

	lc := c.Log.Logger()
	assert.Equal(t, logger.LevelDebug, lc.Slog.Level)
	assert.Equal(t, logger.FormatJSON, lc.Slog.Format)
	assert.True(t, lc.Slog.TimeStamps)
	assert.Equal(t, "/var/log/clustr.log", lc.File.Path)
	assert.Equal(t, 5, lc.File.MaxBackups)

	assert.True(t, c.Metrics.Enabled)
	assert.Equal(t, ":9191", c.Metrics.Listen)
	assert.Equal(t, "/api", c.Server.BasePath)
	assert.Equal(t, []string{"sqlite:///tmp/history.db"}, c.History.Sinks)
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load(writeConfig(t, `
cluster_name = "swganh"
[[storages]]
name = "global"
driver = "sqlite"
path = "/tmp/x.db"
`))
	require.NoError(t, err)
	assert.Equal(t, "global", c.Directory.Storage)
	assert.Equal(t, 30*time.Second, c.Directory.LivenessTimeout)
	assert.Equal(t, time.Second, c.Directory.PulseInterval)
	assert.Equal(t, 1, c.Query.MinWorkers)
	assert.Equal(t, 4, c.Query.MaxWorkers)
	assert.Equal(t, 1024, c.Query.QueueDepth)
	assert.Equal(t, ":9090", c.Metrics.Listen)
	assert.Empty(t, c.Directory.SweepSchedule)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CLUSTR_CLUSTER_NAME", "tarquinas")
	t.Setenv("CLUSTR_PROCESS_TCP_PORT", "44463")
	t.Setenv("CLUSTR_DIRECTORY_LIVENESS_TIMEOUT", "1m")
	c, err := Load(writeConfig(t, fullTOML))
	require.NoError(t, err)
	assert.Equal(t, "tarquinas", c.ClusterName)
	assert.Equal(t, uint16(44463), c.Process.TCPPort)
	assert.Equal(t, time.Minute, c.Directory.LivenessTimeout)
}

func TestLoad_EnvFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secrets.env"), []byte("# db\nCLUSTR_TEST_PW=fromfile\n"), 0o600))
	cfg := filepath.Join(dir, "clustr.toml")
	require.NoError(t, os.WriteFile(cfg, []byte(`
cluster_name = "swganh"
env_files = ["secrets.env"]
[[storages]]
name = "global"
driver = "postgres"
password_env = "CLUSTR_TEST_PW"
`), 0o644))
	t.Cleanup(func() { _ = os.Unsetenv("CLUSTR_TEST_PW") })

	c, err := Load(cfg)
	require.NoError(t, err)
	assert.Equal(t, "fromfile", c.Storages[0].Password)
}

func TestLoad_Validation(t *testing.T) {
	cases := map[string]string{
		"missing cluster": `
[[storages]]
name = "global"
driver = "sqlite"
`,
		"no storages": `cluster_name = "swganh"`,
		"undeclared directory storage": `
cluster_name = "swganh"
[directory]
storage = "galaxy"
[[storages]]
name = "global"
driver = "sqlite"
`,
		"workers": `
cluster_name = "swganh"
[query]
min_workers = 4
max_workers = 2
[[storages]]
name = "global"
driver = "sqlite"
`,
		"driver": `
cluster_name = "swganh"
[[storages]]
name = "global"
driver = "oracle"
`,
		"duplicate storage": `
cluster_name = "swganh"
[[storages]]
name = "global"
driver = "sqlite"
[[storages]]
name = "global"
driver = "sqlite"
`,
		"sweep schedule": `
cluster_name = "swganh"
[directory]
sweep_schedule = "every minute"
[[storages]]
name = "global"
driver = "sqlite"
`,
		"liveness below pulse": `
cluster_name = "swganh"
[directory]
liveness_timeout = "1s"
pulse_interval = "2s"
[[storages]]
name = "global"
driver = "sqlite"
`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, data))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid), "got %v", err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoadEnvFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(p, []byte("A=1\n#comment\n\nB = two\n"), 0o644))
	pairs, err := loadEnvFile(p)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "two"}, pairs)
}
