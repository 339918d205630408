package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "fawkesctl", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	commands := cmd.Commands()
	names := make(map[string]bool)
	for _, c := range commands {
		names[c.Name()] = true
	}
	assert.True(t, names["run"])
	assert.True(t, names["agent"])
	assert.True(t, names["scheduler"])

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)

	masterFlag := cmd.PersistentFlags().Lookup("master")
	require.NotNil(t, masterFlag)
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()
	assert.Equal(t, "run", cmd.Use)
	assert.NotNil(t, cmd.RunE)
}

func TestBuildSchedulerCommand_HasAllSixSubcommands(t *testing.T) {
	cmd := buildSchedulerCommand()
	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"add", "list", "status", "cancel", "workers", "stats"} {
		assert.True(t, names[want], "expected scheduler subcommand %q", want)
	}
}

func TestBuildSchedulerAddCommand_Flags(t *testing.T) {
	cmd := buildSchedulerAddCommand()
	assert.NotNil(t, cmd.Flags().Lookup("priority"))
	assert.NotNil(t, cmd.Flags().Lookup("deadline"))
	assert.NotNil(t, cmd.Flags().Lookup("depends-on"))
	assert.NotNil(t, cmd.Flags().Lookup("resources"))
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.yaml")

	configContent := `
controller:
  rpc_address: ":7777"
  wal_path: "./wal.log"
  snapshot_path: "./snapshot.json"
  wal_buffer_size: 50
  strategy: "load_aware"

worker:
  address: "127.0.0.1:8000"
  hostname: "worker-1"
  controller_address: "127.0.0.1:7777"
  max_vms: 4

metrics:
  enabled: true
  port: 9090
`

	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := loadConfig(configPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, ":7777", cfg.Controller.RPCAddress)
	assert.Equal(t, "./wal.log", cfg.Controller.WALPath)
	assert.Equal(t, 50, cfg.Controller.WALBufferSize)
	assert.Equal(t, "load_aware", cfg.Controller.Strategy)

	assert.Equal(t, "127.0.0.1:8000", cfg.Worker.Address)
	assert.Equal(t, 4, cfg.Worker.MaxVMs)

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9090, cfg.Metrics.Port)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := loadConfig("/nonexistent/config.yaml")
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	invalidYAML := "controller:\n  wal_path: \"x\"\n  invalid yaml\n    broken indentation\n"
	require.NoError(t, os.WriteFile(configPath, []byte(invalidYAML), 0644))

	cfg, err := loadConfig(configPath)
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestLoadConfig_EmptyFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "empty.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(""), 0644))

	cfg, err := loadConfig(configPath)
	assert.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "", cfg.Controller.RPCAddress)
}

func TestParseDeadline_RelativeUnits(t *testing.T) {
	now := time.Now()

	h, err := parseDeadline("2h")
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(2*time.Hour), h, 2*time.Second)

	d, err := parseDeadline("1d")
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(24*time.Hour), d, 2*time.Second)

	m, err := parseDeadline("30m")
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(30*time.Minute), m, 2*time.Second)
}

func TestParseDeadline_AbsoluteEpoch(t *testing.T) {
	got, err := parseDeadline("1700000000")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), got.Unix())
}

func TestParseDeadline_Invalid(t *testing.T) {
	_, err := parseDeadline("not-a-deadline")
	assert.Error(t, err)
}

func TestParseJobIDs(t *testing.T) {
	ids, err := parseJobIDs("1,2, 3")
	require.NoError(t, err)
	require.Len(t, ids, 3)
	assert.EqualValues(t, 1, ids[0])
	assert.EqualValues(t, 2, ids[1])
	assert.EqualValues(t, 3, ids[2])
}

func TestParseJobIDs_Invalid(t *testing.T) {
	_, err := parseJobIDs("1,x,3")
	assert.Error(t, err)
}

func TestParseResources(t *testing.T) {
	r, err := parseResources("cpu=4,ram=8,vms=2")
	require.NoError(t, err)
	assert.Equal(t, 4, r.CPU)
	assert.Equal(t, 8, r.RAMG)
	assert.Equal(t, 2, r.VMs)
}

func TestParseResources_UnknownKey(t *testing.T) {
	_, err := parseResources("bogus=1")
	assert.Error(t, err)
}

func TestParseResources_OmittedKeysDefaultToZero(t *testing.T) {
	r, err := parseResources("vms=1")
	require.NoError(t, err)
	assert.Equal(t, 1, r.VMs)
	assert.Equal(t, 0, r.CPU)
}
