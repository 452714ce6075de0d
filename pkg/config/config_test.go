package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/conductorone/baton-offline/pkg/conflict"
)

func TestDefaultIsValid(t *testing.T) {
	d := Default()
	require.NoError(t, d.Validate())
}

func TestDecode(t *testing.T) {
	cfg, err := Decode(map[string]any{
		"store-path":        "/tmp/sync.db",
		"log-output":        "stdout, /var/log/sync.log",
		"queue-max-retries": "5",
		"drain-interval":    "45s",
		"conflict-strategy": "newest-wins",
		"remote-url":        "https://api.example.com/v1",
	})
	require.NoError(t, err)
	require.Equal(t, "/tmp/sync.db", cfg.StorePath)
	require.Equal(t, []string{"stdout", "/var/log/sync.log"}, cfg.LogOutput)
	require.Equal(t, 5, cfg.QueueMaxRetries)
	require.Equal(t, 45*time.Second, cfg.DrainInterval)
	require.Equal(t, conflict.NewestWins, cfg.ConflictStrategy)
	require.Equal(t, "https://api.example.com/v1", cfg.ProbeURL, "probe url falls back to the remote url")
	require.Equal(t, 1000, cfg.QueueMaxSize)
}

func TestDecodeUnknownStrategy(t *testing.T) {
	_, err := Decode(map[string]any{"conflict-strategy": "coin-flip"})
	require.ErrorContains(t, err, "coin-flip")
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.StorePath = ""
	cfg.LogFormat = "xml"
	cfg.QueueMaxSize = 0
	cfg.LockHeartbeatInterval = time.Minute
	cfg.RemoteURL = "api.example.com"
	cfg.LogLevel = "chatty"
	cfg.LogMaxSizeMB = 0

	err := cfg.Validate()
	require.Error(t, err)
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
	require.Len(t, ce.errs, 7)
	require.Contains(t, err.Error(), "found 7 error(s)")
	require.Contains(t, err.Error(), "log-max-size-mb must be positive")
}

func TestLoadFromViper(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue-max-size: 50\nlock-ttl: 1m\n"), 0o600))
	t.Setenv(configPathEnv, path)
	t.Setenv("BATON_OFFLINE_HOLDER_ID", "ctx-1")

	v, err := NewViper()
	require.NoError(t, err)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	DefineFlags(fs)
	require.NoError(t, fs.Parse([]string{"--drain-rate=20", "--log-output=stdout,stderr"}))
	require.NoError(t, v.BindPFlags(fs))

	cfg, err := Load(v)
	require.NoError(t, err)
	require.Equal(t, 50, cfg.QueueMaxSize)
	require.Equal(t, time.Minute, cfg.LockTTL)
	require.Equal(t, "ctx-1", cfg.HolderID)
	require.Equal(t, 20, cfg.DrainRate)
	require.Equal(t, []string{"stdout", "stderr"}, cfg.LogOutput)
	require.Equal(t, uint(3), cfg.RetryMaxAttempts)
}

func TestResolveConfigFile(t *testing.T) {
	f, err := resolveConfigFile("")
	require.NoError(t, err)
	require.Equal(t, configFile{dir: ".", name: "baton-offline", typ: "yaml"}, f)

	f, err = resolveConfigFile("/etc/sync/custom.yml")
	require.NoError(t, err)
	require.Equal(t, configFile{dir: "/etc/sync", name: "custom", typ: "yaml"}, f)

	f, err = resolveConfigFile("sync.TOML")
	require.NoError(t, err)
	require.Equal(t, configFile{dir: ".", name: "sync", typ: "toml"}, f)

	_, err = resolveConfigFile("/etc/sync/custom.ini")
	require.ErrorContains(t, err, "unsupported config file extension")
}
