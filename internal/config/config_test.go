package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, 0.8, cfg.OPM.Threshold)
	require.Equal(t, 10, cfg.OPM.Increment)
	require.Equal(t, "grow_and_shrink", cfg.OPM.GrowthMode)
	require.Equal(t, 9090, cfg.ControlPlane.Port)
}

func TestLoadAppliesDefaultsOverPartialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runtime.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mls:
  discovery_enabled: true
  group_address: "224.9.9.1:7777"
opm:
  increment: 25
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.True(t, cfg.MLS.DiscoveryEnabled)
	require.Equal(t, "224.9.9.1:7777", cfg.MLS.GroupAddress)
	require.Equal(t, 25, cfg.OPM.Increment)
	require.Equal(t, 0.8, cfg.OPM.Threshold) // default preserved
}

func TestMailboxSection(t *testing.T) {
	cfg := Default()
	cfg.Mailbox["group"] = map[string]any{
		"loopback": 1,
		"ttl":      4,
	}

	var groupCfg struct {
		Loopback int `yaml:"loopback"`
		TTL      int `yaml:"ttl"`
	}
	require.NoError(t, cfg.MailboxSection("group", &groupCfg))
	require.Equal(t, 1, groupCfg.Loopback)
	require.Equal(t, 4, groupCfg.TTL)
}

func TestMailboxSectionMissingIsNoop(t *testing.T) {
	cfg := Default()
	var target struct{ X int }
	require.NoError(t, cfg.MailboxSection("missing", &target))
}
