package serverconfig

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func newTestCmd(defaults Config) *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	BindFlags(cmd, defaults)
	return cmd
}

func TestLoadUsesDefaultsWhenNothingSet(t *testing.T) {
	defaults := Defaults()
	cmd := newTestCmd(defaults)
	v := NewViper("", defaults)

	cfg := Load(cmd, v)
	require.Equal(t, defaults.BindAddr, cfg.BindAddr)
	require.Equal(t, defaults.RateLimitMax, cfg.RateLimitMax)
	require.Equal(t, defaults.Password, cfg.Password)
}

func TestLoadFlagOverridesViperDefault(t *testing.T) {
	defaults := Defaults()
	cmd := newTestCmd(defaults)
	v := NewViper("", defaults)
	require.NoError(t, cmd.ParseFlags([]string{"--" + keyBindAddr + "=:9999"}))

	cfg := Load(cmd, v)
	require.Equal(t, ":9999", cfg.BindAddr)
}

func TestImportLegacyYAMLLayersOverDefaults(t *testing.T) {
	defaults := Defaults()
	cfg, err := ImportLegacyYAML([]byte("bind-addr: \":1234\"\n"), defaults)
	require.NoError(t, err)
	require.Equal(t, ":1234", cfg.BindAddr)
	require.Equal(t, defaults.DataDir, cfg.DataDir)
}

func TestExportTOMLIncludesBindAddr(t *testing.T) {
	cfg := Defaults()
	cfg.BindAddr = ":4321"
	out, err := ExportTOML(cfg)
	require.NoError(t, err)
	require.Contains(t, out, "4321")
}
