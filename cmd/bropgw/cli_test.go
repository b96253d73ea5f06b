package cli

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/bropgw/internal/config"
	"github.com/neboloop/bropgw/internal/logging"
)

func resetFlags() {
	cfgFile, nativeAddr, cdpAddr, upstreamAddr, logLevel, logFormat = "", "", "", "", "", ""
	quiet = false
}

func TestLoadConfigPrecedence(t *testing.T) {
	t.Cleanup(resetFlags)
	path := filepath.Join(t.TempDir(), "bropgw.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen:\n  cdp: \":7000\"\n  native: \":7001\"\nlog:\n  level: warn\n"), 0o644))
	t.Setenv(config.EnvNativeAddr, ":7101")

	root := SetupRootCmd()
	require.NoError(t, root.ParseFlags([]string{"--config", path, "--log-level", "debug"}))

	c, err := loadConfig(root)
	require.NoError(t, err)
	assert.Equal(t, ":7000", c.Listen.CDP, "file")
	assert.Equal(t, ":7101", c.Listen.Native, "environment beats file")
	assert.Equal(t, config.DefaultUpstreamAddr, c.Listen.Upstream, "default")
	assert.Equal(t, "debug", c.Log.Level, "flag beats file")
}

func TestLoadConfigRejectsSharedListener(t *testing.T) {
	t.Cleanup(resetFlags)
	root := SetupRootCmd()
	require.NoError(t, root.ParseFlags([]string{"--native-addr", ":9222"}))

	_, err := loadConfig(root)
	assert.Error(t, err)
}

func TestQuietDisablesLogging(t *testing.T) {
	t.Cleanup(resetFlags)
	t.Cleanup(func() { _ = logging.Setup(logging.Options{Format: logging.FormatJSON, Output: io.Discard}) })
	root := SetupRootCmd()
	require.NoError(t, root.ParseFlags([]string{"--quiet", "--log-format", "json"}))

	c, err := loadConfig(root)
	require.NoError(t, err)
	require.NoError(t, setupLogging(c))
	assert.Equal(t, zerolog.Disabled, zerolog.GlobalLevel())

	quiet = false
	require.NoError(t, setupLogging(c))
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestVersionCommand(t *testing.T) {
	t.Cleanup(resetFlags)
	root := SetupRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "bropgw "+Version)
	assert.Contains(t, out.String(), config.DefaultProtocolVersion)
}
