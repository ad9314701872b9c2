package config

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-riscvos/internal/types"
)

// writeTestConfig drops a yaml file into a temp directory.
func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "riscvos.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeTestConfig(t, "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, types.DefaultRAMBytes, cfg.RAMBytes)
	assert.Equal(t, 1, cfg.Harts)
	assert.Equal(t, "fs.img", cfg.DiskImage)
	assert.True(t, cfg.ConsoleEcho)
	assert.False(t, cfg.LazySbrk)
}

func TestLoadFromFile(t *testing.T) {
	path := writeTestConfig(t, `
ram_bytes: 8388608
harts: 4
disk_image: custom.img
console_echo: false
lazy_sbrk: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8388608, cfg.RAMBytes)
	assert.Equal(t, 4, cfg.Harts)
	assert.Equal(t, "custom.img", cfg.DiskImage)
	assert.False(t, cfg.ConsoleEcho)
	assert.True(t, cfg.LazySbrk)
}

func TestLoadHartsValidation(t *testing.T) {
	tests := []struct {
		name  string
		harts int
	}{
		{name: "zero harts", harts: 0},
		{name: "too many harts", harts: types.MaxHarts + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTestConfig(t, "harts: "+strconv.Itoa(tt.harts))
			_, err := Load(path)
			assert.ErrorContains(t, err, "harts")
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
