package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "boot9.bin", make([]byte, 0x10000))

	cfgPath := writeFile(t, dir, "ctrfs.yaml", []byte("boot9_path: boot9.bin\n"))

	cfg, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "boot9.bin"), cfg.Boot9Path)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "boot9.bin", make([]byte, 0x10000))
	cfgPath := writeFile(t, dir, "ctrfs.yaml", []byte("boot9_path: boot9.bin\nnonsense_field: 1\n"))

	_, err := Load(cfgPath)
	assert.Error(t, err)
}

func TestLoadRequiresBoot9Path(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "ctrfs.yaml", []byte("dev: true\n"))

	_, err := Load(cfgPath)
	assert.Error(t, err)
}

func TestSetupEngineLoadsBoot9(t *testing.T) {
	dir := t.TempDir()
	b9 := make([]byte, 0x10000)
	writeFile(t, dir, "boot9.bin", b9)
	cfgPath := writeFile(t, dir, "ctrfs.yaml", []byte("boot9_path: boot9.bin\n"))

	cfg, err := Load(cfgPath)
	require.NoError(t, err)

	eng, err := cfg.SetupEngine()
	require.NoError(t, err)
	assert.NotNil(t, eng)
}
