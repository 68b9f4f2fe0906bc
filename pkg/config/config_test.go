package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10.0, cfg.Graph.MinBranchLength)
	assert.Equal(t, 2.0, cfg.Graph.JunctionMergeThreshold)
	assert.Equal(t, 3.0, cfg.Matching.EpipolarTolerancePx)
	assert.Equal(t, 0.2, cfg.Bifurcation.MurrayTolerance)
	assert.Equal(t, 90, cfg.Server.RequestTimeoutSeconds)
	assert.Equal(t, 800, cfg.Server.MaxDimension)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"cores", func(c *Config) { c.Processing.NumCores = 0 }},
		{"scales", func(c *Config) { c.Vesselness.ScaleMax = 0.5 }},
		{"threshold", func(c *Config) { c.Vesselness.Threshold = "magic" }},
		{"quantile", func(c *Config) { c.Vesselness.Threshold = "quantile"; c.Vesselness.ThresholdQuantile = 1.5 }},
		{"geometry", func(c *Config) { c.Geometry.SourceToIsocenterMM = 2000 }},
		{"tolerance", func(c *Config) { c.Matching.EpipolarTolerancePx = 0 }},
		{"iterations", func(c *Config) { c.Bundle.MaxIterations = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Graph, cfg.Graph)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, ext := range []string{".yaml", ".toml"} {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", "config"+ext)
			cfg := DefaultConfig()
			cfg.Graph.MinBranchLength = 7.5
			cfg.Vesselness.Threshold = "quantile"
			cfg.Server.Addr = ":9999"
			require.NoError(t, SaveConfig(cfg, path))

			loaded, err := LoadConfig(path)
			require.NoError(t, err)
			assert.Equal(t, 7.5, loaded.Graph.MinBranchLength)
			assert.Equal(t, "quantile", loaded.Vesselness.Threshold)
			assert.Equal(t, ":9999", loaded.Server.Addr)
		})
	}
}

func TestLoadPartialYAMLKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	require.NoError(t, os.WriteFile(path, []byte("graph:\n  minBranchLength: 4\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4.0, cfg.Graph.MinBranchLength)
	assert.Equal(t, 2.0, cfg.Graph.JunctionMergeThreshold)
	assert.Equal(t, 50, cfg.Bundle.MaxIterations)
}

func TestLoadInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[graph\nminBranchLength = "), 0644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvCores, "3")
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvRequestTimeout, "15")

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, 3, cfg.Processing.NumCores)
	assert.Equal(t, "debug", cfg.Output.LogLevel)
	assert.Equal(t, 15, cfg.Server.RequestTimeoutSeconds)
}

func TestApplyEnvFile(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(envPath, []byte(EnvAddr+"=:7070\n"), 0644))
	t.Setenv(EnvAddr, "")
	os.Unsetenv(EnvAddr)

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv(envPath))
	t.Cleanup(func() { os.Unsetenv(EnvAddr) })
	assert.Equal(t, ":7070", cfg.Server.Addr)
}

func TestApplyEnvBadNumber(t *testing.T) {
	t.Setenv(EnvMaxIterations, "many")
	cfg := DefaultConfig()
	assert.Error(t, cfg.ApplyEnv())
}

func TestApplyEnvNamedFileErrors(t *testing.T) {
	dir := t.TempDir()
	malformed := filepath.Join(dir, "bad.env")
	require.NoError(t, os.WriteFile(malformed, []byte("CORONARY3D-CORES=2\n"), 0644))

	tests := []struct {
		name     string
		path     string
		notExist bool
	}{
		{"missing", filepath.Join(dir, "missing.env"), true},
		{"malformed", malformed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := DefaultConfig().ApplyEnv(tt.path)
			require.Error(t, err)
			assert.Equal(t, tt.notExist, errors.Is(err, fs.ErrNotExist))
		})
	}
}
