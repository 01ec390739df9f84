package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "default", cfg.TemplateName)
	assert.Equal(t, "src/config/site.json", cfg.TemplateConfigPath)
	assert.Equal(t, 5*time.Minute, cfg.InstallTimeout)
	assert.Equal(t, 10*time.Minute, cfg.BuildTimeout)
	assert.Equal(t, 10<<20, cfg.InstallOutputLimit)
	assert.Equal(t, 20<<20, cfg.BuildOutputLimit)
	assert.Equal(t, LockBackendMemory, cfg.LockBackend)
	assert.Equal(t, 72*time.Hour, cfg.VerificationTTL)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("SITESMITH_BASE_DOMAIN", "sites.example.org")
	t.Setenv("SITESMITH_WORKERS", "4")
	t.Setenv("SITESMITH_BUILD_TIMEOUT", "90s")

	cfg, err := load("")
	require.NoError(t, err)

	assert.Equal(t, "sites.example.org", cfg.BaseDomain)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 90*time.Second, cfg.BuildTimeout)
}

func TestLoad_EnvFile(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("TEMPLATE_NAME=landing\n"), 0o600))

	cfg, err := load(envFile)
	require.NoError(t, err)
	assert.Equal(t, "landing", cfg.TemplateName)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"inverted port range", func(c *Config) { c.PortRangeStart, c.PortRangeEnd = 3000, 2000 }},
		{"port above range", func(c *Config) { c.PortRangeEnd = 70000 }},
		{"no workers", func(c *Config) { c.Workers = 0 }},
		{"unknown lock backend", func(c *Config) { c.LockBackend = "etcd" }},
		{"empty base domain", func(c *Config) { c.BaseDomain = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
