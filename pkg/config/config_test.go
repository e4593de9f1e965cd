package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbyrne/betterinject/pkg/configs"
	"github.com/cbyrne/betterinject/pkg/source"
)

func TestEmbeddedConfigMatchesDefault(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewReader(configs.DefaultConfigBytes)))
	cfg, err := Load(v)
	require.NoError(t, err)

	want := DefaultConfig
	want.Descriptors = []string{"injections.yml"}
	assert.Equal(t, want, *cfg)

	warns, errs := cfg.Validate()
	assert.Empty(t, warns)
	assert.Empty(t, errs)
}

func TestEmbeddedInjectionsAreValid(t *testing.T) {
	f, err := source.Parse(configs.InjectionsBytes)
	require.NoError(t, err)
	warns, errs := f.Validate()
	assert.Empty(t, warns)
	assert.Empty(t, errs)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BETTERINJECT_WEAVE_WORKERS", "8")
	t.Setenv("BETTERINJECT_CLASSPATH_CACHETTL", "30s")
	v := viper.New()
	v.SetEnvPrefix("BETTERINJECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Weave.Workers)
	assert.Equal(t, 30*time.Second, cfg.Classpath.CacheTTL)
	assert.True(t, cfg.Weave.Verify)
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	jar := filepath.Join(dir, "lib.jar")
	require.NoError(t, os.WriteFile(jar, nil, 0o644))

	tests := []struct {
		name   string
		modify func(c *Config)
		warns  int
		errs   int
	}{
		{"default", func(c *Config) {}, 0, 0},
		{"no descriptors", func(c *Config) { c.Descriptors = nil }, 1, 0},
		{"empty descriptor path", func(c *Config) { c.Descriptors = []string{""} }, 0, 1},
		{"no workers", func(c *Config) { c.Weave.Workers = 0 }, 0, 1},
		{"unverified", func(c *Config) { c.Weave.Verify = false }, 1, 0},
		{"unverified fallback", func(c *Config) { c.Weave.Verify = false; c.Weave.Fallback = true }, 2, 0},
		{"fallback and fail fast", func(c *Config) { c.Weave.Fallback = true; c.Weave.FailFast = true }, 1, 0},
		{"negative warning rate", func(c *Config) { c.Weave.WarningsPerSecond = -1 }, 0, 1},
		{"existing classpath", func(c *Config) { c.Classpath.Paths = []string{dir, jar} }, 0, 0},
		{"missing classpath", func(c *Config) { c.Classpath.Paths = []string{filepath.Join(dir, "nope")} }, 1, 0},
		{"negative ttl", func(c *Config) { c.Classpath.CacheTTL = -time.Second }, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig
			c.Descriptors = []string{"injections.yml"}
			tt.modify(&c)
			warns, errs := c.Validate()
			assert.Len(t, warns, tt.warns, "%v", warns)
			assert.Len(t, errs, tt.errs, "%v", errs)
		})
	}

	var nilConfig *Config
	_, errs := nilConfig.Validate()
	assert.Len(t, errs, 1)
}
