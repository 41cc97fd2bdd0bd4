package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	assert.Empty(t, Default().Validate())
}

func TestDecode_OverridesDefaults(t *testing.T) {
	cfg, err := Decode(strings.NewReader(`
pointer_width: 4
sink: both
workers: 3
diagnostics:
  topics: [wide, classify]
store:
  path: runs.db
`))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.PointerWidth)
	assert.Equal(t, SinkBoth, cfg.Sink)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, "rt", cfg.RuntimePrefix, "default kept")
	assert.Equal(t, "runs.db", cfg.Store.Path)
	assert.Equal(t, []string{"wide", "classify"}, cfg.Diagnostics.Topics)
	assert.Empty(t, cfg.Validate())
}

func TestDecode_Empty(t *testing.T) {
	cfg, err := Decode(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestDecode_RejectsUnknownFields(t *testing.T) {
	_, err := Decode(strings.NewReader("pointer_widht: 4\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pointer_widht")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*Config)
		field string
	}{
		{"pointer width", func(c *Config) { c.PointerWidth = 2 }, "pointer_width"},
		{"empty prefix", func(c *Config) { c.RuntimePrefix = "" }, "runtime_prefix"},
		{"sink", func(c *Config) { c.Sink = "llvm" }, "sink"},
		{"workers", func(c *Config) { c.Workers = 0 }, "workers"},
		{"topic", func(c *Config) { c.Diagnostics.Topics = []string{"nope"} }, "diagnostics.topics"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.edit(cfg)
			errs := cfg.Validate()
			require.Len(t, errs, 1)
			assert.Equal(t, tt.field, errs[0].Field)
		})
	}
}

func TestLoad_Invalid(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bad.yaml", "pointer_width: 3\nworkers: 0\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pointer_width")
	assert.Contains(t, err.Error(), "workers")
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cfg, used, err := Discover("")
	require.NoError(t, err)
	assert.Empty(t, used)
	assert.Equal(t, Default(), cfg)

	writeFile(t, dir, DefaultFile, "workers: 4\n")
	cfg, used, err = Discover("")
	require.NoError(t, err)
	assert.Equal(t, DefaultFile, used)
	assert.Equal(t, 4, cfg.Workers)

	explicit := writeFile(t, dir, "other.yaml", "workers: 2\n")
	cfg, used, err = Discover(explicit)
	require.NoError(t, err)
	assert.Equal(t, explicit, used)
	assert.Equal(t, 2, cfg.Workers)
}

func TestTopicsAndObject(t *testing.T) {
	cfg := Default()
	cfg.Diagnostics.Topics = []string{"wide"}
	assert.Len(t, cfg.Topics(), 1)
	assert.EqualValues(t, "wide", cfg.Topics()[0])

	obj := cfg.Object()
	assert.Contains(t, obj, "pointer_width")
	assert.Contains(t, obj, "diagnostics_topics")
}
