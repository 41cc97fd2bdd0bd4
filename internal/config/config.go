// Package config loads the chisel configuration file.
//
// The file is YAML, decoded strictly: unknown fields are an error so that
// a misspelled key is reported instead of silently ignored. Discover looks
// at an explicit path first, then ./chisel.yaml, then falls back to the
// defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/chisel/internal/artifact"
	"github.com/roach88/chisel/internal/diag"
)

// DefaultFile is the config file looked up in the working directory.
const DefaultFile = "chisel.yaml"

// Sink selects which instruction sinks the lower command drives.
type Sink string

const (
	SinkText     Sink = "text"
	SinkBytecode Sink = "bytecode"
	SinkBoth     Sink = "both"
)

// Config is the decoded configuration file.
type Config struct {
	PointerWidth     int         `yaml:"pointer_width"`
	RuntimePrefix    string      `yaml:"runtime_prefix"`
	Sink             Sink        `yaml:"sink"`
	Workers          int         `yaml:"workers"`
	ThreadStartTrait string      `yaml:"thread_start_trait"`
	Diagnostics      Diagnostics `yaml:"diagnostics"`
	Store            Store       `yaml:"store"`
}

// Diagnostics lists the diag topics to enable.
type Diagnostics struct {
	Topics []string `yaml:"topics"`
}

// Store configures the artifact database.
type Store struct {
	Path string `yaml:"path"`
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	return &Config{
		PointerWidth:     8,
		RuntimePrefix:    "rt",
		Sink:             SinkText,
		Workers:          1,
		ThreadStartTrait: "Std::Thread::ThreadStart",
	}
}

// FieldError reports one invalid field.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks every field and returns all problems found.
func (c *Config) Validate() []FieldError {
	var errs []FieldError
	if c.PointerWidth != 4 && c.PointerWidth != 8 {
		errs = append(errs, FieldError{"pointer_width", fmt.Sprintf("must be 4 or 8, got %d", c.PointerWidth)})
	}
	if c.RuntimePrefix == "" {
		errs = append(errs, FieldError{"runtime_prefix", "must not be empty"})
	}
	switch c.Sink {
	case SinkText, SinkBytecode, SinkBoth:
	default:
		errs = append(errs, FieldError{"sink", fmt.Sprintf("unknown sink %q (want text, bytecode or both)", c.Sink)})
	}
	if c.Workers < 1 {
		errs = append(errs, FieldError{"workers", fmt.Sprintf("must be at least 1, got %d", c.Workers)})
	}
	for _, t := range c.Diagnostics.Topics {
		if !diag.Known(t) {
			errs = append(errs, FieldError{"diagnostics.topics", fmt.Sprintf("unknown topic %q", t)})
		}
	}
	return errs
}

// Topics returns the enabled diagnostics topics.
func (c *Config) Topics() []diag.Topic {
	out := make([]diag.Topic, len(c.Diagnostics.Topics))
	for i, t := range c.Diagnostics.Topics {
		out[i] = diag.Topic(t)
	}
	return out
}

// Object is the canonical form recorded with each stored run.
func (c *Config) Object() artifact.Object {
	topics := make(artifact.Array, len(c.Diagnostics.Topics))
	for i, t := range c.Diagnostics.Topics {
		topics[i] = artifact.String(t)
	}
	return artifact.Object{
		"pointer_width":      artifact.Int(c.PointerWidth),
		"runtime_prefix":     artifact.String(c.RuntimePrefix),
		"sink":               artifact.String(string(c.Sink)),
		"workers":            artifact.Int(c.Workers),
		"thread_start_trait": artifact.String(c.ThreadStartTrait),
		"diagnostics_topics": topics,
	}
}

// Decode reads YAML from r over the defaults. Fields absent from the file
// keep their default values.
func Decode(r io.Reader) (*Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return cfg, nil
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("%s: invalid config: %w", path, joinFieldErrors(errs))
	}
	return cfg, nil
}

// Discover loads path if given, otherwise ./chisel.yaml if it exists,
// otherwise the defaults. It returns the path actually loaded, or "".
func Discover(path string) (*Config, string, error) {
	if path != "" {
		cfg, err := Load(path)
		return cfg, path, err
	}
	if _, err := os.Stat(DefaultFile); err == nil {
		cfg, err := Load(DefaultFile)
		return cfg, DefaultFile, err
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, "", fmt.Errorf("stat %s: %w", DefaultFile, err)
	}
	return Default(), "", nil
}

func joinFieldErrors(errs []FieldError) error {
	out := make([]error, len(errs))
	for i, e := range errs {
		out[i] = e
	}
	return errors.Join(out...)
}
