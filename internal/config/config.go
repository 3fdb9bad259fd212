// Package config loads racedetector settings from a YAML file and checks
// them against an embedded CUE schema.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/kolkov/raceinstr/cmd/racedetector/instrument"
)

// DefaultFile is the configuration file looked up in the working directory
// when no path is given.
const DefaultFile = "racedetector.yaml"

//go:embed schema.cue
var schemaSource string

// Config mirrors racedetector.yaml.
type Config struct {
	InstrumentMemoryAccesses  bool     `yaml:"instrument_memory_accesses" json:"instrument_memory_accesses"`
	InstrumentFuncEntryExit   bool     `yaml:"instrument_func_entry_exit" json:"instrument_func_entry_exit"`
	HandleExceptions          bool     `yaml:"handle_exceptions" json:"handle_exceptions"`
	InstrumentAtomics         bool     `yaml:"instrument_atomics" json:"instrument_atomics"`
	InstrumentMemIntrinsics   bool     `yaml:"instrument_memintrinsics" json:"instrument_memintrinsics"`
	DistinguishVolatile       bool     `yaml:"distinguish_volatile" json:"distinguish_volatile"`
	InstrumentReadBeforeWrite bool     `yaml:"instrument_read_before_write" json:"instrument_read_before_write"`
	EnableAnnotations         bool     `yaml:"enable_annotations" json:"enable_annotations"`
	Workers                   int      `yaml:"workers" json:"workers"`
	SkipGlobalPrefixes        []string `yaml:"skip_global_prefixes" json:"skip_global_prefixes"`
	LogLevel                  string   `yaml:"log_level" json:"log_level"`
	LogFormat                 string   `yaml:"log_format" json:"log_format"`
}

// Default returns the settings used when no file is present.
func Default() *Config {
	return &Config{
		InstrumentMemoryAccesses: true,
		InstrumentFuncEntryExit:  true,
		HandleExceptions:         true,
		InstrumentAtomics:        true,
		InstrumentMemIntrinsics:  true,
		EnableAnnotations:        true,
		SkipGlobalPrefixes:       []string{"__llvm_gcov", "__llvm_gcda", "GoCover", "goCover"},
		LogLevel:                 "info",
		LogFormat:                "text",
	}
}

// ValidationError reports a schema violation at a field path.
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Load reads path on top of the defaults. A missing DefaultFile is not an
// error; any other missing file is.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}

	f, err := os.Open(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode parses YAML from r over the defaults and validates the result.
// Unknown keys are rejected.
func Decode(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate unifies c with the #Config schema. The returned error joins one
// *ValidationError per violation.
func (c *Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}

	v := schema.Unify(ctx.Encode(c))
	err := v.Validate(cue.Concrete(true))
	if err == nil {
		return nil
	}

	var errs []error
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		errs = append(errs, &ValidationError{
			Path:    strings.TrimPrefix(strings.Join(e.Path(), "."), "#Config."),
			Message: fmt.Sprintf(format, args...),
		})
	}
	return errors.Join(errs...)
}

// InstrumentOptions returns the selector options described by c.
func (c *Config) InstrumentOptions(logger *slog.Logger) instrument.Options {
	return instrument.Options{
		InstrumentMemoryAccesses:  c.InstrumentMemoryAccesses,
		InstrumentFuncEntryExit:   c.InstrumentFuncEntryExit,
		HandleExceptions:          c.HandleExceptions,
		InstrumentAtomics:         c.InstrumentAtomics,
		InstrumentMemIntrinsics:   c.InstrumentMemIntrinsics,
		DistinguishVolatile:       c.DistinguishVolatile,
		InstrumentReadBeforeWrite: c.InstrumentReadBeforeWrite,
		SkipGlobalPrefixes:        c.SkipGlobalPrefixes,
		Workers:                   c.Workers,
		Logger:                    logger,
	}
}

// Level returns LogLevel as a slog level.
func (c *Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}
