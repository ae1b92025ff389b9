package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Loader reads configuration files. YAML files are decoded directly; CUE files are evaluated
// against the schema first and then decoded like YAML.
type Loader struct {
	cue      *CUEParser
	validate *validator.Validate
}

// NewLoader creates a loader.
func NewLoader() (*Loader, error) {
	cp, err := NewCUEParser()
	if err != nil {
		return nil, err
	}
	return &Loader{cue: cp, validate: validator.New()}, nil
}

// Load reads path over the defaults and validates the result. An empty path returns the
// validated defaults.
func (l *Loader) Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		if err := l.Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return l.Parse(path, data)
}

// Parse decodes data, choosing the format from the file extension.
func (l *Loader) Parse(filename string, data []byte) (*Config, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".cue":
		js, err := l.cue.Evaluate(filename, data)
		if err != nil {
			return nil, err
		}
		data = js
	case ".yaml", ".yml", ".json":
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(filename))
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode config %s: %w", filename, err)
	}

	if err := l.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and the telemetry settings.
func (l *Loader) Validate(cfg *Config) error {
	if err := l.validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			out := make(ValidationErrors, 0, len(verrs))
			for _, fe := range verrs {
				out = append(out, ValidationError{
					Path:    fe.Namespace(),
					Message: fmt.Sprintf("failed on the %q constraint", fe.Tag()),
				})
			}
			return out
		}
		return fmt.Errorf("failed to validate config: %w", err)
	}
	if err := cfg.Telemetry.Validate(); err != nil {
		return ValidationErrors{{Path: "telemetry", Message: err.Error()}}
	}
	return nil
}
