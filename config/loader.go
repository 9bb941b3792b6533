package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/c360/clpr/errors"
)

//go:embed schema.json
var schemaJSON []byte

const maxConfigSize = 1 << 20

// Format of a configuration document
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Loader reads configuration files and applies environment overrides
type Loader struct {
	envPrefix string
	getenv    func(string) string
}

// NewLoader creates a loader reading CLPR_* environment overrides
func NewLoader() *Loader {
	return &Loader{envPrefix: "CLPR", getenv: os.Getenv}
}

// LoadFile reads path, picking the format from its extension
func (l *Loader) LoadFile(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "LoadFile", "stat "+path)
	}
	if info.Size() > maxConfigSize {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: file larger than %d bytes", errors.ErrInvalidConfig, maxConfigSize),
			"Loader", "LoadFile", "check size")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "LoadFile", "read "+path)
	}

	format := FormatYAML
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = FormatJSON
	}
	return l.Load(data, format)
}

// Load parses data, validates it against the schema, overlays it on the
// defaults, applies environment overrides and runs Validate.
func (l *Loader) Load(data []byte, format Format) (*Config, error) {
	var doc map[string]any
	var err error
	switch format {
	case FormatJSON:
		err = json.Unmarshal(data, &doc)
	case FormatYAML:
		err = yaml.Unmarshal(data, &doc)
	default:
		err = fmt.Errorf("unsupported format %q", format)
	}
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "Loader", "Load", "parse document")
	}
	if doc == nil {
		doc = map[string]any{}
	}

	if err := validateSchema(doc); err != nil {
		return nil, err
	}

	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "normalize document")
	}

	cfg := Default()
	if err := json.Unmarshal(normalized, cfg); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "Loader", "Load", "decode document")
	}

	l.applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateSchema(doc map[string]any) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return errors.WrapFatal(err, "Loader", "validateSchema", "run schema validation")
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(msgs, "; ")),
		"Loader", "validateSchema", "schema validation")
}

func (l *Loader) applyEnvOverrides(cfg *Config) {
	if val := l.getenv(l.envPrefix + "_LEDGER_ID"); val != "" {
		cfg.Node.LedgerID = val
	}
	if val := l.getenv(l.envPrefix + "_NATS_URLS"); val != "" {
		urls := strings.Split(val, ",")
		for i := range urls {
			urls[i] = strings.TrimSpace(urls[i])
		}
		cfg.NATS.URLs = urls
	}
	if val := l.getenv(l.envPrefix + "_NATS_USERNAME"); val != "" {
		cfg.NATS.Username = val
	}
	if val := l.getenv(l.envPrefix + "_NATS_PASSWORD"); val != "" {
		cfg.NATS.Password = val
	}
	if val := l.getenv(l.envPrefix + "_NATS_TOKEN"); val != "" {
		cfg.NATS.Token = val
	}
}
