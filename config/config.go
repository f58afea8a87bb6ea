// Package config loads the YAML configuration file and decodes it into
// the per-component sections. Every section carries mapstructure tags
// and implements GetName/Validate.
package config

import (
	"fmt"
	"os"
	"reflect"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/ymarcov/nitra/log"
	"github.com/ymarcov/nitra/metrics"
	"github.com/ymarcov/nitra/orchestrator"
	"github.com/ymarcov/nitra/server"
)

// Section is one named, self-validating configuration block.
type Section interface {
	GetName() string
	Validate() error
}

// Config aggregates every component's section.
type Config struct {
	Log          log.LogCfg
	Metrics      metrics.PrometheusCfg
	Orchestrator orchestrator.Cfg
	Server       server.Cfg
}

// Default returns a configuration that validates out of the box.
func Default() *Config {
	cfg := &Config{
		Log: log.LogCfg{
			LogLevel:          log.InfoLevel,
			ConsoleAppender:   true,
			CallerSkip:        1,
			EnabledCallerInfo: true,
		},
		Server: server.Cfg{
			Addr: "0.0.0.0:8080",
		},
	}
	return cfg
}

// Load reads the YAML file at path on top of the defaults and validates
// every section.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes on top of the defaults and validates every
// section.
func Parse(data []byte) (*Config, error) {
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := Default()
	for _, s := range cfg.sections() {
		if err := decodeSection(raw, s); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates every section, filling in defaults.
func (c *Config) Validate() error {
	for _, s := range c.sections() {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("config section '%s': %w", s.GetName(), err)
		}
	}
	return nil
}

func (c *Config) sections() []Section {
	return []Section{&c.Log, &c.Metrics, &c.Orchestrator, &c.Server}
}

func decodeSection(raw map[string]any, s Section) error {
	src, ok := raw[s.GetName()]
	if !ok {
		return nil
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           s,
		WeaklyTypedInput: true,
		DecodeHook:       logLevelHook,
	})
	if err != nil {
		return fmt.Errorf("failed to build decoder for section '%s': %w", s.GetName(), err)
	}
	if err := dec.Decode(src); err != nil {
		return fmt.Errorf("failed to decode config section '%s': %w", s.GetName(), err)
	}
	return nil
}

var _levelType = reflect.TypeOf(log.Level(0))

// logLevelHook lets the log level be written as a name ("debug") rather
// than a number.
func logLevelHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() == reflect.String && to == _levelType {
		return log.ParseLevel(data.(string)), nil
	}
	return data, nil
}
