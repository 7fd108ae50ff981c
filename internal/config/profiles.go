package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-yaml"
)

// ProfilesConfig contains dialect profile definitions used to build the
// transform profile routing table.
type ProfilesConfig struct {
	// Profiles contain per-model-family transform settings.
	Profiles []ProfileConfig `yaml:"profiles"`
}

// Validate performs validation of a ProfilesConfig value:
// - Checks that the profile list is not empty
// - Checks for duplicate profile names
func (cfg *ProfilesConfig) Validate() error {
	if len(cfg.Profiles) == 0 {
		return errors.New("no profiles specified in dialect profile configuration")
	}

	names := make(map[string]struct{}, len(cfg.Profiles))
	for _, profile := range cfg.Profiles {
		if _, exists := names[profile.Name]; exists {
			return fmt.Errorf("duplicate configuration entry for profile %v", profile.Name)
		}

		names[profile.Name] = struct{}{}
	}

	return nil
}

// unmarshalProfilesConfig implements a custom YAML unmarshaler for
// ProfilesConfig. Validates the value after unmarshaling.
func unmarshalProfilesConfig(value *ProfilesConfig, data []byte) error {
	type Aux ProfilesConfig
	var aux Aux

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	*value = ProfilesConfig(aux)

	if err := value.Validate(); err != nil {
		return err
	}

	return nil
}

// ProfileConfig contains transform settings for one model family.
type ProfileConfig struct {
	// Name identifies the profile in logs and metrics.
	Name string `yaml:"name"`

	// Models is the list of model names this profile covers. Matching is
	// case-insensitive: exact first, then prefix. The entry "*" makes the
	// profile the wildcard fallback.
	Models []string `yaml:"models"`

	// Reasoning toggles think-span extraction. Defaults to true.
	Reasoning *bool `yaml:"reasoning,omitempty"`

	// Grammars is the tool-call grammar cascade in priority order, by
	// name. Empty means the full default cascade.
	Grammars []string `yaml:"grammars,omitempty"`

	// ThinkFirst treats a stream as reasoning from the first byte, for
	// model families that emit reasoning terminated by a bare closing
	// marker with no opening tag.
	ThinkFirst bool `yaml:"think_first,omitempty"`

	// FlushPartialOnEnd releases unterminated markup as literal text when
	// the stream ends, instead of discarding it.
	FlushPartialOnEnd bool `yaml:"flush_partial_on_end,omitempty"`
}

// Validate performs validation of a ProfileConfig value:
// - Checks that the name and the model list are not empty
func (cfg *ProfileConfig) Validate() error {
	if cfg.Name == "" {
		return errors.New("profile name must be specified in dialect profile configuration")
	}

	if len(cfg.Models) == 0 {
		return fmt.Errorf("no models specified for profile %v", cfg.Name)
	}

	return nil
}

// ReasoningEnabled resolves the optional Reasoning toggle.
func (cfg *ProfileConfig) ReasoningEnabled() bool {
	return cfg.Reasoning == nil || *cfg.Reasoning
}

// unmarshalProfileConfig implements a custom YAML unmarshaler for
// ProfileConfig. Validates the value after unmarshaling.
func unmarshalProfileConfig(value *ProfileConfig, data []byte) error {
	type Aux ProfileConfig
	var aux Aux

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	*value = ProfileConfig(aux)

	if err := value.Validate(); err != nil {
		return err
	}

	return nil
}

func init() {
	// Register unmarshalers of custom types with the YAML library
	yaml.RegisterCustomUnmarshaler[ProfilesConfig](unmarshalProfilesConfig)
	yaml.RegisterCustomUnmarshaler[ProfileConfig](unmarshalProfileConfig)
}

// LoadProfiles reads a dialect profile file.
func LoadProfiles(path string) (*ProfilesConfig, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open profiles file: %w", err)
	}
	defer file.Close()

	return ReadProfiles(file)
}

// ReadProfiles decodes a dialect profile document.
func ReadProfiles(reader io.Reader) (*ProfilesConfig, error) {
	var cfg ProfilesConfig

	decoder := yaml.NewDecoder(reader)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode profiles file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
