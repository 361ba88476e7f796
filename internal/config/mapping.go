// Package config provides loading of the customer attribute mapping document.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/lead-gateway/internal/domain"
)

// Attribute kinds accepted by the mapper.
const (
	AttrText     = "text"
	AttrDropdown = "dropdown"
	AttrRange    = "range"
)

// AttributeDefinition describes the validation rule for one customer
// attribute. Options applies to dropdown; Min/Max to range (either bound
// may be open).
type AttributeDefinition struct {
	Type     string   `json:"type" yaml:"type" validate:"required,oneof=text dropdown range"`
	Required bool     `json:"required" yaml:"required"`
	Options  []string `json:"options,omitempty" yaml:"options,omitempty"`
	Min      *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max      *float64 `json:"max,omitempty" yaml:"max,omitempty"`
}

// AttributeMapping maps customer attribute keys to their definitions.
type AttributeMapping map[string]AttributeDefinition

var mappingValidate = validator.New()

// LoadAttributeMapping reads the attribute document from path. JSON is the
// default encoding; .yaml/.yml files are parsed as YAML. Keys with a `_`
// prefix are document metadata and skipped. The legacy schema
// {attribute_type, values} is still accepted.
func LoadAttributeMapping(path string) (AttributeMapping, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadAttributeMapping: resolve %s: %w", path, err)
	}

	// #nosec G304 -- Configuration files are expected to be safe
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadAttributeMapping: read %s: %w", absPath, err)
	}

	ext := strings.ToLower(filepath.Ext(absPath))
	if ext == ".yaml" || ext == ".yml" {
		return parseYAMLMapping(content)
	}
	return parseJSONMapping(content)
}

func parseJSONMapping(content []byte) (AttributeMapping, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("op=config.parseJSONMapping: %w", err)
	}

	mapping := make(AttributeMapping, len(raw))
	for key, value := range raw {
		if strings.HasPrefix(key, "_") {
			continue
		}

		var def AttributeDefinition
		if err := json.Unmarshal(value, &def); err == nil && def.Type != "" {
			mapping[key] = def
			continue
		}

		// Legacy schema support
		var legacy struct {
			AttributeType string   `json:"attribute_type"`
			Values        []string `json:"values"`
		}
		if err := json.Unmarshal(value, &legacy); err != nil {
			return nil, fmt.Errorf("op=config.parseJSONMapping: key %q: %w", key, err)
		}
		if legacy.AttributeType == "" {
			return nil, fmt.Errorf("op=config.parseJSONMapping: key %q missing type: %w", key, domain.ErrInvalidArgument)
		}
		mapping[key] = AttributeDefinition{
			Type:    legacy.AttributeType,
			Options: legacy.Values,
		}
	}

	if err := validateMapping(mapping); err != nil {
		return nil, err
	}
	return mapping, nil
}

func parseYAMLMapping(content []byte) (AttributeMapping, error) {
	var raw map[string]AttributeDefinition
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("op=config.parseYAMLMapping: %w", err)
	}

	mapping := make(AttributeMapping, len(raw))
	for key, def := range raw {
		if strings.HasPrefix(key, "_") {
			continue
		}
		mapping[key] = def
	}

	if err := validateMapping(mapping); err != nil {
		return nil, err
	}
	return mapping, nil
}

func validateMapping(mapping AttributeMapping) error {
	for key, def := range mapping {
		if err := mappingValidate.Struct(def); err != nil {
			return fmt.Errorf("op=config.validateMapping: key %q: %w", key, err)
		}
		if def.Type == AttrDropdown && len(def.Options) == 0 {
			return fmt.Errorf("op=config.validateMapping: key %q: dropdown needs options: %w", key, domain.ErrInvalidArgument)
		}
		if def.Type == AttrRange && def.Min != nil && def.Max != nil && *def.Min > *def.Max {
			return fmt.Errorf("op=config.validateMapping: key %q: min > max: %w", key, domain.ErrInvalidArgument)
		}
	}
	return nil
}
