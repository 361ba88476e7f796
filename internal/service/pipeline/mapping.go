package pipeline

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/fairyhunter13/lead-gateway/internal/config"
	"github.com/fairyhunter13/lead-gateway/pkg/textx"
)

// MapResult is the successful outcome of mapping a normalized lead into the
// customer wire format. Omitted lists the optional attributes that were
// dropped because their value failed the configured type rule.
type MapResult struct {
	CustomerPayload map[string]any
	Omitted         []string
}

// MappingError is the failure arm: the downstream call would be meaningless,
// so the lead is failed permanently. Reasons lists every violated rule.
type MappingError struct {
	Reasons []string
}

func (e *MappingError) Error() string {
	return "mapping failed: " + strings.Join(e.Reasons, "; ")
}

// gateKeys are consumed by validation and not re-emitted downstream unless
// the customer configured a definition for them.
var gateKeys = map[string]bool{"zipcode": true, "house": true}

// Mapper builds the customer payload under the permissive attribute policy:
// optional attributes that fail their type check are dropped, required ones
// fail the whole mapping. The product identifier is always injected from
// configuration, never taken from input.
type Mapper struct {
	productName string
	attrs       config.AttributeMapping
}

// NewMapper wires the static product name and the attribute definitions.
func NewMapper(productName string, attrs config.AttributeMapping) *Mapper {
	return &Mapper{productName: productName, attrs: attrs}
}

// Map transforms a normalized payload into the downstream customer payload.
func (m *Mapper) Map(normalized map[string]any) (MapResult, error) {
	phone, _ := normalized["phone"].(string)
	if textx.IsBlank(phone) {
		return MapResult{}, &MappingError{Reasons: []string{"phone is required and must be non-empty"}}
	}

	payload := map[string]any{
		"phone":   phone,
		"product": map[string]any{"name": m.productName},
	}

	var omitted, reasons []string
	for key, value := range normalized {
		if key == "phone" || key == "product" || gateKeys[key] && !m.defined(key) {
			continue
		}
		def, ok := m.attrs[key]
		if !ok {
			payload[key] = value
			continue
		}
		if err := checkAttribute(def, value); err != nil {
			if def.Required {
				reasons = append(reasons, fmt.Sprintf("%s: %v", key, err))
			} else {
				omitted = append(omitted, key)
			}
			continue
		}
		payload[key] = value
	}

	if len(reasons) > 0 {
		sort.Strings(reasons)
		return MapResult{}, &MappingError{Reasons: reasons}
	}
	sort.Strings(omitted)
	return MapResult{CustomerPayload: payload, Omitted: omitted}, nil
}

func (m *Mapper) defined(key string) bool {
	_, ok := m.attrs[key]
	return ok
}

// checkAttribute validates one value against its configured definition.
func checkAttribute(def config.AttributeDefinition, value any) error {
	switch def.Type {
	case config.AttrText:
		s, ok := value.(string)
		if !ok || textx.IsBlank(s) {
			return fmt.Errorf("must be a non-empty string")
		}
	case config.AttrDropdown:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("must be a string option")
		}
		for _, opt := range def.Options {
			if s == opt {
				return nil
			}
		}
		return fmt.Errorf("%q is not an allowed option", s)
	case config.AttrRange:
		n, err := toNumber(value)
		if err != nil {
			return err
		}
		if def.Min != nil && n < *def.Min {
			return fmt.Errorf("%v is below minimum %v", n, *def.Min)
		}
		if def.Max != nil && n > *def.Max {
			return fmt.Errorf("%v is above maximum %v", n, *def.Max)
		}
	default:
		return fmt.Errorf("unknown attribute type %q", def.Type)
	}
	return nil
}

// toNumber accepts JSON numbers, integers, and numeric strings.
func toNumber(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("value is not numeric")
	}
}
