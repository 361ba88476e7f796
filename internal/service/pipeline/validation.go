// Package pipeline implements the lead processing stages: validation,
// normalization and mapping into the downstream customer payload. All three
// stages are pure over their input documents; persistence and delivery stay
// in the usecase layer.
package pipeline

import (
	"fmt"
	"regexp"

	"github.com/fairyhunter13/lead-gateway/internal/domain"
	"github.com/fairyhunter13/lead-gateway/pkg/textx"
)

// Rejection carries the outcome of a failed validation. Code is persisted on
// the lead as rejection_reason.
type Rejection struct {
	Code    string
	Message string
}

// RejectionCodes are the three configurable rejection reason strings.
type RejectionCodes struct {
	Zipcode   string
	Homeowner string
	Missing   string
}

// Validator applies the business gates to a raw lead payload in a fixed
// order: zipcode, homeowner, required fields. The first failing gate
// determines the rejection code.
type Validator struct {
	zipcodeRe *regexp.Regexp
	required  []string
	codes     RejectionCodes
}

// NewValidator compiles the configured zipcode pattern. The pattern is
// expected to be anchored; an unanchored pattern is rejected so that a
// partial match can never pass the geographic gate.
func NewValidator(zipcodePattern string, requiredFields []string, codes RejectionCodes) (*Validator, error) {
	if len(zipcodePattern) == 0 || zipcodePattern[0] != '^' || zipcodePattern[len(zipcodePattern)-1] != '$' {
		return nil, fmt.Errorf("op=pipeline.NewValidator: zipcode pattern %q must be anchored: %w", zipcodePattern, domain.ErrInvalidArgument)
	}
	re, err := regexp.Compile(zipcodePattern)
	if err != nil {
		return nil, fmt.Errorf("op=pipeline.NewValidator: compile %q: %w", zipcodePattern, err)
	}
	return &Validator{zipcodeRe: re, required: requiredFields, codes: codes}, nil
}

// Validate returns nil when the payload passes every gate, or the rejection
// of the first gate it fails.
func (v *Validator) Validate(raw map[string]any) *Rejection {
	if rej := v.checkZipcode(raw); rej != nil {
		return rej
	}
	if rej := v.checkHomeowner(raw); rej != nil {
		return rej
	}
	return v.checkRequired(raw)
}

// checkZipcode requires a string leaf at "zipcode" matching the configured
// anchored pattern. Missing, non-string and non-matching values all reject.
func (v *Validator) checkZipcode(raw map[string]any) *Rejection {
	val, ok := raw["zipcode"]
	if !ok {
		return &Rejection{Code: v.codes.Zipcode, Message: "zipcode missing"}
	}
	s, ok := val.(string)
	if !ok {
		return &Rejection{Code: v.codes.Zipcode, Message: "zipcode is not a string"}
	}
	if !v.zipcodeRe.MatchString(s) {
		return &Rejection{Code: v.codes.Zipcode, Message: fmt.Sprintf("zipcode %q outside service area", s)}
	}
	return nil
}

// checkHomeowner requires house.is_owner to be exactly boolean true.
func (v *Validator) checkHomeowner(raw map[string]any) *Rejection {
	house, ok := raw["house"].(map[string]any)
	if !ok {
		return &Rejection{Code: v.codes.Homeowner, Message: "house.is_owner missing"}
	}
	owner, ok := house["is_owner"].(bool)
	if !ok {
		return &Rejection{Code: v.codes.Homeowner, Message: "house.is_owner is not a boolean"}
	}
	if !owner {
		return &Rejection{Code: v.codes.Homeowner, Message: "lead is not a homeowner"}
	}
	return nil
}

// checkRequired verifies that every configured field is present as a
// non-blank scalar.
func (v *Validator) checkRequired(raw map[string]any) *Rejection {
	for _, field := range v.required {
		val, ok := raw[field]
		if !ok || val == nil {
			return &Rejection{Code: v.codes.Missing, Message: fmt.Sprintf("required field %q missing", field)}
		}
		if s, isStr := val.(string); isStr && textx.IsBlank(s) {
			return &Rejection{Code: v.codes.Missing, Message: fmt.Sprintf("required field %q is blank", field)}
		}
	}
	return nil
}
