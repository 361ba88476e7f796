package pipeline_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/lead-gateway/internal/service/pipeline"
)

var testCodes = pipeline.RejectionCodes{
	Zipcode:   "ZIPCODE_INVALID",
	Homeowner: "NOT_HOMEOWNER",
	Missing:   "MISSING_REQUIRED_FIELD",
}

func newValidator(t *testing.T, required ...string) *pipeline.Validator {
	t.Helper()
	v, err := pipeline.NewValidator(`^66\d{3}$`, required, testCodes)
	require.NoError(t, err)
	return v
}

func validPayload() map[string]any {
	return map[string]any{
		"email":   "a@b",
		"phone":   "+49 123 456",
		"zipcode": "66123",
		"house":   map[string]any{"is_owner": true},
	}
}

func TestValidatorPass(t *testing.T) {
	v := newValidator(t)
	assert.Nil(t, v.Validate(validPayload()))
}

func TestValidatorZipcodeGate(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name    string
		zipcode any
		drop    bool
	}{
		{name: "wrong prefix", zipcode: "12345"},
		{name: "too short", zipcode: "6612"},
		{name: "too long", zipcode: "661234"},
		{name: "trailing garbage", zipcode: "66123x"},
		{name: "embedded match", zipcode: "a66123b"},
		{name: "numeric value", zipcode: 66123.0},
		{name: "boolean value", zipcode: true},
		{name: "null value", zipcode: nil},
		{name: "missing", drop: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPayload()
			if tt.drop {
				delete(p, "zipcode")
			} else {
				p["zipcode"] = tt.zipcode
			}
			rej := v.Validate(p)
			require.NotNil(t, rej)
			assert.Equal(t, "ZIPCODE_INVALID", rej.Code)
		})
	}

	t.Run("every matching zipcode passes", func(t *testing.T) {
		for _, z := range []string{"66000", "66123", "66999"} {
			p := validPayload()
			p["zipcode"] = z
			assert.Nil(t, v.Validate(p), "zipcode %s", z)
		}
	})
}

func TestValidatorHomeownerGate(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name  string
		house any
	}{
		{name: "owner false", house: map[string]any{"is_owner": false}},
		{name: "owner string", house: map[string]any{"is_owner": "true"}},
		{name: "owner null", house: map[string]any{"is_owner": nil}},
		{name: "owner missing", house: map[string]any{}},
		{name: "house not a map", house: "yes"},
		{name: "house null", house: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPayload()
			p["house"] = tt.house
			rej := v.Validate(p)
			require.NotNil(t, rej)
			assert.Equal(t, "NOT_HOMEOWNER", rej.Code)
		})
	}
}

func TestValidatorGateOrder(t *testing.T) {
	// A payload failing both gates must report the zipcode code: the gates
	// run in a fixed order and the first failure wins.
	v := newValidator(t)
	p := map[string]any{"zipcode": "12345", "house": map[string]any{"is_owner": false}}
	rej := v.Validate(p)
	require.NotNil(t, rej)
	assert.Equal(t, "ZIPCODE_INVALID", rej.Code)
}

func TestValidatorRequiredFields(t *testing.T) {
	v := newValidator(t, "email", "first_name")

	p := validPayload()
	p["first_name"] = "Ada"
	assert.Nil(t, v.Validate(p))

	delete(p, "first_name")
	rej := v.Validate(p)
	require.NotNil(t, rej)
	assert.Equal(t, "MISSING_REQUIRED_FIELD", rej.Code)

	p["first_name"] = "   "
	rej = v.Validate(p)
	require.NotNil(t, rej)
	assert.Equal(t, "MISSING_REQUIRED_FIELD", rej.Code)
}

func TestNewValidatorRejectsUnanchoredPattern(t *testing.T) {
	_, err := pipeline.NewValidator(`66\d{3}`, nil, testCodes)
	assert.Error(t, err)
}
