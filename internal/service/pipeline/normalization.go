package pipeline

import (
	"github.com/fairyhunter13/lead-gateway/pkg/textx"
)

// Semantic roles are assigned by key name: an email-ish key gets lower-cased,
// a phone-ish key is reduced to its decimal digits. Everything else is plain
// text cleanup.
var (
	emailKeys = map[string]bool{"email": true, "email_address": true}
	phoneKeys = map[string]bool{"phone": true, "phone_number": true, "telephone": true, "mobile": true}
)

// Normalize returns a cleaned copy of doc. String leaves are stripped of
// control characters, trimmed, and internal whitespace runs collapse to one
// space; email fields are lower-cased; phone fields keep digits only.
// Non-string leaves and nulls pass through unchanged. The input document is
// never mutated, and Normalize is idempotent:
//
//	Normalize(Normalize(d)) == Normalize(d)
func Normalize(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = normalizeValue(k, v)
	}
	return out
}

func normalizeValue(key string, v any) any {
	switch val := v.(type) {
	case string:
		return normalizeString(key, val)
	case map[string]any:
		return Normalize(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeValue(key, item)
		}
		return out
	default:
		return v
	}
}

func normalizeString(key, s string) string {
	s = textx.CollapseWhitespace(textx.SanitizeText(s))
	switch {
	case emailKeys[key]:
		return textx.NormalizeEmail(s)
	case phoneKeys[key]:
		return textx.DigitsOnly(s)
	default:
		return s
	}
}
