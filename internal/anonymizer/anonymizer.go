// Package anonymizer implements the data masking and anonymization
// policies used before personal data reaches any log or export.
//
// Masking works over a closed tagged variant (Text, Number, Other) with
// an explicit policy match per kind, plus k-anonymity generalization
// and Laplace-noise differential privacy for numeric values.
package anonymizer

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"regexp"
	"sort"
	"strings"
)

// Policy selects how a value is masked.
type Policy int

const (
	// MaskFull replaces the value entirely.
	MaskFull Policy = iota
	// MaskPartial redacts alphanumeric characters but keeps structure.
	MaskPartial
	// MaskNumericOnly redacts only digits.
	MaskNumericOnly
	// MaskSensitiveOnly redacts values that look like personal data
	// and leaves everything else untouched.
	MaskSensitiveOnly
)

// Value is the closed set of maskable kinds. Exactly Text, Number, and
// Other implement it.
type Value interface {
	masked(Policy) Value
}

// Text is a string value.
type Text string

// Number is a numeric value.
type Number float64

// Other wraps any value of a kind the policies don't distinguish.
type Other struct{ Raw any }

var sensitivePattern = regexp.MustCompile(`(?i)name|address|email|phone|ssn`)

func (t Text) masked(p Policy) Value {
	switch p {
	case MaskFull:
		return Text("***")
	case MaskPartial:
		return Text(replaceClass(string(t), isAlnum, '*'))
	case MaskNumericOnly:
		return Text(replaceClass(string(t), isDigit, '#'))
	case MaskSensitiveOnly:
		if sensitivePattern.MatchString(string(t)) {
			return Text("***")
		}
		return t
	}
	return Text("***")
}

func (n Number) masked(p Policy) Value {
	switch p {
	case MaskFull, MaskSensitiveOnly:
		return Number(0)
	case MaskPartial:
		return Number(float64(int(float64(n)/100) * 100))
	case MaskNumericOnly:
		return n
	}
	return Number(0)
}

func (o Other) masked(Policy) Value {
	return Text("***")
}

// Mask applies the policy to the value, returning the masked result.
func Mask(v Value, p Policy) Value {
	return v.masked(p)
}

// AnonymizeDigits replaces every decimal digit with '*', leaving all
// other characters unchanged. This is the masking applied to user
// identifiers before they reach the security event log.
func AnonymizeDigits(s string) string {
	return replaceClass(s, isDigit, '*')
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func isAlnum(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func replaceClass(s string, class func(rune) bool, repl rune) string {
	return strings.Map(func(r rune) rune {
		if class(r) {
			return repl
		}
		return r
	}, s)
}

// Record is one subject's attribute map for k-anonymization.
type Record map[string]any

// KAnonymize generalizes quasi-identifying attributes (string prefixes,
// rounded numbers) and drops every group smaller than k, so each
// returned record is indistinguishable from at least k-1 others.
// Returns an error when the input set is smaller than k.
func KAnonymize(records []Record, k int) ([]Record, error) {
	if k < 1 {
		return nil, fmt.Errorf("k must be at least 1, got %d", k)
	}
	if len(records) < k {
		return nil, fmt.Errorf("dataset of %d records is smaller than k=%d", len(records), k)
	}

	groups := make(map[string][]Record)
	for _, r := range records {
		g := generalize(r)
		key := groupKey(g)
		groups[key] = append(groups[key], g)
	}

	var out []Record
	for _, members := range groups {
		if len(members) < k {
			continue
		}
		out = append(out, members...)
	}
	return out, nil
}

// generalize coarsens each attribute: strings keep a 3-char prefix,
// numbers round down to the nearest 10, everything else is redacted.
func generalize(r Record) Record {
	out := make(Record, len(r))
	for key, v := range r {
		switch val := v.(type) {
		case string:
			if len(val) > 3 {
				val = val[:3]
			}
			out[key] = val + "***"
		case float64:
			out[key] = int(val/10) * 10
		case int:
			out[key] = (val / 10) * 10
		default:
			out[key] = "***"
		}
	}
	return out
}

// groupKey builds a deterministic key for a generalized record.
func groupKey(r Record) string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		raw, _ := json.Marshal(r[k])
		b.WriteString(k)
		b.WriteByte('=')
		b.Write(raw)
		b.WriteByte(';')
	}
	return b.String()
}

// NumericValue is a bounded numeric observation for differential
// privacy.
type NumericValue struct {
	Value float64
	Min   float64
	Max   float64
}

// ApplyDifferentialPrivacy perturbs the value with Laplace noise scaled
// to the range-derived sensitivity and the privacy budget epsilon,
// clamping the result back into [Min, Max].
func ApplyDifferentialPrivacy(v NumericValue, epsilon float64) (NumericValue, error) {
	if epsilon <= 0 {
		return NumericValue{}, fmt.Errorf("epsilon must be positive, got %g", epsilon)
	}

	sensitivity := (v.Max - v.Min) / 10
	scale := sensitivity / epsilon
	noisy := v.Value + laplaceNoise(scale)

	v.Value = math.Min(math.Max(noisy, v.Min), v.Max)
	return v, nil
}

// laplaceNoise draws one sample from Laplace(0, scale) by inverse
// transform sampling.
func laplaceNoise(scale float64) float64 {
	u := rand.Float64() - 0.5
	sign := 1.0
	if u < 0 {
		sign = -1.0
	}
	return -scale * math.Log(1-2*math.Abs(u)) * sign
}

// Anonymize masks a free-text value with the sensitive-only policy and
// perturbs any embedded digit run with differential privacy, so the
// output neither identifies the subject nor preserves exact numbers.
func Anonymize(data string) string {
	masked := string(Mask(Text(data), MaskSensitiveOnly).(Text))

	digits := digitRun(data)
	if digits == "" {
		return masked
	}

	var seed float64
	fmt.Sscanf(digits, "%f", &seed)
	noisy, err := ApplyDifferentialPrivacy(NumericValue{Value: seed, Min: 0, Max: 9999999999}, 0.1)
	if err != nil {
		return masked
	}
	return regexp.MustCompile(`\d+`).ReplaceAllString(masked, fmt.Sprintf("%d", int(noisy.Value)))
}

// digitRun returns the first up-to-10 digits found in s.
func digitRun(s string) string {
	var b strings.Builder
	for _, r := range s {
		if isDigit(r) {
			b.WriteRune(r)
			if b.Len() == 10 {
				break
			}
		}
	}
	return b.String()
}
