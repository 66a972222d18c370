// Package receipt defines the validation contract for action receipts and the
// helpers used to generate, hash and sign them.
package receipt

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"failkit/internal/domain"
)

// RequiredFields lists the receipt fields that must be present, in report order.
var RequiredFields = []string{"action_id", "tool_name", "timestamp", "status", "input_hash", "output_hash"}

var (
	hashPattern     = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)
	actionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// FieldError is a hard validation failure tied to one field.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Result is the outcome of validating one candidate receipt.
type Result struct {
	Valid    bool         `json:"valid"`
	Errors   []FieldError `json:"errors"`
	Warnings []string     `json:"warnings"`
	Missing  []string     `json:"missing"`
}

// ValidationError is returned by AssertValid when a receipt has errors.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Error()
	}
	return "invalid receipt: " + strings.Join(parts, "; ")
}

// Options tunes validation. Strict warns on absent proof and duration_ms;
// Frameworks promote specific warnings to errors.
type Options struct {
	Strict     bool
	Frameworks []Framework
}

// Validator validates receipts. The zero value performs structural checks only.
type Validator struct {
	opts Options
}

func NewValidator(opts Options) Validator {
	return Validator{opts: opts}
}

// Validate checks a decoded JSON object against the receipt contract.
func (v Validator) Validate(candidate map[string]any) Result {
	var c collector
	if candidate == nil {
		candidate = map[string]any{}
	}
	present := map[string]string{}
	for _, field := range RequiredFields {
		raw, ok := candidate[field]
		if !ok || raw == nil {
			c.missing(field)
			continue
		}
		s, isString := raw.(string)
		if !isString {
			c.fail(field, "invalid_type", "must be a string")
			continue
		}
		if strings.TrimSpace(s) == "" {
			c.missing(field)
			continue
		}
		present[field] = s
	}

	if id, ok := present["action_id"]; ok && !actionIDPattern.MatchString(id) {
		c.fail("action_id", "invalid_format", "must match ^[A-Za-z0-9_-]+$")
	}
	if ts, ok := present["timestamp"]; ok {
		if _, err := ParseTimestamp(ts); err != nil {
			c.fail("timestamp", "invalid_format", "must be an ISO-8601 instant")
		}
	}
	if st, ok := present["status"]; ok && !validStatus(st) {
		c.fail("status", "invalid_enum", "must be one of success, failure, partial, pending, timeout")
	}
	for _, field := range []string{"input_hash", "output_hash"} {
		if h, ok := present[field]; ok && !hashPattern.MatchString(h) {
			c.fail(field, "invalid_format", "must match sha256:<64 lowercase hex>")
		}
	}

	v.checkOptional(&c, candidate, present)

	// Strict mode reports only the proof/duration warnings; compliance mode
	// reports every warning and promotes the ones its frameworks require.
	for _, w := range warningsFor(candidate, present) {
		var by []string
		for _, fw := range v.opts.Frameworks {
			if fw.promotes(w) && !containsString(by, string(fw)) {
				by = append(by, string(fw))
			}
		}
		switch {
		case len(by) == 1:
			c.fail(w.field(), "compliance", fmt.Sprintf("%s requires %s", by[0], w.requirement()))
		case len(by) > 1:
			c.fail(w.field(), "compliance", fmt.Sprintf("%s require %s", strings.Join(by, ", "), w.requirement()))
		case len(v.opts.Frameworks) > 0:
			c.warn(w.message())
		case v.opts.Strict && w.strict():
			c.warn(w.message())
		}
	}

	return c.result()
}

func (v Validator) checkOptional(c *collector, candidate map[string]any, present map[string]string) {
	if raw, ok := candidate["proof"]; ok && raw != nil {
		if _, isString := raw.(string); !isString {
			c.fail("proof", "invalid_type", "must be a string")
		}
	}
	if raw, ok := candidate["metadata"]; ok && raw != nil {
		if _, isObject := raw.(map[string]any); !isObject {
			c.fail("metadata", "invalid_type", "must be an object")
		}
	}
	if raw, ok := candidate["error"]; ok && raw != nil {
		obj, isObject := raw.(map[string]any)
		if !isObject {
			c.fail("error", "invalid_type", "must be an object with code and message")
		} else {
			for _, key := range []string{"code", "message"} {
				if s, _ := obj[key].(string); strings.TrimSpace(s) == "" {
					c.fail("error."+key, "missing", "is required when error is present")
				}
			}
		}
	}
	if raw, ok := candidate["duration_ms"]; ok && raw != nil {
		d, isNumber := toFloat(raw)
		switch {
		case !isNumber:
			c.fail("duration_ms", "invalid_type", "must be a number")
		case math.IsNaN(d) || math.IsInf(d, 0) || d < 0:
			c.fail("duration_ms", "out_of_range", "must be non-negative")
		}
	}
	if raw, ok := candidate["signature"]; ok && raw != nil {
		sig, isString := raw.(string)
		switch {
		case !isString:
			c.fail("signature", "invalid_type", "must be a string")
		case !hashPattern.MatchString(sig):
			c.fail("signature", "invalid_format", "must match sha256:<64 lowercase hex>")
		case len(present) == len(RequiredFields):
			want, err := signFields(present)
			if err == nil && want != sig {
				c.fail("signature", "signature_mismatch", "does not match the receipt's fixed fields")
			}
		}
	}
}

// ValidateJSON decodes raw JSON and validates it.
func (v Validator) ValidateJSON(data []byte) (Result, error) {
	var candidate map[string]any
	if err := json.Unmarshal(data, &candidate); err != nil {
		return Result{}, fmt.Errorf("decode receipt: %w", err)
	}
	return v.Validate(candidate), nil
}

// ValidateReceipt validates a typed receipt. Zero-valued fields count as absent.
func (v Validator) ValidateReceipt(r domain.ActionReceipt) Result {
	data, err := json.Marshal(r)
	if err != nil {
		return Result{Errors: []FieldError{{Field: "receipt", Code: "invalid_type", Message: err.Error()}}}
	}
	res, err := v.ValidateJSON(data)
	if err != nil {
		return Result{Errors: []FieldError{{Field: "receipt", Code: "invalid_type", Message: err.Error()}}}
	}
	return res
}

func (v Validator) IsValid(r domain.ActionReceipt) bool {
	return v.ValidateReceipt(r).Valid
}

// AssertValid returns a *ValidationError when r has any error.
func (v Validator) AssertValid(r domain.ActionReceipt) error {
	res := v.ValidateReceipt(r)
	if res.Valid {
		return nil
	}
	return &ValidationError{Errors: res.Errors}
}

// Validate checks a candidate with default options.
func Validate(candidate map[string]any) Result {
	return Validator{}.Validate(candidate)
}

// IsValid reports whether r passes structural validation.
func IsValid(r domain.ActionReceipt) bool {
	return Validator{}.IsValid(r)
}

// AssertValid is the error-returning form of IsValid.
func AssertValid(r domain.ActionReceipt) error {
	return Validator{}.AssertValid(r)
}

// ParseTimestamp parses an ISO-8601 instant. Timestamps without a zone are read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02T15:04:05.999999999", s, time.UTC)
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func validStatus(s string) bool {
	for _, st := range domain.ReceiptStatuses {
		if string(st) == s {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

type collector struct {
	errors   []FieldError
	warnings []string
	missed   []string
}

func (c *collector) missing(field string) {
	c.missed = append(c.missed, field)
	c.errors = append(c.errors, FieldError{Field: field, Code: "missing", Message: "is required"})
}

func (c *collector) fail(field, code, msg string) {
	c.errors = append(c.errors, FieldError{Field: field, Code: code, Message: msg})
}

func (c *collector) warn(msg string) {
	c.warnings = append(c.warnings, msg)
}

func (c *collector) result() Result {
	res := Result{
		Valid:    len(c.errors) == 0,
		Errors:   c.errors,
		Warnings: c.warnings,
		Missing:  c.missed,
	}
	if res.Errors == nil {
		res.Errors = []FieldError{}
	}
	if res.Warnings == nil {
		res.Warnings = []string{}
	}
	if res.Missing == nil {
		res.Missing = []string{}
	}
	return res
}
