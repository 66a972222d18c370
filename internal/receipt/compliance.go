package receipt

import (
	"fmt"
	"strings"
)

// Framework is a named compliance regime that hardens receipt validation.
type Framework string

const (
	SOC2   Framework = "SOC2"
	PCIDSS Framework = "PCI-DSS"
	HIPAA  Framework = "HIPAA"
	GDPR   Framework = "GDPR"
)

// Frameworks lists every supported framework.
var Frameworks = []Framework{SOC2, PCIDSS, HIPAA, GDPR}

// ParseFramework accepts the canonical name case-insensitively, with or
// without the PCI-DSS separator.
func ParseFramework(s string) (Framework, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer("_", "-", " ", "-").Replace(norm)
	if norm == "PCIDSS" {
		norm = string(PCIDSS)
	}
	for _, fw := range Frameworks {
		if string(fw) == norm {
			return fw, nil
		}
	}
	return "", fmt.Errorf("unknown compliance framework %q (supported: SOC2, PCI-DSS, HIPAA, GDPR)", s)
}

// ParseFrameworks parses a list, failing on the first unknown name.
func ParseFrameworks(names []string) ([]Framework, error) {
	out := make([]Framework, 0, len(names))
	for _, n := range names {
		fw, err := ParseFramework(n)
		if err != nil {
			return nil, err
		}
		out = append(out, fw)
	}
	return out, nil
}

type warning int

const (
	warnProofMissing warning = iota + 1
	warnDurationMissing
	warnSignatureMissing
	warnErrorDetailMissing
	warnMetadataPersonalData
)

var promotions = map[Framework][]warning{
	SOC2:   {warnSignatureMissing, warnDurationMissing},
	PCIDSS: {warnSignatureMissing, warnErrorDetailMissing},
	HIPAA:  {warnProofMissing, warnSignatureMissing},
	GDPR:   {warnMetadataPersonalData},
}

func (f Framework) promotes(w warning) bool {
	for _, p := range promotions[f] {
		if p == w {
			return true
		}
	}
	return false
}

func (w warning) strict() bool {
	return w == warnProofMissing || w == warnDurationMissing
}

func (w warning) field() string {
	switch w {
	case warnProofMissing:
		return "proof"
	case warnDurationMissing:
		return "duration_ms"
	case warnSignatureMissing:
		return "signature"
	case warnErrorDetailMissing:
		return "error"
	case warnMetadataPersonalData:
		return "metadata"
	}
	return "receipt"
}

func (w warning) requirement() string {
	switch w {
	case warnProofMissing:
		return "non-empty proof"
	case warnDurationMissing:
		return "duration_ms"
	case warnSignatureMissing:
		return "a receipt signature"
	case warnErrorDetailMissing:
		return "error details on non-success receipts"
	case warnMetadataPersonalData:
		return "metadata free of personal data"
	}
	return "a valid receipt"
}

func (w warning) message() string {
	switch w {
	case warnProofMissing:
		return "proof is absent"
	case warnDurationMissing:
		return "duration_ms is absent"
	case warnSignatureMissing:
		return "signature is absent"
	case warnErrorDetailMissing:
		return "error details are absent for a non-success status"
	case warnMetadataPersonalData:
		return "metadata contains personal-data keys"
	}
	return ""
}

var personalDataKeys = map[string]bool{
	"email": true, "phone": true, "ssn": true, "social_security_number": true,
	"name": true, "full_name": true, "address": true, "date_of_birth": true,
	"dob": true, "ip_address": true, "credit_card": true, "card_number": true,
}

func warningsFor(candidate map[string]any, present map[string]string) []warning {
	var out []warning
	if s, _ := candidate["proof"].(string); strings.TrimSpace(s) == "" {
		out = append(out, warnProofMissing)
	}
	if v, ok := candidate["duration_ms"]; !ok || v == nil {
		out = append(out, warnDurationMissing)
	}
	if s, _ := candidate["signature"].(string); s == "" {
		out = append(out, warnSignatureMissing)
	}
	if st, ok := present["status"]; ok && st != "success" {
		if v, ok := candidate["error"]; !ok || v == nil {
			out = append(out, warnErrorDetailMissing)
		}
	}
	if md, ok := candidate["metadata"].(map[string]any); ok {
		for k := range md {
			if personalDataKeys[strings.ToLower(k)] {
				out = append(out, warnMetadataPersonalData)
				break
			}
		}
	}
	return out
}
