package provider

import (
	"strconv"
	"strings"

	"github.com/raceops/provider-engine/internal/domain"
)

// ParseMoney converts provider price strings like "$1,234.50" or "$0.00"
// into a float64, stripping the currency symbol and thousands separators
// (spec.md section 4.1's "provider-specific quirks" list).
func ParseMoney(raw string) (float64, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false
	}
	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, ",", "")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// EmptyToAbsent maps an empty/whitespace-only string to the "absent field"
// convention adapters must follow: unknown or empty values become absent,
// never an empty string propagated into canonical rows.
func EmptyToAbsent(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}
	return s, true
}

// TruncateField clamps a canonical string field to max, matching the
// "adapter truncates ... values that exceed the canonical maximum" rule.
// The caller is responsible for logging a warning when truncated is true.
func TruncateField(value string, max int) (out string, truncated bool) {
	if len(value) <= max {
		return value, false
	}
	return value[:max], true
}

// NormalizePhone truncates to domain.MaxPhoneLen.
func NormalizePhone(raw string) (string, bool) {
	return TruncateField(raw, domain.MaxPhoneLen)
}

// NormalizeBib truncates to domain.MaxBibLen.
func NormalizeBib(raw string) (string, bool) {
	return TruncateField(raw, domain.MaxBibLen)
}

// NormalizeChip truncates to domain.MaxChipLen.
func NormalizeChip(raw string) (string, bool) {
	return TruncateField(raw, domain.MaxChipLen)
}

// NormalizeGender truncates to domain.MaxGenderLen.
func NormalizeGender(raw string) (string, bool) {
	return TruncateField(raw, domain.MaxGenderLen)
}
