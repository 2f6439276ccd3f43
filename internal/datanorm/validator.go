package datanorm

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ignite/ingest-worker/internal/domain"
)

// Field limits of the v1 contract.
const (
	MaxNameLength  = 100
	MinPhoneLength = 7
	MaxPhoneLength = 20
)

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	dobPattern   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

// ValidateRow checks a normalized payload and classifies it. Every rule is
// evaluated; violations are joined into one detail string.
func ValidateRow(p domain.NormalizedPayload) domain.ValidationResult {
	var problems []string

	email := deref(p.Identifiers.Email)
	phone := deref(p.Identifiers.Phone)

	if email == "" && phone == "" {
		problems = append(problems, "at least one of email or phone is required")
	}

	problems = append(problems, checkName("first_name", deref(p.Profile.FirstName))...)
	problems = append(problems, checkName("last_name", deref(p.Profile.LastName))...)

	if email != "" && !emailPattern.MatchString(email) {
		problems = append(problems, "email must be a valid email address")
	}

	if phone != "" {
		if n := utf8.RuneCountInString(phone); n < MinPhoneLength || n > MaxPhoneLength {
			problems = append(problems, fmt.Sprintf("phone must be between %d and %d characters", MinPhoneLength, MaxPhoneLength))
		}
	}

	if dob := p.Profile.DOB; dob != nil && dob.Valid && !dobPattern.MatchString(dob.String) {
		problems = append(problems, "dob must be in YYYY-MM-DD format")
	}

	if len(problems) == 0 {
		return domain.ValidationResult{Valid: true, Status: domain.RowStaged}
	}

	code := domain.ReasonValidationFailed
	detail := strings.Join(problems, "; ")
	return domain.ValidationResult{
		Valid:        false,
		Status:       domain.RowError,
		ReasonCode:   &code,
		ReasonDetail: &detail,
	}
}

func checkName(name, value string) []string {
	if strings.TrimSpace(value) == "" {
		return []string{name + " is required"}
	}
	if utf8.RuneCountInString(value) > MaxNameLength {
		return []string{fmt.Sprintf("%s must be at most %d characters", name, MaxNameLength)}
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
