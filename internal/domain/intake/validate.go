package intake

import (
	"errors"
	"sort"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// ValidationErrors maps a field name to its error message. An empty map means
// the record is valid.
type ValidationErrors map[string]string

// Fields returns the offending field names in sorted order.
func (ve ValidationErrors) Fields() []string {
	out := make([]string, 0, len(ve))
	for k := range ve {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Validator checks a candidate record. The rule set can change without
// touching the controllers.
type Validator interface {
	Validate(r PatientRecord) ValidationErrors
}

// ValidatorFunc is a function adapter for Validator.
type ValidatorFunc func(r PatientRecord) ValidationErrors

func (f ValidatorFunc) Validate(r PatientRecord) ValidationErrors {
	return f(r)
}

// Genders and PreferredLanguages are the accepted enumeration members.
var (
	Genders            = []string{"male", "female", "other"}
	PreferredLanguages = []string{"thailand", "english", "spanish", "french", "german", "other"}
)

// RuleSet is the default intake rule set.
type RuleSet struct {
	now func() time.Time
}

// NewRuleSet creates the default rule set. now decides what "the future"
// means for dateOfBirth; nil uses time.Now.
func NewRuleSet(now func() time.Time) *RuleSet {
	if now == nil {
		now = time.Now
	}
	return &RuleSet{now: now}
}

func asInterfaces(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// Validate applies the rules and flattens the result into ValidationErrors.
func (rs *RuleSet) Validate(r PatientRecord) ValidationErrors {
	err := validation.ValidateStruct(&r,
		validation.Field(&r.FirstName,
			validation.Required.Error("First name is required")),
		validation.Field(&r.LastName,
			validation.Required.Error("Last name is required")),
		validation.Field(&r.DateOfBirth,
			validation.Required.Error("Date of birth is required"),
			validation.By(rs.pastDate)),
		validation.Field(&r.Gender,
			validation.Required.Error("Gender is required"),
			validation.In(asInterfaces(Genders)...).Error("Gender must be male, female or other")),
		validation.Field(&r.PhoneNumber,
			validation.Required.Error("Phone number is required"),
			validation.RuneLength(10, 0).Error("Phone number must be at least 10 characters long")),
		validation.Field(&r.Email,
			validation.Required.Error("Email is required"),
			is.EmailFormat.Error("Invalid email address")),
		validation.Field(&r.Address,
			validation.Required.Error("Address is required"),
			validation.RuneLength(10, 0).Error("Address must be at least 10 characters long")),
		validation.Field(&r.PreferredLanguage,
			validation.Required.Error("Preferred language is required"),
			validation.In(asInterfaces(PreferredLanguages)...).Error("Unsupported preferred language")),
		validation.Field(&r.Nationality,
			validation.Required.Error("Nationality is required"),
			validation.RuneLength(2, 0).Error("Nationality must be at least 2 characters long")),
	)
	return flatten(err)
}

var errDateOfBirth = errors.New("Date of birth must be a valid date and cannot be in the future")

func (rs *RuleSet) pastDate(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	dob, ok := parseDate(s)
	if !ok || dob.After(rs.now()) {
		return errDateOfBirth
	}
	return nil
}

// parseDate accepts a calendar date or a full RFC 3339 timestamp.
func parseDate(s string) (time.Time, bool) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func flatten(err error) ValidationErrors {
	out := ValidationErrors{}
	if err == nil {
		return out
	}
	var fieldErrs validation.Errors
	if errors.As(err, &fieldErrs) {
		for field, fe := range fieldErrs {
			if fe != nil {
				out[field] = fe.Error()
			}
		}
		return out
	}
	out["_record"] = err.Error()
	return out
}
