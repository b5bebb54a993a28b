package intake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testRules() *RuleSet {
	return NewRuleSet(func() time.Time { return testStart })
}

func TestRuleSet_ValidRecord(t *testing.T) {
	assert.Empty(t, testRules().Validate(validRecord()))
}

func TestRuleSet_FutureDateOfBirth(t *testing.T) {
	r := validRecord()
	r.DateOfBirth = "2099-01-01"

	errs := testRules().Validate(r)
	assert.Equal(t, []string{FieldDateOfBirth}, errs.Fields())
}

func TestRuleSet_BlankRecordListsEveryRequiredField(t *testing.T) {
	errs := testRules().Validate(PatientRecord{})
	assert.Equal(t, []string{
		FieldAddress, FieldDateOfBirth, FieldEmail, FieldFirstName, FieldGender,
		FieldLastName, FieldNationality, FieldPhoneNumber, FieldPreferredLanguage,
	}, errs.Fields())
	assert.Equal(t, "First name is required", errs[FieldFirstName])
}

func TestRuleSet_FieldRules(t *testing.T) {
	cases := []struct {
		name  string
		edit  func(*PatientRecord)
		field string
	}{
		{"unparseable date", func(r *PatientRecord) { r.DateOfBirth = "01/05/1990" }, FieldDateOfBirth},
		{"gender outside enum", func(r *PatientRecord) { r.Gender = "unknown" }, FieldGender},
		{"short phone", func(r *PatientRecord) { r.PhoneNumber = "081234" }, FieldPhoneNumber},
		{"bad email", func(r *PatientRecord) { r.Email = "not-an-email" }, FieldEmail},
		{"short address", func(r *PatientRecord) { r.Address = "Bangkok" }, FieldAddress},
		{"language outside enum", func(r *PatientRecord) { r.PreferredLanguage = "klingon" }, FieldPreferredLanguage},
		{"short nationality", func(r *PatientRecord) { r.Nationality = "T" }, FieldNationality},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := validRecord()
			tc.edit(&r)
			errs := testRules().Validate(r)
			assert.Equal(t, []string{tc.field}, errs.Fields())
		})
	}
}

func TestRuleSet_OptionalFields(t *testing.T) {
	r := validRecord()
	r.MiddleName = ""
	r.Religion = ""
	r.EmergencyContact = nil
	assert.Empty(t, testRules().Validate(r))
}

func TestRuleSet_DateOfBirthForms(t *testing.T) {
	r := validRecord()
	r.DateOfBirth = "1990-05-01T08:30:00Z"
	assert.Empty(t, testRules().Validate(r))

	r.DateOfBirth = testStart.Format("2006-01-02")
	assert.Empty(t, testRules().Validate(r), "today is not in the future")
}

func TestValidatorFunc(t *testing.T) {
	v := ValidatorFunc(func(PatientRecord) ValidationErrors {
		return ValidationErrors{"x": "y"}
	})
	assert.Equal(t, []string{"x"}, v.Validate(PatientRecord{}).Fields())
}
