package intake

import (
	"sync"
	"time"
)

// Status lines shown to staff.
const (
	StatusFilling   = "patient is filling the form"
	StatusInactive  = "patient is inactive"
	StatusSubmitted = "form submitted"
	StatusWaiting   = "waiting for patient"
)

// Placeholder is rendered for empty values.
const Placeholder = "—"

// StatusMessage maps a presence state to the line staff sees.
func StatusMessage(p PresenceStatus) string {
	switch p {
	case PresenceActive:
		return StatusFilling
	case PresenceInactive:
		return StatusInactive
	case PresenceSubmitted:
		return StatusSubmitted
	}
	return StatusWaiting
}

// ViewField is one labelled value.
type ViewField struct {
	Path  string `json:"path"`
	Label string `json:"label"`
	Value string `json:"value"`
	Error string `json:"error,omitempty"`
}

// ViewSection groups fields under a heading.
type ViewSection struct {
	Title  string      `json:"title"`
	Fields []ViewField `json:"fields"`
}

type fieldSpec struct {
	path     string
	label    string
	required bool
}

type sectionSpec struct {
	title  string
	fields []fieldSpec
}

var formLayout = []sectionSpec{
	{"Personal Information", []fieldSpec{
		{FieldFirstName, "First Name", true},
		{FieldMiddleName, "Middle Name", false},
		{FieldLastName, "Last Name", true},
		{FieldDateOfBirth, "Date of Birth", true},
		{FieldGender, "Gender", true},
	}},
	{"Contact Information", []fieldSpec{
		{FieldPhoneNumber, "Phone Number", true},
		{FieldEmail, "Email Address", true},
		{FieldAddress, "Address", true},
	}},
	{"Additional Information", []fieldSpec{
		{FieldPreferredLanguage, "Preferred Language", true},
		{FieldNationality, "Nationality", true},
		{FieldReligion, "Religion", false},
	}},
}

var emergencySection = sectionSpec{"Emergency Contact", []fieldSpec{
	{FieldEmergencyName, "Name", false},
	{FieldEmergencyRelation, "Relationship", false},
}}

// StaffState is the staff controller state a view is derived from.
type StaffState struct {
	Record       *PatientRecord
	Presence     PresenceStatus
	Notification *SubmitNotification
	Connected    bool
}

// StaffView is what an observer renders.
type StaffView struct {
	Connected    bool          `json:"connected"`
	Status       string        `json:"status"`
	Sections     []ViewSection `json:"sections"`
	Notification string        `json:"notification,omitempty"`
	SubmittedAt  *time.Time    `json:"submittedAt,omitempty"`
}

// RenderStaffView derives the observer view. Empty values show the
// placeholder; the emergency contact section only appears when it has a
// value.
func RenderStaffView(st StaffState) StaffView {
	var rec PatientRecord
	if st.Record != nil {
		rec = *st.Record
	}

	view := StaffView{
		Connected: st.Connected,
		Status:    StatusMessage(st.Presence),
	}
	for _, sec := range formLayout {
		view.Sections = append(view.Sections, renderSection(sec, rec, nil, true))
	}
	if ec := rec.EmergencyContact; ec != nil && (ec.Name != "" || ec.Relationship != "") {
		view.Sections = append(view.Sections, renderSection(emergencySection, rec, nil, true))
	}
	if st.Notification != nil {
		at := st.Notification.SubmittedAt
		view.Notification = "New form submission received"
		view.SubmittedAt = &at
	}
	return view
}

// PatientState is the patient controller state a view is derived from.
type PatientState struct {
	Record    PatientRecord
	Errors    ValidationErrors
	Status    SubmitStatus
	Connected bool
}

// PatientView is what the patient form renders.
type PatientView struct {
	Connected bool          `json:"connected"`
	Status    SubmitStatus  `json:"status"`
	Message   string        `json:"message,omitempty"`
	Sections  []ViewSection `json:"sections"`
}

// RenderPatientView derives the form view. Values are shown as typed and
// each field carries its validation error, if any.
func RenderPatientView(st PatientState) PatientView {
	view := PatientView{
		Connected: st.Connected,
		Status:    st.Status,
	}
	switch st.Status {
	case SubmitSuccess:
		view.Message = "Form submitted successfully"
	case SubmitError:
		view.Message = "Please correct the highlighted fields"
	}
	for _, sec := range formLayout {
		view.Sections = append(view.Sections, renderSection(sec, st.Record, st.Errors, false))
	}
	view.Sections = append(view.Sections, renderSection(emergencySection, st.Record, st.Errors, false))
	return view
}

func renderSection(sec sectionSpec, rec PatientRecord, errs ValidationErrors, placeholder bool) ViewSection {
	out := ViewSection{Title: sec.title}
	for _, f := range sec.fields {
		label := f.label
		if f.required && !placeholder {
			label += " *"
		}
		value := rec.Field(f.path)
		if value == "" && placeholder {
			value = Placeholder
		}
		out.Fields = append(out.Fields, ViewField{
			Path:  f.path,
			Label: label,
			Value: value,
			Error: errs[f.path],
		})
	}
	return out
}

// viewFeed hands views to a callback outside the controller lock. A view
// overtaken by a newer one before delivery is dropped.
type viewFeed[V any] struct {
	mu   sync.Mutex
	last uint64
	fn   func(V)
}

func (f *viewFeed[V]) deliver(version uint64, v V) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if version <= f.last {
		return
	}
	f.last = version
	f.fn(v)
}
