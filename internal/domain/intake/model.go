// Package intake implements the live patient intake session: the patient
// side edits a record and broadcasts it together with a derived presence
// signal, staff observers replicate the record and show the presence.
package intake

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event names on the intake channel.
const (
	EventPatch    = "patient-update"
	EventPresence = "patient-status"
	EventSubmit   = "patient-submit"
)

// DefaultChannel is the well-known channel name of the live form session.
const DefaultChannel = "patient-form"

var (
	// ErrUnknownField is returned for a field path the record does not have.
	ErrUnknownField = errors.New("unknown form field")

	// ErrSessionSubmitted is returned when the record is changed or submitted
	// again after a successful submit and before the session reset.
	ErrSessionSubmitted = errors.New("form already submitted")

	// ErrClosed is returned by controllers after Close.
	ErrClosed = errors.New("controller closed")
)

// EmergencyContact is the optional nested part of the record.
type EmergencyContact struct {
	Name         string `json:"name,omitempty"`
	Relationship string `json:"relationship,omitempty"`
}

// PatientRecord is the intake form as it travels on the wire.
type PatientRecord struct {
	FirstName         string            `json:"firstName"`
	MiddleName        string            `json:"middleName,omitempty"`
	LastName          string            `json:"lastName"`
	DateOfBirth       string            `json:"dateOfBirth"`
	Gender            string            `json:"gender"`
	PhoneNumber       string            `json:"phoneNumber"`
	Email             string            `json:"email"`
	Address           string            `json:"address"`
	PreferredLanguage string            `json:"preferredLanguage"`
	Nationality       string            `json:"nationality"`
	Religion          string            `json:"religion,omitempty"`
	EmergencyContact  *EmergencyContact `json:"emergencyContact,omitempty"`
}

// Clone returns a deep copy.
func (r PatientRecord) Clone() PatientRecord {
	out := r
	if r.EmergencyContact != nil {
		ec := *r.EmergencyContact
		out.EmergencyContact = &ec
	}
	return out
}

// IsBlank reports whether every field is empty.
func (r PatientRecord) IsBlank() bool {
	blank := PatientRecord{}
	if r.EmergencyContact != nil && *r.EmergencyContact != (EmergencyContact{}) {
		return false
	}
	r.EmergencyContact = nil
	return r == blank
}

// Field paths accepted by SetField.
const (
	FieldFirstName         = "firstName"
	FieldMiddleName        = "middleName"
	FieldLastName          = "lastName"
	FieldDateOfBirth       = "dateOfBirth"
	FieldGender            = "gender"
	FieldPhoneNumber       = "phoneNumber"
	FieldEmail             = "email"
	FieldAddress           = "address"
	FieldPreferredLanguage = "preferredLanguage"
	FieldNationality       = "nationality"
	FieldReligion          = "religion"
	FieldEmergencyName     = "emergencyContact.name"
	FieldEmergencyRelation = "emergencyContact.relationship"
)

func (r *PatientRecord) scalar(name string) *string {
	switch name {
	case FieldFirstName:
		return &r.FirstName
	case FieldMiddleName:
		return &r.MiddleName
	case FieldLastName:
		return &r.LastName
	case FieldDateOfBirth:
		return &r.DateOfBirth
	case FieldGender:
		return &r.Gender
	case FieldPhoneNumber:
		return &r.PhoneNumber
	case FieldEmail:
		return &r.Email
	case FieldAddress:
		return &r.Address
	case FieldPreferredLanguage:
		return &r.PreferredLanguage
	case FieldNationality:
		return &r.Nationality
	case FieldReligion:
		return &r.Religion
	}
	return nil
}

// SetField merges one edit into the record. Paths are either a top-level
// field name or "emergencyContact.<name|relationship>".
func (r *PatientRecord) SetField(path, value string) error {
	parent, child, nested := strings.Cut(path, ".")
	if !nested {
		dst := r.scalar(parent)
		if dst == nil {
			return fmt.Errorf("%w: %q", ErrUnknownField, path)
		}
		*dst = value
		return nil
	}

	if parent != "emergencyContact" || strings.Contains(child, ".") {
		return fmt.Errorf("%w: %q", ErrUnknownField, path)
	}
	var ec EmergencyContact
	if r.EmergencyContact != nil {
		ec = *r.EmergencyContact
	}
	switch child {
	case "name":
		ec.Name = value
	case "relationship":
		ec.Relationship = value
	default:
		return fmt.Errorf("%w: %q", ErrUnknownField, path)
	}
	r.EmergencyContact = &ec
	return nil
}

// Field returns the value at path, or "" for an unknown path.
func (r PatientRecord) Field(path string) string {
	switch path {
	case FieldEmergencyName:
		if r.EmergencyContact != nil {
			return r.EmergencyContact.Name
		}
		return ""
	case FieldEmergencyRelation:
		if r.EmergencyContact != nil {
			return r.EmergencyContact.Relationship
		}
		return ""
	}
	if p := r.scalar(path); p != nil {
		return *p
	}
	return ""
}

// PresenceStatus is the broadcast engagement state of the patient.
type PresenceStatus string

const (
	PresenceActive    PresenceStatus = "active"
	PresenceInactive  PresenceStatus = "inactive"
	PresenceSubmitted PresenceStatus = "submitted"
)

// Valid reports whether s is one of the broadcast states.
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceActive, PresenceInactive, PresenceSubmitted:
		return true
	}
	return false
}

// PresenceEvent is the payload of EventPresence.
type PresenceEvent struct {
	Status PresenceStatus `json:"status"`
}

// SubmitEvent is the payload of EventSubmit: the record plus the time it was
// submitted.
type SubmitEvent struct {
	PatientRecord
	SubmittedAt time.Time `json:"submittedAt"`
}

// SubmitStatus is the patient-side state of the submit handshake.
type SubmitStatus string

const (
	SubmitIdle    SubmitStatus = "idle"
	SubmitSuccess SubmitStatus = "success"
	SubmitError   SubmitStatus = "error"
)
