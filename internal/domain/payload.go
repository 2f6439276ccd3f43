package domain

import (
	"bytes"
	"encoding/json"
)

// ContractV1 is the version tag of the normalized payload shape.
const ContractV1 = "v1"

// CanonicalField is a normalized field name a column mapping can target.
type CanonicalField string

const (
	FieldEmail      CanonicalField = "email"
	FieldPhone      CanonicalField = "phone"
	FieldExternalID CanonicalField = "external_id"
	FieldFirstName  CanonicalField = "first_name"
	FieldLastName   CanonicalField = "last_name"
	FieldDOB        CanonicalField = "dob"
	FieldNotes      CanonicalField = "notes"
)

// CanonicalFields lists every field the v1 contract knows about.
var CanonicalFields = []CanonicalField{
	FieldEmail, FieldPhone, FieldExternalID,
	FieldFirstName, FieldLastName, FieldDOB, FieldNotes,
}

// ColumnMapping maps a canonical field to the source header that feeds it,
// e.g. {"email": "E-Mail", "first_name": "First Name"}.
type ColumnMapping map[CanonicalField]string

// NormalizedPayload is the versioned structured form of one input row.
type NormalizedPayload struct {
	ContractVersion string         `json:"contract_version"`
	Source          map[string]any `json:"source"`
	RowRef          RowRef         `json:"row_ref"`
	Identifiers     Identifiers    `json:"identifiers"`
	Profile         Profile        `json:"profile"`
}

// RowRef points back at the input line.
type RowRef struct {
	RowNumber int `json:"row_number"`
}

// Identifiers holds the contact keys of a row. Absent values are nil.
type Identifiers struct {
	Email      *string `json:"email,omitempty"`
	Phone      *string `json:"phone,omitempty"`
	ExternalID *string `json:"external_id,omitempty"`
}

// Profile holds the person fields of a row. DOB is nil when no dob column
// is mapped and a null NullableString when it is mapped but blank.
type Profile struct {
	FirstName *string         `json:"first_name,omitempty"`
	LastName  *string         `json:"last_name,omitempty"`
	DOB       *NullableString `json:"dob,omitempty"`
	Notes     *string         `json:"notes,omitempty"`
}

// NullableString marshals to a JSON string when Valid and to null otherwise.
type NullableString struct {
	String string
	Valid  bool
}

// NewNullableString returns a valid NullableString holding s.
func NewNullableString(s string) *NullableString {
	return &NullableString{String: s, Valid: true}
}

// MarshalJSON implements json.Marshaler.
func (n NullableString) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.String)
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *NullableString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		n.String, n.Valid = "", false
		return nil
	}
	if err := json.Unmarshal(data, &n.String); err != nil {
		return err
	}
	n.Valid = true
	return nil
}
