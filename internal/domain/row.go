package domain

// RowStatus classifies a staged import row.
type RowStatus string

const (
	RowStaged RowStatus = "staged"
	RowError  RowStatus = "error"
)

// ReasonValidationFailed is the reason code for rows that fail validation.
const ReasonValidationFailed = "VALIDATION_FAILED"

// StagedRow is one data line ready for insertion into import_row.
// It deliberately carries no batch or tenant identifier: both are bound
// from the ClaimedBatch at insert time.
type StagedRow struct {
	RowNumber    int               `json:"row_number"`
	RawRow       map[string]string `json:"raw_row"`
	Payload      NormalizedPayload `json:"normalized_payload"`
	Status       RowStatus         `json:"status"`
	ReasonCode   *string           `json:"reason_code"`
	ReasonDetail *string           `json:"reason_detail"`
}

// ValidationResult is the outcome of validating one normalized row.
type ValidationResult struct {
	Valid        bool      `json:"valid"`
	Status       RowStatus `json:"status"`
	ReasonCode   *string   `json:"reason_code"`
	ReasonDetail *string   `json:"reason_detail"`
}
