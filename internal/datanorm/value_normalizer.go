package datanorm

import (
	"fmt"
	"strings"

	"github.com/ignite/ingest-worker/internal/domain"
)

// NormalizeRow maps one raw delimited-text row onto the v1 payload contract.
// It is pure and total: any input shape yields a payload.
//
// headers may be raw or normalized; mapping is consulted after header
// normalization. source, when nil, becomes an empty object.
func NormalizeRow(raw []string, headers []string, mapping domain.ColumnMapping, rowNumber int, source map[string]any) domain.NormalizedPayload {
	return NormalizeResolved(raw, ResolveColumns(headers, mapping), rowNumber, source)
}

// NormalizeResolved is NormalizeRow with the column mapping already resolved,
// so a streaming caller resolves once per file instead of once per row.
func NormalizeResolved(raw []string, idx ColumnIndex, rowNumber int, source map[string]any) domain.NormalizedPayload {
	if source == nil {
		source = map[string]any{}
	}

	p := domain.NormalizedPayload{
		ContractVersion: domain.ContractV1,
		Source:          source,
		RowRef:          domain.RowRef{RowNumber: rowNumber},
	}

	p.Identifiers.Email = field(raw, idx, domain.FieldEmail)
	p.Identifiers.Phone = field(raw, idx, domain.FieldPhone)
	p.Identifiers.ExternalID = field(raw, idx, domain.FieldExternalID)
	p.Profile.FirstName = field(raw, idx, domain.FieldFirstName)
	p.Profile.LastName = field(raw, idx, domain.FieldLastName)
	p.Profile.Notes = field(raw, idx, domain.FieldNotes)

	// dob distinguishes "not mapped" (omitted) from "mapped but blank" (null).
	if _, mapped := idx[domain.FieldDOB]; mapped {
		if v := field(raw, idx, domain.FieldDOB); v != nil {
			p.Profile.DOB = domain.NewNullableString(*v)
		} else {
			p.Profile.DOB = &domain.NullableString{}
		}
	}

	return p
}

// field returns the trimmed value of a mapped column, or nil when the field
// is unmapped, the column is missing, or the value is blank.
func field(raw []string, idx ColumnIndex, f domain.CanonicalField) *string {
	i, ok := idx[f]
	if !ok || i < 0 || i >= len(raw) {
		return nil
	}
	v := strings.TrimSpace(raw[i])
	if v == "" {
		return nil
	}
	return &v
}

// RawRow keys the verbatim cells of a row by the header keys from RawKeys.
// Cells past the end of the header row are kept as "_extra_<n>" so nothing
// is lost; missing trailing cells are simply absent.
func RawRow(raw []string, keys []string) map[string]string {
	out := make(map[string]string, len(raw))
	for i, v := range raw {
		if i < len(keys) {
			out[keys[i]] = v
			continue
		}
		out[fmt.Sprintf("_extra_%d", i+1)] = v
	}
	return out
}
