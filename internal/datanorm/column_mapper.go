package datanorm

import (
	"fmt"
	"strings"

	"github.com/ignite/ingest-worker/internal/domain"
)

// NormalizeHeader converts a raw header cell to its canonical key:
// trimmed, lowercased, quotes removed, spaces and dashes folded to "_".
// "  First Name " → "first_name", "E-Mail" → "e_mail".
func NormalizeHeader(header string) string {
	normalized := strings.ToLower(strings.TrimSpace(header))
	// Remove surrounding quotes
	normalized = strings.Trim(normalized, "\"'")
	normalized = strings.TrimSpace(normalized)
	normalized = strings.ReplaceAll(normalized, " ", "_")
	normalized = strings.ReplaceAll(normalized, "-", "_")
	return normalized
}

// NormalizeHeaders normalizes a whole header row.
func NormalizeHeaders(headers []string) []string {
	out := make([]string, len(headers))
	for i, h := range headers {
		out[i] = NormalizeHeader(h)
	}
	return out
}

// ColumnIndex is a column mapping resolved against one file's headers.
// A mapped field whose header is missing from the file resolves to -1.
type ColumnIndex map[domain.CanonicalField]int

// ResolveColumns resolves mapping against a file's headers. Headers and
// mapping values both go through NormalizeHeader, so "First Name" matches
// "first_name". Repeated headers are told apart with UniqueKeys: the first
// occurrence keeps its name, so a mapping to "email" reads the first email
// column and "email_2" reads the second. Only fields present in mapping
// appear in the result.
func ResolveColumns(headers []string, mapping domain.ColumnMapping) ColumnIndex {
	keys := UniqueKeys(NormalizeHeaders(headers))
	pos := make(map[string]int, len(keys))
	for i, k := range keys {
		pos[k] = i
	}

	idx := make(ColumnIndex, len(mapping))
	for field, header := range mapping {
		if !isCanonical(field) || strings.TrimSpace(header) == "" {
			continue
		}
		i, ok := pos[NormalizeHeader(header)]
		if !ok {
			i = -1
		}
		idx[field] = i
	}
	return idx
}

// RawKeys returns the raw_row keys for a header row: each header as
// written (surrounding whitespace trimmed), made unique by UniqueKeys.
func RawKeys(headers []string) []string {
	keys := make([]string, len(headers))
	for i, h := range headers {
		keys[i] = strings.TrimSpace(h)
	}
	return UniqueKeys(keys)
}

// UniqueKeys makes every key distinct. The first occurrence of a key keeps
// it; later ones get "_2", "_3", ... skipping any name another header
// already uses. A blank key becomes "_column_<n>" for its 1-based position.
// ["Email", "email", "Email"] → ["Email", "email", "Email_2"].
func UniqueKeys(keys []string) []string {
	reserved := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k != "" {
			reserved[k] = true
		}
	}

	used := make(map[string]bool, len(keys))
	out := make([]string, len(keys))
	for i, k := range keys {
		if k == "" {
			k = fmt.Sprintf("_column_%d", i+1)
		} else if used[k] {
			for n := 2; ; n++ {
				c := fmt.Sprintf("%s_%d", k, n)
				if !used[c] && !reserved[c] {
					k = c
					break
				}
			}
		}
		used[k] = true
		out[i] = k
	}
	return out
}

func isCanonical(f domain.CanonicalField) bool {
	for _, c := range domain.CanonicalFields {
		if c == f {
			return true
		}
	}
	return false
}
