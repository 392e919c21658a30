// Package compaction shrinks tool results to a byte budget before they are
// handed back to the model.
//
// Tabular JSON (a list of records, possibly inside an envelope) is converted
// to CSV, which repeats no keys and is far cheaper in tokens. Anything that
// still does not fit is truncated at a UTF-8 boundary with a marker.
package compaction

import (
	"bytes"
	"encoding/json"
)

// Format describes the encoding of a compacted body.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ContentType returns the MIME type for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatCSV:
		return "text/csv"
	default:
		return "text/plain"
	}
}

// DefaultRecordKeys are the envelope keys checked first when looking for a
// list of records.
var DefaultRecordKeys = []string{
	"issues", "results", "items", "rows", "result", "data",
	"records", "entries", "values", "hits", "nodes", "objects",
}

// Budget bounds the size of compacted output.
type Budget struct {
	// MaxBytes is the hard limit for a compacted body.
	MaxBytes int

	// MinRecordsForCSV is the record count at which CSV conversion happens
	// regardless of size.
	MinRecordsForCSV int

	// MaxCellLength caps each CSV cell, in bytes.
	MaxCellLength int

	// RecordKeys overrides DefaultRecordKeys when non-empty.
	RecordKeys []string
}

// DefaultBudget returns the production budget.
func DefaultBudget() Budget {
	return Budget{
		MaxBytes:         25000,
		MinRecordsForCSV: 5,
		MaxCellLength:    500,
		RecordKeys:       DefaultRecordKeys,
	}
}

func sanitizeBudget(b Budget) Budget {
	defaults := DefaultBudget()
	if b.MaxBytes <= 0 {
		b.MaxBytes = defaults.MaxBytes
	}
	if b.MinRecordsForCSV <= 0 {
		b.MinRecordsForCSV = defaults.MinRecordsForCSV
	}
	if b.MaxCellLength <= 0 {
		b.MaxCellLength = defaults.MaxCellLength
	}
	if len(b.RecordKeys) == 0 {
		b.RecordKeys = defaults.RecordKeys
	}
	return b
}

// Result is the outcome of compacting one body.
type Result struct {
	Body          string
	Format        Format
	Truncated     bool
	OriginalBytes int
}

// Oversized reports whether the original body exceeded the budget.
func (r Result) Oversized(maxBytes int) bool {
	return r.OriginalBytes > maxBytes
}

// Compactor applies a Budget. It holds no mutable state and is safe for
// concurrent use.
type Compactor struct {
	budget Budget
}

// New returns a Compactor for budget. Zero fields take their defaults.
func New(budget Budget) *Compactor {
	return &Compactor{budget: sanitizeBudget(budget)}
}

// Budget returns the effective budget.
func (c *Compactor) Budget() Budget {
	return c.budget
}

// Compact shrinks body. The order of checks is fixed:
//  1. enough records: CSV, even when the JSON already fits
//  2. fits: unchanged
//  3. any records: CSV
//  4. truncate
//
// CSV output that is still too large is truncated.
func (c *Compactor) Compact(body string) Result {
	res := Result{Body: body, Format: FormatText, OriginalBytes: len(body)}

	value, isJSON := decodeJSON(body)
	if isJSON {
		res.Format = FormatJSON
	}

	var records []map[string]any
	if isJSON {
		records = extractRecords(value, c.budget.RecordKeys)
	}

	if len(records) >= c.budget.MinRecordsForCSV {
		if out, ok := c.csv(records); ok {
			return c.fit(out, FormatCSV, res.OriginalBytes)
		}
	}

	if len(body) <= c.budget.MaxBytes {
		return res
	}

	if len(records) > 0 {
		if out, ok := c.csv(records); ok {
			return c.fit(out, FormatCSV, res.OriginalBytes)
		}
	}

	res.Body = Truncate(body, c.budget.MaxBytes)
	res.Truncated = true
	res.Format = FormatText
	return res
}

func (c *Compactor) csv(records []map[string]any) (string, bool) {
	out, err := RecordsToCSV(records, c.budget.MaxCellLength)
	if err != nil {
		return "", false
	}
	return out, true
}

func (c *Compactor) fit(body string, format Format, original int) Result {
	res := Result{Body: body, Format: format, OriginalBytes: original}
	if len(body) > c.budget.MaxBytes {
		res.Body = Truncate(body, c.budget.MaxBytes)
		res.Truncated = true
	}
	return res
}

// decodeJSON parses body keeping numbers exact. Trailing data makes the body
// plain text.
func decodeJSON(body string) (any, bool) {
	trimmed := bytes.TrimSpace([]byte(body))
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, false
	}
	if dec.More() {
		return nil, false
	}
	return value, true
}
