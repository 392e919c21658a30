package compaction

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// maxSearchDepth bounds the recursive search for nested record lists.
const maxSearchDepth = 5

const cellEllipsis = "..."

// ExtractRecords finds the list of records in a decoded JSON value using
// DefaultRecordKeys. It returns nil when there is none.
func ExtractRecords(value any) []map[string]any {
	return extractRecords(value, DefaultRecordKeys)
}

func extractRecords(value any, keys []string) []map[string]any {
	if records, ok := asRecords(value); ok {
		return records
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	for _, key := range keys {
		if records, ok := asRecords(obj[key]); ok {
			return records
		}
	}
	return largestRecords(value, 0)
}

// asRecords reports whether value is a non-empty list whose elements are all
// objects.
func asRecords(value any) ([]map[string]any, bool) {
	list, ok := value.([]any)
	if !ok || len(list) == 0 {
		return nil, false
	}
	records := make([]map[string]any, 0, len(list))
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		records = append(records, obj)
	}
	return records, true
}

func largestRecords(value any, depth int) []map[string]any {
	if depth > maxSearchDepth {
		return nil
	}
	var best []map[string]any
	consider := func(candidate []map[string]any) {
		if len(candidate) > len(best) {
			best = candidate
		}
	}
	switch v := value.(type) {
	case map[string]any:
		// Sorted for a stable pick between equal-sized lists.
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if records, ok := asRecords(v[k]); ok {
				consider(records)
			}
			consider(largestRecords(v[k], depth+1))
		}
	case []any:
		if records, ok := asRecords(v); ok {
			consider(records)
		}
		for _, item := range v {
			consider(largestRecords(item, depth+1))
		}
	}
	return best
}

// RecordsToCSV renders records as a CSV table. Nested objects become
// dot-separated columns, lists become compact JSON, and cells longer than
// maxCell bytes are cut with "...". The header is the sorted union of all
// flattened keys; missing cells are empty. Records without any field are
// rejected.
func RecordsToCSV(records []map[string]any, maxCell int) (string, error) {
	if len(records) == 0 {
		return "", fmt.Errorf("no records")
	}
	rows := make([]map[string]string, len(records))
	columns := map[string]struct{}{}
	for i, record := range records {
		row := map[string]string{}
		flatten("", record, row)
		for k := range row {
			columns[k] = struct{}{}
		}
		rows[i] = row
	}

	header := make([]string, 0, len(columns))
	for k := range columns {
		header = append(header, k)
	}
	if len(header) == 0 {
		return "", fmt.Errorf("records have no fields")
	}
	sort.Strings(header)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return "", fmt.Errorf("write csv header: %w", err)
	}
	line := make([]string, len(header))
	for _, row := range rows {
		for i, col := range header {
			line[i] = truncateCell(row[col], maxCell)
		}
		if err := w.Write(line); err != nil {
			return "", fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("flush csv: %w", err)
	}
	return buf.String(), nil
}

func flatten(prefix string, obj map[string]any, out map[string]string) {
	for k, v := range obj {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flatten(name, nested, out)
			continue
		}
		out[name] = cellText(v)
	}
}

func cellText(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

func truncateCell(s string, maxCell int) string {
	if maxCell <= 0 || len(s) <= maxCell {
		return s
	}
	if maxCell <= len(cellEllipsis) {
		return cellEllipsis[:maxCell]
	}
	return cutUTF8(s, maxCell-len(cellEllipsis)) + cellEllipsis
}

// cutUTF8 returns the longest prefix of s of at most n bytes that does not
// split a rune.
func cutUTF8(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return strings.ToValidUTF8(s[:n], "")
}
