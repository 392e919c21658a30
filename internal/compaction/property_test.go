package compaction

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"testing"
	"unicode"
	"unicode/utf8"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestCSVProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	build := func(values []string, fields, rows int) ([]map[string]any, []string) {
		keys := make([]string, fields)
		for i := range keys {
			keys[i] = fmt.Sprintf("field_%d", i)
		}
		records := make([]map[string]any, rows)
		for r := range records {
			rec := make(map[string]any, fields)
			for f, key := range keys {
				rec[key] = values[(r*fields+f)%len(values)]
			}
			records[r] = rec
		}
		return records, keys
	}

	properties.Property("header is the union of keys", prop.ForAll(
		func(values []string, fields, rows int) bool {
			records, keys := build(values, fields, rows)
			out, err := RecordsToCSV(records, 1000)
			if err != nil {
				return false
			}
			header, err := csv.NewReader(strings.NewReader(out)).Read()
			if err != nil {
				return false
			}
			sort.Strings(keys)
			return strings.Join(header, ",") == strings.Join(keys, ",")
		},
		gen.SliceOfN(40, gen.AlphaString()),
		gen.IntRange(3, 6),
		gen.IntRange(5, 20),
	))

	properties.Property("csv is smaller than json", prop.ForAll(
		func(values []string, fields, rows int) bool {
			records, _ := build(values, fields, rows)
			out, err := RecordsToCSV(records, 1000)
			if err != nil {
				return false
			}
			data, err := json.Marshal(records)
			if err != nil {
				return false
			}
			return len(out) < len(data)
		},
		gen.SliceOfN(40, gen.AlphaString()),
		gen.IntRange(3, 6),
		gen.IntRange(5, 20),
	))

	properties.TestingRun(t)
}

func TestTruncateProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("long text fits, stays valid and ends with the marker", prop.ForAll(
		func(ascii, han string, maxBytes int) bool {
			text := strings.Repeat(ascii+han+"é", 4)
			if len(text) <= maxBytes {
				text += strings.Repeat("漢", maxBytes)
			}
			got := Truncate(text, maxBytes)
			return len(got) <= maxBytes &&
				utf8.ValidString(got) &&
				strings.HasSuffix(got, TruncationMarker)
		},
		gen.AlphaString(),
		gen.UnicodeString(unicode.Han),
		gen.IntRange(len(TruncationMarker), 4096),
	))

	properties.Property("text within budget is unchanged", prop.ForAll(
		func(s string) bool {
			return Truncate(s, len(s)) == s
		},
		gen.UnicodeString(unicode.Greek),
	))

	properties.TestingRun(t)
}
