package compaction

// TruncationMarker ends every truncated body.
const TruncationMarker = "\n[TRUNCATED: result exceeded the size limit, refine the query for the rest]"

// RefineQueryMessage replaces a body when the budget cannot hold even the
// truncation marker.
const RefineQueryMessage = "Result too large to return. Refine the query."

// Truncate cuts text to at most maxBytes bytes, never splitting a UTF-8
// sequence, and appends TruncationMarker. Text that already fits is returned
// unchanged.
func Truncate(text string, maxBytes int) string {
	if len(text) <= maxBytes {
		return text
	}
	if maxBytes < len(TruncationMarker) {
		return cutUTF8(RefineQueryMessage, maxBytes)
	}
	return cutUTF8(text, maxBytes-len(TruncationMarker)) + TruncationMarker
}
