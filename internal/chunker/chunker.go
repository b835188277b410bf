// Package chunker deterministically partitions input text into ordered,
// bounded-length segments for sequential oracle analysis.
package chunker

// Segment is one bounded slice of the input text, sent to the oracle in a
// single call. Offset and Length are counted in runes, matching the window
// arithmetic: the source corpora are CJK novels, and byte windows would split
// multibyte runes.
//
// Segments are ephemeral: they live for the duration of one analysis run and
// are never persisted.
type Segment struct {
	Index  int    `json:"index"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	Text   string `json:"text"`
}

// Split slices text into consecutive, non-overlapping windows of exactly
// chunkSize runes; the final window holds the remainder. Identical
// (text, chunkSize) inputs always yield identical segments; downstream
// progress accounting and resumability depend on stable segment counts.
//
// Empty text yields no segments. chunkSize bounds are enforced by the
// caller, not here; a non-positive chunkSize also yields no segments.
func Split(text string, chunkSize int) []Segment {
	if text == "" || chunkSize <= 0 {
		return nil
	}

	runes := []rune(text)
	segments := make([]Segment, 0, (len(runes)+chunkSize-1)/chunkSize)
	for offset := 0; offset < len(runes); offset += chunkSize {
		end := offset + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		segments = append(segments, Segment{
			Index:  len(segments),
			Offset: offset,
			Length: end - offset,
			Text:   string(runes[offset:end]),
		})
	}
	return segments
}
