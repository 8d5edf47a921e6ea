package csvtab

import (
	"strings"
)

// raw returns the field bytes as stored in row, quotes still escaped
func (f field) raw(row []byte) []byte {
	return row[f.start:f.end]
}

// text materializes the field value. A field without escaped quotes is returned as is,
// otherwise every doubled quote is collapsed into one with a single allocation.
func (f field) text(row []byte, maxLen int) (string, error) {
	raw := f.raw(row)
	n := len(raw) - f.escapes
	if maxLen > 0 && n > maxLen {
		return "", ErrValueTooLarge
	}
	if f.escapes == 0 {
		return string(raw), nil
	}
	return unescape(raw, n), nil
}

// unescape collapses doubled quotes in p, n is the size of the result
func unescape(p []byte, n int) string {
	var sb strings.Builder
	sb.Grow(n)
	for i := 0; i < len(p); i++ {
		sb.WriteByte(p[i])
		if p[i] == '"' {
			i++ // skip the second quote of the pair
		}
	}
	return sb.String()
}
