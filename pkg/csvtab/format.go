package csvtab

// AppendField appends a single value to dst. The value is quoted, with quotes doubled,
// only if it has the delimiter, a quote or a line break; otherwise it goes as is.
func AppendField(dst []byte, val string, delim byte) []byte {
	if !needsQuotes(val, delim) {
		return append(dst, val...)
	}
	dst = append(dst, '"')
	for i := 0; i < len(val); i++ {
		if val[i] == '"' {
			dst = append(dst, '"')
		}
		dst = append(dst, val[i])
	}
	return append(dst, '"')
}

// FormatRow appends a complete row terminated by \n to dst. The row reads back
// through a Table with the same delimiter as the same values.
func FormatRow(dst []byte, vals []string, delim byte) []byte {
	for i, v := range vals {
		if i > 0 {
			dst = append(dst, delim)
		}
		dst = AppendField(dst, v, delim)
	}
	return append(dst, '\n')
}

func needsQuotes(val string, delim byte) bool {
	for i := 0; i < len(val); i++ {
		switch val[i] {
		case delim, '"', '\n', '\r':
			return true
		}
	}
	return false
}
