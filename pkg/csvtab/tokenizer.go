package csvtab

import (
	"bytes"
)

const fieldsIncrement = 5 // field array grows by this many entries

// field is a column of the current row, as bounds in the row buffer.
// For a quoted field the bounds exclude the enclosing quotes.
type field struct {
	start, end int
	escapes    int // doubled quotes inside a quoted field
}

// tokenizer splits a normalized row (ending with \n) into fields
type tokenizer struct {
	delim  byte
	fields *growBuf[field]
}

func newTokenizer(delim byte, maxColumns int) *tokenizer {
	return &tokenizer{
		delim:  delim,
		fields: newGrowBuf[field](growPolicy{factor: 1, increment: fieldsIncrement, max: maxColumns}),
	}
}

// tokenize parses row into fields, replacing the previous parse.
// On error the field list is left empty.
func (t *tokenizer) tokenize(row []byte) error {
	t.fields.reset()
	if t.fields.cap() == 0 {
		// first row, take a guess from the row length
		guess := len(row)/5 + 1
		if m := t.fields.policy.max; m > 0 && guess > m {
			guess = m
		}
		t.fields.data = make([]field, 0, guess)
	}

	pos := 0
	for {
		f := field{start: pos}
		if row[pos] == '"' {
			pos++
			f.start = pos
			for {
				i := bytes.IndexByte(row[pos:], '"')
				if i < 0 {
					t.fields.reset()
					return ErrUnterminatedQuote
				}
				pos += i
				if row[pos+1] == '"' { // row ends with \n, pos+1 is always in range
					f.escapes++
					pos += 2
					continue
				}
				break
			}
			f.end = pos
			pos++ // closing quote
			if c := row[pos]; c != t.delim && c != '\n' {
				t.fields.reset()
				return ErrMissingDelimiter
			}
		} else {
			i := t.indexDelim(row[pos:])
			if i < 0 {
				t.fields.reset()
				return ErrMissingDelimiter
			}
			pos += i
			f.end = pos
		}

		if !t.fields.push(f) {
			t.fields.reset()
			return ErrTooManyColumns
		}
		if row[pos] == '\n' {
			return nil
		}
		pos++ // delimiter
	}
}

// indexDelim returns the index of the first delimiter or \n in p, or -1
func (t *tokenizer) indexDelim(p []byte) int {
	for i, c := range p {
		if c == t.delim || c == '\n' {
			return i
		}
	}
	return -1
}

func (t *tokenizer) reset() { t.fields.reset() }

func (t *tokenizer) count() int { return t.fields.len() }

func (t *tokenizer) field(i int) field { return t.fields.data[i] }
