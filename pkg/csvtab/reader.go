package csvtab

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	readChunk   = 4096 // bytes pulled from the file per read
	rowInitSize = 100  // first row buffer allocation
)

// lineReader reads logical CSV rows from a file. A row ends on \n, \r\n or a lone \r found
// outside of a quoted field, and is stored normalized with a single trailing \n.
// The reader uses ReadAt on the source, so several readers may share one file handle.
type lineReader struct {
	src     io.ReaderAt
	rd      *bufio.Reader
	off     int64 // file offset of the next unconsumed byte
	delim   byte
	row     *growBuf[byte]
	trimmed bool // the buffer was trimmed after the first row
}

func newLineReader(src io.ReaderAt, delim byte, maxRowLen int) *lineReader {
	return &lineReader{
		src:   src,
		delim: delim,
		row:   newGrowBuf[byte](growPolicy{factor: 2, increment: rowInitSize, max: maxRowLen}),
	}
}

// seek positions the reader at off, dropping anything buffered
func (r *lineReader) seek(off int64) {
	sr := io.NewSectionReader(r.src, off, math.MaxInt64-off)
	if r.rd == nil {
		r.rd = bufio.NewReaderSize(sr, readChunk)
	} else {
		r.rd.Reset(sr)
	}
	r.off = off
}

// tell returns the file offset where the next row starts
func (r *lineReader) tell() int64 { return r.off }

// readLine reads the next row. The returned slice is owned by the reader and is valid until
// the next call. Returns io.EOF when the file has no more rows. A final row without terminator
// is returned as if it had one.
func (r *lineReader) readLine() ([]byte, error) {
	if r.rd == nil {
		r.seek(0)
	}
	r.row.reset()

	var qs quoteScanner
	for {
		if r.rd.Buffered() == 0 {
			if _, err := r.rd.Peek(1); err != nil {
				if errors.Is(err, io.EOF) {
					return r.finish()
				}
				return nil, fmt.Errorf("%w: can't read at offset %d: %w", ErrIO, r.off, err)
			}
		}
		chunk, _ := r.rd.Peek(r.rd.Buffered())

		i := qs.scan(chunk, r.delim)
		if i < 0 { // no terminator yet, keep the whole chunk and read more
			if !r.row.write(chunk) {
				return nil, ErrRowTooLong
			}
			r.consume(len(chunk))
			continue
		}

		if !r.row.reserve(r.row.len() + i + 1) {
			return nil, ErrRowTooLong
		}
		r.row.write(chunk[:i])
		r.row.push('\n')
		isCR := chunk[i] == '\r'
		r.consume(i + 1)
		if isCR { // \r\n counts as a single terminator, the \n may sit in the next chunk
			if next, err := r.rd.Peek(1); err == nil && next[0] == '\n' {
				r.consume(1)
			}
		}
		return r.done(), nil
	}
}

// finish handles physical end of file
func (r *lineReader) finish() ([]byte, error) {
	if r.row.len() == 0 {
		return nil, io.EOF
	}
	if !r.row.push('\n') {
		return nil, ErrRowTooLong
	}
	return r.done(), nil
}

// done returns the row. The buffer keeps its capacity between rows, except once after the first
// row, where unused capacity past a long first row is returned.
func (r *lineReader) done() []byte {
	if !r.trimmed {
		r.trimmed = true
		if r.row.grown && r.row.len() > rowInitSize {
			r.row.fit()
		}
	}
	return r.row.data
}

func (r *lineReader) consume(n int) {
	_, _ = r.rd.Discard(n) // n is never above Buffered
	r.off += int64(n)
}

// quoteScanner tracks quoted-field state across chunks of one row
type quoteScanner struct {
	quoted  bool // inside a quoted field
	closing bool // a quote was seen inside a quoted field, the next byte decides
	started bool // at least one byte of the row was seen
	prev    byte
}

// scan returns the index of the row terminator (\n or \r) in p, or -1 if p has none.
// A quote opens a quoted field only at the row start or right after the delimiter;
// inside a quoted field a doubled quote is an escaped quote and a lone one closes the field.
func (q *quoteScanner) scan(p []byte, delim byte) int {
	for i, c := range p {
		switch {
		case q.closing:
			q.closing = false
			if c == '"' {
				q.prev = c
				continue
			}
			q.quoted = false
		case q.quoted:
			if c == '"' {
				q.closing = true
			}
			q.prev = c
			continue
		}

		switch {
		case c == '"' && (!q.started || q.prev == delim):
			q.quoted = true
		case c == '\n' || c == '\r':
			return i
		}
		q.prev = c
		q.started = true
	}
	return -1
}
