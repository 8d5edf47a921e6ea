package csvtab

import (
	"errors"
	"io"
	"log"
)

type cursorState int

const (
	stateIdle cursorState = iota
	statePositioned
	stateExhausted
)

// Cursor scans a Table row by row. It owns its row buffer and parsed fields,
// so cursors of the same table do not affect each other.
// A Cursor is not safe for concurrent use.
type Cursor struct {
	tbl   *Table
	lines *lineReader
	tok   *tokenizer

	state  cursorState
	row    []byte // current row, valid while positioned
	rowID  int64  // file offset of the current row
	gen    uint64 // bumped on every row read
	err    error  // failure which ended the scan, nil on clean end of data
	closed bool
}

// Rewind starts the scan over: positions the cursor on the first data row.
// A row which can't be read or parsed ends the scan, see Err.
func (c *Cursor) Rewind() error {
	if c.closed {
		return ErrClosed
	}
	if err := c.tbl.acquire(); err != nil {
		return err
	}
	defer func() { _ = c.tbl.release() }()

	c.lines.seek(c.tbl.dataStart)
	c.err = nil
	c.advance()
	return nil
}

// Next moves the cursor to the next row. Calling it on an exhausted cursor is an error.
func (c *Cursor) Next() error {
	switch {
	case c.closed:
		return ErrClosed
	case c.state == stateIdle:
		return ErrNoRow
	case c.state == stateExhausted:
		return ErrCalledAfterExhausted
	}
	c.advance()
	return nil
}

// EOF reports whether the scan is over
func (c *Cursor) EOF() bool { return c.state == stateExhausted }

// Err returns the error which ended the scan early, nil if the scan is in progress
// or reached the end of the file normally.
func (c *Cursor) Err() error { return c.err }

// RowID returns the file offset of the current row. Offsets grow strictly within a scan,
// but they are not row numbers.
func (c *Cursor) RowID() int64 { return c.rowID }

// NumFields returns the number of fields parsed from the current row,
// which may differ from the table's column count.
func (c *Cursor) NumFields() int {
	if c.state != statePositioned {
		return 0
	}
	return c.tok.count()
}

// Column returns the value of the i-th column of the current row.
// ok is false for a column the row doesn't have, which should be treated as NULL.
func (c *Cursor) Column(i int) (val string, ok bool, err error) {
	if c.state != statePositioned {
		return "", false, ErrNoRow
	}
	if i < 0 || i >= c.tok.count() || i >= c.tbl.NumColumns() {
		return "", false, nil
	}
	val, err = c.tok.field(i).text(c.row, c.tbl.opts.Limits.MaxFieldLen)
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Row returns a view of the current row. The view fails with ErrStaleRow once the cursor moves.
func (c *Cursor) Row() (Row, error) {
	if c.state != statePositioned {
		return Row{}, ErrNoRow
	}
	return Row{c: c, gen: c.gen}, nil
}

// Close releases the cursor's table reference. Repeated calls are no-ops.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.row = nil
	c.state = stateExhausted
	return c.tbl.release()
}

// advance reads the next row and updates the state
func (c *Cursor) advance() {
	err := c.readRow()
	if err == nil {
		c.state = statePositioned
		return
	}
	c.state = stateExhausted
	c.row = nil
	if errors.Is(err, io.EOF) {
		return
	}
	c.err = err
	log.Printf("[WARN] csv table %s: scan stopped, %v", c.tbl.path, err)
}

// readRow reads and tokenizes the row at the current file position.
// Returns io.EOF at the end of data or a *RowError.
func (c *Cursor) readRow() error {
	c.gen++
	c.rowID = c.lines.tell()
	row, err := c.lines.readLine()
	if err != nil {
		c.tok.reset()
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return &RowError{Offset: c.rowID, Err: err}
	}
	if err := c.tok.tokenize(row); err != nil {
		return &RowError{Offset: c.rowID, Err: err}
	}
	c.row = row
	return nil
}

// Row is a view of the row a cursor was positioned on when the view was made
type Row struct {
	c   *Cursor
	gen uint64
}

// Len returns the number of parsed fields
func (r Row) Len() int {
	if err := r.check(); err != nil {
		return 0
	}
	return r.c.tok.count()
}

// Text returns the unescaped value of field i, ok is false if the row has no such field.
func (r Row) Text(i int) (val string, ok bool, err error) {
	if err := r.check(); err != nil {
		return "", false, err
	}
	if i < 0 || i >= r.c.tok.count() {
		return "", false, nil
	}
	val, err = r.c.tok.field(i).text(r.c.row, r.c.tbl.opts.Limits.MaxFieldLen)
	return val, err == nil, err
}

// Bytes returns the field as stored in the row buffer, without copying.
// quoted is true if the value still has doubled quotes to collapse.
// The slice is valid only until the cursor moves.
func (r Row) Bytes(i int) (b []byte, quoted bool, err error) {
	if err := r.check(); err != nil {
		return nil, false, err
	}
	if i < 0 || i >= r.c.tok.count() {
		return nil, false, nil
	}
	f := r.c.tok.field(i)
	return f.raw(r.c.row), f.escapes > 0, nil
}

// Strings returns all parsed fields unescaped
func (r Row) Strings() ([]string, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	res := make([]string, r.c.tok.count())
	for i := range res {
		v, err := r.c.tok.field(i).text(r.c.row, r.c.tbl.opts.Limits.MaxFieldLen)
		if err != nil {
			return nil, err
		}
		res[i] = v
	}
	return res, nil
}

func (r Row) check() error {
	if r.c == nil || r.c.state != statePositioned || r.gen != r.c.gen {
		return ErrStaleRow
	}
	return nil
}
