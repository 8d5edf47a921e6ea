// Package csvtab exposes a CSV file as a read-only table scanned with cursors.
// Rows are read on demand, split into fields honoring quoting and the configured delimiter,
// and addressed by their file offset.
package csvtab

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// default limits, match sqlite defaults for SQLITE_LIMIT_LENGTH and SQLITE_LIMIT_COLUMN
const (
	DefaultMaxRowLen   = 1_000_000_000
	DefaultMaxColumns  = 2000
	DefaultMaxFieldLen = 1_000_000_000
)

// Limits bound the memory used by a scan. Zero values mean defaults.
type Limits struct {
	MaxRowLen   int // max bytes in a row, including the terminator
	MaxColumns  int // max fields in a row
	MaxFieldLen int // max bytes in a materialized value
}

// Options defines table configuration, fixed at construction time
type Options struct {
	Delimiter byte // field separator, ',' if not set
	Header    bool // first row has column names and is not a data row
	Limits    Limits
}

func (o Options) withDefaults() Options {
	if o.Delimiter == 0 {
		o.Delimiter = ','
	}
	if o.Limits.MaxRowLen <= 0 {
		o.Limits.MaxRowLen = DefaultMaxRowLen
	}
	if o.Limits.MaxColumns <= 0 {
		o.Limits.MaxColumns = DefaultMaxColumns
	}
	if o.Limits.MaxFieldLen <= 0 {
		o.Limits.MaxFieldLen = DefaultMaxFieldLen
	}
	return o
}

// ValidDelimiter reports whether c can separate fields
func ValidDelimiter(c byte) bool {
	return c != '"' && c != '\n' && c != '\r' && c != 0
}

// Table is an opened CSV file. It is shared by all cursors scanning the file and is
// reference counted: the file is closed when the table and all its cursors are closed.
type Table struct {
	path      string
	opts      Options
	columns   []string
	dataStart int64

	mu     sync.Mutex
	file   *os.File
	refs   int
	closed bool // the table's own reference was dropped
}

// New opens the CSV file and reads the first row to discover the columns.
// With Options.Header the first row provides column names and data starts after it,
// otherwise columns are named col1..colN and the first row is data.
func New(path string, opts Options) (*Table, error) {
	if path == "" {
		return nil, ErrNoFileSpecified
	}
	opts = opts.withDefaults()
	if !ValidDelimiter(opts.Delimiter) {
		return nil, fmt.Errorf("%w %q", ErrInvalidDelimiter, opts.Delimiter)
	}

	f, err := os.Open(path) // nolint
	if err != nil {
		return nil, fmt.Errorf("%w: error opening CSV file %q: %w", ErrIO, path, err)
	}
	res := &Table{path: path, opts: opts, file: f, refs: 1}

	// read the first row with a private cursor, not counted as a reference
	c := res.newCursor()
	c.lines.seek(0)
	if err := c.readRow(); err != nil {
		_ = res.Close()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: %w", path, ErrEmptyFile)
		}
		return nil, fmt.Errorf("%s: %w: %w", path, ErrEmptyFile, err)
	}

	n := c.tok.count()
	res.columns = make([]string, n)
	for i := 0; i < n; i++ {
		if !opts.Header {
			res.columns[i] = fmt.Sprintf("col%d", i+1)
			continue
		}
		name, err := c.tok.field(i).text(c.row, opts.Limits.MaxFieldLen)
		if err != nil {
			_ = res.Close()
			return nil, fmt.Errorf("%s: can't read header column %d: %w", path, i+1, err)
		}
		if name == "" {
			_ = res.Close()
			return nil, fmt.Errorf("%s: %w (column %d)", path, ErrMissingHeaderName, i+1)
		}
		res.columns[i] = name
	}
	if opts.Header {
		res.dataStart = c.lines.tell()
	}

	log.Printf("[DEBUG] csv table %s opened, %d columns, header: %v, data offset: %d",
		path, n, opts.Header, res.dataStart)
	return res, nil
}

// Open creates a new cursor over the table. The cursor holds a table reference until closed.
// Cursors have their own row buffers and may be interleaved freely.
func (t *Table) Open() (*Cursor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.refs < 1 {
		return nil, ErrClosed
	}
	t.refs++
	return t.newCursor(), nil
}

// Close drops the table's own reference. The file is released once all cursors are closed too.
// Repeated calls are no-ops.
func (t *Table) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.release()
}

// Path returns the source file name
func (t *Table) Path() string { return t.path }

// Delimiter returns the field separator
func (t *Table) Delimiter() byte { return t.opts.Delimiter }

// Header reports whether the first row was consumed as column names
func (t *Table) Header() bool { return t.opts.Header }

// Columns returns column names, either from the header row or col1..colN
func (t *Table) Columns() []string {
	res := make([]string, len(t.columns))
	copy(res, t.columns)
	return res
}

// NumColumns returns the declared column count
func (t *Table) NumColumns() int { return len(t.columns) }

// DataOffset returns the file offset of the first data row
func (t *Table) DataOffset() int64 { return t.dataStart }

// Refs returns the number of live references: open cursors plus one for the table itself
func (t *Table) Refs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refs
}

func (t *Table) newCursor() *Cursor {
	return &Cursor{
		tbl:   t,
		lines: newLineReader(t.file, t.opts.Delimiter, t.opts.Limits.MaxRowLen),
		tok:   newTokenizer(t.opts.Delimiter, t.opts.Limits.MaxColumns),
	}
}

func (t *Table) acquire() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.refs < 1 {
		return ErrClosed
	}
	t.refs++
	return nil
}

// release drops a reference and closes the file on the last one
func (t *Table) release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.refs < 1 {
		return nil
	}
	t.refs--
	if t.refs > 0 || t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	log.Printf("[DEBUG] csv table %s released", t.path)
	if err != nil {
		return fmt.Errorf("%w: can't close %s: %w", ErrIO, t.path, err)
	}
	return nil
}
