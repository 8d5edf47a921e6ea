package vtable

import (
	"fmt"
	"log"
	"sync"

	"modernc.org/sqlite/vtab"

	"github.com/umputun/csvq/pkg/csvtab"
)

// Table implements vtab.Table over csvtab.Table
type Table struct {
	name string
	tbl  *csvtab.Table
	once sync.Once
}

// BestIndex reports a full scan for any plan, no constraint is used
func (t *Table) BestIndex(info *vtab.IndexInfo) error {
	for i := range info.Constraints {
		info.Constraints[i].ArgIndex = -1
		info.Constraints[i].Omit = false
	}
	info.IdxNum = 0
	info.IdxStr = ""
	info.OrderByConsumed = false
	info.EstimatedCost = scanCost
	info.EstimatedRows = scanRows
	return nil
}

// Open makes a new cursor
func (t *Table) Open() (vtab.Cursor, error) {
	c, err := t.tbl.Open()
	if err != nil {
		return nil, fmt.Errorf("can't open cursor for %s: %w", t.name, err)
	}
	return &Cursor{name: t.name, cur: c}, nil
}

// Disconnect releases the table
func (t *Table) Disconnect() error { return t.release() }

// Destroy releases the table, the csv file is left as is
func (t *Table) Destroy() error {
	log.Printf("[DEBUG] csv table %s dropped", t.name)
	return t.release()
}

// release drops the table reference, only the first call has effect
func (t *Table) release() (err error) {
	t.once.Do(func() { err = t.tbl.Close() })
	return err
}

// Cursor implements vtab.Cursor over csvtab.Cursor
type Cursor struct {
	name string
	cur  *csvtab.Cursor
}

// Filter starts the scan, all arguments are ignored as no index is used
func (c *Cursor) Filter(_ int, _ string, _ []vtab.Value) error {
	if err := c.cur.Rewind(); err != nil {
		return fmt.Errorf("can't start scan of %s: %w", c.name, err)
	}
	return nil
}

// Next moves to the next row. A row which can't be read ends the scan.
func (c *Cursor) Next() error { return c.cur.Next() }

// Eof reports the end of the scan
func (c *Cursor) Eof() bool { return c.cur.EOF() }

// Column returns the value as string, or nil for a column missing in the row
func (c *Cursor) Column(col int) (vtab.Value, error) {
	val, ok, err := c.cur.Column(col)
	if err != nil {
		return nil, fmt.Errorf("can't read column %d of %s at offset %d: %w", col+1, c.name, c.cur.RowID(), err)
	}
	if !ok {
		return nil, nil
	}
	return val, nil
}

// Rowid returns the file offset of the row
func (c *Cursor) Rowid() (int64, error) { return c.cur.RowID(), nil }

// Close releases the cursor
func (c *Cursor) Close() error { return c.cur.Close() }
