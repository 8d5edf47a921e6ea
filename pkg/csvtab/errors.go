package csvtab

import (
	"errors"
	"fmt"
)

// error classes, use errors.Is to test for them
var (
	ErrConfig       = errors.New("invalid csv table configuration")
	ErrIO           = errors.New("csv io error")
	ErrMalformedRow = errors.New("malformed csv row")
	ErrSchema       = errors.New("csv schema error")
)

// construction errors
var (
	ErrNoFileSpecified   = fmt.Errorf("%w: no CSV file specified", ErrConfig)
	ErrInvalidDelimiter  = fmt.Errorf("%w: invalid delimiter", ErrConfig)
	ErrEmptyFile         = errors.New("no columns found")
	ErrMissingHeaderName = fmt.Errorf("%w: no column name found", ErrSchema)
)

// row read errors
var (
	ErrRowTooLong        = errors.New("csv row is too long")
	ErrTooManyColumns    = errors.New("too many columns in csv row")
	ErrValueTooLarge     = errors.New("csv value is too large")
	ErrUnterminatedQuote = fmt.Errorf("%w: no closing quote", ErrMalformedRow)
	ErrMissingDelimiter  = fmt.Errorf("%w: field not followed by delimiter", ErrMalformedRow)
)

// cursor misuse
var (
	ErrCalledAfterExhausted = errors.New("cursor is exhausted")
	ErrNoRow                = errors.New("cursor is not positioned on a row")
	ErrStaleRow             = errors.New("row snapshot is stale, cursor moved")
	ErrClosed               = errors.New("csv table is closed")
)

// RowError reports a failure to read or parse the row starting at Offset.
type RowError struct {
	Offset int64 // file offset of the row
	Err    error
}

// Error returns the message with the row offset.
func (e *RowError) Error() string {
	return fmt.Sprintf("row at offset %d: %v", e.Offset, e.Err)
}

// Unwrap returns the underlying error.
func (e *RowError) Unwrap() error {
	return e.Err
}
