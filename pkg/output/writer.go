// Package output prints query results as an aligned table or as csv.
package output

import (
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/fatih/color"

	"github.com/umputun/csvq/pkg/csvtab"
)

// Format of the output
type Format string

// supported formats
const (
	FormatTable Format = "table"
	FormatCSV   Format = "csv"
)

// ParseFormat checks the format name, empty means table
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case "", FormatTable:
		return FormatTable, nil
	case FormatCSV:
		return FormatCSV, nil
	}
	return "", fmt.Errorf("unknown output format %q", s)
}

// Options for the Writer
type Options struct {
	Format     Format
	Monochrome bool
	Delimiter  byte     // csv only, "," if not set
	Secrets    []string // masked in printed values
}

// Writer prints result sets. Table format keeps rows until Flush to align columns,
// csv rows are written immediately.
type Writer struct {
	out  io.Writer
	opts Options

	header []string
	rows   [][]string
	nulls  [][]bool
	buf    []byte
	masks  []mask // compiled from opts.Secrets
}

// mask replaces a secret as a whole word
type mask struct {
	secret string
	re     *regexp.Regexp
}

// nullText is printed for NULL values in table format
const nullText = "NULL"

// New makes a Writer for out
func New(out io.Writer, opts Options) *Writer {
	if opts.Format == "" {
		opts.Format = FormatTable
	}
	if opts.Delimiter == 0 {
		opts.Delimiter = ','
	}
	return &Writer{out: out, opts: opts, masks: makeMasks(opts.Secrets)}
}

// WriteHeader starts a new result set with the column names
func (w *Writer) WriteHeader(cols []string) error {
	w.header = append([]string(nil), cols...)
	w.rows, w.nulls = w.rows[:0], w.nulls[:0]
	if w.opts.Format == FormatCSV {
		return w.writeCSV(cols)
	}
	return nil
}

// WriteRow adds a row, nil values are NULLs
func (w *Writer) WriteRow(vals []any) error {
	row := make([]string, len(vals))
	nulls := make([]bool, len(vals))
	for i, v := range vals {
		row[i], nulls[i] = w.text(v)
	}
	if w.opts.Format == FormatCSV {
		return w.writeCSV(row)
	}
	w.rows = append(w.rows, row)
	w.nulls = append(w.nulls, nulls)
	return nil
}

// Flush prints buffered table rows with the row count
func (w *Writer) Flush() error {
	if w.opts.Format != FormatTable || w.header == nil {
		return nil
	}
	defer func() { w.header, w.rows, w.nulls = nil, w.rows[:0], w.nulls[:0] }()

	widths := make([]int, len(w.header))
	for i, h := range w.header {
		widths[i] = utf8.RuneCountInString(h)
	}
	for _, row := range w.rows {
		for i, v := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], utf8.RuneCountInString(v))
			}
		}
	}

	var sb strings.Builder
	hdr := w.colorizer(color.FgHiCyan, color.Bold)
	for i, h := range w.header {
		w.cell(&sb, hdr(pad(h, widths[i], i == len(widths)-1)), i)
	}
	sb.WriteString("\n")
	for i, width := range widths {
		w.cell(&sb, strings.Repeat("-", width), i)
	}
	sb.WriteString("\n")

	null := w.colorizer(color.FgHiBlack)
	for r, row := range w.rows {
		for i, v := range row {
			if i >= len(widths) {
				break
			}
			v = pad(v, widths[i], i == len(widths)-1)
			if w.nulls[r][i] {
				v = null(v)
			}
			w.cell(&sb, v, i)
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "(%d %s)\n", len(w.rows), plural(len(w.rows), "row", "rows"))
	_, err := io.WriteString(w.out, sb.String())
	return err
}

func (w *Writer) cell(sb *strings.Builder, v string, i int) {
	if i > 0 {
		sb.WriteString("  ")
	}
	sb.WriteString(v)
}

func (w *Writer) writeCSV(vals []string) error {
	w.buf = csvtab.FormatRow(w.buf[:0], vals, w.opts.Delimiter)
	_, err := w.out.Write(w.buf)
	return err
}

// text formats a scanned value, reports true for NULL
func (w *Writer) text(v any) (string, bool) {
	var s string
	switch val := v.(type) {
	case nil:
		if w.opts.Format == FormatCSV {
			return "", true
		}
		return nullText, true
	case string:
		s = val
	case []byte:
		s = string(val)
	default:
		s = fmt.Sprint(val)
	}
	return maskSecrets(s, w.masks), false
}

func (w *Writer) colorizer(attrs ...color.Attribute) func(a ...any) string {
	if w.opts.Monochrome {
		return fmt.Sprint
	}
	return color.New(attrs...).SprintFunc()
}

// pad right-pads s to width runes, the last column is not padded
func pad(s string, width int, last bool) string {
	if last {
		return s
	}
	if n := utf8.RuneCountInString(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// makeMasks compiles whole-word patterns for secrets, blank secrets skipped
func makeMasks(secrets []string) []mask {
	res := make([]mask, 0, len(secrets))
	for _, secret := range secrets {
		if strings.TrimSpace(secret) == "" {
			continue
		}
		res = append(res, mask{secret: secret, re: regexp.MustCompile(`\b` + regexp.QuoteMeta(secret) + `\b`)})
	}
	return res
}

func maskSecrets(s string, masks []mask) string {
	for _, m := range masks {
		if !strings.Contains(s, m.secret) {
			continue
		}
		s = m.re.ReplaceAllString(s, "****")
	}
	return s
}
