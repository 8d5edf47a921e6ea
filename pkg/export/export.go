// Package export copies query results into a table of an external sqlite, postgres or mysql database.
package export

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // mysql driver loaded here
	_ "github.com/lib/pq"              // postgres driver loaded here
	_ "modernc.org/sqlite"             // sqlite driver loaded here
)

// Dialect is the type of the target database, also the name of its sql driver
type Dialect string

// supported dialects
const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
)

// ErrUnsupportedDSN is returned for connection strings of unknown databases
var ErrUnsupportedDSN = errors.New("unsupported database type in connection string")

// DetectDialect determines the database type from the connection string
func DetectDialect(dsn string) (Dialect, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return Postgres, nil
	case strings.Contains(dsn, "@tcp("):
		return MySQL, nil
	case strings.HasPrefix(dsn, "file:"), strings.HasSuffix(dsn, ".sqlite"), strings.HasSuffix(dsn, ".db"):
		return SQLite, nil
	}
	return "", ErrUnsupportedDSN
}

// RowsFunc calls yield for each row, values are strings or nil
type RowsFunc func(yield func(vals []any) error) error

// Exporter writes rows into a single database
type Exporter struct {
	db      *sql.DB
	dialect Dialect
	replace bool
}

// New opens the database for the dsn. With replace an existing target table is dropped, otherwise
// rows are added to it.
func New(ctx context.Context, dsn string, replace bool) (*Exporter, error) {
	dialect, err := DetectDialect(dsn)
	if err != nil {
		return nil, fmt.Errorf("can't determine database type: %w", err)
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("can't open %s database: %w", dialect, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("can't connect to %s database: %w", dialect, err)
	}
	log.Printf("[DEBUG] export database opened, type %s", dialect)
	return &Exporter{db: db, dialect: dialect, replace: replace}, nil
}

// Dialect returns the type of the target database
func (e *Exporter) Dialect() Dialect { return e.dialect }

// Close closes the database
func (e *Exporter) Close() error { return e.db.Close() }

// Export creates the table with a TEXT column per name and inserts all rows in one transaction.
// Repeated names, as in joins, get a numeric suffix. Returns the number of inserted rows.
func (e *Exporter) Export(ctx context.Context, table string, cols []string, rows RowsFunc) (int, error) {
	if len(cols) == 0 {
		return 0, errors.New("no columns to export")
	}
	st := time.Now()
	cols = uniqueColumns(cols)

	if e.replace {
		if _, err := e.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+e.quote(table)); err != nil {
			return 0, fmt.Errorf("can't drop table %s: %w", table, err)
		}
	}
	if _, err := e.db.ExecContext(ctx, e.createStmt(table, cols)); err != nil {
		return 0, fmt.Errorf("can't create table %s: %w", table, err)
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("can't start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, e.insertStmt(table, cols))
	if err != nil {
		return 0, fmt.Errorf("can't prepare insert into %s: %w", table, err)
	}
	defer stmt.Close()

	count := 0
	err = rows(func(vals []any) error {
		if len(vals) != len(cols) {
			return fmt.Errorf("row %d has %d values, %d expected", count+1, len(vals), len(cols))
		}
		if _, err := stmt.ExecContext(ctx, vals...); err != nil {
			return fmt.Errorf("can't insert row %d: %w", count+1, err)
		}
		count++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("export to %s failed: %w", table, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("can't commit export to %s: %w", table, err)
	}
	log.Printf("[INFO] exported %d rows to %s (%s) in %s", count, table, e.dialect, time.Since(st).Truncate(time.Millisecond))
	return count, nil
}

// uniqueColumns renames repeated column names, compared case-insensitively: a, A, a -> a, A_2, a_3
func uniqueColumns(cols []string) []string {
	res := make([]string, len(cols))
	seen := make(map[string]bool, len(cols))
	for i, c := range cols {
		name := c
		for n := 2; seen[strings.ToLower(name)]; n++ {
			name = c + "_" + strconv.Itoa(n)
		}
		seen[strings.ToLower(name)] = true
		res[i] = name
	}
	return res
}

func (e *Exporter) createStmt(table string, cols []string) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = e.quote(c) + " TEXT"
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", e.quote(table), strings.Join(defs, ", "))
}

func (e *Exporter) insertStmt(table string, cols []string) string {
	names := make([]string, len(cols))
	params := make([]string, len(cols))
	for i, c := range cols {
		names[i] = e.quote(c)
		params[i] = e.placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", e.quote(table), strings.Join(names, ", "), strings.Join(params, ", "))
}

func (e *Exporter) quote(ident string) string {
	if e.dialect == MySQL {
		return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (e *Exporter) placeholder(n int) string {
	if e.dialect == Postgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}
