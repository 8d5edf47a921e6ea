// Package runner attaches catalog tables to the database and runs queries, checks and exports.
package runner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/go-pkgz/syncs"
	"github.com/hashicorp/go-multierror"

	"github.com/umputun/csvq/pkg/config"
	"github.com/umputun/csvq/pkg/csvtab"
	"github.com/umputun/csvq/pkg/export"
	"github.com/umputun/csvq/pkg/vtable"
)

//go:generate moq -out mocks/fetcher.go -pkg mocks -skip-ensure -fmt goimports . Fetcher

// DefaultExportTable is the destination table if the catalog doesn't set one
const DefaultExportTable = "csvq_result"

// Process holds everything needed to attach tables and run queries.
// DB must have the csv module registered. Tables made by Attach stay until Detach.
type Process struct {
	DB          *sql.DB
	Catalog     *config.Catalog
	Concurrency int
	Writer      ResultWriter
	Fetcher     Fetcher  // required for remote tables only
	Exporter    Exporter // required for Export only

	once     sync.Once
	tables   []config.Table // catalog tables with local paths
	err      error
	attached []string // virtual tables created by Attach
}

// ResultWriter prints result sets
type ResultWriter interface {
	WriteHeader(cols []string) error
	WriteRow(vals []any) error
	Flush() error
}

// Fetcher makes a local copy of a remote source
type Fetcher interface {
	Fetch(ctx context.Context, src string) (string, error)
}

// Exporter copies rows into an external database
type Exporter interface {
	Export(ctx context.Context, table string, cols []string, rows export.RowsFunc) (int, error)
}

// QueryResp holds the result of a query
type QueryResp struct {
	SQL     string
	Columns []string
	Rows    int
}

// TableStats is the result of a full scan of a table. Truncated is the error which ended the
// scan early, it doesn't fail the check.
type TableStats struct {
	Name      string
	File      string
	Columns   []string
	Rows      int
	Truncated error
}

// Attach creates a virtual table for each catalog table, remote sources are fetched first
func (p *Process) Attach(ctx context.Context) error {
	st := time.Now()
	tables, err := p.localTables(ctx)
	if err != nil {
		return err
	}
	for _, t := range tables {
		q := fmt.Sprintf("CREATE VIRTUAL TABLE %s USING %s(%s)", vtable.QuoteIdent(t.Name), vtable.ModuleName, t.UsingArgs())
		if _, err := p.DB.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("can't attach table %s: %w", t.Name, err)
		}
		p.attached = append(p.attached, t.Name)
		log.Printf("[DEBUG] attached %s", q)
	}
	log.Printf("[INFO] attached %d tables in %s", len(tables), since(st))
	return nil
}

// Detach drops virtual tables made by Attach, csv files are not touched.
// The database may be shared, so each run removes its own tables.
func (p *Process) Detach(ctx context.Context) error {
	errs := new(multierror.Error)
	for i := len(p.attached) - 1; i >= 0; i-- {
		if _, err := p.DB.ExecContext(ctx, "DROP TABLE IF EXISTS "+vtable.QuoteIdent(p.attached[i])); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("can't detach table %s: %w", p.attached[i], err))
		}
	}
	p.attached = nil
	return errs.ErrorOrNil()
}

// Query runs the statement and writes the result set to Writer
func (p *Process) Query(ctx context.Context, query string) (QueryResp, error) {
	st := time.Now()
	resp := QueryResp{SQL: query}
	err := p.scan(ctx, query, func(cols []string) error {
		resp.Columns = cols
		return p.Writer.WriteHeader(cols)
	}, func(vals []any) error {
		resp.Rows++
		return p.Writer.WriteRow(vals)
	})
	if err != nil {
		return resp, err
	}
	if len(resp.Columns) > 0 {
		if err := p.Writer.Flush(); err != nil {
			return resp, fmt.Errorf("can't write result: %w", err)
		}
	}
	log.Printf("[INFO] query done, %d rows in %s", resp.Rows, since(st))
	return resp, nil
}

// QueryAll runs all queries, a failed query doesn't stop the rest. Errors are combined.
func (p *Process) QueryAll(ctx context.Context, queries []string) ([]QueryResp, error) {
	errs := new(multierror.Error)
	res := make([]QueryResp, 0, len(queries))
	for i, q := range queries {
		resp, err := p.Query(ctx, q)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("query #%d: %w", i+1, err))
			continue
		}
		res = append(res, resp)
	}
	return res, errs.ErrorOrNil()
}

// Export runs the query and copies the result into the export table
func (p *Process) Export(ctx context.Context, query string) (int, error) {
	if p.Exporter == nil {
		return 0, errors.New("export destination is not set")
	}
	table := p.Catalog.Export.Table
	if table == "" {
		table = DefaultExportTable
	}

	rows, err := p.DB.QueryContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("can't run query: %w", err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return 0, fmt.Errorf("can't get columns: %w", err)
	}

	return p.Exporter.Export(ctx, table, cols, func(yield func([]any) error) error {
		for rows.Next() {
			vals, err := scanRow(rows, len(cols))
			if err != nil {
				return err
			}
			if err := yield(vals); err != nil {
				return err
			}
		}
		return rows.Err()
	})
}

// Check scans every table directly, with limited concurrency, and reports rows per table.
// Tables which can't be opened fail the check.
func (p *Process) Check(ctx context.Context) ([]TableStats, error) {
	st := time.Now()
	tables, err := p.localTables(ctx)
	if err != nil {
		return nil, err
	}

	res := make([]TableStats, len(tables))
	wg := syncs.NewErrSizedGroup(p.concurrency(), syncs.Context(ctx), syncs.Preemptive)
	for i, t := range tables {
		wg.Go(func() error {
			stats, err := p.checkTable(ctx, t)
			if err != nil {
				return fmt.Errorf("table %s: %w", t.Name, err)
			}
			res[i] = stats
			return nil
		})
	}
	if err := wg.Wait(); err != nil {
		return nil, err
	}
	log.Printf("[INFO] checked %d tables in %s", len(tables), since(st))
	return res, nil
}

func (p *Process) checkTable(ctx context.Context, t config.Table) (TableStats, error) {
	delim, err := t.DelimiterByte()
	if err != nil {
		return TableStats{}, err
	}
	tbl, err := csvtab.New(t.File, csvtab.Options{Delimiter: delim, Header: t.Header, Limits: p.Catalog.CsvLimits()})
	if err != nil {
		return TableStats{}, err
	}
	defer tbl.Close()

	cur, err := tbl.Open()
	if err != nil {
		return TableStats{}, err
	}
	defer cur.Close()

	res := TableStats{Name: t.Name, File: t.File, Columns: tbl.Columns()}
	if err := cur.Rewind(); err != nil {
		return TableStats{}, err
	}
	for !cur.EOF() {
		if res.Rows%10000 == 0 && ctx.Err() != nil {
			return TableStats{}, ctx.Err()
		}
		res.Rows++
		if err := cur.Next(); err != nil {
			return TableStats{}, err
		}
	}
	res.Truncated = cur.Err()
	if res.Truncated != nil {
		log.Printf("[WARN] table %s truncated after %d rows: %v", t.Name, res.Rows, res.Truncated)
	}
	return res, nil
}

// localTables returns catalog tables with remote sources replaced by local copies.
// Sources are fetched once, concurrently.
func (p *Process) localTables(ctx context.Context) ([]config.Table, error) {
	p.once.Do(func() {
		tables := slices.Clone(p.Catalog.Tables)
		wg := syncs.NewErrSizedGroup(p.concurrency(), syncs.Context(ctx), syncs.Preemptive)
		for i, t := range tables {
			if !t.IsRemote() {
				continue
			}
			wg.Go(func() error {
				if p.Fetcher == nil {
					return fmt.Errorf("table %s: no fetcher for remote source", t.Name)
				}
				local, err := p.Fetcher.Fetch(ctx, t.File)
				if err != nil {
					return fmt.Errorf("table %s: %w", t.Name, err)
				}
				tables[i].File = local
				return nil
			})
		}
		if err := wg.Wait(); err != nil {
			p.err = fmt.Errorf("can't fetch remote tables: %w", err)
			return
		}
		p.tables = tables
	})
	return p.tables, p.err
}

// scan runs the query, calls header once and row for each row
func (p *Process) scan(ctx context.Context, query string, header func([]string) error, row func([]any) error) error {
	rows, err := p.DB.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("can't run query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("can't get columns: %w", err)
	}
	if len(cols) == 0 {
		return rows.Err()
	}
	if err := header(cols); err != nil {
		return fmt.Errorf("can't write header: %w", err)
	}
	for rows.Next() {
		vals, err := scanRow(rows, len(cols))
		if err != nil {
			return err
		}
		if err := row(vals); err != nil {
			return fmt.Errorf("can't write row: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("can't read rows: %w", err)
	}
	return nil
}

func (p *Process) concurrency() int {
	if p.Concurrency < 1 {
		return 1
	}
	return p.Concurrency
}

func scanRow(rows *sql.Rows, n int) ([]any, error) {
	vals := make([]any, n)
	ptrs := make([]any, n)
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("can't scan row: %w", err)
	}
	return vals, nil
}

func since(st time.Time) time.Duration { return time.Since(st).Truncate(time.Millisecond) }
