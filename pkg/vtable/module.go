// Package vtable plugs csvtab tables into sqlite as the "csv" virtual table module:
//
//	CREATE VIRTUAL TABLE people USING csv('people.csv', ';', USE_HEADER_ROW)
package vtable

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // installs the vtab registration hook
	"modernc.org/sqlite/vtab"

	"github.com/umputun/csvq/pkg/csvtab"
)

// ModuleName is the module name used in CREATE VIRTUAL TABLE ... USING
const ModuleName = "csv"

// HeaderFlag is the module argument enabling column names from the first row
const HeaderFlag = "USE_HEADER_ROW"

// full scan estimates reported to the planner
const (
	scanCost = 1_000_000
	scanRows = 1_000_000
)

var shared = struct {
	once sync.Once
	db   *sql.DB
	err  error
	mod  *Module
}{mod: &Module{}}

// Open returns the process-wide in-memory database with the csv module installed.
//
// The driver keeps Go modules per process and creates the native module only on the first
// connection opened after registration; connections opened later don't have it. So the module
// is registered once, and the connection which got it is kept as the only connection of a
// shared pool, never expired. The database must not be closed by callers. Other sqlite
// connections should not be opened concurrently with the first call.
//
// Every call sets the limits used by tables created after it.
func Open(limits csvtab.Limits) (*sql.DB, error) {
	shared.mod.SetLimits(limits)
	shared.once.Do(func() {
		shared.db, shared.err = openShared(shared.mod)
	})
	if shared.err != nil {
		return nil, fmt.Errorf("can't open database with %s module: %w", ModuleName, shared.err)
	}
	return shared.db, nil
}

func openShared(mod *Module) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:csvq-%s?mode=memory", uuid.NewString())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err = vtab.RegisterModule(db, ModuleName, mod); err != nil {
		_ = db.Close()
		return nil, err
	}
	// open the connection right away, the next one made in the process gets the module
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Printf("[DEBUG] sqlite module %q registered, database %s", ModuleName, dsn)
	return db, nil
}

// Module implements vtab.Module for csv files
type Module struct {
	mu     sync.Mutex
	limits csvtab.Limits
}

// SetLimits sets limits for tables created after the call
func (m *Module) SetLimits(limits csvtab.Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits = limits
}

// Create is called on CREATE VIRTUAL TABLE
func (m *Module) Create(ctx vtab.Context, args []string) (vtab.Table, error) {
	t, err := m.connect(ctx, args)
	if err != nil {
		return nil, err
	}
	log.Printf("[INFO] csv table %s created from %s, %d columns", t.name, t.tbl.Path(), t.tbl.NumColumns())
	return t, nil
}

// Connect is called when an existing table is opened by a new connection
func (m *Module) Connect(ctx vtab.Context, args []string) (vtab.Table, error) {
	return m.connect(ctx, args)
}

func (m *Module) connect(ctx vtab.Context, args []string) (*Table, error) {
	ta, err := ParseArgs(args)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	ta.Options.Limits = m.limits
	m.mu.Unlock()

	tbl, err := csvtab.New(ta.File, ta.Options)
	if err != nil {
		return nil, err
	}
	if err := ctx.Declare(Schema(tbl.Columns())); err != nil {
		_ = tbl.Close()
		return nil, fmt.Errorf("%w: can't declare table %s: %w", csvtab.ErrSchema, ta.Name, err)
	}
	return &Table{name: ta.Name, tbl: tbl}, nil
}

// TableArgs is the parsed argument list of the module
type TableArgs struct {
	Database string
	Name     string
	File     string
	Options  csvtab.Options
}

// ParseArgs parses module arguments: module name, database, table name, file name,
// optional delimiter and optional USE_HEADER_ROW flag. File and delimiter can be quoted.
func ParseArgs(args []string) (TableArgs, error) {
	if len(args) < 4 {
		return TableArgs{}, csvtab.ErrNoFileSpecified
	}
	res := TableArgs{Database: args[1], Name: args[2], File: unquote(args[3])}
	if res.File == "" {
		return TableArgs{}, csvtab.ErrNoFileSpecified
	}

	if len(args) > 4 {
		d, err := parseDelimiter(args[4])
		if err != nil {
			return TableArgs{}, err
		}
		res.Options.Delimiter = d
	}

	if len(args) > 5 {
		flag := unquote(args[5])
		if !strings.EqualFold(flag, HeaderFlag) {
			return TableArgs{}, fmt.Errorf("%w: unknown option %q, only %s is supported", csvtab.ErrConfig, flag, HeaderFlag)
		}
		res.Options.Header = true
	}

	if len(args) > 6 {
		return TableArgs{}, fmt.Errorf("%w: too many arguments, %d", csvtab.ErrConfig, len(args)-3)
	}
	return res, nil
}

// Schema makes the declaration of a table with one text column per name
func Schema(columns []string) string {
	var sb strings.Builder
	sb.WriteString("CREATE TABLE x(")
	for i, c := range columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(QuoteIdent(c))
		sb.WriteString(" TEXT")
	}
	sb.WriteString(")")
	return sb.String()
}

// QuoteIdent quotes sql identifier with double quotes
func QuoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// QuoteString makes sql string literal with single quotes
func QuoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func parseDelimiter(arg string) (byte, error) {
	d := unquote(arg)
	switch d {
	case `\t`, "tab", "TAB":
		return '\t', nil
	}
	if len(d) != 1 || !csvtab.ValidDelimiter(d[0]) {
		return 0, fmt.Errorf("%w %q", csvtab.ErrInvalidDelimiter, d)
	}
	return d[0], nil
}

// unquote strips surrounding spaces and a pair of single or double quotes
func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return s
	}
	switch q := s[0]; {
	case q == '\'' && s[len(s)-1] == '\'':
		return strings.ReplaceAll(s[1:len(s)-1], "''", "'")
	case q == '"' && s[len(s)-1] == '"':
		return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
	}
	return s
}
