package config

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-pkgz/fileutils"
	"github.com/go-pkgz/stringutils"
	"github.com/hashicorp/go-multierror"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/umputun/csvq/pkg/csvtab"
	"github.com/umputun/csvq/pkg/remote"
	"github.com/umputun/csvq/pkg/vtable"
)

// Catalog defines the top-level config object: csv tables to attach, named queries and limits
type Catalog struct {
	User    string  `yaml:"user" toml:"user"`       // ssh user for remote sources
	SSHKey  string  `yaml:"ssh_key" toml:"ssh_key"` // ssh key for remote sources
	Tables  []Table `yaml:"tables" toml:"tables"`   // list of csv tables
	Queries []Query `yaml:"queries" toml:"queries"` // list of named queries
	Limits  Limits  `yaml:"limits" toml:"limits"`   // row limits, zero means default
	Export  Export  `yaml:"export" toml:"export"`   // export destination for query results

	overrides       *Overrides
	secrets         map[string]string // resolved secrets by key
	secretsProvider SecretsProvider
}

// SecretsProvider defines interface for secrets providers
type SecretsProvider interface {
	Get(key string) (string, error)
}

// SimpleCatalog defines simplified top-level config, just a list of files with common settings.
// It is used for unmarshalling only, and result used to make the usual Catalog
type SimpleCatalog struct {
	Files     []string `yaml:"files" toml:"files"`
	Delimiter string   `yaml:"delimiter" toml:"delimiter"`
	Header    bool     `yaml:"header" toml:"header"`
}

// Table defines a csv file attached as a virtual table
type Table struct {
	Name      string `yaml:"name" toml:"name"`           // table name, derived from the file name if not set
	File      string `yaml:"file" toml:"file"`           // local path or sftp://[user@]host[:port]/path
	Delimiter string `yaml:"delimiter" toml:"delimiter"` // single character, "\t" or "tab" for tabs
	Header    bool   `yaml:"header" toml:"header"`       // first row has column names
}

// Query defines a named query
type Query struct {
	Name string `yaml:"name" toml:"name"`
	SQL  string `yaml:"sql" toml:"sql"`
}

// Limits defines row limits for all tables
type Limits struct {
	MaxRowLen   int `yaml:"max_row_len" toml:"max_row_len"`
	MaxColumns  int `yaml:"max_columns" toml:"max_columns"`
	MaxFieldLen int `yaml:"max_field_len" toml:"max_field_len"`
}

// Export defines destination database for query results
type Export struct {
	DSN     string `yaml:"dsn" toml:"dsn"`         // sqlite file, postgres:// or mysql user:pass@tcp(host)/db
	Table   string `yaml:"table" toml:"table"`     // destination table name
	Replace bool   `yaml:"replace" toml:"replace"` // drop destination table if exists
}

// Overrides defines overrides passed from cli
type Overrides struct {
	Files     []string // extra tables, as name=path or path
	Delimiter string   // default delimiter
	Header    bool     // header row for extra tables
	Limits    Limits
	Export    Export
	User      string
	SSHKey    string
}

const (
	defaultDelimiter = ","
	reservedPrefix   = "sqlite_"
)

var (
	identRe  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	secretRe = regexp.MustCompile(`\{\{\s*secret:([^}\s]+)\s*}}`)
)

// New creates a new Catalog by loading the configuration from the specified file. If the file can't be found,
// but tables are passed in overrides, the catalog is made of overrides only.
// Secrets referenced as {{secret:KEY}} in table files and export dsn are resolved with the provider.
func New(fname string, overrides *Overrides, secProvider SecretsProvider) (res *Catalog, err error) {
	log.Printf("[DEBUG] request to load catalog %q", fname)
	res = &Catalog{overrides: overrides, secretsProvider: secProvider, secrets: map[string]string{}}

	data, err := os.ReadFile(fname) // nolint
	switch {
	case err != nil && overrides != nil && len(overrides.Files) > 0:
		log.Printf("[DEBUG] no catalog file %s found, using tables from command line", fname)
	case err != nil:
		return nil, fmt.Errorf("can't read catalog %s: %w", fname, err)
	default:
		if err = unmarshalCatalogFile(fname, data, res); err != nil {
			return nil, fmt.Errorf("can't unmarshal catalog: %w", err)
		}
		res.resolvePaths(filepath.Dir(fname))
	}

	if err = res.applyOverrides(); err != nil {
		return nil, fmt.Errorf("can't apply overrides: %w", err)
	}

	if err = res.loadSecrets(); err != nil {
		return nil, err
	}

	if err = res.checkConfig(); err != nil {
		return nil, fmt.Errorf("catalog %s is invalid: %w", fname, err)
	}

	log.Printf("[INFO] catalog loaded with %d tables and %d queries", len(res.Tables), len(res.Queries))
	return res, nil
}

// unmarshalCatalogFile is trying to parse catalog from the data bytes, format guessed by the file extension.
// First it tries a complete Catalog struct, if it fails, it tries a SimpleCatalog and converts it.
func unmarshalCatalogFile(fname string, data []byte, res *Catalog) (err error) {

	unmarshal := func(data []byte, v interface{}, isFull bool) error {
		catType := "simple"
		if isFull {
			catType = "full"
		}
		switch {
		case strings.HasSuffix(fname, ".yml") || strings.HasSuffix(fname, ".yaml") || !strings.Contains(filepath.Base(fname), "."):
			yamlDecoder := yaml.NewDecoder(bytes.NewReader(data))
			yamlDecoder.KnownFields(true) // strict mode, fail on unknown fields
			if err = yamlDecoder.Decode(v); err != nil {
				return fmt.Errorf("can't unmarshal yaml catalog (%s mode) %s: %w", catType, fname, err)
			}
		case strings.HasSuffix(fname, ".toml"):
			dec := toml.NewDecoder(bytes.NewReader(data))
			dec.DisallowUnknownFields()
			if err = dec.Decode(v); err != nil {
				return fmt.Errorf("can't unmarshal toml catalog (%s mode) %s: %w", catType, fname, err)
			}
		default:
			return fmt.Errorf("unknown config format %s", fname)
		}
		return nil
	}

	errs := new(multierror.Error)
	if err = unmarshal(data, res, true); err == nil && !res.isEmpty() {
		return nil // success, this is full catalog, tables may come from overrides
	}
	errs = multierror.Append(errs, err)

	simple := &SimpleCatalog{}
	if err := unmarshal(data, simple, false); err == nil && len(simple.Files) > 0 {
		// success, this is a simple catalog, convert it to the full one
		*res = Catalog{overrides: res.overrides, secretsProvider: res.secretsProvider, secrets: res.secrets}
		for _, f := range simple.Files {
			res.Tables = append(res.Tables, Table{File: f, Delimiter: simple.Delimiter, Header: simple.Header})
		}
		return nil
	} else { // nolint
		errs = multierror.Append(errs, err)
	}

	return errs.ErrorOrNil()
}

// isEmpty reports whether no catalog field was set by unmarshalling
func (c *Catalog) isEmpty() bool {
	return len(c.Tables) == 0 && len(c.Queries) == 0 && c.User == "" && c.SSHKey == "" &&
		c.Limits == (Limits{}) && c.Export == (Export{})
}

// Query returns the named query
func (c *Catalog) Query(name string) (Query, error) {
	for _, q := range c.Queries {
		if q.Name == name {
			return q, nil
		}
	}
	return Query{}, fmt.Errorf("query %q not found", name)
}

// CsvLimits returns limits for csv tables
func (c *Catalog) CsvLimits() csvtab.Limits {
	return csvtab.Limits{MaxRowLen: c.Limits.MaxRowLen, MaxColumns: c.Limits.MaxColumns, MaxFieldLen: c.Limits.MaxFieldLen}
}

// SecretValues returns all resolved secret values, used to mask them in logs
func (c *Catalog) SecretValues() []string {
	res := make([]string, 0, len(c.secrets))
	for _, v := range c.secrets {
		res = append(res, v)
	}
	return res
}

// IsRemote reports whether the table file has to be fetched over sftp
func (t Table) IsRemote() bool { return remote.IsRemote(t.File) }

// DelimiterByte returns the delimiter as a single byte, "," if not set
func (t Table) DelimiterByte() (byte, error) {
	d := t.Delimiter
	switch d {
	case "":
		return defaultDelimiter[0], nil
	case `\t`, "tab", "TAB":
		return '\t', nil
	}
	if len(d) != 1 || !csvtab.ValidDelimiter(d[0]) {
		return 0, fmt.Errorf("%w %q", csvtab.ErrInvalidDelimiter, d)
	}
	return d[0], nil
}

// UsingArgs makes the argument list for CREATE VIRTUAL TABLE ... USING csv(...)
func (t Table) UsingArgs() string {
	d, err := t.DelimiterByte()
	if err != nil {
		d = defaultDelimiter[0]
	}
	delim := string(d)
	if d == '\t' {
		delim = `\t`
	}
	res := vtable.QuoteString(t.File) + ", " + vtable.QuoteString(delim)
	if t.Header {
		res += ", " + vtable.HeaderFlag
	}
	return res
}

// applyOverrides adds tables from overrides and sets defaults
func (c *Catalog) applyOverrides() error {
	if c.overrides == nil {
		return nil
	}
	o := c.overrides

	for _, f := range stringutils.DeDup(o.Files) {
		t := Table{File: f, Delimiter: o.Delimiter, Header: o.Header}
		if name, file, ok := strings.Cut(f, "="); ok && identRe.MatchString(name) {
			t.Name, t.File = name, file
		}
		c.Tables = append(c.Tables, t)
	}

	for i := range c.Tables {
		if c.Tables[i].Delimiter == "" {
			c.Tables[i].Delimiter = o.Delimiter
		}
		if c.Tables[i].IsRemote() {
			continue
		}
		p, err := expandPath(c.Tables[i].File)
		if err != nil {
			return fmt.Errorf("can't expand path %q: %w", c.Tables[i].File, err)
		}
		c.Tables[i].File = p
	}

	if o.Limits.MaxRowLen > 0 {
		c.Limits.MaxRowLen = o.Limits.MaxRowLen
	}
	if o.Limits.MaxColumns > 0 {
		c.Limits.MaxColumns = o.Limits.MaxColumns
	}
	if o.Limits.MaxFieldLen > 0 {
		c.Limits.MaxFieldLen = o.Limits.MaxFieldLen
	}

	if o.Export.DSN != "" {
		c.Export.DSN = o.Export.DSN
	}
	if o.Export.Table != "" {
		c.Export.Table = o.Export.Table
	}
	if o.Export.Replace {
		c.Export.Replace = true
	}
	if o.User != "" {
		c.User = o.User
	}
	if o.SSHKey != "" {
		c.SSHKey = o.SSHKey
	}
	return nil
}

// resolvePaths makes relative local table paths relative to the catalog directory
func (c *Catalog) resolvePaths(dir string) {
	for i, t := range c.Tables {
		if t.IsRemote() || t.File == "" || filepath.IsAbs(t.File) || strings.HasPrefix(t.File, "~") {
			continue
		}
		c.Tables[i].File = filepath.Join(dir, t.File)
	}
}

// loadSecrets resolves {{secret:KEY}} placeholders in table files and export dsn
func (c *Catalog) loadSecrets() error {
	keys := []string{}
	collect := func(s string) {
		for _, m := range secretRe.FindAllStringSubmatch(s, -1) {
			keys = append(keys, m[1])
		}
	}
	for _, t := range c.Tables {
		collect(t.File)
	}
	collect(c.Export.DSN)
	keys = stringutils.DeDup(keys)

	if len(keys) == 0 {
		return nil
	}
	if c.secretsProvider == nil {
		return fmt.Errorf("secrets are referenced in catalog (%d secrets), but provider is not set", len(keys))
	}

	for _, key := range keys {
		val, err := c.secretsProvider.Get(key)
		if err != nil {
			return fmt.Errorf("can't get secret %q: %w", key, err)
		}
		c.secrets[key] = val
	}

	expand := func(s string) string {
		return secretRe.ReplaceAllStringFunc(s, func(m string) string {
			return c.secrets[secretRe.FindStringSubmatch(m)[1]]
		})
	}
	for i := range c.Tables {
		c.Tables[i].File = expand(c.Tables[i].File)
	}
	c.Export.DSN = expand(c.Export.DSN)
	log.Printf("[DEBUG] %d secrets resolved", len(keys))
	return nil
}

// checkConfig validates the catalog, all problems are reported together:
// - at least one table, all with files and valid unique names, delimiters are single characters
// - queries have unique names and non-empty sql
// - export, if set, has a valid destination table
func (c *Catalog) checkConfig() error {
	errs := new(multierror.Error)
	if len(c.Tables) == 0 {
		return errors.New("no tables defined")
	}

	names := []string{}
	for i, t := range c.Tables {
		if t.Name == "" && t.File != "" {
			t.Name = TableName(t.File)
			c.Tables[i].Name = t.Name
		}
		switch {
		case t.Name == "":
			errs = multierror.Append(errs, fmt.Errorf("table #%d: name is required", i+1))
		case !identRe.MatchString(t.Name):
			errs = multierror.Append(errs, fmt.Errorf("table %q: invalid name", t.Name))
		case strings.HasPrefix(strings.ToLower(t.Name), reservedPrefix):
			errs = multierror.Append(errs, fmt.Errorf("table %q: names starting with %q are reserved", t.Name, reservedPrefix))
		case stringutils.Contains(strings.ToLower(t.Name), names):
			errs = multierror.Append(errs, fmt.Errorf("duplicate table name %q", t.Name))
		}
		names = append(names, strings.ToLower(t.Name))

		switch {
		case t.File == "":
			errs = multierror.Append(errs, fmt.Errorf("table %q: file is required", t.Name))
		case t.IsRemote():
			if _, err := remote.ParseSource(t.File); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("table %q: %w", t.Name, err))
			}
		case !fileutils.IsFile(t.File):
			errs = multierror.Append(errs, fmt.Errorf("table %q: file %s not found", t.Name, t.File))
		}
		if _, err := t.DelimiterByte(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("table %q: %w", t.Name, err))
		}
	}

	queries := []string{}
	for i, q := range c.Queries {
		switch {
		case q.Name == "":
			errs = multierror.Append(errs, fmt.Errorf("query #%d: name is required", i+1))
		case stringutils.Contains(q.Name, queries):
			errs = multierror.Append(errs, fmt.Errorf("duplicate query name %q", q.Name))
		}
		queries = append(queries, q.Name)
		if strings.TrimSpace(q.SQL) == "" {
			errs = multierror.Append(errs, fmt.Errorf("query %q: sql is required", q.Name))
		}
	}

	if c.Export.DSN != "" && c.Export.Table != "" && !identRe.MatchString(c.Export.Table) {
		errs = multierror.Append(errs, fmt.Errorf("export table %q: invalid name", c.Export.Table))
	}

	return errs.ErrorOrNil()
}

// TableName makes a table name from the file name: base name without extension,
// characters not allowed in names replaced with underscores
func TableName(file string) string {
	base := file
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	if ext := filepath.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "" {
		return ""
	}
	res := []byte(base)
	for i, ch := range res {
		if !(ch == '_' || ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch >= '0' && ch <= '9') {
			res[i] = '_'
		}
	}
	if res[0] >= '0' && res[0] <= '9' {
		return "t_" + string(res)
	}
	return string(res)
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		usr, err := user.Current()
		if err != nil {
			return "", err
		}
		return filepath.Join(usr.HomeDir, path[1:]), nil
	}
	return path, nil
}
