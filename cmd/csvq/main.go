package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"
	"golang.org/x/term"
	_ "modernc.org/sqlite"

	"github.com/umputun/csvq/pkg/config"
	"github.com/umputun/csvq/pkg/export"
	"github.com/umputun/csvq/pkg/output"
	"github.com/umputun/csvq/pkg/remote"
	"github.com/umputun/csvq/pkg/runner"
	"github.com/umputun/csvq/pkg/secrets"
	"github.com/umputun/csvq/pkg/vtable"
)

type options struct {
	PositionalArgs struct {
		Query string `positional-arg-name:"query" description:"sql query to run"`
	} `positional-args:"yes" positional-optional:"yes"`

	CatalogFile string   `short:"c" long:"config" env:"CSVQ_CONFIG" description:"catalog file" default:"csvq.yml"`
	Files       []string `short:"f" long:"file" description:"csv file to attach, as name=path or path"`
	Delimiter   string   `short:"d" long:"delimiter" env:"CSVQ_DELIMITER" description:"default delimiter, \\t for tabs"`
	Header      bool     `long:"header" description:"first row of attached files has column names"`
	QueryNames  []string `short:"n" long:"name" description:"named query from the catalog"`
	Check       bool     `long:"check" description:"scan all tables and report rows"`
	Concurrent  int      `long:"concurrent" env:"CSVQ_CONCURRENT" description:"concurrent fetches and checks" default:"4"`

	Format  string `long:"format" env:"CSVQ_FORMAT" description:"output format" choice:"table" choice:"csv" default:"table"`
	NoColor bool   `long:"no-color" env:"CSVQ_NO_COLOR" description:"disable colors"`

	Limits struct {
		MaxRowLen   int `long:"max-row-len" env:"MAX_ROW_LEN" description:"max row length, bytes"`
		MaxColumns  int `long:"max-columns" env:"MAX_COLUMNS" description:"max columns in a row"`
		MaxFieldLen int `long:"max-field-len" env:"MAX_FIELD_LEN" description:"max value length, bytes"`
	} `group:"limits" env-namespace:"CSVQ"`

	// remote sources
	SSHUser    string        `short:"u" long:"user" env:"CSVQ_USER" description:"ssh user for sftp:// sources"`
	SSHKey     string        `short:"k" long:"key" env:"CSVQ_KEY" description:"ssh key for sftp:// sources"`
	SSHTimeout time.Duration `long:"timeout" env:"CSVQ_TIMEOUT" description:"ssh timeout" default:"30s"`
	CacheDir   string        `long:"cache" env:"CSVQ_CACHE" description:"cache directory for sftp:// sources"`

	Export struct {
		DSN     string `long:"dsn" env:"DSN" description:"export database, sqlite file, postgres:// or mysql user:pass@tcp(host)/db"`
		Table   string `long:"table" env:"TABLE" description:"export table"`
		Replace bool   `long:"replace" env:"REPLACE" description:"drop export table if exists"`
	} `group:"export" namespace:"export" env-namespace:"CSVQ_EXPORT"`

	SecretsProvider SecretsProvider `group:"secrets" namespace:"secrets" env-namespace:"CSVQ_SECRETS"`

	Version bool `long:"version" description:"show version"`
	Verbose bool `short:"v" long:"verbose" description:"verbose mode"`
	Dbg     bool `long:"dbg" description:"debug mode"`
}

// SecretsProvider defines secrets provider options, for all supported providers
type SecretsProvider struct {
	Provider string `long:"provider" env:"PROVIDER" description:"secret provider type" choice:"none" choice:"vault" choice:"aws" choice:"ansible" choice:"env" default:"none"`

	Vault struct {
		Token string `long:"token" env:"TOKEN" description:"vault token"`
		Path  string `long:"path"  env:"PATH" description:"vault path"`
		URL   string `long:"url" env:"URL" description:"vault url"`
	} `group:"vault" namespace:"vault" env-namespace:"VAULT"`

	Aws struct {
		Region    string `long:"region" env:"REGION" description:"aws region"`
		AccessKey string `long:"access-key" env:"ACCESS_KEY" description:"aws access key"`
		SecretKey string `long:"secret-key" env:"SECRET_KEY" description:"aws secret key"`
	} `group:"aws" namespace:"aws" env-namespace:"AWS"`

	Ansible struct {
		Path   string `long:"path" env:"PATH" description:"ansible vault file"`
		Secret string `long:"secret" env:"SECRET" description:"ansible vault password"`
	} `group:"ansible" namespace:"ansible" env-namespace:"ANSIBLE"`
}

var revision = "latest"

// secrets for the env provider are taken from variables with this prefix
const envSecretsPrefix = "CSVQ_SECRET_"

func main() {
	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		os.Exit(1)
	}
	if opts.Version {
		fmt.Printf("csvq %s\n", revision)
		os.Exit(0)
	}
	setupLog(opts.Dbg, opts.Verbose)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts, os.Stdout); err != nil {
		if opts.Dbg {
			log.Panicf("[ERROR] %v", err)
		}
		fmt.Printf("failed, %v\n", formatErrorString(err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, out io.Writer) error {
	st := time.Now()

	catalogFile, err := expandPath(opts.CatalogFile)
	if err != nil {
		return fmt.Errorf("can't expand catalog path %q: %w", opts.CatalogFile, err)
	}

	secretsProvider, err := makeSecretsProvider(opts.SecretsProvider)
	if err != nil {
		return fmt.Errorf("can't make secrets provider: %w", err)
	}

	overrides := config.Overrides{
		Files:     opts.Files,
		Delimiter: opts.Delimiter,
		Header:    opts.Header,
		Limits: config.Limits{MaxRowLen: opts.Limits.MaxRowLen, MaxColumns: opts.Limits.MaxColumns,
			MaxFieldLen: opts.Limits.MaxFieldLen},
		Export: config.Export{DSN: opts.Export.DSN, Table: opts.Export.Table, Replace: opts.Export.Replace},
		User:   opts.SSHUser,
		SSHKey: opts.SSHKey,
	}
	conf, err := config.New(catalogFile, &overrides, secretsProvider)
	if err != nil {
		return fmt.Errorf("can't load catalog %q: %w", catalogFile, err)
	}
	setupLog(opts.Dbg, opts.Verbose, conf.SecretValues()...) // mask secrets in logs

	db, err := vtable.Open(conf.CsvLimits())
	if err != nil {
		return err
	}

	r := &runner.Process{
		DB:          db,
		Catalog:     conf,
		Concurrency: opts.Concurrent,
		Writer: output.New(out, output.Options{
			Format:     output.Format(opts.Format),
			Monochrome: opts.NoColor || !isTerminal(out),
			Secrets:    conf.SecretValues(),
		}),
	}

	if hasRemote(conf) {
		if r.Fetcher, err = makeFetcher(opts, conf, &defaultUserInfoProvider{}); err != nil {
			return err
		}
	}

	if opts.Check {
		return check(ctx, r, out)
	}

	queries, err := selectQueries(opts, conf)
	if err != nil {
		return err
	}

	defer func() {
		if e := r.Detach(context.WithoutCancel(ctx)); e != nil {
			log.Printf("[WARN] %v", e)
		}
	}()
	if err = r.Attach(ctx); err != nil {
		return err
	}

	if conf.Export.DSN != "" {
		if len(queries) > 1 {
			return fmt.Errorf("export needs a single query, %d selected", len(queries))
		}
		exp, err := export.New(ctx, conf.Export.DSN, conf.Export.Replace)
		if err != nil {
			return fmt.Errorf("can't make exporter: %w", err)
		}
		defer exp.Close()
		r.Exporter = exp
		n, err := r.Export(ctx, queries[0])
		if err != nil {
			return fmt.Errorf("can't export: %w", err)
		}
		fmt.Fprintf(out, "exported %d rows\n", n)
		return nil
	}

	if _, err = r.QueryAll(ctx, queries); err != nil {
		return err
	}
	log.Printf("[INFO] completed %d queries in %v", len(queries), time.Since(st).Truncate(time.Millisecond))
	return nil
}

func check(ctx context.Context, r *runner.Process, out io.Writer) error {
	stats, err := r.Check(ctx)
	if err != nil {
		return err
	}
	warn := color.New(color.FgHiRed).SprintfFunc()
	for _, s := range stats {
		fmt.Fprintf(out, "%s: %d columns, %d rows\n", s.Name, len(s.Columns), s.Rows)
		if s.Truncated != nil {
			fmt.Fprint(out, warn("  truncated, %v\n", s.Truncated))
		}
	}
	return nil
}

// selectQueries returns the positional query, named queries, or all catalog queries if none is set
func selectQueries(opts options, conf *config.Catalog) ([]string, error) {
	if opts.PositionalArgs.Query != "" {
		return []string{opts.PositionalArgs.Query}, nil
	}
	res := make([]string, 0, len(opts.QueryNames))
	for _, name := range opts.QueryNames {
		q, err := conf.Query(name)
		if err != nil {
			return nil, err
		}
		res = append(res, q.SQL)
	}
	if len(res) > 0 {
		return res, nil
	}
	for _, q := range conf.Queries {
		res = append(res, q.SQL)
	}
	if len(res) == 0 {
		return nil, errors.New("no query to run")
	}
	return res, nil
}

func hasRemote(conf *config.Catalog) bool {
	for _, t := range conf.Tables {
		if t.IsRemote() {
			return true
		}
	}
	return false
}

func makeFetcher(opts options, conf *config.Catalog, provider userInfoProvider) (*remote.Fetcher, error) {
	sshKey, err := sshKey(conf, provider)
	if err != nil {
		return nil, fmt.Errorf("can't get ssh key: %w", err)
	}
	sshUser, err := sshUser(conf, provider)
	if err != nil {
		return nil, fmt.Errorf("can't get ssh user: %w", err)
	}
	log.Printf("[INFO] ssh key: %s, user: %s", sshKey, sshUser)

	connector, err := remote.NewConnector(sshKey, opts.SSHTimeout)
	if err != nil {
		return nil, fmt.Errorf("can't create connector: %w", err)
	}
	cacheDir := opts.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "csvq")
	}
	if cacheDir, err = expandPath(cacheDir); err != nil {
		return nil, fmt.Errorf("can't expand cache path: %w", err)
	}
	return &remote.Fetcher{Connector: connector, User: sshUser, CacheDir: cacheDir}, nil
}

// makeSecretsProvider creates secrets provider based on options
func makeSecretsProvider(sopts SecretsProvider) (config.SecretsProvider, error) {
	switch sopts.Provider {
	case "none", "":
		return &secrets.NoOpProvider{}, nil
	case "vault":
		return secrets.NewHashiVaultProvider(sopts.Vault.URL, sopts.Vault.Path, sopts.Vault.Token)
	case "aws":
		return secrets.NewAWSSecretsProvider(sopts.Aws.AccessKey, sopts.Aws.SecretKey, sopts.Aws.Region)
	case "ansible":
		return secrets.NewAnsibleVaultProvider(sopts.Ansible.Path, sopts.Ansible.Secret)
	case "env":
		return secrets.NewEnvProvider(envSecretsPrefix, os.Environ()), nil
	}
	return nil, fmt.Errorf("unknown secrets provider %q", sopts.Provider)
}

// get ssh key from cli or catalog (already merged). if no key is provided, use default ~/.ssh/id_rsa
func sshKey(conf *config.Catalog, provider userInfoProvider) (string, error) {
	if conf.SSHKey != "" {
		return expandPath(conf.SSHKey)
	}
	u, err := provider.Current()
	if err != nil {
		return "", fmt.Errorf("can't get current user: %w", err)
	}
	return filepath.Join(u.HomeDir, ".ssh", "id_rsa"), nil
}

// get ssh user from cli or catalog (already merged). if no user is provided, use current user from os
func sshUser(conf *config.Catalog, provider userInfoProvider) (string, error) {
	if conf.User != "" {
		return conf.User, nil
	}
	u, err := provider.Current()
	if err != nil {
		return "", fmt.Errorf("can't get current user: %w", err)
	}
	return u.Username, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd())) //nolint:gosec // fd fits int
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

type userInfoProvider interface {
	Current() (*user.User, error)
}

type defaultUserInfoProvider struct{}

func (p *defaultUserInfoProvider) Current() (*user.User, error) {
	return user.Current()
}

func formatErrorString(input string) string {
	headerRe := regexp.MustCompile(`(.*: \d+ error\(s\) occurred:)`)
	headerMatch := headerRe.FindStringSubmatch(input)
	if len(headerMatch) == 0 {
		return input
	}

	errorsRe := regexp.MustCompile(`\[\d+] {([^}]+)}`)
	errorsMatches := errorsRe.FindAllStringSubmatch(input, -1)

	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(headerMatch[1]) + "\n")
	for i, match := range errorsMatches {
		fmt.Fprintf(&sb, "   [%d] %s\n", i, strings.TrimSpace(match[1]))
	}
	return sb.String()
}

func setupLog(dbg, verbose bool, secretValues ...string) {
	logOpts := []lgr.Option{lgr.Out(io.Discard), lgr.Err(io.Discard)} // default to discard
	if verbose {
		logOpts = []lgr.Option{lgr.Out(os.Stderr), lgr.Err(os.Stderr)}
	}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError, lgr.Out(os.Stderr)}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))
	if len(secretValues) > 0 {
		logOpts = append(logOpts, lgr.Secret(secretValues...))
	}

	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
