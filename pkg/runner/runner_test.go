package runner

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/umputun/csvq/pkg/config"
	"github.com/umputun/csvq/pkg/csvtab"
	"github.com/umputun/csvq/pkg/export"
	"github.com/umputun/csvq/pkg/output"
	"github.com/umputun/csvq/pkg/runner/mocks"
	"github.com/umputun/csvq/pkg/vtable"
)

func TestProcess_Query(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	people := writeFile(t, dir, "people.csv", "name;age\nbob;42\nalice;17\n\"smith; john\";30\n")
	cities := writeFile(t, dir, "cities.csv", "bob,Boston\nalice,Austin\n")

	var buf bytes.Buffer
	p := Process{
		DB: openDB(t),
		Catalog: &config.Catalog{Tables: []config.Table{
			{Name: "people", File: people, Delimiter: ";", Header: true},
			{Name: "cities", File: cities},
		}},
		Concurrency: 2,
		Writer:      output.New(&buf, output.Options{Format: output.FormatCSV}),
	}
	attach(t, &p)

	resp, err := p.Query(ctx, "SELECT name FROM people WHERE CAST(age AS INTEGER) > 18 ORDER BY name")
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, resp.Columns)
	assert.Equal(t, 2, resp.Rows)
	assert.Equal(t, "name\nbob\n\"smith; john\"\n", buf.String())

	t.Run("join", func(t *testing.T) {
		buf.Reset()
		resp, err := p.Query(ctx, "SELECT p.name, c.col2 FROM people p JOIN cities c ON c.col1 = p.name ORDER BY p.name")
		require.NoError(t, err)
		assert.Equal(t, 2, resp.Rows)
		assert.Equal(t, "name,col2\nalice,Austin\nbob,Boston\n", buf.String())
	})

	t.Run("statement without result set", func(t *testing.T) {
		buf.Reset()
		resp, err := p.Query(ctx, "DROP VIEW IF EXISTS adults")
		require.NoError(t, err)
		assert.Empty(t, resp.Columns)
		assert.Empty(t, buf.String())
	})

	t.Run("bad query", func(t *testing.T) {
		_, err := p.Query(ctx, "SELECT nope FROM people")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "can't run query")
	})

	t.Run("query all", func(t *testing.T) {
		buf.Reset()
		res, err := p.QueryAll(ctx, []string{"SELECT * FROM missing", "SELECT count(*) AS cnt FROM people"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "query #1")
		require.Len(t, res, 1)
		assert.Equal(t, 1, res[0].Rows)
		assert.Equal(t, "cnt\n3\n", buf.String())
	})
}

func TestProcess_AttachRemote(t *testing.T) {
	ctx := context.Background()
	local := writeFile(t, t.TempDir(), "people.csv", "name,age\nbob,42\n")
	cat := &config.Catalog{Tables: []config.Table{{Name: "people", File: "sftp://example.com/data/people.csv", Header: true}}}

	t.Run("fetched once", func(t *testing.T) {
		fetcher := &mocks.FetcherMock{FetchFunc: func(ctx context.Context, src string) (string, error) {
			return local, nil
		}}
		var buf bytes.Buffer
		p := Process{DB: openDB(t), Catalog: cat, Fetcher: fetcher,
			Writer: output.New(&buf, output.Options{Format: output.FormatCSV})}
		attach(t, &p)
		_, err := p.Query(ctx, "SELECT age FROM people")
		require.NoError(t, err)
		assert.Equal(t, "age\n42\n", buf.String())

		stats, err := p.Check(ctx)
		require.NoError(t, err)
		require.Len(t, stats, 1)
		assert.Equal(t, local, stats[0].File)

		require.Len(t, fetcher.FetchCalls(), 1)
		assert.Equal(t, "sftp://example.com/data/people.csv", fetcher.FetchCalls()[0].Src)
		assert.Equal(t, "sftp://example.com/data/people.csv", cat.Tables[0].File, "catalog not changed")
	})

	t.Run("fetch failed", func(t *testing.T) {
		fetcher := &mocks.FetcherMock{FetchFunc: func(ctx context.Context, src string) (string, error) {
			return "", errors.New("connection refused")
		}}
		p := Process{DB: openDB(t), Catalog: cat, Fetcher: fetcher}
		err := p.Attach(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")
		assert.Contains(t, err.Error(), "table people")
	})

	t.Run("no fetcher", func(t *testing.T) {
		p := Process{DB: openDB(t), Catalog: cat}
		err := p.Attach(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no fetcher for remote source")
	})
}

func TestProcess_Detach(t *testing.T) {
	ctx := context.Background()
	cat := &config.Catalog{Tables: []config.Table{
		{Name: "nums", File: writeFile(t, t.TempDir(), "nums.csv", "n\n1\n2\n"), Header: true},
	}}

	for i := 0; i < 3; i++ { // each run attaches the same tables to the shared database
		var buf bytes.Buffer
		p := Process{DB: openDB(t), Catalog: cat, Writer: output.New(&buf, output.Options{Format: output.FormatCSV})}
		require.NoError(t, p.Attach(ctx))
		_, err := p.Query(ctx, "SELECT count(*) AS total FROM nums")
		require.NoError(t, err)
		assert.Equal(t, "total\n2\n", buf.String())

		require.NoError(t, p.Detach(ctx))
		_, err = p.Query(ctx, "SELECT * FROM nums")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no such table")
		require.NoError(t, p.Detach(ctx), "second detach is a no-op")
	}
}

func TestProcess_AttachFailed(t *testing.T) {
	p := Process{DB: openDB(t), Catalog: &config.Catalog{Tables: []config.Table{
		{Name: "t1", File: filepath.Join(t.TempDir(), "nope.csv")},
	}}}
	err := p.Attach(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "can't attach table t1")
}

func TestProcess_Check(t *testing.T) {
	dir := t.TempDir()
	p := Process{
		DB: openDB(t),
		Catalog: &config.Catalog{Tables: []config.Table{
			{Name: "good", File: writeFile(t, dir, "good.csv", "a,b\n1,2\n3,4\n"), Header: true},
			{Name: "broken", File: writeFile(t, dir, "broken.csv", "1,2\n3,4\n5,\"6\n")},
			{Name: "tabs", File: writeFile(t, dir, "tabs.tsv", "x\ty\n"), Delimiter: `\t`},
		}},
		Concurrency: 2,
	}
	stats, err := p.Check(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 3)

	assert.Equal(t, TableStats{Name: "good", File: filepath.Join(dir, "good.csv"), Columns: []string{"a", "b"}, Rows: 2},
		stats[0])

	assert.Equal(t, "broken", stats[1].Name)
	assert.Equal(t, 2, stats[1].Rows)
	require.Error(t, stats[1].Truncated)
	assert.ErrorIs(t, stats[1].Truncated, csvtab.ErrUnterminatedQuote)

	assert.Equal(t, []string{"col1", "col2"}, stats[2].Columns)
	assert.Equal(t, 1, stats[2].Rows)

	t.Run("missing file", func(t *testing.T) {
		p := Process{Catalog: &config.Catalog{Tables: []config.Table{{Name: "t1", File: filepath.Join(dir, "nope.csv")}}}}
		_, err := p.Check(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "table t1")
	})
}

func TestProcess_Export(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "out.db")
	exp, err := export.New(ctx, dsn, true)
	require.NoError(t, err)
	defer exp.Close()

	p := Process{
		DB: openDB(t),
		Catalog: &config.Catalog{
			Tables: []config.Table{{Name: "people", File: writeFile(t, t.TempDir(), "people.csv", "name,age\nbob,42\nalice\n"),
				Header: true}},
		},
		Exporter: exp,
	}
	attach(t, &p)

	n, err := p.Export(ctx, "SELECT name, age FROM people")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	defer db.Close()
	var cnt, nulls int
	require.NoError(t, db.QueryRow("SELECT count(*), sum(age IS NULL) FROM "+DefaultExportTable).Scan(&cnt, &nulls))
	assert.Equal(t, 2, cnt)
	assert.Equal(t, 1, nulls)

	t.Run("no exporter", func(t *testing.T) {
		p := Process{DB: p.DB, Catalog: p.Catalog}
		_, err := p.Export(ctx, "SELECT 1")
		require.Error(t, err)
	})

	t.Run("bad query", func(t *testing.T) {
		_, err := p.Export(ctx, "SELECT nope FROM people")
		require.Error(t, err)
	})
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := vtable.Open(csvtab.Limits{})
	require.NoError(t, err)
	return db
}

// attach attaches catalog tables and drops them when the test is done
func attach(t *testing.T, p *Process) {
	t.Helper()
	require.NoError(t, p.Attach(context.Background()))
	t.Cleanup(func() { require.NoError(t, p.Detach(context.Background())) })
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	fname := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(fname, []byte(content), 0o600))
	return fname
}
