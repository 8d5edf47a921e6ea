package csvtab

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineReader_ReadLine(t *testing.T) {
	tbl := []struct {
		name string
		inp  string
		want []string
	}{
		{"empty", "", nil},
		{"lf", "a,b\nc,d\n", []string{"a,b\n", "c,d\n"}},
		{"crlf", "a,b\r\nc,d\r\n", []string{"a,b\n", "c,d\n"}},
		{"lone cr", "a,b\rc,d\r", []string{"a,b\n", "c,d\n"}},
		{"mixed", "a,b\r\nc,d\re,f\n", []string{"a,b\n", "c,d\n", "e,f\n"}},
		{"no final terminator", "a,b\nc,d", []string{"a,b\n", "c,d\n"}},
		{"blank lines", "\n\n", []string{"\n", "\n"}},
		{"quoted newline", "x,\"1\n2\"\ny\n", []string{"x,\"1\n2\"\n", "y\n"}},
		{"quoted crlf kept", "\"1\r\n2\"\r\n", []string{"\"1\r\n2\"\n"}},
		{"escaped quote then newline", "\"a\"\"\nb\"\nc\n", []string{"\"a\"\"\nb\"\n", "c\n"}},
		{"quote inside unquoted field", "a\"b\nc\"d\n", []string{"a\"b\n", "c\"d\n"}},
		{"unterminated quote takes the rest", "a\n\"b\nc\n", []string{"a\n", "\"b\nc\n\n"}},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			r := newLineReader(strings.NewReader(tt.inp), ',', 0)
			var res []string
			for {
				row, err := r.readLine()
				if err == io.EOF {
					break
				}
				require.NoError(t, err)
				res = append(res, string(row))
			}
			assert.Equal(t, tt.want, res)
		})
	}
}

func TestLineReader_Offsets(t *testing.T) {
	r := newLineReader(strings.NewReader("ab\r\ncd\n\"e\nf\"\n"), ',', 0)
	assert.Equal(t, int64(0), r.tell())

	_, err := r.readLine()
	require.NoError(t, err)
	assert.Equal(t, int64(4), r.tell())

	_, err = r.readLine()
	require.NoError(t, err)
	assert.Equal(t, int64(7), r.tell())

	_, err = r.readLine()
	require.NoError(t, err)
	assert.Equal(t, int64(13), r.tell())

	_, err = r.readLine()
	assert.Equal(t, io.EOF, err)

	r.seek(4)
	row, err := r.readLine()
	require.NoError(t, err)
	assert.Equal(t, "cd\n", string(row))
}

func TestLineReader_LongRows(t *testing.T) {
	t.Run("grows past chunk size", func(t *testing.T) {
		long := strings.Repeat("x", 3*readChunk+17)
		r := newLineReader(strings.NewReader(long+"\nshort\n"), ',', 0)
		row, err := r.readLine()
		require.NoError(t, err)
		assert.Equal(t, long+"\n", string(row))
		assert.Equal(t, len(row), r.row.cap(), "buffer shrinks to the row after growth")

		row, err = r.readLine()
		require.NoError(t, err)
		assert.Equal(t, "short\n", string(row))
	})

	t.Run("shrinks only after the first row", func(t *testing.T) {
		first, second := strings.Repeat("x", 2*readChunk), strings.Repeat("y", 5*readChunk)
		r := newLineReader(strings.NewReader(first+"\n"+second+"\nz\n"), ',', 0)
		row, err := r.readLine()
		require.NoError(t, err)
		assert.Len(t, row, len(first)+1)
		assert.Equal(t, len(row), r.row.cap())

		row, err = r.readLine()
		require.NoError(t, err)
		assert.Len(t, row, len(second)+1)
		grown := r.row.cap()
		assert.Greater(t, grown, len(row), "no trim after the first row")

		row, err = r.readLine()
		require.NoError(t, err)
		assert.Equal(t, "z\n", string(row))
		assert.Equal(t, grown, r.row.cap())
	})

	t.Run("crlf split between chunks", func(t *testing.T) {
		first := strings.Repeat("x", readChunk-1)
		r := newLineReader(strings.NewReader(first+"\r\ny\n"), ',', 0)
		row, err := r.readLine()
		require.NoError(t, err)
		assert.Equal(t, first+"\n", string(row))
		assert.Equal(t, int64(readChunk+1), r.tell())

		row, err = r.readLine()
		require.NoError(t, err)
		assert.Equal(t, "y\n", string(row))
	})

	t.Run("at the limit", func(t *testing.T) {
		r := newLineReader(strings.NewReader("012345678\n"), ',', 10)
		row, err := r.readLine()
		require.NoError(t, err)
		assert.Equal(t, "012345678\n", string(row))
	})

	t.Run("above the limit", func(t *testing.T) {
		r := newLineReader(strings.NewReader("0123456789\n"), ',', 10)
		_, err := r.readLine()
		assert.ErrorIs(t, err, ErrRowTooLong)
	})

	t.Run("above the limit without terminator", func(t *testing.T) {
		r := newLineReader(strings.NewReader(strings.Repeat("x", 50)), ',', 20)
		_, err := r.readLine()
		assert.ErrorIs(t, err, ErrRowTooLong)
	})
}

func TestQuoteScanner(t *testing.T) {
	t.Run("single chunk", func(t *testing.T) {
		tbl := []struct {
			inp   string
			delim byte
			want  int
		}{
			{"abc\n", ',', 3},
			{"\"a\nb\"\n", ',', 5},
			{"a\"b\n", ',', 3},
			{"a,\"b\rc\"\r", ',', 7},
			{"a;\"b\nc\"\n", ';', 7},
			{"a,\"b\nc\"\n", ';', 4},
			{"\"abc", ',', -1},
		}
		for i, tt := range tbl {
			var qs quoteScanner
			assert.Equal(t, tt.want, qs.scan([]byte(tt.inp), tt.delim), "case #%d %q", i, tt.inp)
		}
	})

	t.Run("quoted field across chunks", func(t *testing.T) {
		var qs quoteScanner
		assert.Equal(t, -1, qs.scan([]byte("\"ab"), ','))
		assert.Equal(t, 2, qs.scan([]byte("c\"\n"), ','))
	})

	t.Run("escaped quote across chunks", func(t *testing.T) {
		var qs quoteScanner
		assert.Equal(t, -1, qs.scan([]byte("\"a\""), ','))
		assert.Equal(t, 4, qs.scan([]byte("\"\nb\"\n"), ','))
	})

	t.Run("delimiter before quote in previous chunk", func(t *testing.T) {
		var qs quoteScanner
		assert.Equal(t, -1, qs.scan([]byte("a,"), ','))
		assert.Equal(t, 3, qs.scan([]byte("\"\n\"\n"), ','))
	})
}

func TestGrowPolicy(t *testing.T) {
	tbl := []struct {
		policy    growPolicy
		cur, need int
		want      int
		ok        bool
	}{
		{growPolicy{factor: 2, increment: 100}, 0, 1, 100, true},
		{growPolicy{factor: 2, increment: 100}, 100, 101, 300, true},
		{growPolicy{factor: 2, increment: 100}, 100, 1000, 1500, true},
		{growPolicy{factor: 2, increment: 100, max: 1000}, 100, 1000, 1000, true},
		{growPolicy{factor: 2, increment: 100, max: 1000}, 100, 1001, 0, false},
		{growPolicy{factor: 1, increment: 5}, 5, 6, 10, true},
		{growPolicy{factor: 1, increment: 5, max: 7}, 5, 6, 7, true},
	}
	for i, tt := range tbl {
		n, ok := tt.policy.next(tt.cur, tt.need)
		assert.Equal(t, tt.ok, ok, "case #%d", i)
		assert.Equal(t, tt.want, n, "case #%d", i)
	}
}

func TestGrowBuf(t *testing.T) {
	b := newGrowBuf[int](growPolicy{factor: 1, increment: 2, max: 5})
	for i := 0; i < 5; i++ {
		require.True(t, b.push(i))
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, b.data)
	assert.False(t, b.push(5), "capped at 5")
	assert.True(t, b.grown)

	b.reset()
	assert.Equal(t, 0, b.len())
	assert.Equal(t, 5, b.cap())
	assert.False(t, b.grown)

	require.True(t, b.write([]int{7, 8}))
	b.fit()
	assert.Equal(t, 2, b.cap())
	assert.Equal(t, []int{7, 8}, b.data)
}
