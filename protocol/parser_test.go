package protocol

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParserReadToken(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []Token
	}{
		{
			name:  "word",
			input: "success ",
			want:  []Token{{Kind: TokenWord, Text: []byte("success")}},
		},
		{
			name:  "hyphenated word",
			input: "edit-pipeline ",
			want:  []Token{{Kind: TokenWord, Text: []byte("edit-pipeline")}},
		},
		{
			name:  "number",
			input: "42 ",
			want:  []Token{{Kind: TokenNumber, Number: 42}},
		},
		{
			name:  "byte string",
			input: "5:hello ",
			want:  []Token{{Kind: TokenString, Text: []byte("hello")}},
		},
		{
			name:  "empty byte string",
			input: "0: ",
			want:  []Token{{Kind: TokenString, Text: []byte{}}},
		},
		{
			name:  "byte string with binary payload",
			input: "3:\x00\x01\x02 ",
			want:  []Token{{Kind: TokenString, Text: []byte{0, 1, 2}}},
		},
		{
			name:  "byte string containing parens and spaces",
			input: "7:( a b ) ",
			want:  []Token{{Kind: TokenString, Text: []byte("( a b )")}},
		},
		{
			name:  "list",
			input: "( word 1 ) ",
			want: []Token{
				{Kind: TokenListBegin},
				{Kind: TokenWord, Text: []byte("word")},
				{Kind: TokenNumber, Number: 1},
				{Kind: TokenListEnd},
			},
		},
		{
			name:  "nested lists without separators",
			input: "((1)) ",
			want: []Token{
				{Kind: TokenListBegin},
				{Kind: TokenListBegin},
				{Kind: TokenNumber, Number: 1},
				{Kind: TokenListEnd},
				{Kind: TokenListEnd},
			},
		},
		{
			name:  "newline separators",
			input: "a\nb\r\n3 ",
			want: []Token{
				{Kind: TokenWord, Text: []byte("a")},
				{Kind: TokenWord, Text: []byte("b")},
				{Kind: TokenNumber, Number: 3},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser(strings.NewReader(tt.input))
			for _, want := range tt.want {
				got, err := p.ReadToken()
				require.NoError(t, err)
				assert.Equal(t, want.Kind, got.Kind)
				switch want.Kind {
				case TokenNumber:
					assert.Equal(t, want.Number, got.Number)
				case TokenWord, TokenString:
					assert.Equal(t, want.Text, got.Text)
				}
			}
		})
	}
}

func TestParserRejectsMalformedInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "unbalanced list end", input: ") "},
		{name: "invalid leading byte", input: "#comment "},
		{name: "garbage in number", input: "12x "},
		{name: "truncated byte string", input: "10:short"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser(strings.NewReader(tt.input))
			_, err := p.ReadToken()
			require.Error(t, err)
		})
	}
}

func TestParserSkipItem(t *testing.T) {
	p := NewParser(strings.NewReader("( a ( b ( c ) ) 42 ) next "))
	require.NoError(t, p.ReadListBegin())
	require.NoError(t, p.SkipItem()) // a
	require.NoError(t, p.SkipItem()) // ( b ( c ) )
	require.NoError(t, p.SkipItem()) // 42
	require.NoError(t, p.ReadListEnd())

	w, err := p.ReadWord()
	require.NoError(t, err)
	assert.Equal(t, "next", w)
}

func TestParserSkipItems(t *testing.T) {
	p := NewParser(strings.NewReader("( a ( b ) 1 2 3 ) done "))
	require.NoError(t, p.ReadListBegin())
	_, err := p.ReadWord()
	require.NoError(t, err)
	require.NoError(t, p.SkipItems())

	w, err := p.ReadWord()
	require.NoError(t, err)
	assert.Equal(t, "done", w)
}

func TestParserTypedReads(t *testing.T) {
	p := NewParser(strings.NewReader("( 7:example 13 true word ) "))
	require.NoError(t, p.ReadListBegin())

	s, err := p.ReadText()
	require.NoError(t, err)
	assert.Equal(t, "example", s)

	n, err := p.ReadNumber()
	require.NoError(t, err)
	assert.Equal(t, 13, n)

	b, err := p.ReadBool()
	require.NoError(t, err)
	assert.True(t, b)

	w, err := p.ReadWord()
	require.NoError(t, err)
	assert.Equal(t, "word", w)

	require.NoError(t, p.ReadListEnd())
}

func TestWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.ListBegin().
		Word("success").
		ListBegin().
		Number(2).
		String("ANONYMOUS").
		Binary([]byte{0x00, 0xff}).
		Bool(false).
		ListEnd().
		ListEnd()
	require.NoError(t, w.Flush())

	p := NewParser(&buf)
	require.NoError(t, p.ReadListBegin())
	word, err := p.ReadWord()
	require.NoError(t, err)
	assert.Equal(t, "success", word)

	require.NoError(t, p.ReadListBegin())
	n, err := p.ReadNumber()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	s, err := p.ReadText()
	require.NoError(t, err)
	assert.Equal(t, "ANONYMOUS", s)

	b, err := p.ReadBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xff}, b)

	v, err := p.ReadBool()
	require.NoError(t, err)
	assert.False(t, v)

	require.NoError(t, p.ReadListEnd())
	require.NoError(t, p.ReadListEnd())
}

func TestWriterMap(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.Map(map[string]string{"svn:ignore": "*.o\n", "svn:eol-style": "native"})
	require.NoError(t, w.Flush())

	// Keys are emitted sorted.
	assert.Equal(t, "( ( 13:svn:eol-style ( 6:native ) ) ( 10:svn:ignore ( 4:*.o\n ) ) ) ", buf.String())
}

func TestWriterUnbalancedListEnd(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.ListEnd()
	require.Error(t, w.Flush())
}
