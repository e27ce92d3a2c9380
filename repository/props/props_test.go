package props

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIgnore(t *testing.T) {
	rules := ParseDotfile(".gitignore", []byte("# build output\n*.o\n/local.cfg\nnode_modules/\ndeep/path.txt\n\n!keep.o\n"))
	require.NotNil(t, rules)

	props := make(map[string]string)
	rules.ApplyDir(props)
	assert.Equal(t, "*.o\nlocal.cfg\nnode_modules\n", props[Ignore])
}

func TestParseIgnoreEmpty(t *testing.T) {
	assert.Nil(t, ParseDotfile(".gitignore", []byte("# only comments\n")))
	assert.Nil(t, ParseDotfile("README", []byte("*.o\n")))
}

func TestParseAttributes(t *testing.T) {
	content := "*.txt text\n*.png binary\n*.sh eol=lf lockable\ndocs/*.md eol=crlf\n"
	rules := ParseDotfile(".gitattributes", []byte(content))
	require.NotNil(t, rules)

	tests := []struct {
		name    string
		relPath string
		want    map[string]string
	}{
		{
			name:    "text file",
			relPath: "notes.txt",
			want:    map[string]string{EolStyle: "native"},
		},
		{
			name:    "binary file",
			relPath: "logo.png",
			want:    map[string]string{MimeType: MimeBinary},
		},
		{
			name:    "lockable script",
			relPath: "bin/run.sh",
			want:    map[string]string{EolStyle: "LF", NeedsLock: "*"},
		},
		{
			name:    "anchored pattern",
			relPath: "docs/guide.md",
			want:    map[string]string{EolStyle: "CRLF"},
		},
		{
			name:    "anchored pattern does not match other dirs",
			relPath: "src/guide.md",
			want:    map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := make(map[string]string)
			rules.ApplyFile(tt.relPath, got)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAttributesLaterRulesWin(t *testing.T) {
	rules := ParseDotfile(".gitattributes", []byte("*.dat text\nspecial.dat binary\n"))
	require.NotNil(t, rules)

	got := make(map[string]string)
	rules.ApplyFile("special.dat", got)
	assert.Equal(t, MimeBinary, got[MimeType])
}
