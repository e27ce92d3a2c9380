package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDepthAction(t *testing.T) {
	tests := []struct {
		name      string
		wcDepth   Depth
		requested Depth
		dir       bool
		want      depthAction
	}{
		{name: "infinity full visit", wcDepth: DepthInfinity, requested: DepthInfinity, dir: true, want: actionNormal},
		{name: "empty request skips dirs", wcDepth: DepthInfinity, requested: DepthEmpty, dir: true, want: actionSkip},
		{name: "empty request skips files", wcDepth: DepthInfinity, requested: DepthEmpty, dir: false, want: actionSkip},
		{name: "files request skips dirs", wcDepth: DepthInfinity, requested: DepthFiles, dir: true, want: actionSkip},
		{name: "files request visits files", wcDepth: DepthFiles, requested: DepthFiles, dir: false, want: actionNormal},
		{name: "empty wc upgrades files", wcDepth: DepthEmpty, requested: DepthInfinity, dir: false, want: actionUpgrade},
		{name: "empty wc upgrades dirs", wcDepth: DepthEmpty, requested: DepthImmediates, dir: true, want: actionUpgrade},
		{name: "files wc upgrades dirs", wcDepth: DepthFiles, requested: DepthInfinity, dir: true, want: actionUpgrade},
		{name: "files wc visits files", wcDepth: DepthFiles, requested: DepthInfinity, dir: false, want: actionNormal},
		{name: "unknown wc counts as covered", wcDepth: DepthUnknown, requested: DepthInfinity, dir: true, want: actionNormal},
		{name: "immediates wc visits children", wcDepth: DepthImmediates, requested: DepthImmediates, dir: true, want: actionNormal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.wcDepth.action(tt.requested, tt.dir))
		})
	}
}

func TestDepthDeepen(t *testing.T) {
	assert.Equal(t, DepthInfinity, DepthInfinity.deepen())
	assert.Equal(t, DepthUnknown, DepthUnknown.deepen())
	assert.Equal(t, DepthEmpty, DepthImmediates.deepen())
	assert.Equal(t, DepthEmpty, DepthFiles.deepen())
	assert.Equal(t, DepthEmpty, DepthEmpty.deepen())
}

func TestParseDepth(t *testing.T) {
	assert.Equal(t, DepthInfinity, parseDepth("infinity"))
	assert.Equal(t, DepthEmpty, parseDepth("empty"))
	assert.Equal(t, DepthUnknown, parseDepth(""))
	assert.Equal(t, DepthUnknown, parseDepth("bogus"))
}

func TestCleanURL(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "svn://Example.COM/repo/", want: "svn://example.com/repo"},
		{input: "svn://host:3690/repo", want: "svn://host/repo"},
		{input: "svn://host/a//b/", want: "svn://host/a/b"},
		{input: "svn://host", want: "svn://host"},
		{input: "http://host/repo", wantErr: true},
	}
	for _, tt := range tests {
		got, err := cleanURL(tt.input)
		if tt.wantErr {
			assert.Error(t, err, tt.input)
			continue
		}
		assert.NoError(t, err, tt.input)
		assert.Equal(t, tt.want, got, tt.input)
	}
}

func TestChildName(t *testing.T) {
	assert.Equal(t, "a", childName("", "a"))
	assert.Equal(t, "", childName("", "a/b"))
	assert.Equal(t, "b", childName("a", "a/b"))
	assert.Equal(t, "", childName("a", "a/b/c"))
	assert.Equal(t, "", childName("a", "x/y"))
}
