package repository

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bozaro/git-as-svn/gitdb"
	"github.com/bozaro/git-as-svn/repository/props"
)

// testRepo wires an in-memory store and badger database, seeds the branch
// with an empty root commit (revision 0) and reloads it.
type testRepo struct {
	repo   *Repository
	branch *Branch
	store  gitdb.Store
	tip    gitdb.Hash
	seq    int
}

func newTestRepo(t *testing.T, opts ...func(*Options)) *testRepo {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := gitdb.NewBadgerStore(db)

	options := Options{
		Name:            "example",
		UUID:            "00000000-0000-0000-0000-000000000001",
		Branches:        []string{"master"},
		RenameDetection: true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	repo, err := New(store, db, zaptest.NewLogger(t), options)
	require.NoError(t, err)

	tr := &testRepo{repo: repo, branch: repo.Branch("master"), store: store}
	tr.commit(t, map[string]string{})
	require.NoError(t, tr.branch.Reload(context.Background()))
	return tr
}

// commit writes a full snapshot from a path→content map. Keys ending in "/"
// declare empty directories (ignored); "x:" prefix marks executable files
// and "l:" symlinks.
func (tr *testRepo) commit(t *testing.T, files map[string]string) gitdb.Hash {
	t.Helper()
	ctx := context.Background()
	ins := tr.store.NewInserter()

	type node struct {
		children map[string]*node
		mode     uint32
		content  string
	}
	root := &node{children: map[string]*node{}}
	for path, content := range files {
		mode := gitdb.ModeFile
		if len(content) > 2 && content[:2] == "x:" {
			mode, content = gitdb.ModeExec, content[2:]
		} else if len(content) > 2 && content[:2] == "l:" {
			mode, content = gitdb.ModeSymlink, content[2:]
		}
		cur := root
		parts := splitPath(path)
		for i, part := range parts {
			if i == len(parts)-1 {
				cur.children[part] = &node{mode: mode, content: content}
				break
			}
			next, ok := cur.children[part]
			if !ok {
				next = &node{children: map[string]*node{}}
				cur.children[part] = next
			}
			cur = next
		}
	}

	var build func(n *node) gitdb.Hash
	build = func(n *node) gitdb.Hash {
		tree := &gitdb.Tree{}
		for name, child := range n.children {
			if child.children != nil {
				id := build(child)
				tree.Entries = append(tree.Entries, gitdb.TreeEntry{Name: []byte(name), Mode: gitdb.ModeDir, ID: id})
				continue
			}
			id, err := ins.PutBlob([]byte(child.content))
			require.NoError(t, err)
			tree.Entries = append(tree.Entries, gitdb.TreeEntry{Name: []byte(name), Mode: child.mode, ID: id})
		}
		id, err := ins.PutTree(tree)
		require.NoError(t, err)
		return id
	}

	treeID := build(root)
	tr.seq++
	commit := &gitdb.Commit{
		Tree:      treeID,
		Author:    gitdb.Signature{Name: "tester", Email: "tester@example.com", When: time.Unix(int64(1600000000+tr.seq*60), 0).UTC()},
		Committer: gitdb.Signature{Name: "tester", Email: "tester@example.com", When: time.Unix(int64(1600000000+tr.seq*60), 0).UTC()},
		Message:   "snapshot\n",
	}
	if !tr.tip.IsZero() {
		commit.Parents = []gitdb.Hash{tr.tip}
	}
	commitID, err := ins.PutCommit(commit)
	require.NoError(t, err)
	require.NoError(t, ins.Flush())
	require.NoError(t, tr.store.UpdateRef(ctx, "refs/heads/master", tr.tip, commitID))
	tr.tip = commitID
	return commitID
}

func splitPath(p string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			if i > start {
				parts = append(parts, p[start:i])
			}
			start = i + 1
		}
	}
	return parts
}

func TestEmptyRepositoryIsRevisionZero(t *testing.T) {
	tr := newTestRepo(t)
	assert.Equal(t, 0, tr.branch.Latest())

	rev, err := tr.branch.Revision(0)
	require.NoError(t, err)
	assert.False(t, rev.CommitID().IsZero(), "the empty root commit is revision 0")

	root, err := rev.File(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, root)
	assert.Equal(t, KindDir, root.Kind())

	entries, err := root.Entries(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRevisionSequenceExtends(t *testing.T) {
	tr := newTestRepo(t)
	ctx := context.Background()

	first := tr.commit(t, map[string]string{"README": "hello\n"})
	tr.commit(t, map[string]string{"README": "hello\n", "docs/guide.md": "guide\n"})
	require.NoError(t, tr.branch.Reload(ctx))

	assert.Equal(t, 2, tr.branch.Latest())
	assert.Equal(t, 1, tr.branch.RevisionByHash(first))

	// Numbering is stable across reloads.
	require.NoError(t, tr.branch.Reload(ctx))
	assert.Equal(t, 1, tr.branch.RevisionByHash(first))
}

func TestStatMatchesTreeEntries(t *testing.T) {
	tr := newTestRepo(t)
	ctx := context.Background()

	tr.commit(t, map[string]string{
		"README":      "hello\n",
		"bin/run.sh":  "x:#!/bin/sh\n",
		"current":     "l:README",
		"docs/a.txt":  "a\n",
	})
	require.NoError(t, tr.branch.Reload(ctx))

	rev, err := tr.branch.Revision(1)
	require.NoError(t, err)

	file, err := rev.File(ctx, "README")
	require.NoError(t, err)
	require.NotNil(t, file)
	assert.Equal(t, KindFile, file.Kind())

	size, err := file.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), size)

	digest, err := file.MD5(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b1946ac92492d2347c6235b4d2611184", digest)

	// Symlinks materialise in the protocol text form.
	link, err := rev.File(ctx, "current")
	require.NoError(t, err)
	require.NotNil(t, link)
	content, err := link.Content(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("link README"), content)

	linkProps, err := link.Properties(ctx)
	require.NoError(t, err)
	assert.Equal(t, "*", linkProps[props.Special])

	exec, err := rev.File(ctx, "bin/run.sh")
	require.NoError(t, err)
	execProps, err := exec.Properties(ctx)
	require.NoError(t, err)
	assert.Equal(t, "*", execProps[props.Executable])

	absent, err := rev.File(ctx, "no/such/path")
	require.NoError(t, err)
	assert.Nil(t, absent)
}

func TestLastChange(t *testing.T) {
	tr := newTestRepo(t)
	ctx := context.Background()

	tr.commit(t, map[string]string{"a": "1", "b": "1"})             // r1
	tr.commit(t, map[string]string{"a": "1", "b": "2"})             // r2
	tr.commit(t, map[string]string{"a": "1", "b": "2", "c": "1"})   // r3
	require.NoError(t, tr.branch.Reload(ctx))

	tests := []struct {
		path string
		rev  int
		want int
	}{
		{path: "a", rev: 3, want: 1},
		{path: "a", rev: 1, want: 1},
		{path: "b", rev: 3, want: 2},
		{path: "b", rev: 1, want: 1},
		{path: "c", rev: 3, want: 3},
		{path: "", rev: 3, want: 3},
		{path: "missing", rev: 3, want: -1},
	}
	for _, tt := range tests {
		got, err := tr.branch.LastChange(ctx, tt.path, tt.rev)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "last-change(%s, %d)", tt.path, tt.rev)
	}
}

func TestRenameDetection(t *testing.T) {
	tr := newTestRepo(t)
	ctx := context.Background()

	tr.commit(t, map[string]string{"a": "same content\n"}) // r1
	tr.commit(t, map[string]string{"b": "same content\n"}) // r2: rename a -> b
	require.NoError(t, tr.branch.Reload(ctx))

	from, err := tr.branch.CopyFrom(ctx, 2, "b")
	require.NoError(t, err)
	require.NotNil(t, from)
	assert.Equal(t, "a", from.Path)
	assert.Equal(t, 1, from.Rev)

	// No match for content that did not move.
	from, err = tr.branch.CopyFrom(ctx, 1, "a")
	require.NoError(t, err)
	assert.Nil(t, from)
}

func TestRenameDetectionWithEdit(t *testing.T) {
	tr := newTestRepo(t)
	ctx := context.Background()

	// The rename comes with a one-line content edit, so content identity
	// cannot match; the size+prefix fallback has to.
	tr.commit(t, map[string]string{"notes.txt": "line1\nline2\nline3\n"})    // r1
	tr.commit(t, map[string]string{"notes-v2.txt": "line1\nline2\nline4\n"}) // r2
	require.NoError(t, tr.branch.Reload(ctx))

	from, err := tr.branch.CopyFrom(ctx, 2, "notes-v2.txt")
	require.NoError(t, err)
	require.NotNil(t, from)
	assert.Equal(t, "notes.txt", from.Path)
	assert.Equal(t, 1, from.Rev)
}

func TestRenameDetectionRejectsDissimilar(t *testing.T) {
	tr := newTestRepo(t)
	ctx := context.Background()

	// Same base-name prefix but wildly different sizes: not a rename.
	tr.commit(t, map[string]string{"data.bin": "tiny"}) // r1
	tr.commit(t, map[string]string{
		"data.csv": "a much, much longer replacement payload that shares nothing",
	}) // r2
	require.NoError(t, tr.branch.Reload(ctx))

	from, err := tr.branch.CopyFrom(ctx, 2, "data.csv")
	require.NoError(t, err)
	assert.Nil(t, from)
}

func TestRenameDetectionAmbiguousFallback(t *testing.T) {
	tr := newTestRepo(t)
	ctx := context.Background()

	// Two similarly named, similarly sized additions against one removal:
	// the origin is ambiguous and no pair may be reported.
	tr.commit(t, map[string]string{"report.txt": "alpha beta gamma\n"}) // r1
	tr.commit(t, map[string]string{
		"report-a.txt": "alpha beta gamm1\n",
		"report-b.txt": "alpha beta gamm2\n",
	}) // r2
	require.NoError(t, tr.branch.Reload(ctx))

	for _, added := range []string{"report-a.txt", "report-b.txt"} {
		from, err := tr.branch.CopyFrom(ctx, 2, added)
		require.NoError(t, err)
		assert.Nil(t, from, "ambiguous rename must not report a source for %s", added)
	}
}

func TestRevisionByDate(t *testing.T) {
	tr := newTestRepo(t)
	ctx := context.Background()

	tr.commit(t, map[string]string{"a": "1"})
	tr.commit(t, map[string]string{"a": "2"})
	require.NoError(t, tr.branch.Reload(ctx))

	r1, err := tr.branch.Revision(1)
	require.NoError(t, err)

	assert.Equal(t, 1, tr.branch.RevisionByDate(r1.Date()))
	assert.Equal(t, 2, tr.branch.RevisionByDate(time.Unix(1700000000, 0)))
}

func TestChangedPaths(t *testing.T) {
	tr := newTestRepo(t)
	ctx := context.Background()

	tr.commit(t, map[string]string{"a": "1", "dir/b": "1"})
	tr.commit(t, map[string]string{"a": "2", "dir/c": "1"})
	require.NoError(t, tr.branch.Reload(ctx))

	rev, err := tr.branch.Revision(2)
	require.NoError(t, err)
	changes, err := rev.ChangedPaths(ctx)
	require.NoError(t, err)

	assert.Equal(t, ChangeModify, changes["a"])
	assert.Equal(t, ChangeAdd, changes["dir/c"])
	assert.Equal(t, ChangeDelete, changes["dir/b"])
}

func TestDirectoryProperties(t *testing.T) {
	tr := newTestRepo(t)
	ctx := context.Background()

	tr.commit(t, map[string]string{
		".gitignore":     "*.o\n",
		".gitattributes": "*.txt text\n",
		"notes.txt":      "n\n",
	})
	require.NoError(t, tr.branch.Reload(ctx))

	rev, err := tr.branch.Revision(1)
	require.NoError(t, err)

	root, err := rev.File(ctx, "")
	require.NoError(t, err)
	rootProps, err := root.Properties(ctx)
	require.NoError(t, err)
	assert.Equal(t, "*.o\n", rootProps[props.Ignore])

	file, err := rev.File(ctx, "notes.txt")
	require.NoError(t, err)
	fileProps, err := file.Properties(ctx)
	require.NoError(t, err)
	assert.Equal(t, "native", fileProps[props.EolStyle])
}
