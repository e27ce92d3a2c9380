package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bozaro/git-as-svn/protocol"
	"github.com/bozaro/git-as-svn/protocol/svndiff"
	"github.com/bozaro/git-as-svn/repository/props"
)

// sendContent streams full content into a FileWriter the way a client does:
// a delta against the empty or current base.
func sendContent(t *testing.T, fw *FileWriter, base, content []byte) {
	t.Helper()
	require.NoError(t, fw.ApplyDelta(context.Background(), nil))
	enc := svndiff.NewEncoder(svndiff.Version0, fw.DeltaChunk)
	require.NoError(t, enc.Encode(base, content))
	require.NoError(t, fw.DeltaEnd())
}

func TestCommitRoundTrip(t *testing.T) {
	tr := newTestRepo(t)
	ctx := context.Background()

	w, err := tr.branch.NewWriter(ctx, "alice", nil, false)
	require.NoError(t, err)
	defer w.Abort()

	require.NoError(t, w.OpenRoot(ctx))
	fw, err := w.AddFile(ctx, "foo", nil)
	require.NoError(t, err)
	sendContent(t, fw, nil, []byte("x"))
	md5x := "9dd4e461268c8034f5c8564e155c67a6"
	require.NoError(t, fw.Close(ctx, &md5x))

	rev, err := w.Commit(ctx, "alice", "alice@example.com", "add foo\n")
	require.NoError(t, err)
	assert.Equal(t, 1, rev)

	view, err := tr.branch.Revision(1)
	require.NoError(t, err)
	file, err := view.File(ctx, "foo")
	require.NoError(t, err)
	require.NotNil(t, file)

	content, err := file.Content(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), content)

	digest, err := file.MD5(ctx)
	require.NoError(t, err)
	assert.Equal(t, md5x, digest)
}

func TestCommitChecksumMismatch(t *testing.T) {
	tr := newTestRepo(t)
	ctx := context.Background()

	w, err := tr.branch.NewWriter(ctx, "alice", nil, false)
	require.NoError(t, err)
	defer w.Abort()

	require.NoError(t, w.OpenRoot(ctx))
	fw, err := w.AddFile(ctx, "foo", nil)
	require.NoError(t, err)
	sendContent(t, fw, nil, []byte("x"))

	wrong := "00000000000000000000000000000000"
	err = fw.Close(ctx, &wrong)
	require.Error(t, err)
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.CodeChecksumMismatch, perr.Code)
}

func TestCommitNestedDirectories(t *testing.T) {
	tr := newTestRepo(t)
	ctx := context.Background()
	tr.commit(t, map[string]string{"keep": "k"})
	require.NoError(t, tr.branch.Reload(ctx))

	w, err := tr.branch.NewWriter(ctx, "alice", nil, false)
	require.NoError(t, err)
	defer w.Abort()

	require.NoError(t, w.OpenRoot(ctx))
	require.NoError(t, w.AddDir(ctx, "src", nil))
	fw, err := w.AddFile(ctx, "main.go", nil)
	require.NoError(t, err)
	sendContent(t, fw, nil, []byte("package main\n"))
	require.NoError(t, fw.Close(ctx, nil))
	require.NoError(t, w.CloseDir())

	rev, err := w.Commit(ctx, "alice", "alice@example.com", "add src\n")
	require.NoError(t, err)
	assert.Equal(t, 2, rev)

	view, err := tr.branch.Revision(2)
	require.NoError(t, err)

	// Unwritten paths keep their previous state.
	kept, err := view.File(ctx, "keep")
	require.NoError(t, err)
	require.NotNil(t, kept)

	added, err := view.File(ctx, "src/main.go")
	require.NoError(t, err)
	require.NotNil(t, added)
}

func TestCommitUpdateAndDelete(t *testing.T) {
	tr := newTestRepo(t)
	ctx := context.Background()
	tr.commit(t, map[string]string{"a": "old", "b": "gone"})
	require.NoError(t, tr.branch.Reload(ctx))

	w, err := tr.branch.NewWriter(ctx, "alice", nil, false)
	require.NoError(t, err)
	defer w.Abort()

	require.NoError(t, w.OpenRoot(ctx))

	one := 1
	fw, err := w.OpenFile(ctx, "a", &one)
	require.NoError(t, err)
	sendContent(t, fw, []byte("old"), []byte("new"))
	require.NoError(t, fw.Close(ctx, nil))

	require.NoError(t, w.DeleteEntry(ctx, "b", &one))

	rev, err := w.Commit(ctx, "alice", "alice@example.com", "update\n")
	require.NoError(t, err)

	view, err := tr.branch.Revision(rev)
	require.NoError(t, err)
	a, err := view.File(ctx, "a")
	require.NoError(t, err)
	content, err := a.Content(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), content)

	b, err := view.File(ctx, "b")
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestCommitOutOfDate(t *testing.T) {
	tr := newTestRepo(t)
	ctx := context.Background()
	tr.commit(t, map[string]string{"a": "v1"}) // r1
	tr.commit(t, map[string]string{"a": "v2"}) // r2
	require.NoError(t, tr.branch.Reload(ctx))

	w, err := tr.branch.NewWriter(ctx, "alice", nil, false)
	require.NoError(t, err)
	defer w.Abort()

	require.NoError(t, w.OpenRoot(ctx))
	one := 1
	_, err = w.OpenFile(ctx, "a", &one)
	require.Error(t, err)
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.CodeFsOutOfDate, perr.Code)
}

func TestCommitExecutableProperty(t *testing.T) {
	tr := newTestRepo(t)
	ctx := context.Background()

	w, err := tr.branch.NewWriter(ctx, "alice", nil, false)
	require.NoError(t, err)
	defer w.Abort()

	require.NoError(t, w.OpenRoot(ctx))
	fw, err := w.AddFile(ctx, "run.sh", nil)
	require.NoError(t, err)
	star := "*"
	fw.ChangeProp(props.Executable, &star)
	sendContent(t, fw, nil, []byte("#!/bin/sh\n"))
	require.NoError(t, fw.Close(ctx, nil))

	rev, err := w.Commit(ctx, "alice", "alice@example.com", "add script\n")
	require.NoError(t, err)

	view, err := tr.branch.Revision(rev)
	require.NoError(t, err)
	file, err := view.File(ctx, "run.sh")
	require.NoError(t, err)
	fileProps, err := file.Properties(ctx)
	require.NoError(t, err)
	assert.Equal(t, "*", fileProps[props.Executable])
}

func TestLockContention(t *testing.T) {
	tr := newTestRepo(t)
	lm := tr.repo.Locks()

	locked, err := lm.Lock("alice", "master", "", false, []LockTarget{{Path: "a", Rev: 1}}, nil)
	require.NoError(t, err)
	require.Len(t, locked, 1)
	assert.NotEmpty(t, locked[0].Token)

	// Second lock without steal fails.
	_, err = lm.Lock("bob", "master", "", false, []LockTarget{{Path: "a", Rev: 1}}, nil)
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.CodeFsPathAlreadyLocked, perr.Code)

	// Steal replaces the lock and invalidates the old token.
	stolen, err := lm.Lock("bob", "master", "", true, []LockTarget{{Path: "a", Rev: 1}}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, locked[0].Token, stolen[0].Token)

	current, err := lm.GetLock("a")
	require.NoError(t, err)
	assert.Equal(t, "bob", current.Owner)

	// Unlock with the stale token fails; break-lock overrides.
	err = lm.Unlock("alice", false, map[string]string{"a": locked[0].Token})
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.CodeFsBadLockToken, perr.Code)
	require.NoError(t, lm.Unlock("admin", true, map[string]string{"a": ""}))

	current, err = lm.GetLock("a")
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestLockAtomicity(t *testing.T) {
	tr := newTestRepo(t)
	lm := tr.repo.Locks()

	_, err := lm.Lock("alice", "master", "", false, []LockTarget{{Path: "a", Rev: 1}}, nil)
	require.NoError(t, err)

	// Locking [b, a] fails on a; b must not remain locked.
	_, err = lm.Lock("bob", "master", "", false, []LockTarget{{Path: "b", Rev: 1}, {Path: "a", Rev: 1}}, nil)
	require.Error(t, err)

	b, err := lm.GetLock("b")
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestCommitAgainstLockedPath(t *testing.T) {
	tr := newTestRepo(t)
	ctx := context.Background()
	tr.commit(t, map[string]string{"a": "v1"})
	require.NoError(t, tr.branch.Reload(ctx))

	lm := tr.repo.Locks()
	locked, err := lm.Lock("alice", "master", "", false, []LockTarget{{Path: "a", Rev: 1}}, nil)
	require.NoError(t, err)

	// Bob cannot modify the locked path even with the right token value
	// scheme, because he does not own the lock.
	w, err := tr.branch.NewWriter(ctx, "bob", map[string]string{"a": locked[0].Token}, false)
	require.NoError(t, err)
	require.NoError(t, w.OpenRoot(ctx))
	one := 1
	_, err = w.OpenFile(ctx, "a", &one)
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.CodeFsLockOwnerMismatch, perr.Code)
	w.Abort()

	// Alice without the token is refused too.
	w, err = tr.branch.NewWriter(ctx, "alice", nil, false)
	require.NoError(t, err)
	require.NoError(t, w.OpenRoot(ctx))
	_, err = w.OpenFile(ctx, "a", &one)
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.CodeFsBadLockToken, perr.Code)
	w.Abort()

	// Alice with the token succeeds, and the lock is released afterwards.
	w, err = tr.branch.NewWriter(ctx, "alice", map[string]string{"a": locked[0].Token}, false)
	require.NoError(t, err)
	require.NoError(t, w.OpenRoot(ctx))
	fw, err := w.OpenFile(ctx, "a", &one)
	require.NoError(t, err)
	sendContent(t, fw, []byte("v1"), []byte("v2"))
	require.NoError(t, fw.Close(ctx, nil))
	_, err = w.Commit(ctx, "alice", "alice@example.com", "locked edit\n")
	require.NoError(t, err)

	remaining, err := lm.GetLock("a")
	require.NoError(t, err)
	assert.Nil(t, remaining)
}
