package repository

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bozaro/git-as-svn/gitdb"
	"github.com/bozaro/git-as-svn/internal/tempbuf"
	"github.com/bozaro/git-as-svn/protocol"
	"github.com/bozaro/git-as-svn/protocol/svndiff"
	"github.com/bozaro/git-as-svn/repository/filter"
	"github.com/bozaro/git-as-svn/repository/props"
)

// Writer applies a client edit script against the branch tip and turns it
// into new blobs, trees and one commit. It holds the branch write lock from
// creation until Commit or Abort.
//
// The overlay is a stack of open directories; closing a directory
// serialises its tree object and folds the id into the parent, so the root
// tree is ready when the edit closes.
type Writer struct {
	branch  *Branch
	tipRev  int
	tipID   gitdb.Hash
	ins     gitdb.Inserter
	stack   []*writerDir
	tokens  map[string]string
	keep    bool
	user    string
	aborted bool
}

type writerDir struct {
	path    string
	name    string
	entries map[string]gitdb.TreeEntry
}

// NewWriter opens a commit transaction. The caller must finish with Commit
// or Abort; until then every other writer to the branch blocks.
func (b *Branch) NewWriter(ctx context.Context, user string, tokens map[string]string, keepLocks bool) (*Writer, error) {
	b.writeMu.Lock()

	if err := b.Reload(ctx); err != nil {
		b.writeMu.Unlock()
		return nil, err
	}
	tipRev := b.Latest()
	tip, err := b.Revision(tipRev)
	if err != nil {
		b.writeMu.Unlock()
		return nil, err
	}

	return &Writer{
		branch: b,
		tipRev: tipRev,
		tipID:  tip.CommitID(),
		ins:    b.repo.store.NewInserter(),
		tokens: tokens,
		keep:   keepLocks,
		user:   user,
	}, nil
}

// Abort discards all staged state and releases the branch write lock.
func (w *Writer) Abort() {
	if w.aborted {
		return
	}
	w.aborted = true
	w.ins.Discard()
	w.branch.writeMu.Unlock()
}

func (w *Writer) top() (*writerDir, error) {
	if len(w.stack) == 0 {
		return nil, protocol.NewError(protocol.CodeRaSvnCmdErr, "no open directory")
	}
	return w.stack[len(w.stack)-1], nil
}

func (w *Writer) checkLock(path string) error {
	return w.branch.repo.locks.CheckWrite(w.user, path, w.tokens)
}

// checkUpToDate fails when the entry at path changed after the client's
// declared base revision.
func (w *Writer) checkUpToDate(ctx context.Context, path string, baseRev *int) error {
	if baseRev == nil {
		return nil
	}
	change, err := w.branch.LastChange(ctx, path, w.tipRev)
	if err != nil {
		return err
	}
	if change > *baseRev {
		return protocol.Errorf(protocol.CodeFsOutOfDate, "Path /%s is out of date: changed in r%d", path, change)
	}
	return nil
}

// OpenRoot starts the edit at the branch tip's root tree.
func (w *Writer) OpenRoot(ctx context.Context) error {
	if len(w.stack) != 0 {
		return protocol.NewError(protocol.CodeRaSvnCmdErr, "root already open")
	}
	root, err := w.branch.rootTree(w.tipRev)
	if err != nil {
		return err
	}
	entries, err := w.branch.treeEntries(ctx, root)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = make(map[string]gitdb.TreeEntry)
	}
	w.stack = append(w.stack, &writerDir{entries: entries})
	return nil
}

// OpenDir descends into an existing directory.
func (w *Writer) OpenDir(ctx context.Context, name string, baseRev *int) error {
	parent, err := w.top()
	if err != nil {
		return err
	}
	entry, ok := parent.entries[name]
	if !ok || entry.Mode != gitdb.ModeDir {
		return protocol.Errorf(protocol.CodeFsNotFound, "No such directory: /%s", joinPath(parent.path, name))
	}
	path := joinPath(parent.path, name)
	if err := w.checkUpToDate(ctx, path, baseRev); err != nil {
		return err
	}
	entries, err := w.branch.treeEntries(ctx, entry.ID)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = make(map[string]gitdb.TreeEntry)
	}
	w.stack = append(w.stack, &writerDir{path: path, name: name, entries: entries})
	return nil
}

// AddDir creates a directory, optionally populated from a copy source.
func (w *Writer) AddDir(ctx context.Context, name string, copyFrom *CopyFrom) error {
	parent, err := w.top()
	if err != nil {
		return err
	}
	if _, exists := parent.entries[name]; exists {
		return protocol.Errorf(protocol.CodeFsConflict, "Path already exists: /%s", joinPath(parent.path, name))
	}

	entries := make(map[string]gitdb.TreeEntry)
	if copyFrom != nil {
		src, err := w.branch.Revision(copyFrom.Rev)
		if err != nil {
			return err
		}
		srcFile, err := src.File(ctx, copyFrom.Path)
		if err != nil {
			return err
		}
		if srcFile == nil || !srcFile.IsDirectory() {
			return protocol.Errorf(protocol.CodeFsNotFound, "Copy source not found: /%s@%d", copyFrom.Path, copyFrom.Rev)
		}
		if entries, err = w.branch.treeEntries(ctx, srcFile.ObjectID()); err != nil {
			return err
		}
		if entries == nil {
			entries = make(map[string]gitdb.TreeEntry)
		}
	}

	w.stack = append(w.stack, &writerDir{path: joinPath(parent.path, name), name: name, entries: entries})
	return nil
}

// CloseDir serialises the open directory and folds it into its parent.
// Empty directories cannot be represented and vanish from the tree.
func (w *Writer) CloseDir() error {
	dir, err := w.top()
	if err != nil {
		return err
	}
	if len(w.stack) == 1 {
		return protocol.NewError(protocol.CodeRaSvnCmdErr, "cannot close the edit root as a directory")
	}
	w.stack = w.stack[:len(w.stack)-1]
	parent := w.stack[len(w.stack)-1]

	if len(dir.entries) == 0 {
		delete(parent.entries, dir.name)
		return nil
	}

	tree := &gitdb.Tree{}
	for name, entry := range dir.entries {
		entry.Name = []byte(name)
		tree.Entries = append(tree.Entries, entry)
	}
	id, err := w.ins.PutTree(tree)
	if err != nil {
		return err
	}
	parent.entries[dir.name] = gitdb.TreeEntry{Name: []byte(dir.name), Mode: gitdb.ModeDir, ID: id}
	return nil
}

// DeleteEntry removes an entry from the open directory.
func (w *Writer) DeleteEntry(ctx context.Context, name string, baseRev *int) error {
	dir, err := w.top()
	if err != nil {
		return err
	}
	path := joinPath(dir.path, name)
	if _, exists := dir.entries[name]; !exists {
		return protocol.Errorf(protocol.CodeFsNotFound, "No such entry: /%s", path)
	}
	if err := w.checkLock(path); err != nil {
		return err
	}
	if err := w.checkUpToDate(ctx, path, baseRev); err != nil {
		return err
	}
	delete(dir.entries, name)
	return nil
}

// ChangeDirProp records a directory property change. Directory properties
// derive from dotfiles in this model; changes that cannot round-trip are
// dropped with a log entry rather than failing real-world clients.
func (w *Writer) ChangeDirProp(name string, value *string) error {
	if _, err := w.top(); err != nil {
		return err
	}
	w.branch.log.Warn("discarding unrepresentable directory property", zap.String("property", name))
	return nil
}

// FileWriter stages one file's content and properties.
type FileWriter struct {
	writer  *Writer
	path    string
	name    string
	base    *File
	mode    uint32
	blobID  gitdb.Hash // carried over when content is untouched
	buf     *tempbuf.Buffer
	applier *svndiff.Applier
	digest  string
	props   map[string]*string
}

// AddFile stages a new file, optionally copied from an existing one.
func (w *Writer) AddFile(ctx context.Context, name string, copyFrom *CopyFrom) (*FileWriter, error) {
	dir, err := w.top()
	if err != nil {
		return nil, err
	}
	path := joinPath(dir.path, name)
	if _, exists := dir.entries[name]; exists {
		return nil, protocol.Errorf(protocol.CodeFsConflict, "Path already exists: /%s", path)
	}
	if err := w.checkLock(path); err != nil {
		return nil, err
	}

	fw := &FileWriter{writer: w, path: path, name: name, mode: gitdb.ModeFile, props: make(map[string]*string)}
	if copyFrom != nil {
		src, err := w.branch.Revision(copyFrom.Rev)
		if err != nil {
			return nil, err
		}
		srcFile, err := src.File(ctx, copyFrom.Path)
		if err != nil {
			return nil, err
		}
		if srcFile == nil || srcFile.IsDirectory() {
			return nil, protocol.Errorf(protocol.CodeFsNotFound, "Copy source not found: /%s@%d", copyFrom.Path, copyFrom.Rev)
		}
		fw.base = srcFile
		fw.mode = srcFile.Mode()
		fw.blobID = srcFile.ObjectID()
	}
	return fw, nil
}

// OpenFile stages an update of an existing file.
func (w *Writer) OpenFile(ctx context.Context, name string, baseRev *int) (*FileWriter, error) {
	dir, err := w.top()
	if err != nil {
		return nil, err
	}
	path := joinPath(dir.path, name)
	entry, exists := dir.entries[name]
	if !exists || entry.Mode == gitdb.ModeDir || entry.Mode == gitdb.ModeSubmodule {
		return nil, protocol.Errorf(protocol.CodeFsNotFound, "No such file: /%s", path)
	}
	if err := w.checkLock(path); err != nil {
		return nil, err
	}
	if err := w.checkUpToDate(ctx, path, baseRev); err != nil {
		return nil, err
	}

	return &FileWriter{
		writer: w,
		path:   path,
		name:   name,
		base:   newFile(w.branch, w.tipRev, path, entryRef{Mode: entry.Mode, ID: entry.ID}),
		mode:   entry.Mode,
		blobID: entry.ID,
		props:  make(map[string]*string),
	}, nil
}

// ChangeProp records a file property change. The executable and special
// flags map onto the entry mode; other svn: properties are derived state
// here and are dropped.
func (fw *FileWriter) ChangeProp(name string, value *string) {
	fw.props[name] = value
}

// ApplyDelta starts content replacement. baseChecksum, when sent by the
// client, must match the current content.
func (fw *FileWriter) ApplyDelta(ctx context.Context, baseChecksum *string) error {
	if fw.applier != nil {
		return protocol.NewError(protocol.CodeRaSvnCmdErr, "textdelta already open")
	}

	var base []byte
	if fw.base != nil {
		var err error
		if base, err = fw.base.Content(ctx); err != nil {
			return err
		}
		if baseChecksum != nil {
			sum := md5.Sum(base)
			if hex.EncodeToString(sum[:]) != *baseChecksum {
				return protocol.NewError(protocol.CodeChecksumMismatch, "Base checksum mismatch")
			}
		}
	}

	fw.buf = tempbuf.New()
	fw.applier = svndiff.NewApplier(bytes.NewReader(base), fw.buf)
	return nil
}

// DeltaChunk feeds one delta window chunk.
func (fw *FileWriter) DeltaChunk(chunk []byte) error {
	if fw.applier == nil {
		return protocol.NewError(protocol.CodeRaSvnCmdErr, "textdelta not open")
	}
	if err := fw.applier.Write(chunk); err != nil {
		return protocol.Errorf(protocol.CodeStreamMalformedData, "bad delta chunk: %v", err)
	}
	return nil
}

// DeltaEnd finishes content replacement and computes the content digest.
func (fw *FileWriter) DeltaEnd() error {
	if fw.applier == nil {
		return protocol.NewError(protocol.CodeRaSvnCmdErr, "textdelta not open")
	}
	if err := fw.applier.Close(); err != nil {
		return protocol.Errorf(protocol.CodeStreamMalformedData, "truncated delta: %v", err)
	}
	content, err := fw.buf.Bytes()
	if err != nil {
		return err
	}
	sum := md5.Sum(content)
	fw.digest = hex.EncodeToString(sum[:])
	return nil
}

// Close validates the declared checksum, runs the content through the write
// filter, stages the blob and records the entry in the open directory.
func (fw *FileWriter) Close(ctx context.Context, expectMD5 *string) error {
	w := fw.writer
	dir, err := w.top()
	if err != nil {
		return err
	}

	// Fold property-driven mode changes in before choosing the filter.
	fw.applyModeProps()

	if fw.buf != nil {
		if expectMD5 != nil && fw.digest != *expectMD5 {
			return protocol.Errorf(protocol.CodeChecksumMismatch,
				"Checksum mismatch for /%s: expected %s, actual %s", fw.path, *expectMD5, fw.digest)
		}
		content, err := fw.buf.Bytes()
		if err != nil {
			return err
		}
		stored, err := filter.ForMode(fw.mode).Write(content)
		if err != nil {
			return protocol.Errorf(protocol.CodeStreamMalformedData, "%v", err)
		}
		if fw.blobID, err = w.ins.PutBlob(stored); err != nil {
			return err
		}
		_ = fw.buf.Close()
	} else if fw.base != nil && expectMD5 != nil {
		baseMD5, err := fw.base.MD5(ctx)
		if err != nil {
			return err
		}
		if baseMD5 != *expectMD5 {
			return protocol.NewError(protocol.CodeChecksumMismatch, "Checksum mismatch")
		}
	}

	if fw.blobID.IsZero() {
		// add-file without apply-textdelta: an empty file.
		if fw.blobID, err = w.ins.PutBlob(nil); err != nil {
			return err
		}
	}

	dir.entries[fw.name] = gitdb.TreeEntry{Name: []byte(fw.name), Mode: fw.mode, ID: fw.blobID}
	return nil
}

// applyModeProps maps svn:executable and svn:special onto the entry mode.
func (fw *FileWriter) applyModeProps() {
	for name, value := range fw.props {
		switch name {
		case props.Executable:
			if value != nil {
				fw.mode = gitdb.ModeExec
			} else if fw.mode == gitdb.ModeExec {
				fw.mode = gitdb.ModeFile
			}
		case props.Special:
			if value != nil {
				fw.mode = gitdb.ModeSymlink
			} else if fw.mode == gitdb.ModeSymlink {
				fw.mode = gitdb.ModeFile
			}
		}
	}
}

// Commit finishes the edit: the root tree is serialised, a commit object is
// created on top of the previous tip, and the branch ref is advanced by
// compare-and-set. Every failure before the ref update leaves the ref
// untouched; a failure to reload the branch afterwards is reported although
// the commit is already published.
func (w *Writer) Commit(ctx context.Context, author, email, message string) (int, error) {
	if len(w.stack) != 1 {
		return 0, protocol.NewError(protocol.CodeRaSvnCmdErr, "directories left open at close-edit")
	}
	root := w.stack[0]

	tree := &gitdb.Tree{}
	for name, entry := range root.entries {
		entry.Name = []byte(name)
		tree.Entries = append(tree.Entries, entry)
	}
	treeID, err := w.ins.PutTree(tree)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	commit := &gitdb.Commit{
		Tree:      treeID,
		Author:    gitdb.Signature{Name: author, Email: email, When: now},
		Committer: gitdb.Signature{Name: author, Email: email, When: now},
		Message:   message,
	}
	if !w.tipID.IsZero() {
		commit.Parents = []gitdb.Hash{w.tipID}
	}
	commitID, err := w.ins.PutCommit(commit)
	if err != nil {
		return 0, err
	}

	if hook := w.branch.repo.opts.Hooks.PreCommit; hook != nil {
		if err := hook(ctx, w.branch.name, commit); err != nil {
			return 0, protocol.Errorf(protocol.CodeReposHookFailure, "pre-commit hook failed: %v", err)
		}
	}

	if err := w.ins.Flush(); err != nil {
		return 0, err
	}
	if err := w.branch.repo.store.UpdateRef(ctx, w.branch.refName, w.tipID, commitID); err != nil {
		if errors.Is(err, gitdb.ErrRefConflict) {
			return 0, protocol.NewError(protocol.CodeFsConflict, "Branch was updated concurrently")
		}
		return 0, err
	}

	if hook := w.branch.repo.opts.Hooks.PostCommit; hook != nil {
		hook(ctx, w.branch.name, commitID)
	}

	if err := w.branch.Reload(ctx); err != nil {
		return 0, err
	}
	newRev := w.branch.RevisionByHash(commitID)
	if newRev < 0 {
		return 0, fmt.Errorf("committed %s missing from revision sequence", commitID)
	}

	if !w.keep && len(w.tokens) > 0 {
		paths := make([]string, 0, len(w.tokens))
		for path := range w.tokens {
			paths = append(paths, path)
		}
		if err := w.branch.repo.locks.ReleaseAfterCommit(paths); err != nil {
			w.branch.log.Error("releasing locks after commit", zap.Error(err))
		}
	}

	w.branch.log.Info("commit",
		zap.Int("revision", newRev),
		zap.String("commit", commitID.String()),
		zap.String("author", author))

	w.aborted = true
	w.branch.writeMu.Unlock()
	return newRev, nil
}
