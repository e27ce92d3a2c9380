package repository

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/bozaro/git-as-svn/gitdb"
	"github.com/bozaro/git-as-svn/repository/filter"
	"github.com/bozaro/git-as-svn/repository/props"
)

// NodeKind is the protocol node classification of an entry.
type NodeKind string

const (
	KindNone NodeKind = "none"
	KindFile NodeKind = "file"
	KindDir  NodeKind = "dir"
)

// File is an entry of a revision view: a directory, a regular file or a
// symlink, located at a path within one revision.
type File struct {
	branch *Branch
	rev    int
	path   string
	ref    entryRef
}

func newFile(b *Branch, rev int, filePath string, ref entryRef) *File {
	return &File{branch: b, rev: rev, path: filePath, ref: ref}
}

// Path returns the repository-relative path ("" for the root).
func (f *File) Path() string {
	return f.path
}

// Name returns the entry's base name.
func (f *File) Name() string {
	if f.path == "" {
		return ""
	}
	return path.Base(f.path)
}

// Revision returns the revision this view belongs to.
func (f *File) Revision() int {
	return f.rev
}

// Kind returns the protocol node kind. Submodule links appear as
// directories; whether they can be descended into is a separate question.
func (f *File) Kind() NodeKind {
	if f.IsDirectory() {
		return KindDir
	}
	return KindFile
}

// IsDirectory reports whether the entry is a tree or nested-repository link.
func (f *File) IsDirectory() bool {
	return f.ref.Mode == gitdb.ModeDir || f.ref.Mode == gitdb.ModeSubmodule
}

// Mode returns the raw entry mode.
func (f *File) Mode() uint32 {
	return f.ref.Mode
}

// ObjectID returns the backing object id.
func (f *File) ObjectID() gitdb.Hash {
	return f.ref.ID
}

// ContentKey identifies the client-visible content: object id plus mode, so
// a plain-to-symlink flip is a content change even with equal blobs.
func (f *File) ContentKey() string {
	return fmt.Sprintf("%s:%o", f.ref.ID, f.ref.Mode)
}

// Equal reports whether two views have identical content and kind.
func (f *File) Equal(other *File) bool {
	return other != nil && f.ref == other.ref
}

// Filter returns the content filter for this entry.
func (f *File) Filter() filter.Filter {
	return filter.ForMode(f.ref.Mode)
}

// Content returns the client-visible content.
func (f *File) Content(ctx context.Context) ([]byte, error) {
	if f.IsDirectory() {
		return nil, fmt.Errorf("%s is a directory", f.path)
	}
	return f.Filter().Read(ctx, f.branch.repo.store, f.ref.ID)
}

// Size returns the client-visible content length; 0 for directories.
func (f *File) Size(ctx context.Context) (int64, error) {
	if f.IsDirectory() {
		return 0, nil
	}
	return f.Filter().OutputSize(ctx, f.branch.repo.store, f.ref.ID)
}

// MD5 returns the hex digest of the client-visible content, memoised in
// the key-value store per (filter, blob id).
func (f *File) MD5(ctx context.Context) (string, error) {
	if f.IsDirectory() {
		return "", fmt.Errorf("%s is a directory", f.path)
	}

	repo := f.branch.repo
	key := []byte(fmt.Sprintf("md5!%s!%s %s", repo.opts.Name, f.Filter().Name(), f.ref.ID))

	var cached string
	err := repo.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			cached = string(val)
			return nil
		})
	})
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, badger.ErrKeyNotFound) {
		return "", err
	}

	content, err := f.Content(ctx)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(content)
	digest := hex.EncodeToString(sum[:])
	if err := repo.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, []byte(digest))
	}); err != nil {
		return "", err
	}
	return digest, nil
}

// Entries lists a directory's children sorted byte-wise by name. Submodule
// links cannot be descended into and return ErrForbidden.
func (f *File) Entries(ctx context.Context) ([]*File, error) {
	if f.ref.Mode == gitdb.ModeSubmodule {
		return nil, ErrForbidden
	}
	if !f.IsDirectory() {
		return nil, fmt.Errorf("%s is not a directory", f.path)
	}
	if f.ref.ID.IsZero() {
		return nil, nil
	}

	tree, err := f.branch.loadTree(ctx, f.ref.ID)
	if err != nil {
		return nil, err
	}
	files := make([]*File, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		childPath := joinPath(f.path, string(e.Name))
		files = append(files, newFile(f.branch, f.rev, childPath, entryRef{Mode: e.Mode, ID: e.ID}))
	}
	sort.Slice(files, func(i, j int) bool {
		return bytes.Compare([]byte(files[i].Name()), []byte(files[j].Name())) < 0
	})
	return files, nil
}

// LastChange returns the revision that last changed this entry.
func (f *File) LastChange(ctx context.Context) (int, error) {
	return f.branch.LastChange(ctx, f.path, f.rev)
}

// Properties resolves the path properties of the entry: mode-derived flags,
// attribute rules inherited from ancestor dotfiles, the directory ignore
// list and the binary mime classification.
func (f *File) Properties(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)

	if f.IsDirectory() {
		if err := f.applyDirProps(ctx, out); err != nil {
			return nil, err
		}
		return out, nil
	}

	switch f.ref.Mode {
	case gitdb.ModeExec:
		out[props.Executable] = "*"
	case gitdb.ModeSymlink:
		out[props.Special] = "*"
	}

	if err := f.applyAttributeRules(ctx, out); err != nil {
		return nil, err
	}

	if _, has := out[props.MimeType]; !has && f.ref.Mode != gitdb.ModeSymlink {
		binary, err := f.branch.repo.isBinary(ctx, f.Filter(), f.ref.ID)
		if err != nil {
			return nil, err
		}
		if binary {
			out[props.MimeType] = props.MimeBinary
		}
	}
	return out, nil
}

// EntryProps returns the svn:entry:* bookkeeping properties streamed with
// directory and file headers.
func (f *File) EntryProps(ctx context.Context) (map[string]string, error) {
	change, err := f.LastChange(ctx)
	if err != nil {
		return nil, err
	}
	if change < 0 {
		change = f.rev
	}
	changed, err := f.branch.Revision(change)
	if err != nil {
		return nil, err
	}

	out := map[string]string{
		props.EntryUUID:          f.branch.repo.opts.UUID,
		props.EntryCommittedRev:  fmt.Sprintf("%d", change),
		props.EntryCommittedDate: changed.DateString(),
	}
	if author := changed.Author(); author != "" {
		out[props.EntryLastAuthor] = author
	}
	return out, nil
}

// applyDirProps collects svn:ignore from the directory's own .gitignore.
func (f *File) applyDirProps(ctx context.Context, out map[string]string) error {
	if f.ref.Mode == gitdb.ModeSubmodule || f.ref.ID.IsZero() {
		return nil
	}
	tree, err := f.branch.loadTree(ctx, f.ref.ID)
	if err != nil {
		return err
	}
	for _, e := range tree.Entries {
		name := string(e.Name)
		if !props.IsDotfile(name) || e.IsDir() {
			continue
		}
		rules, err := f.branch.repo.dotfileRules(ctx, name, e.ID)
		if err != nil {
			return err
		}
		if rules != nil {
			rules.ApplyDir(out)
		}
	}
	return nil
}

// applyAttributeRules walks the ancestor chain root-first and applies every
// .gitattributes rule set matching this file.
func (f *File) applyAttributeRules(ctx context.Context, out map[string]string) error {
	type scope struct {
		dir   string
		rules *props.Rules
	}
	var scopes []scope

	dir := ""
	for {
		ref, ok, err := f.branch.entryAt(ctx, f.rev, dir)
		if err != nil {
			return err
		}
		if !ok || ref.Mode != gitdb.ModeDir || ref.ID.IsZero() {
			break
		}
		tree, err := f.branch.loadTree(ctx, ref.ID)
		if err != nil {
			return err
		}
		if e := tree.Lookup([]byte(".gitattributes")); e != nil && !e.IsDir() {
			rules, err := f.branch.repo.dotfileRules(ctx, ".gitattributes", e.ID)
			if err != nil {
				return err
			}
			if rules != nil {
				scopes = append(scopes, scope{dir: dir, rules: rules})
			}
		}

		next := nextComponent(dir, f.path)
		if next == "" {
			break
		}
		dir = next
	}

	for _, s := range scopes {
		rel := f.path
		if s.dir != "" {
			rel = f.path[len(s.dir)+1:]
		}
		s.rules.ApplyFile(rel, out)
	}
	return nil
}

// nextComponent extends dir by one component towards target, or returns ""
// when dir already holds target's parent.
func nextComponent(dir, target string) string {
	rest := target
	if dir != "" {
		rest = target[len(dir)+1:]
	}
	i := strings.IndexByte(rest, '/')
	if i < 0 {
		return ""
	}
	return joinPath(dir, rest[:i])
}
