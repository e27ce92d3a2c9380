// Package repository maps the content-addressed commit DAG onto the linear
// revision model the protocol exposes: numbered revisions, per-path entries
// with properties, path history across renames, locks and the write path
// that turns client edit scripts into new commits.
package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/bozaro/git-as-svn/gitdb"
	"github.com/bozaro/git-as-svn/repository/filter"
	"github.com/bozaro/git-as-svn/repository/props"
)

// ErrForbidden marks entries the session is not allowed to see. The delta
// reporter degrades it to absent-dir/absent-file emissions; read commands
// treat it as not authorized.
var ErrForbidden = errors.New("access forbidden")

// Hooks are opaque callbacks run around ref updates. A non-nil error from
// PreCommit aborts the commit and is reported as a hook failure.
type Hooks struct {
	PreCommit  func(ctx context.Context, branch string, commit *gitdb.Commit) error
	PostCommit func(ctx context.Context, branch string, id gitdb.Hash)
}

// Options configure a Repository.
type Options struct {
	// Name keys this repository's rows in the shared key-value store.
	Name string
	// UUID is reported to clients in the announce phase.
	UUID string
	// Branches lists the branch names to expose.
	Branches []string
	// RenameDetection enables copy-from synthesis on added paths.
	RenameDetection bool
	// Hooks wrap the commit pipeline.
	Hooks Hooks
}

// Repository is one exposed repository: an object store plus the shared
// caches, the lock table and the branch engines built over it.
type Repository struct {
	store gitdb.Store
	db    *badger.DB
	opts  Options
	log   *zap.Logger

	locks    *LockManager
	branches map[string]*Branch

	// ruleCache caches parsed dotfile rules by blob id. Content hashes make
	// the entries valid forever; the map is append-only.
	ruleCache sync.Map // gitdb.Hash -> *props.Rules (nil sentinel via ruleNone)
}

// ruleNone marks blobs that parsed to no rules, so absence is cached too.
var ruleNone = &props.Rules{}

// New builds a Repository over an object store. The badger database holds
// the lock table, the revision maps and the content-keyed caches; it may be
// shared between repositories because every key carries the repository name.
func New(store gitdb.Store, db *badger.DB, log *zap.Logger, opts Options) (*Repository, error) {
	if len(opts.Branches) == 0 {
		return nil, errors.New("repository needs at least one branch")
	}
	r := &Repository{
		store:    store,
		db:       db,
		opts:     opts,
		log:      log.With(zap.String("repository", opts.Name)),
		branches: make(map[string]*Branch, len(opts.Branches)),
	}
	r.locks = newLockManager(db, opts.Name)
	for _, name := range opts.Branches {
		r.branches[name] = newBranch(r, name)
	}
	return r, nil
}

// Store exposes the underlying object database.
func (r *Repository) Store() gitdb.Store {
	return r.store
}

// UUID returns the repository identifier announced to clients.
func (r *Repository) UUID() string {
	return r.opts.UUID
}

// Name returns the repository's mapping name.
func (r *Repository) Name() string {
	return r.opts.Name
}

// Locks returns the lock registry.
func (r *Repository) Locks() *LockManager {
	return r.locks
}

// Branch returns the branch engine by name, or nil.
func (r *Repository) Branch(name string) *Branch {
	return r.branches[name]
}

// BranchNames returns the exposed branch names, sorted.
func (r *Repository) BranchNames() []string {
	names := make([]string, 0, len(r.branches))
	for name := range r.branches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// dotfileRules parses and caches the property rules carried by a dotfile
// blob. The cache key is the blob id, so hits are shared across revisions.
func (r *Repository) dotfileRules(ctx context.Context, name string, id gitdb.Hash) (*props.Rules, error) {
	if cached, ok := r.ruleCache.Load(id); ok {
		rules := cached.(*props.Rules)
		if rules == ruleNone {
			return nil, nil
		}
		return rules, nil
	}

	content, err := r.store.GetBlob(ctx, id)
	if err != nil {
		return nil, err
	}
	rules := props.ParseDotfile(name, content)
	stored := rules
	if stored == nil {
		stored = ruleNone
	}
	r.ruleCache.Store(id, stored)
	return rules, nil
}

// isBinary classifies blob content as binary, memoised in the key-value
// store per (filter, blob id) as the classification never changes.
func (r *Repository) isBinary(ctx context.Context, f filter.Filter, id gitdb.Hash) (bool, error) {
	key := []byte(fmt.Sprintf("bin!%s!%s %s", r.opts.Name, f.Name(), id))

	var cached []byte
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		cached, err = item.ValueCopy(nil)
		return err
	})
	if err == nil && len(cached) == 1 {
		return cached[0] == 1, nil
	}
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return false, err
	}

	content, err := f.Read(ctx, r.store, id)
	if err != nil {
		return false, err
	}
	probe := content
	if len(probe) > 8000 {
		probe = probe[:8000]
	}
	binary := bytes.IndexByte(probe, 0) >= 0

	value := []byte{0}
	if binary {
		value[0] = 1
	}
	if err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	}); err != nil {
		return binary, err
	}
	return binary, nil
}
