package repository

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/bozaro/git-as-svn/gitdb"
)

const (
	entryCacheSize      = 16384
	lastChangeCacheSize = 16384
	treeCacheSize       = 4096
	copyFromCacheSize   = 64
)

// entryRef is a resolved tree entry: what sits at a path in one revision.
type entryRef struct {
	Mode uint32
	ID   gitdb.Hash
}

// CopyFrom records where a freshly appearing path originated.
type CopyFrom struct {
	Path string
	Rev  int
}

// Branch synthesises the linear revision sequence from a branch's
// first-parent chain. Revision numbers index the chain counting from the
// root; revision 0 is the empty revision, represented by the root commit
// itself when its tree is empty and synthesised otherwise.
type Branch struct {
	repo    *Repository
	name    string
	refName string
	log     *zap.Logger

	mu       sync.RWMutex
	revs     []revInfo
	revIndex map[gitdb.Hash]int

	entryCache      *lru.Cache[string, entryLookup]
	lastChangeCache *lru.Cache[string, int]
	treeCache       *lru.Cache[gitdb.Hash, *gitdb.Tree]
	copyFromCache   *lru.Cache[int, map[string]CopyFrom]
	group           singleflight.Group

	// writeMu is the per-branch advisory write lock held for the whole
	// edit-apply-flush cycle of a commit.
	writeMu sync.Mutex
}

type revInfo struct {
	id     gitdb.Hash // commit id; zero for the synthetic empty revision
	commit *gitdb.Commit
}

type entryLookup struct {
	ref entryRef
	ok  bool
}

func newBranch(r *Repository, name string) *Branch {
	entries, _ := lru.New[string, entryLookup](entryCacheSize)
	lastChange, _ := lru.New[string, int](lastChangeCacheSize)
	trees, _ := lru.New[gitdb.Hash, *gitdb.Tree](treeCacheSize)
	copyFrom, _ := lru.New[int, map[string]CopyFrom](copyFromCacheSize)
	return &Branch{
		repo:            r,
		name:            name,
		refName:         "refs/heads/" + name,
		log:             r.log.With(zap.String("branch", name)),
		revIndex:        make(map[gitdb.Hash]int),
		entryCache:      entries,
		lastChangeCache: lastChange,
		treeCache:       trees,
		copyFromCache:   copyFrom,
	}
}

// Name returns the short branch name.
func (b *Branch) Name() string {
	return b.name
}

// Repository returns the owning repository.
func (b *Branch) Repository() *Repository {
	return b.repo
}

func (b *Branch) revmapKey(n int) []byte {
	return []byte(fmt.Sprintf("revmap!%s!%s!%08d", b.repo.opts.Name, b.name, n))
}

// Reload walks the first-parent chain from the branch tip and extends the
// revision sequence with commits not yet numbered. The revision map is
// persisted so numbering is stable across restarts.
func (b *Branch) Reload(ctx context.Context) error {
	tip, err := b.repo.store.GetRef(ctx, b.refName)
	if err != nil {
		if errors.Is(err, gitdb.ErrNotFound) {
			return fmt.Errorf("branch %s: %w", b.name, err)
		}
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, known := b.revIndex[tip]; known {
		return nil
	}

	// Collect unnumbered commits tip-first.
	var fresh []revInfo
	id := tip
	for !id.IsZero() {
		if _, known := b.revIndex[id]; known {
			break
		}
		commit, err := b.repo.store.GetCommit(ctx, id)
		if err != nil {
			return fmt.Errorf("walking %s: %w", b.refName, err)
		}
		fresh = append(fresh, revInfo{id: id, commit: commit})
		id = commit.FirstParent()
	}

	if !id.IsZero() && b.revIndex[id] != len(b.revs)-1 {
		// The chain rejoined the numbered sequence somewhere below the old
		// tip: history was rewound. Previously observed commits keep their
		// numbers; the list is rebuilt from the join point.
		b.log.Warn("branch history rewound", zap.String("at", id.String()))
		b.revs = b.revs[:b.revIndex[id]+1]
	}

	if len(b.revs) == 0 {
		// First load: decide whether the root commit is itself the empty
		// revision or revision 0 must be synthesised.
		root := fresh[len(fresh)-1]
		empty, err := b.treeIsEmpty(ctx, root.commit.Tree)
		if err != nil {
			return err
		}
		if !empty {
			b.revs = append(b.revs, revInfo{})
		}
	}

	for i := len(fresh) - 1; i >= 0; i-- {
		n := len(b.revs)
		b.revs = append(b.revs, fresh[i])
		b.revIndex[fresh[i].id] = n
		if err := b.persistRevision(n, fresh[i].id); err != nil {
			return err
		}
	}

	if len(fresh) > 0 {
		b.log.Info("revision sequence updated", zap.Int("latest", len(b.revs)-1))
	}
	return nil
}

func (b *Branch) treeIsEmpty(ctx context.Context, id gitdb.Hash) (bool, error) {
	if id.IsZero() {
		return true, nil
	}
	tree, err := b.repo.store.GetTree(ctx, id)
	if err != nil {
		return false, err
	}
	return len(tree.Entries) == 0, nil
}

func (b *Branch) persistRevision(n int, id gitdb.Hash) error {
	return b.repo.db.Update(func(txn *badger.Txn) error {
		return txn.Set(b.revmapKey(n), id[:])
	})
}

// Latest returns the newest revision number.
func (b *Branch) Latest() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.revs) - 1
}

// Revision returns the view of one revision.
func (b *Branch) Revision(rev int) (*Revision, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if rev < 0 || rev >= len(b.revs) {
		return nil, fmt.Errorf("no such revision %d", rev)
	}
	return &Revision{branch: b, rev: rev, info: b.revs[rev]}, nil
}

// RevisionByHash returns the revision number of a commit, or -1.
func (b *Branch) RevisionByHash(id gitdb.Hash) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n, ok := b.revIndex[id]; ok {
		return n
	}
	return -1
}

// RevisionByDate returns the newest revision committed at or before ts.
func (b *Branch) RevisionByDate(ts time.Time) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	// Commit dates are non-decreasing along the chain in the normal case;
	// search for the boundary.
	n := sort.Search(len(b.revs), func(i int) bool {
		c := b.revs[i].commit
		return c != nil && c.Committer.When.After(ts)
	})
	return n - 1
}

// ClampRevision bounds a client-supplied revision to the known range. The
// report phase uses it: a revision beyond the sequence is treated as the
// nearest materialised ancestor.
func (b *Branch) ClampRevision(rev int) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if rev >= len(b.revs) {
		return len(b.revs) - 1
	}
	if rev < 0 {
		return 0
	}
	return rev
}

// rootTree returns the root tree id of a revision.
func (b *Branch) rootTree(rev int) (gitdb.Hash, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if rev < 0 || rev >= len(b.revs) {
		return gitdb.Zero, fmt.Errorf("no such revision %d", rev)
	}
	if b.revs[rev].commit == nil {
		return gitdb.Zero, nil
	}
	return b.revs[rev].commit.Tree, nil
}

// entryAt resolves the tree entry at path in a revision. The root path ""
// resolves to the root tree. Lookups are cached by (root tree, path).
func (b *Branch) entryAt(ctx context.Context, rev int, path string) (entryRef, bool, error) {
	root, err := b.rootTree(rev)
	if err != nil {
		return entryRef{}, false, err
	}
	if path == "" {
		return entryRef{Mode: gitdb.ModeDir, ID: root}, true, nil
	}

	key := root.String() + ":" + path
	if hit, ok := b.entryCache.Get(key); ok {
		return hit.ref, hit.ok, nil
	}

	ref := entryRef{Mode: gitdb.ModeDir, ID: root}
	found := true
	for _, component := range strings.Split(path, "/") {
		if ref.Mode != gitdb.ModeDir || ref.ID.IsZero() {
			found = false
			break
		}
		tree, err := b.loadTree(ctx, ref.ID)
		if err != nil {
			return entryRef{}, false, err
		}
		entry := tree.Lookup([]byte(component))
		if entry == nil {
			found = false
			break
		}
		ref = entryRef{Mode: entry.Mode, ID: entry.ID}
	}

	b.entryCache.Add(key, entryLookup{ref: ref, ok: found})
	return ref, found, nil
}

// LastChange returns the largest revision at or below rev in which the
// entry at path changed, or -1 when the path is absent at rev.
func (b *Branch) LastChange(ctx context.Context, path string, rev int) (int, error) {
	cur, ok, err := b.entryAt(ctx, rev, path)
	if err != nil {
		return 0, err
	}
	if !ok {
		return -1, nil
	}

	key := fmt.Sprintf("%s@%d", path, rev)
	if hit, ok := b.lastChangeCache.Get(key); ok {
		return hit, nil
	}

	result, err, _ := b.group.Do("lastchange:"+key, func() (any, error) {
		r := rev
		for r > 0 {
			prev, okPrev, err := b.entryAt(ctx, r-1, path)
			if err != nil {
				return 0, err
			}
			if !okPrev || prev != cur {
				break
			}
			r--
		}
		return r, nil
	})
	if err != nil {
		return 0, err
	}

	change := result.(int)
	b.lastChangeCache.Add(key, change)
	return change, nil
}

// CopyFrom reports the origin of a path that first appears at rev, when
// rename detection is enabled and the origin is unambiguous.
func (b *Branch) CopyFrom(ctx context.Context, rev int, path string) (*CopyFrom, error) {
	if !b.repo.opts.RenameDetection || rev <= 0 {
		return nil, nil
	}
	renames, err := b.renamesAt(ctx, rev)
	if err != nil {
		return nil, err
	}
	if from, ok := renames[path]; ok {
		return &from, nil
	}
	return nil, nil
}

// renamesAt computes the added-path origin map for one revision in two
// tiers. The first pairs an added blob with a removed blob of identical
// content; blobs left unmatched fall back to a similarity heuristic over
// blob size and base-name prefix. Either way a pair is accepted only when
// it is unambiguous on both sides.
func (b *Branch) renamesAt(ctx context.Context, rev int) (map[string]CopyFrom, error) {
	if hit, ok := b.copyFromCache.Get(rev); ok {
		return hit, nil
	}

	result, err, _ := b.group.Do(fmt.Sprintf("renames:%d", rev), func() (any, error) {
		oldRoot, err := b.rootTree(rev - 1)
		if err != nil {
			return nil, err
		}
		newRoot, err := b.rootTree(rev)
		if err != nil {
			return nil, err
		}

		added := make(map[gitdb.Hash][]string)
		removed := make(map[gitdb.Hash][]string)
		if err := b.diffTrees(ctx, oldRoot, newRoot, "", added, removed); err != nil {
			return nil, err
		}

		renames := make(map[string]CopyFrom)
		var leftAdded, leftRemoved []blobRef
		for id, addedPaths := range added {
			removedPaths := removed[id]
			if len(removedPaths) == 0 {
				for _, p := range addedPaths {
					leftAdded = append(leftAdded, blobRef{id: id, path: p})
				}
				continue
			}
			if len(addedPaths) == 1 && len(removedPaths) == 1 {
				renames[addedPaths[0]] = CopyFrom{Path: removedPaths[0], Rev: rev - 1}
			}
			// Several identical blobs moved at once: the origin is
			// ambiguous and no pair is reported.
		}
		for id, removedPaths := range removed {
			if _, matched := added[id]; matched {
				continue
			}
			for _, p := range removedPaths {
				leftRemoved = append(leftRemoved, blobRef{id: id, path: p})
			}
		}

		if err := b.matchSimilar(ctx, rev, leftAdded, leftRemoved, renames); err != nil {
			return nil, err
		}
		return renames, nil
	})
	if err != nil {
		return nil, err
	}

	renames := result.(map[string]CopyFrom)
	b.copyFromCache.Add(rev, renames)
	return renames, nil
}

// blobRef names one side of a candidate rename pair.
type blobRef struct {
	id   gitdb.Hash
	path string
}

// matchSimilar is the fallback tier: pairs whose content hashes differ
// match when the blob sizes are within 10% of each other and the entry
// base names share a prefix (at least 3 bytes, or one name being a prefix
// of the other). A pair is recorded only when each side matches exactly
// one candidate on the other.
func (b *Branch) matchSimilar(ctx context.Context, rev int, leftAdded, leftRemoved []blobRef, renames map[string]CopyFrom) error {
	if len(leftAdded) == 0 || len(leftRemoved) == 0 {
		return nil
	}
	sort.Slice(leftAdded, func(i, j int) bool { return leftAdded[i].path < leftAdded[j].path })
	sort.Slice(leftRemoved, func(i, j int) bool { return leftRemoved[i].path < leftRemoved[j].path })

	candidates := make(map[string][]string, len(leftAdded)) // added path -> removed paths
	reverse := make(map[string][]string, len(leftRemoved))  // removed path -> added paths
	for _, a := range leftAdded {
		for _, r := range leftRemoved {
			ok, err := b.similarBlobs(ctx, a, r)
			if err != nil {
				return err
			}
			if ok {
				candidates[a.path] = append(candidates[a.path], r.path)
				reverse[r.path] = append(reverse[r.path], a.path)
			}
		}
	}

	for addedPath, removedPaths := range candidates {
		if len(removedPaths) != 1 || len(reverse[removedPaths[0]]) != 1 {
			continue
		}
		renames[addedPath] = CopyFrom{Path: removedPaths[0], Rev: rev - 1}
	}
	return nil
}

// similarBlobs applies the size+prefix heuristic to one candidate pair.
func (b *Branch) similarBlobs(ctx context.Context, a, r blobRef) (bool, error) {
	aSize, err := b.repo.store.BlobSize(ctx, a.id)
	if err != nil {
		return false, err
	}
	rSize, err := b.repo.store.BlobSize(ctx, r.id)
	if err != nil {
		return false, err
	}
	larger := aSize
	if rSize > larger {
		larger = rSize
	}
	if larger == 0 {
		// Two empty blobs carry no similarity signal.
		return false, nil
	}
	diff := aSize - rSize
	if diff < 0 {
		diff = -diff
	}
	if diff*10 > larger {
		return false, nil
	}

	aName := path.Base(a.path)
	rName := path.Base(r.path)
	shared := commonPrefixLen(aName, rName)
	shorter := len(aName)
	if len(rName) < shorter {
		shorter = len(rName)
	}
	return shared >= 3 || shared == shorter, nil
}

func commonPrefixLen(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

// diffTrees collects blobs present on only one side. Identical subtree ids
// are skipped wholesale.
func (b *Branch) diffTrees(ctx context.Context, oldID, newID gitdb.Hash, prefix string, added, removed map[gitdb.Hash][]string) error {
	if oldID == newID {
		return nil
	}
	oldEntries, err := b.treeEntries(ctx, oldID)
	if err != nil {
		return err
	}
	newEntries, err := b.treeEntries(ctx, newID)
	if err != nil {
		return err
	}

	for name, newEntry := range newEntries {
		path := joinPath(prefix, name)
		oldEntry, exists := oldEntries[name]
		switch {
		case newEntry.IsDir():
			oldChild := gitdb.Zero
			if exists && oldEntry.IsDir() {
				oldChild = oldEntry.ID
			}
			if err := b.diffTrees(ctx, oldChild, newEntry.ID, path, added, removed); err != nil {
				return err
			}
		case !exists || oldEntry.ID != newEntry.ID || oldEntry.Mode != newEntry.Mode:
			added[newEntry.ID] = append(added[newEntry.ID], path)
		}
	}
	for name, oldEntry := range oldEntries {
		path := joinPath(prefix, name)
		newEntry, exists := newEntries[name]
		switch {
		case oldEntry.IsDir():
			newChild := gitdb.Zero
			if exists && newEntry.IsDir() {
				newChild = newEntry.ID
			}
			if !exists || !newEntry.IsDir() {
				if err := b.diffTrees(ctx, oldEntry.ID, newChild, path, added, removed); err != nil {
					return err
				}
			}
		case !exists || oldEntry.ID != newEntry.ID:
			removed[oldEntry.ID] = append(removed[oldEntry.ID], path)
		}
	}
	return nil
}

// loadTree reads a tree through the branch's LRU. Trees are immutable, so
// entries never invalidate.
func (b *Branch) loadTree(ctx context.Context, id gitdb.Hash) (*gitdb.Tree, error) {
	if hit, ok := b.treeCache.Get(id); ok {
		return hit, nil
	}
	tree, err := b.repo.store.GetTree(ctx, id)
	if err != nil {
		return nil, err
	}
	b.treeCache.Add(id, tree)
	return tree, nil
}

// treeEntries loads a tree as a name-keyed map; the zero id is the empty tree.
func (b *Branch) treeEntries(ctx context.Context, id gitdb.Hash) (map[string]gitdb.TreeEntry, error) {
	if id.IsZero() {
		return nil, nil
	}
	tree, err := b.loadTree(ctx, id)
	if err != nil {
		return nil, err
	}
	entries := make(map[string]gitdb.TreeEntry, len(tree.Entries))
	for _, e := range tree.Entries {
		entries[string(e.Name)] = e
	}
	return entries, nil
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
