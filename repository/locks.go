package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/bozaro/git-as-svn/protocol"
)

// lockSchemaVersion is baked into the key prefix so that a format change
// coexists with rows written by older servers.
const lockSchemaVersion = 1

// LockDesc describes a held path lock. Locks persist across restarts and
// survive client disconnects.
type LockDesc struct {
	Path    string    `json:"path"`
	Token   string    `json:"token"`
	Owner   string    `json:"owner"`
	Comment string    `json:"comment,omitempty"`
	Created time.Time `json:"created"`
	Branch  string    `json:"branch"`
}

// CreatedString returns the protocol form of the creation timestamp.
func (l *LockDesc) CreatedString() string {
	return l.Created.UTC().Format(svnDateFormat)
}

// LockTarget names a path to lock together with the revision the client
// believes it has, used for staleness validation.
type LockTarget struct {
	Path string
	Rev  int
}

// LockManager is the persistent per-repository lock table. Writes happen
// under the table-wide write lock and commit durably before it is released;
// reads take the read lock.
type LockManager struct {
	db     *badger.DB
	prefix []byte
	mu     sync.RWMutex
}

func newLockManager(db *badger.DB, repo string) *LockManager {
	return &LockManager{
		db:     db,
		prefix: []byte(fmt.Sprintf("locks!%s!%d!", repo, lockSchemaVersion)),
	}
}

func (lm *LockManager) key(path string) []byte {
	return append(append([]byte(nil), lm.prefix...), path...)
}

// newToken mints an unforgeable lock token.
func newToken() string {
	return "opaquelocktoken:" + uuid.NewString()
}

// Lock acquires locks on every target atomically: either all succeed or the
// table is unchanged. validate is called per path under the write lock and
// may reject stale or absent targets.
func (lm *LockManager) Lock(user, branch, comment string, steal bool, targets []LockTarget, validate func(LockTarget) error) ([]*LockDesc, error) {
	if user == "" {
		return nil, protocol.NewError(protocol.CodeFsNoUser, "anonymous users cannot lock paths")
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	acquired := make([]*LockDesc, 0, len(targets))
	err := lm.db.Update(func(txn *badger.Txn) error {
		for _, target := range targets {
			if validate != nil {
				if err := validate(target); err != nil {
					return err
				}
			}
			existing, err := lm.get(txn, target.Path)
			if err != nil {
				return err
			}
			if existing != nil && !steal {
				return protocol.Errorf(protocol.CodeFsPathAlreadyLocked,
					"Path is already locked by user '%s': /%s", existing.Owner, target.Path)
			}

			desc := &LockDesc{
				Path:    target.Path,
				Token:   newToken(),
				Owner:   user,
				Comment: comment,
				Created: time.Now().UTC(),
				Branch:  branch,
			}
			raw, err := json.Marshal(desc)
			if err != nil {
				return err
			}
			if err := txn.Set(lm.key(target.Path), raw); err != nil {
				return err
			}
			acquired = append(acquired, desc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acquired, nil
}

// Unlock releases the locks named by path→token. With breakLock the token
// is not checked. The call is atomic across the whole set.
func (lm *LockManager) Unlock(user string, breakLock bool, tokens map[string]string) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	return lm.db.Update(func(txn *badger.Txn) error {
		for path, token := range tokens {
			existing, err := lm.get(txn, path)
			if err != nil {
				return err
			}
			if existing == nil {
				return protocol.Errorf(protocol.CodeFsNoSuchLock, "No lock on path: /%s", path)
			}
			if !breakLock {
				if existing.Token != token {
					return protocol.Errorf(protocol.CodeFsBadLockToken, "Invalid lock token for path: /%s", path)
				}
				if existing.Owner != user {
					return protocol.Errorf(protocol.CodeFsLockOwnerMismatch, "Lock on path /%s is held by user '%s'", path, existing.Owner)
				}
			}
			if err := txn.Delete(lm.key(path)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetLock returns the lock on path, or nil.
func (lm *LockManager) GetLock(path string) (*LockDesc, error) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	var desc *LockDesc
	err := lm.db.View(func(txn *badger.Txn) error {
		var err error
		desc, err = lm.get(txn, path)
		return err
	})
	return desc, err
}

// GetLocks returns every lock under the path prefix, sorted by path.
func (lm *LockManager) GetLocks(pathPrefix string) ([]*LockDesc, error) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	var out []*LockDesc
	err := lm.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		scan := lm.key(pathPrefix)
		for it.Seek(scan); it.ValidForPrefix(lm.prefix); it.Next() {
			var desc LockDesc
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &desc)
			}); err != nil {
				return err
			}
			if !matchesPrefix(desc.Path, pathPrefix) {
				continue
			}
			out = append(out, &desc)
		}
		return nil
	})
	return out, err
}

// matchesPrefix reports whether path equals the prefix or lies beneath it.
func matchesPrefix(path, prefix string) bool {
	if prefix == "" || path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

// CheckWrite verifies that a modification of path is admissible with the
// presented tokens: an unlocked path always is; a locked one requires the
// committer to own the lock and present its token.
func (lm *LockManager) CheckWrite(user, path string, tokens map[string]string) error {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	var desc *LockDesc
	if err := lm.db.View(func(txn *badger.Txn) error {
		var err error
		desc, err = lm.get(txn, path)
		return err
	}); err != nil {
		return err
	}
	if desc == nil {
		return nil
	}
	if user == "" {
		return protocol.Errorf(protocol.CodeFsNoUser, "Path /%s is locked and no username is available", path)
	}
	if desc.Owner != user {
		return protocol.Errorf(protocol.CodeFsLockOwnerMismatch, "Lock on path /%s is held by user '%s'", path, desc.Owner)
	}
	if tokens[path] != desc.Token {
		return protocol.Errorf(protocol.CodeFsBadLockToken, "Missing or invalid lock token for path: /%s", path)
	}
	return nil
}

// ReleaseAfterCommit drops the given locks without token validation; the
// commit path calls it when the client does not keep locks.
func (lm *LockManager) ReleaseAfterCommit(paths []string) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	return lm.db.Update(func(txn *badger.Txn) error {
		for _, path := range paths {
			err := txn.Delete(lm.key(path))
			if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		return nil
	})
}

func (lm *LockManager) get(txn *badger.Txn, path string) (*LockDesc, error) {
	item, err := txn.Get(lm.key(path))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var desc LockDesc
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &desc)
	}); err != nil {
		return nil, err
	}
	return &desc, nil
}
