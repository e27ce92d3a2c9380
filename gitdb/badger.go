package gitdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zlib"
)

// key prefixes inside the badger keyspace. Object bodies are stored in the
// loose format ("<type> <size>\x00<body>"), zlib-compressed, so ids can be
// verified independently of this store.
var (
	objPrefix = []byte("obj!")
	refPrefix = []byte("ref!")
)

// BadgerStore is a Store backed by a badger key-value database.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore wraps an open badger database. The caller owns the
// database lifecycle; the store shares the database with other subsystems
// under its own key prefixes.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func objKey(id Hash) []byte {
	return append(append([]byte(nil), objPrefix...), id[:]...)
}

func refKey(name string) []byte {
	return append(append([]byte(nil), refPrefix...), name...)
}

// loadObject reads, decompresses and splits an object into type and body.
func (s *BadgerStore) loadObject(id Hash, want Type) ([]byte, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(objKey(id))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, &NotFoundError{ID: id.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("loading object %s: %w", id, err)
	}

	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("object %s: %w", id, err)
	}
	defer func() { _ = zr.Close() }()
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("object %s: %w", id, err)
	}

	nul := bytes.IndexByte(data, 0)
	sp := bytes.IndexByte(data, ' ')
	if nul < 0 || sp < 0 || sp > nul {
		return nil, fmt.Errorf("object %s: corrupt header", id)
	}
	objType, err := TypeFromBytes(data[:sp])
	if err != nil {
		return nil, fmt.Errorf("object %s: %w", id, err)
	}
	if objType != want {
		return nil, fmt.Errorf("object %s: have %s, want %s", id, objType.Bytes(), want.Bytes())
	}
	return data[nul+1:], nil
}

func (s *BadgerStore) GetCommit(ctx context.Context, id Hash) (*Commit, error) {
	body, err := s.loadObject(id, TypeCommit)
	if err != nil {
		return nil, err
	}
	return ParseCommit(body)
}

func (s *BadgerStore) GetTree(ctx context.Context, id Hash) (*Tree, error) {
	body, err := s.loadObject(id, TypeTree)
	if err != nil {
		return nil, err
	}
	return ParseTree(body)
}

func (s *BadgerStore) GetBlob(ctx context.Context, id Hash) ([]byte, error) {
	return s.loadObject(id, TypeBlob)
}

func (s *BadgerStore) BlobSize(ctx context.Context, id Hash) (int64, error) {
	body, err := s.loadObject(id, TypeBlob)
	if err != nil {
		return 0, err
	}
	return int64(len(body)), nil
}

func (s *BadgerStore) GetRef(ctx context.Context, name string) (Hash, error) {
	var id Hash
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(refKey(name))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != len(id) {
				return fmt.Errorf("corrupt ref %s", name)
			}
			copy(id[:], val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Zero, &NotFoundError{ID: name}
	}
	return id, err
}

func (s *BadgerStore) UpdateRef(ctx context.Context, name string, oldID, newID Hash) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := refKey(name)
		var current Hash
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			// absent: current stays zero
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				copy(current[:], val)
				return nil
			}); err != nil {
				return err
			}
		}

		if current != oldID {
			return fmt.Errorf("ref %s is at %s, expected %s: %w", name, current, oldID, ErrRefConflict)
		}
		if newID.IsZero() {
			return txn.Delete(key)
		}
		return txn.Set(key, newID[:])
	})
}

func (s *BadgerStore) NewInserter() Inserter {
	return &badgerInserter{store: s, staged: make(map[Hash][]byte)}
}

// badgerInserter accumulates compressed objects and writes them in one
// batch on Flush. Content addressing makes redundant writes harmless.
type badgerInserter struct {
	store  *BadgerStore
	staged map[Hash][]byte
}

func (ins *badgerInserter) put(t Type, body []byte) (Hash, error) {
	id := ComputeHash(t, body)
	if _, ok := ins.staged[id]; ok {
		return id, nil
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	header := fmt.Sprintf("%s %d\x00", t.Bytes(), len(body))
	if _, err := zw.Write([]byte(header)); err != nil {
		return Zero, err
	}
	if _, err := zw.Write(body); err != nil {
		return Zero, err
	}
	if err := zw.Close(); err != nil {
		return Zero, err
	}
	ins.staged[id] = buf.Bytes()
	return id, nil
}

func (ins *badgerInserter) PutBlob(content []byte) (Hash, error) {
	return ins.put(TypeBlob, content)
}

func (ins *badgerInserter) PutTree(tree *Tree) (Hash, error) {
	return ins.put(TypeTree, tree.Encode())
}

func (ins *badgerInserter) PutCommit(commit *Commit) (Hash, error) {
	return ins.put(TypeCommit, commit.Encode())
}

func (ins *badgerInserter) Flush() error {
	wb := ins.store.db.NewWriteBatch()
	defer wb.Cancel()
	for id, raw := range ins.staged {
		if err := wb.Set(objKey(id), raw); err != nil {
			return err
		}
	}
	if err := wb.Flush(); err != nil {
		return err
	}
	ins.staged = make(map[Hash][]byte)
	return nil
}

func (ins *badgerInserter) Discard() {
	ins.staged = make(map[Hash][]byte)
}
