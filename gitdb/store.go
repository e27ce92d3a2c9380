package gitdb

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested object or ref does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrRefConflict is returned when a compare-and-set ref update observes
	// a tip other than the expected one.
	ErrRefConflict = errors.New("ref update conflict")
)

// NotFoundError carries the id of a missing object. It unwraps to
// ErrNotFound.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("object %s not found", e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// Store is read access to the object database plus ref management. Readers
// observe an immutable snapshot of each object: once an id resolves, its
// content never changes. Implementations are safe for concurrent use.
type Store interface {
	// GetCommit loads and parses a commit object.
	GetCommit(ctx context.Context, id Hash) (*Commit, error)
	// GetTree loads and parses a tree object.
	GetTree(ctx context.Context, id Hash) (*Tree, error)
	// GetBlob loads a blob's content.
	GetBlob(ctx context.Context, id Hash) ([]byte, error)
	// BlobSize returns a blob's length without necessarily loading it.
	BlobSize(ctx context.Context, id Hash) (int64, error)

	// GetRef resolves a ref name to an object id.
	GetRef(ctx context.Context, name string) (Hash, error)
	// UpdateRef points name at newID iff it currently points at oldID.
	// A zero oldID requires the ref to be absent; a zero newID deletes.
	// Returns ErrRefConflict when the observed tip differs.
	UpdateRef(ctx context.Context, name string, oldID, newID Hash) error

	// NewInserter opens a write batch. Objects become visible to readers
	// when Flush returns.
	NewInserter() Inserter
}

// Inserter stages new objects. Implementations are not safe for concurrent
// use; the commit editor owns one per transaction.
type Inserter interface {
	// PutBlob stages a blob and returns its id.
	PutBlob(content []byte) (Hash, error)
	// PutTree stages a tree and returns its id.
	PutTree(tree *Tree) (Hash, error)
	// PutCommit stages a commit and returns its id.
	PutCommit(commit *Commit) (Hash, error)
	// Flush durably stores every staged object.
	Flush() error
	// Discard drops staged objects that were not flushed.
	Discard()
}
