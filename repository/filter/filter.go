// Package filter defines the named bidirectional byte transformations
// applied when blob content crosses the protocol boundary. The raw filter
// passes content through; the link filter converts between the stored
// symlink target and the protocol's "link <target>" text form.
package filter

import (
	"bytes"
	"context"
	"fmt"

	"github.com/bozaro/git-as-svn/gitdb"
)

// linkPrefix is the protocol text form marker for special files.
const linkPrefix = "link "

// Filter transforms blob content on the way out (Read) and back in (Write).
// Implementations must be pure: the same input always maps to the same
// output, so results may be cached by blob id.
type Filter interface {
	// Name identifies the filter in persistent caches.
	Name() string
	// Read returns the client-visible content of a stored blob.
	Read(ctx context.Context, store gitdb.Store, id gitdb.Hash) ([]byte, error)
	// Write converts client-supplied content into storable blob content.
	Write(content []byte) ([]byte, error)
	// OutputSize returns the client-visible size of a stored blob.
	OutputSize(ctx context.Context, store gitdb.Store, id gitdb.Hash) (int64, error)
}

// Raw is the identity filter.
type Raw struct{}

func (Raw) Name() string { return "raw" }

func (Raw) Read(ctx context.Context, store gitdb.Store, id gitdb.Hash) ([]byte, error) {
	return store.GetBlob(ctx, id)
}

func (Raw) Write(content []byte) ([]byte, error) {
	return content, nil
}

func (Raw) OutputSize(ctx context.Context, store gitdb.Store, id gitdb.Hash) (int64, error) {
	return store.BlobSize(ctx, id)
}

// Link materialises symlinks in the protocol text form.
type Link struct{}

func (Link) Name() string { return "link" }

func (Link) Read(ctx context.Context, store gitdb.Store, id gitdb.Hash) ([]byte, error) {
	target, err := store.GetBlob(ctx, id)
	if err != nil {
		return nil, err
	}
	return append([]byte(linkPrefix), target...), nil
}

func (Link) Write(content []byte) ([]byte, error) {
	if !bytes.HasPrefix(content, []byte(linkPrefix)) {
		return nil, fmt.Errorf("special file content lacks %q prefix", linkPrefix)
	}
	return content[len(linkPrefix):], nil
}

func (Link) OutputSize(ctx context.Context, store gitdb.Store, id gitdb.Hash) (int64, error) {
	size, err := store.BlobSize(ctx, id)
	if err != nil {
		return 0, err
	}
	return size + int64(len(linkPrefix)), nil
}

// ForMode selects the filter for a tree entry mode.
func ForMode(mode uint32) Filter {
	if mode == gitdb.ModeSymlink {
		return Link{}
	}
	return Raw{}
}

// ByName resolves a filter name recorded in a persistent cache key.
func ByName(name string) (Filter, error) {
	switch name {
	case "raw":
		return Raw{}, nil
	case "link":
		return Link{}, nil
	default:
		return nil, fmt.Errorf("unknown content filter %q", name)
	}
}
