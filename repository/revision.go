package repository

import (
	"context"
	"time"

	"github.com/bozaro/git-as-svn/gitdb"
	"github.com/bozaro/git-as-svn/repository/props"
)

// svnDateFormat is the ISO-8601 form used by the protocol for timestamps.
const svnDateFormat = "2006-01-02T15:04:05.000000Z"

// Revision is a lazily materialised view of one numbered revision.
type Revision struct {
	branch *Branch
	rev    int
	info   revInfo
}

// Number returns the revision number.
func (r *Revision) Number() int {
	return r.rev
}

// Branch returns the owning branch.
func (r *Revision) Branch() *Branch {
	return r.branch
}

// CommitID returns the backing commit id; zero for the synthetic empty
// revision.
func (r *Revision) CommitID() gitdb.Hash {
	return r.info.id
}

// Date returns the commit timestamp. The synthetic empty revision reports
// the epoch.
func (r *Revision) Date() time.Time {
	if r.info.commit == nil {
		return time.Unix(0, 0).UTC()
	}
	return r.info.commit.Committer.When
}

// DateString returns the protocol form of the revision date.
func (r *Revision) DateString() string {
	return r.Date().UTC().Format(svnDateFormat)
}

// Author returns the commit author name, or empty.
func (r *Revision) Author() string {
	if r.info.commit == nil {
		return ""
	}
	return r.info.commit.Author.Name
}

// Log returns the commit message, or empty.
func (r *Revision) Log() string {
	if r.info.commit == nil {
		return ""
	}
	return r.info.commit.Message
}

// Properties returns the revision property map. includeInternal adds the
// backing commit id property.
func (r *Revision) Properties(includeInternal bool) map[string]string {
	out := make(map[string]string, 4)
	if author := r.Author(); author != "" {
		out[props.RevAuthor] = author
	}
	out[props.RevDate] = r.DateString()
	out[props.RevLog] = r.Log()
	if includeInternal && !r.info.id.IsZero() {
		out[props.RevGitCommit] = r.info.id.String()
	}
	return out
}

// Property returns one revision property, or "" when unset.
func (r *Revision) Property(name string) string {
	return r.Properties(true)[name]
}

// File resolves a path in this revision, returning nil when absent. The
// empty path is the root directory.
func (r *Revision) File(ctx context.Context, path string) (*File, error) {
	ref, ok, err := r.branch.entryAt(ctx, r.rev, path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return newFile(r.branch, r.rev, path, ref), nil
}

// CopyFrom reports the rename origin of path in this revision, if any.
func (r *Revision) CopyFrom(ctx context.Context, path string) (*CopyFrom, error) {
	return r.branch.CopyFrom(ctx, r.rev, path)
}

// ChangedPaths lists the paths whose entries differ from the previous
// revision, classified as added, modified, deleted or replaced.
func (r *Revision) ChangedPaths(ctx context.Context) (map[string]ChangeKind, error) {
	if r.rev == 0 {
		return nil, nil
	}
	oldRoot, err := r.branch.rootTree(r.rev - 1)
	if err != nil {
		return nil, err
	}
	newRoot, err := r.branch.rootTree(r.rev)
	if err != nil {
		return nil, err
	}
	changes := make(map[string]ChangeKind)
	if err := r.branch.diffChanges(ctx, oldRoot, newRoot, "", changes); err != nil {
		return nil, err
	}
	return changes, nil
}

// ChangeKind classifies an entry change within one revision.
type ChangeKind byte

const (
	ChangeAdd     ChangeKind = 'A'
	ChangeModify  ChangeKind = 'M'
	ChangeDelete  ChangeKind = 'D'
	ChangeReplace ChangeKind = 'R'
)

// diffChanges records per-path change kinds between two trees.
func (b *Branch) diffChanges(ctx context.Context, oldID, newID gitdb.Hash, prefix string, out map[string]ChangeKind) error {
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
		case !exists:
			out[path] = ChangeAdd
			if newEntry.IsDir() {
				if err := b.diffChanges(ctx, gitdb.Zero, newEntry.ID, path, out); err != nil {
					return err
				}
			}
		case oldEntry.IsDir() != newEntry.IsDir():
			out[path] = ChangeReplace
			if newEntry.IsDir() {
				if err := b.diffChanges(ctx, gitdb.Zero, newEntry.ID, path, out); err != nil {
					return err
				}
			}
		case newEntry.IsDir():
			if oldEntry.ID != newEntry.ID {
				if err := b.diffChanges(ctx, oldEntry.ID, newEntry.ID, path, out); err != nil {
					return err
				}
			}
		case oldEntry.ID != newEntry.ID || oldEntry.Mode != newEntry.Mode:
			out[path] = ChangeModify
		}
	}
	for name := range oldEntries {
		if _, exists := newEntries[name]; exists {
			continue
		}
		out[joinPath(prefix, name)] = ChangeDelete
	}
	return nil
}
