package gitdb

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Type represents an object type stored in the database.
type Type uint8

const (
	TypeInvalid Type = 0
	TypeCommit  Type = 1
	TypeTree    Type = 2
	TypeBlob    Type = 3
)

// Bytes returns the header spelling of the type.
func (t Type) Bytes() []byte {
	switch t {
	case TypeCommit:
		return []byte("commit")
	case TypeTree:
		return []byte("tree")
	case TypeBlob:
		return []byte("blob")
	default:
		return []byte("unknown")
	}
}

// TypeFromBytes parses a header spelling.
func TypeFromBytes(b []byte) (Type, error) {
	switch string(b) {
	case "commit":
		return TypeCommit, nil
	case "tree":
		return TypeTree, nil
	case "blob":
		return TypeBlob, nil
	default:
		return TypeInvalid, fmt.Errorf("unknown object type %q", b)
	}
}

// Entry modes. The values are the octal modes of the backing store's tree
// format; they discriminate the entry kind.
const (
	ModeDir       uint32 = 0o040000
	ModeFile      uint32 = 0o100644
	ModeExec      uint32 = 0o100755
	ModeSymlink   uint32 = 0o120000
	ModeSubmodule uint32 = 0o160000
)

// TreeEntry is a single directory entry. Name is raw bytes: entry names are
// carried opaque end-to-end and compared byte-wise, never normalised.
type TreeEntry struct {
	Name []byte
	Mode uint32
	ID   Hash
}

// IsDir reports whether the entry names a sub-tree.
func (e TreeEntry) IsDir() bool {
	return e.Mode == ModeDir
}

// IsSubmodule reports whether the entry is a nested-repository link.
func (e TreeEntry) IsSubmodule() bool {
	return e.Mode == ModeSubmodule
}

// Tree is a directory listing.
type Tree struct {
	Entries []TreeEntry
}

// Lookup returns the entry with the given name, or nil.
func (t *Tree) Lookup(name []byte) *TreeEntry {
	for i := range t.Entries {
		if bytes.Equal(t.Entries[i].Name, name) {
			return &t.Entries[i]
		}
	}
	return nil
}

// ParseTree decodes a tree body: a sequence of "<octal mode> <name>\x00<20
// raw id bytes>" records.
func ParseTree(body []byte) (*Tree, error) {
	tree := &Tree{}
	for len(body) > 0 {
		sp := bytes.IndexByte(body, ' ')
		if sp < 0 {
			return nil, fmt.Errorf("corrupt tree: missing mode separator")
		}
		mode, err := strconv.ParseUint(string(body[:sp]), 8, 32)
		if err != nil {
			return nil, fmt.Errorf("corrupt tree: bad mode: %w", err)
		}
		body = body[sp+1:]

		nul := bytes.IndexByte(body, 0)
		if nul < 0 || len(body) < nul+1+20 {
			return nil, fmt.Errorf("corrupt tree: truncated entry")
		}
		var id Hash
		copy(id[:], body[nul+1:nul+21])
		tree.Entries = append(tree.Entries, TreeEntry{
			Name: append([]byte(nil), body[:nul]...),
			Mode: uint32(mode),
			ID:   id,
		})
		body = body[nul+21:]
	}
	return tree, nil
}

// Encode serialises the tree in canonical order: byte-wise by name, with
// sub-trees sorting as if their name had a trailing slash.
func (t *Tree) Encode() []byte {
	entries := make([]TreeEntry, len(t.Entries))
	copy(entries, t.Entries)
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(sortKey(entries[i]), sortKey(entries[j])) < 0
	})

	var buf bytes.Buffer
	for _, e := range entries {
		buf.WriteString(strconv.FormatUint(uint64(e.Mode), 8))
		buf.WriteByte(' ')
		buf.Write(e.Name)
		buf.WriteByte(0)
		buf.Write(e.ID[:])
	}
	return buf.Bytes()
}

func sortKey(e TreeEntry) []byte {
	if e.IsDir() {
		return append(append([]byte(nil), e.Name...), '/')
	}
	return e.Name
}

// Signature identifies the author or committer of a commit.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

func (s Signature) encode() string {
	return fmt.Sprintf("%s <%s> %d %s", s.Name, s.Email, s.When.Unix(), s.When.Format("-0700"))
}

func parseSignature(line string) (Signature, error) {
	open := strings.Index(line, " <")
	end := strings.Index(line, "> ")
	if open < 0 || end < open {
		return Signature{}, fmt.Errorf("corrupt signature %q", line)
	}
	rest := strings.Fields(line[end+2:])
	if len(rest) < 1 {
		return Signature{}, fmt.Errorf("corrupt signature %q", line)
	}
	sec, err := strconv.ParseInt(rest[0], 10, 64)
	if err != nil {
		return Signature{}, fmt.Errorf("corrupt signature %q: %w", line, err)
	}
	when := time.Unix(sec, 0).UTC()
	if len(rest) > 1 {
		if loc, err := time.Parse("-0700", rest[1]); err == nil {
			when = when.In(loc.Location())
		}
	}
	return Signature{Name: line[:open], Email: line[open+2 : end], When: when}, nil
}

// Commit is a snapshot with ancestry. Only the first parent participates in
// revision-number synthesis; the rest are preserved verbatim.
type Commit struct {
	Tree      Hash
	Parents   []Hash
	Author    Signature
	Committer Signature
	Message   string
}

// FirstParent returns the first parent, or Zero for a root commit.
func (c *Commit) FirstParent() Hash {
	if len(c.Parents) == 0 {
		return Zero
	}
	return c.Parents[0]
}

// ParseCommit decodes a commit body.
func ParseCommit(body []byte) (*Commit, error) {
	commit := &Commit{}
	text := string(body)
	for {
		nl := strings.IndexByte(text, '\n')
		if nl < 0 {
			return nil, fmt.Errorf("corrupt commit: missing message separator")
		}
		line := text[:nl]
		text = text[nl+1:]
		if line == "" {
			break
		}

		key, value, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("corrupt commit header %q", line)
		}
		switch key {
		case "tree":
			id, err := HashFromHex(value)
			if err != nil {
				return nil, err
			}
			commit.Tree = id
		case "parent":
			id, err := HashFromHex(value)
			if err != nil {
				return nil, err
			}
			commit.Parents = append(commit.Parents, id)
		case "author":
			sig, err := parseSignature(value)
			if err != nil {
				return nil, err
			}
			commit.Author = sig
		case "committer":
			sig, err := parseSignature(value)
			if err != nil {
				return nil, err
			}
			commit.Committer = sig
		default:
			// Unknown headers (gpgsig, encoding, ...) are preserved by the
			// store but carry no meaning here.
		}
	}
	commit.Message = text
	return commit, nil
}

// Encode serialises the commit body.
func (c *Commit) Encode() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", c.Tree)
	for _, p := range c.Parents {
		fmt.Fprintf(&buf, "parent %s\n", p)
	}
	fmt.Fprintf(&buf, "author %s\n", c.Author.encode())
	fmt.Fprintf(&buf, "committer %s\n", c.Committer.encode())
	buf.WriteByte('\n')
	buf.WriteString(c.Message)
	return buf.Bytes()
}
