// Package props derives svn path properties from the dotfiles found while
// walking trees: .gitignore contributes svn:ignore on its directory,
// .gitattributes contributes per-file properties such as svn:eol-style and
// svn:mime-type for entries beneath it.
package props

import (
	"path"
	"strings"
)

// Well-known property names.
const (
	Executable = "svn:executable"
	Special    = "svn:special"
	MimeType   = "svn:mime-type"
	EolStyle   = "svn:eol-style"
	NeedsLock  = "svn:needs-lock"
	Ignore     = "svn:ignore"
	AutoProps  = "svn:auto-props"

	EntryUUID         = "svn:entry:uuid"
	EntryCommittedRev = "svn:entry:committed-rev"
	EntryCommittedDate = "svn:entry:committed-date"
	EntryLastAuthor   = "svn:entry:last-author"

	RevAuthor = "svn:author"
	RevDate   = "svn:date"
	RevLog    = "svn:log"

	// RevGitCommit exposes the backing commit id as a revision property.
	RevGitCommit = "git-commit"

	MimeBinary = "application/octet-stream"
)

// Rules is the parsed form of a property-bearing dotfile. One Rules value is
// cached per blob id and shared across revisions.
type Rules struct {
	// ignored holds .gitignore patterns that apply to the owning directory.
	ignored []string
	// attrs holds .gitattributes pattern rules in file order.
	attrs []attrRule
}

type attrRule struct {
	pattern string
	// anchored patterns contain a slash and match the path relative to the
	// owning directory; others match the base name only.
	anchored bool
	props    map[string]string
}

// ParseDotfile parses a dotfile by name, returning nil for names that carry
// no properties.
func ParseDotfile(name string, content []byte) *Rules {
	switch name {
	case ".gitignore":
		return parseIgnore(string(content))
	case ".gitattributes":
		return parseAttributes(string(content))
	default:
		return nil
	}
}

// IsDotfile reports whether the name is consulted by ParseDotfile.
func IsDotfile(name string) bool {
	return name == ".gitignore" || name == ".gitattributes"
}

func parseIgnore(content string) *Rules {
	rules := &Rules{}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		// Patterns with inner slashes have no svn:ignore equivalent on this
		// directory; the leading-slash form anchors to it.
		trimmed := strings.TrimPrefix(line, "/")
		if strings.Contains(strings.TrimSuffix(trimmed, "/"), "/") {
			continue
		}
		rules.ignored = append(rules.ignored, strings.TrimSuffix(trimmed, "/"))
	}
	if len(rules.ignored) == 0 && len(rules.attrs) == 0 {
		return nil
	}
	return rules
}

func parseAttributes(content string) *Rules {
	rules := &Rules{}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		props := make(map[string]string)
		for _, attr := range fields[1:] {
			switch {
			case attr == "binary", attr == "-text":
				props[MimeType] = MimeBinary
			case attr == "text":
				if _, ok := props[EolStyle]; !ok {
					props[EolStyle] = "native"
				}
			case attr == "eol=lf":
				props[EolStyle] = "LF"
			case attr == "eol=crlf":
				props[EolStyle] = "CRLF"
			case attr == "lockable":
				props[NeedsLock] = "*"
			case strings.HasPrefix(attr, "eol="):
				// Unknown eol flavour: leave unset.
			}
		}
		if len(props) == 0 {
			continue
		}
		pattern := strings.TrimPrefix(fields[0], "/")
		rules.attrs = append(rules.attrs, attrRule{
			pattern:  pattern,
			anchored: strings.Contains(pattern, "/"),
			props:    props,
		})
	}
	if len(rules.attrs) == 0 {
		return nil
	}
	return rules
}

// ApplyDir merges the rules' directory properties (svn:ignore) into props.
func (r *Rules) ApplyDir(props map[string]string) {
	if len(r.ignored) == 0 {
		return
	}
	value := strings.Join(r.ignored, "\n") + "\n"
	if prev, ok := props[Ignore]; ok {
		value = prev + value
	}
	props[Ignore] = value
}

// ApplyFile merges the properties of every attribute rule matching relPath
// (the entry path relative to the directory owning the dotfile) into props.
// Later rules win, matching attribute-file precedence.
func (r *Rules) ApplyFile(relPath string, props map[string]string) {
	base := path.Base(relPath)
	for _, rule := range r.attrs {
		subject := base
		if rule.anchored {
			subject = relPath
		}
		if ok, err := path.Match(rule.pattern, subject); err == nil && ok {
			for k, v := range rule.props {
				props[k] = v
			}
		}
	}
}
