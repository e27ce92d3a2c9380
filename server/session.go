// Package server implements the svn:// protocol endpoint: the acceptor,
// the per-connection session state machine, the command registry, the
// report/update delta reporter and the commit editor.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/bozaro/git-as-svn/auth"
	"github.com/bozaro/git-as-svn/protocol"
	"github.com/bozaro/git-as-svn/repository"
)

// Step is a deferred unit of work on the session's step stack. Multi-round
// commands push steps instead of blocking the command loop; the loop drains
// the stack before reading the next command.
type Step func(ctx context.Context, s *Session) error

// Session owns one client connection after repository resolution.
type Session struct {
	server *Server
	conn   net.Conn
	parser *protocol.Parser
	writer *protocol.Writer
	log    *zap.Logger

	repo          *repository.Repository
	branch        *repository.Branch
	baseURL       string
	anonymousRead bool

	user auth.User
	caps map[string]bool

	// parent is the session's current parent path relative to the branch
	// root; reparent moves it.
	parent string

	steps []Step
}

// push registers a deferred step. Steps run LIFO.
func (s *Session) push(step Step) {
	s.steps = append(s.steps, step)
}

// poll removes and returns the most recent step, or nil.
func (s *Session) poll() Step {
	if len(s.steps) == 0 {
		return nil
	}
	step := s.steps[len(s.steps)-1]
	s.steps = s.steps[:len(s.steps)-1]
	return step
}

// CompressionEnabled reports whether delta compression was negotiated.
func (s *Session) CompressionEnabled() bool {
	return s.server.compression && s.caps["svndiff1"]
}

// repositoryPath resolves a client-relative path against the session's
// parent into a branch-root-relative path.
func (s *Session) repositoryPath(localPath string) string {
	return joinPath(s.parent, normalizePath(localPath))
}

// repositoryPathFromURL rebase a full URL onto the branch root.
func (s *Session) repositoryPathFromURL(rawURL string) (string, error) {
	cleaned, err := cleanURL(rawURL)
	if err != nil {
		return "", err
	}
	if cleaned == s.baseURL {
		return "", nil
	}
	if !strings.HasPrefix(cleaned, s.baseURL+"/") {
		return "", protocol.Errorf(protocol.CodeRaIllegalURL,
			"'%s' is not the same repository as '%s'", rawURL, s.baseURL)
	}
	return cleaned[len(s.baseURL)+1:], nil
}

// reparent moves the session's parent path.
func (s *Session) reparent(rawURL string) error {
	path, err := s.repositoryPathFromURL(rawURL)
	if err != nil {
		return err
	}
	s.parent = path
	return nil
}

// checkRead rejects reads that the session principal may not perform.
func (s *Session) checkRead(path string) error {
	if s.user.IsAnonymous() && !s.anonymousRead {
		return protocol.NewError(protocol.CodeRaNotAuthorized, "Authentication required")
	}
	return nil
}

// checkWrite rejects writes by anonymous principals.
func (s *Session) checkWrite(path string) error {
	if s.user.IsAnonymous() {
		return protocol.NewError(protocol.CodeRaNotAuthorized, "Anonymous access denied for write operation")
	}
	return nil
}

// file resolves a path in a revision, applying read access checks.
func (s *Session) file(ctx context.Context, rev int, path string) (*repository.File, error) {
	if err := s.checkRead(path); err != nil {
		return nil, err
	}
	view, err := s.branch.Revision(rev)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeFsNotFound, "No such revision %d", rev)
	}
	return view.File(ctx, path)
}

// revisionOrLatest defaults an optional revision argument to the branch tip.
func (s *Session) revisionOrLatest(rev *int) int {
	if rev != nil && *rev >= 0 {
		return *rev
	}
	return s.branch.Latest()
}

// sendEmptySuccess emits ( success ( ) ).
func (s *Session) sendEmptySuccess() error {
	s.writer.ListBegin().Word("success").ListBegin().ListEnd().ListEnd()
	return s.writer.Flush()
}

// sendAuthRequired emits the trivial auth request sent before deferred
// responses: ( success ( ( ) 0: ) ).
func (s *Session) sendAuthRequired() error {
	s.writer.ListBegin().Word("success").
		ListBegin().ListBegin().ListEnd().String("").ListEnd().
		ListEnd()
	return s.writer.Flush()
}

// sendFailure reports a semantic error and keeps the session alive.
func (s *Session) sendFailure(perr *protocol.Error) error {
	if perr.IsWarning() {
		s.log.Info("command failed", zap.Int("code", perr.Code), zap.String("message", perr.Message))
	} else {
		s.log.Error("command failed", zap.Int("code", perr.Code), zap.String("message", perr.Message))
	}
	return protocol.WriteFailure(s.writer, perr)
}

// skipUnsupportedCommand reports an unknown command and discards its
// arguments.
func (s *Session) skipUnsupportedCommand(cmd string) error {
	s.log.Error("unsupported command", zap.String("command", cmd))
	if err := protocol.WriteFailure(s.writer,
		protocol.Errorf(protocol.CodeRaSvnUnknownCmd, "Unsupported command: %s", cmd)); err != nil {
		return err
	}
	return s.parser.SkipItems()
}

// asProtocolError unwraps err into a protocol error.
func asProtocolError(err error, target **protocol.Error) bool {
	return errors.As(err, target)
}

// normalizePath strips leading and trailing slashes and collapses repeats.
func normalizePath(p string) string {
	var parts []string
	for _, part := range strings.Split(p, "/") {
		if part != "" && part != "." {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, "/")
}

func joinPath(prefix, name string) string {
	if name == "" {
		return prefix
	}
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func parentDir(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return ""
	}
	return path[:i]
}

// childName returns the name of childPath directly under dir, or "".
func childName(dir, childPath string) string {
	if dir == "" {
		if !strings.Contains(childPath, "/") {
			return childPath
		}
		return ""
	}
	if !strings.HasPrefix(childPath, dir+"/") {
		return ""
	}
	rest := childPath[len(dir)+1:]
	if strings.Contains(rest, "/") {
		return ""
	}
	return rest
}

// cleanURL canonicalises an svn:// URL: scheme and host lowered, default
// port dropped, path normalised without a trailing slash.
func cleanURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", protocol.Errorf(protocol.CodeBadURL, "Malformed URL: %s", rawURL)
	}
	if u.Scheme != "svn" {
		return "", protocol.Errorf(protocol.CodeBadURL, "Unsupported URL scheme: %s", rawURL)
	}
	host := strings.ToLower(u.Host)
	host = strings.TrimSuffix(host, ":3690")
	path := normalizePath(u.Path)
	if path == "" {
		return fmt.Sprintf("svn://%s", host), nil
	}
	return fmt.Sprintf("svn://%s/%s", host, path), nil
}
