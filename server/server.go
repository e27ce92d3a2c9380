package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bozaro/git-as-svn/auth"
	"github.com/bozaro/git-as-svn/protocol"
	"github.com/bozaro/git-as-svn/repository"
)

// protocolVersion is the only protocol version spoken.
const protocolVersion = 2

// RepositoryEntry maps a URL prefix onto a repository branch.
type RepositoryEntry struct {
	// Prefix is the URL path prefix, without leading or trailing slashes.
	Prefix string
	// Repo is the exposed repository.
	Repo *repository.Repository
	// AnonymousRead admits unauthenticated read-only sessions.
	AnonymousRead bool
}

// Options configure a Server.
type Options struct {
	Realm         string
	Compression   bool
	IdleTimeout   time.Duration
	AuthTimeout   time.Duration
	ShutdownGrace time.Duration
}

// Server accepts connections and runs one session per connection on a
// worker goroutine.
type Server struct {
	opts     Options
	log      *zap.Logger
	userDB   auth.UserDB
	mapping  []RepositoryEntry
	listener net.Listener

	compression bool

	sessions  sync.Map // session id -> net.Conn
	sessionID atomic.Int64
	stopped   atomic.Bool
}

// New builds a Server. Mapping entries are matched by longest prefix.
func New(log *zap.Logger, userDB auth.UserDB, mapping []RepositoryEntry, opts Options) *Server {
	sorted := make([]RepositoryEntry, len(mapping))
	copy(sorted, mapping)
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	return &Server{
		opts:        opts,
		log:         log,
		userDB:      userDB,
		mapping:     sorted,
		compression: opts.Compression,
	}
}

// Serve accepts connections on l until Shutdown or a fatal accept error.
func (srv *Server) Serve(ctx context.Context, l net.Listener) error {
	srv.listener = l
	group, ctx := errgroup.WithContext(ctx)

	for {
		conn, err := l.Accept()
		if err != nil {
			if srv.stopped.Load() || errors.Is(err, net.ErrClosed) {
				break
			}
			srv.log.Error("accept failed", zap.Error(err))
			continue
		}
		id := srv.sessionID.Add(1)
		srv.sessions.Store(id, conn)
		group.Go(func() error {
			defer srv.sessions.Delete(id)
			defer func() { _ = conn.Close() }()
			srv.serveConn(ctx, id, conn)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(srv.opts.ShutdownGrace):
		srv.log.Warn("closing remaining sessions after grace period")
		srv.sessions.Range(func(_, value any) bool {
			_ = value.(net.Conn).Close()
			return true
		})
		<-done
	}
	return nil
}

// Shutdown stops the acceptor; Serve drains workers and returns.
func (srv *Server) Shutdown() {
	if srv.stopped.CompareAndSwap(false, true) && srv.listener != nil {
		_ = srv.listener.Close()
	}
}

// serveConn runs the full session state machine for one connection.
func (srv *Server) serveConn(ctx context.Context, id int64, conn net.Conn) {
	log := srv.log.With(zap.Int64("session_id", id), zap.String("remote", conn.RemoteAddr().String()))
	log.Info("connection accepted")

	session, err := srv.handshake(ctx, conn, log)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			log.Info("handshake failed", zap.Error(err))
		}
		return
	}

	err = srv.commandLoop(ctx, session)
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		log.Info("connection closed")
	default:
		log.Error("session aborted", zap.Error(err))
	}
}

// clientInfo is the client's reply to the greeting.
type clientInfo struct {
	Version      int
	Capabilities []protocol.Word
	URL          string
}

// handshake runs greeting, repository resolution, authentication and the
// announce response.
func (srv *Server) handshake(ctx context.Context, conn net.Conn, log *zap.Logger) (*Session, error) {
	if srv.opts.AuthTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(srv.opts.AuthTimeout))
	}

	parser := protocol.NewParser(conn)
	writer := protocol.NewWriter(conn)

	// Greeting: ( success ( min-ver max-ver ( mech... ) ( cap... ) ) ).
	caps := []string{"edit-pipeline", "absent-entries", "depth", "inherited-props", "log-revprops", "commit-revprops"}
	if srv.compression {
		caps = append(caps, "svndiff1")
	}
	writer.ListBegin().Word("success").ListBegin().
		Number(protocolVersion).Number(protocolVersion).
		ListBegin().ListEnd().
		ListBegin()
	for _, c := range caps {
		writer.Word(c)
	}
	writer.ListEnd().ListEnd().ListEnd()
	if err := writer.Flush(); err != nil {
		return nil, err
	}

	var info clientInfo
	if err := protocol.ParseMessage(parser, &info); err != nil {
		return nil, err
	}
	if info.Version != protocolVersion {
		_ = protocol.WriteFailure(writer, protocol.Errorf(protocol.CodeRaSvnBadVersion,
			"Unsupported protocol version %d (expected %d)", info.Version, protocolVersion))
		return nil, fmt.Errorf("unsupported protocol version %d", info.Version)
	}

	clientURL, err := cleanURL(info.URL)
	if err != nil {
		perr := &protocol.Error{}
		errors.As(err, &perr)
		_ = protocol.WriteFailure(writer, perr)
		return nil, err
	}

	entry, branch, baseURL, ok := srv.resolve(clientURL)
	if !ok {
		_ = protocol.WriteFailure(writer, protocol.Errorf(protocol.CodeRaSvnReposNotFound,
			"No repository found in '%s'", info.URL))
		return nil, fmt.Errorf("no repository for %s", info.URL)
	}

	session := &Session{
		server:        srv,
		conn:          conn,
		parser:        parser,
		writer:        writer,
		log:           log.With(zap.String("repository", entry.Repo.Name())),
		repo:          entry.Repo,
		branch:        branch,
		baseURL:       baseURL,
		anonymousRead: entry.AnonymousRead,
		caps:          make(map[string]bool, len(info.Capabilities)),
	}
	for _, c := range info.Capabilities {
		session.caps[string(c)] = true
	}
	if session.parent, err = session.repositoryPathFromURL(clientURL); err != nil {
		perr := &protocol.Error{}
		errors.As(err, &perr)
		_ = protocol.WriteFailure(writer, perr)
		return nil, err
	}

	if err := srv.authenticate(session); err != nil {
		return nil, err
	}

	if err := session.branch.Reload(ctx); err != nil {
		return nil, err
	}

	// Announce: ( success ( uuid repos-url ( ) ) ).
	writer.ListBegin().Word("success").ListBegin().
		String(entry.Repo.UUID()).
		String(baseURL).
		ListBegin().ListEnd().
		ListEnd().ListEnd()
	if err := writer.Flush(); err != nil {
		return nil, err
	}

	if srv.opts.AuthTimeout > 0 {
		_ = conn.SetDeadline(time.Time{})
	}
	log.Info("session established", zap.String("user", session.user.Name), zap.String("url", info.URL))
	return session, nil
}

// resolve matches a client URL against the repository mapping: the longest
// registered prefix wins and the remainder selects a branch.
func (srv *Server) resolve(clientURL string) (RepositoryEntry, *repository.Branch, string, bool) {
	slash := strings.Index(strings.TrimPrefix(clientURL, "svn://"), "/")
	if slash < 0 {
		return RepositoryEntry{}, nil, "", false
	}
	host := clientURL[:len("svn://")+slash]
	path := clientURL[len(host)+1:]

	for _, entry := range srv.mapping {
		if path != entry.Prefix && !strings.HasPrefix(path, entry.Prefix+"/") {
			continue
		}
		rest := strings.TrimPrefix(strings.TrimPrefix(path, entry.Prefix), "/")

		// The remainder's first component may select a branch; otherwise
		// the default branch serves the root.
		names := entry.Repo.BranchNames()
		branchName := names[0]
		base := host + "/" + entry.Prefix
		if rest != "" {
			first := rest
			if i := strings.Index(rest, "/"); i >= 0 {
				first = rest[:i]
			}
			for _, name := range names {
				if name == first {
					branchName = name
					base = base + "/" + name
					break
				}
			}
		}
		return entry, entry.Repo.Branch(branchName), base, true
	}
	return RepositoryEntry{}, nil, "", false
}

// authenticate advertises mechanisms and loops until one succeeds.
func (srv *Server) authenticate(s *Session) error {
	var mechs []auth.Authenticator
	if s.anonymousRead {
		mechs = append(mechs, auth.AnonymousAuthenticator{})
	}
	mechs = append(mechs, auth.PlainAuthenticator{DB: srv.userDB})

	for {
		// ( success ( ( mech... ) realm ) )
		s.writer.ListBegin().Word("success").ListBegin().ListBegin()
		for _, m := range mechs {
			s.writer.Word(m.MechanismName())
		}
		s.writer.ListEnd().String(srv.opts.Realm).ListEnd().ListEnd()
		if err := s.writer.Flush(); err != nil {
			return err
		}

		// ( mech:word ( ? token:string ) )
		var req struct {
			Mech  protocol.Word
			Token []string
		}
		if err := protocol.ParseMessage(s.parser, &req); err != nil {
			return err
		}

		var mech auth.Authenticator
		for _, m := range mechs {
			if m.MechanismName() == string(req.Mech) {
				mech = m
				break
			}
		}
		if mech == nil {
			if err := protocol.WriteFailure(s.writer, protocol.Errorf(protocol.CodeAuthnCredsUnavailable,
				"Unsupported authentication mechanism: %s", req.Mech)); err != nil {
				return err
			}
			continue
		}

		var initial []byte
		if len(req.Token) > 0 {
			initial = []byte(req.Token[0])
		}
		user, err := mech.Authenticate(s.parser, s.writer, initial)
		if err != nil {
			return err
		}
		if user == nil {
			if err := protocol.WriteFailure(s.writer,
				protocol.NewError(protocol.CodeRaNotAuthorized, "Username not found or password incorrect")); err != nil {
				return err
			}
			continue
		}

		s.user = *user
		s.writer.ListBegin().Word("success").ListBegin().ListEnd().ListEnd()
		return s.writer.Flush()
	}
}

// commandLoop drains pending steps and dispatches commands until the
// connection ends.
func (srv *Server) commandLoop(ctx context.Context, s *Session) error {
	for {
		if step := s.poll(); step != nil {
			if err := srv.runStep(ctx, s, step); err != nil {
				return err
			}
			continue
		}

		if srv.opts.IdleTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(srv.opts.IdleTimeout))
		}
		if err := s.parser.ReadListBegin(); err != nil {
			return err
		}
		cmd, err := s.parser.ReadWord()
		if err != nil {
			return err
		}

		handler, ok := commands[cmd]
		if !ok {
			if err := s.skipUnsupportedCommand(cmd); err != nil {
				return err
			}
			continue
		}

		args := handler.newArgs()
		if err := protocol.ParseMessage(s.parser, args); err != nil {
			return err
		}
		if err := s.parser.ReadListEnd(); err != nil {
			return err
		}

		s.log.Debug("command", zap.String("command", cmd))
		if err := srv.runCommand(ctx, s, handler, args); err != nil {
			return err
		}
	}
}

// runStep executes a deferred step, reporting semantic errors in-band.
func (srv *Server) runStep(ctx context.Context, s *Session, step Step) error {
	err := step(ctx, s)
	return s.reportOrFail(err)
}

// runCommand applies the permission check and the handler, reporting
// semantic errors in-band.
func (srv *Server) runCommand(ctx context.Context, s *Session, h *handler, args any) error {
	if h.check != nil {
		if err := h.check(ctx, s, args); err != nil {
			return s.reportOrFail(err)
		}
	}
	return s.reportOrFail(h.process(ctx, s, args))
}

// reportOrFail sends semantic errors to the client and keeps the session;
// transport errors propagate and end it.
func (s *Session) reportOrFail(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrForbidden) {
		return s.sendFailure(protocol.NewError(protocol.CodeRaNotAuthorized, "Access denied"))
	}
	var perr *protocol.Error
	if errors.As(err, &perr) {
		return s.sendFailure(perr)
	}
	return err
}
