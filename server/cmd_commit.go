package server

import (
	"context"
	"path"

	"go.uber.org/zap"

	"github.com/bozaro/git-as-svn/protocol"
	"github.com/bozaro/git-as-svn/repository"
)

// commit
//
//	params:   ( logmsg:string ? ( ( lock-path:string lock-token:string ) ... )
//	            keep-locks:bool ? rev-props:proplist )
//	response: ( )
//	Client switches to editor command set. After close-edit, server sends
//	the new revision's commit info.
type commitArgs struct {
	LogMsg    string
	LockPaths []commitLockEntry
	KeepLocks bool
}

type commitLockEntry struct {
	Path  string
	Token string
}

var cmdCommit = func() *handler {
	newArgs, process := typedArgs(func(ctx context.Context, s *Session, args *commitArgs) error {
		tokens := make(map[string]string, len(args.LockPaths))
		for _, entry := range args.LockPaths {
			tokens[s.repositoryPath(entry.Path)] = entry.Token
		}

		if err := s.sendEmptySuccess(); err != nil {
			return err
		}

		editor := &commitEditor{
			session: s,
			message: args.LogMsg,
			tokens:  tokens,
			keep:    args.KeepLocks,
			files:   make(map[string]*repository.FileWriter),
		}
		s.push(editor.step)
		return nil
	})
	return &handler{
		newArgs: newArgs,
		check: func(ctx context.Context, s *Session, args any) error {
			return s.checkWrite(s.parent)
		},
		process: process,
	}
}()

// commitEditor consumes the client's editor command stream and drives the
// repository writer. One step handles one editor command; the editor
// re-pushes itself until close-edit or abort-edit.
type commitEditor struct {
	session *Session
	message string
	tokens  map[string]string
	keep    bool

	writer *repository.Writer
	files  map[string]*repository.FileWriter
	// failed is set after a reported error; remaining editor commands are
	// drained without effect until the client aborts.
	failed bool
}

// step processes one editor command.
func (ce *commitEditor) step(ctx context.Context, s *Session) error {
	if err := s.parser.ReadListBegin(); err != nil {
		return err
	}
	cmd, err := s.parser.ReadWord()
	if err != nil {
		return err
	}

	switch cmd {
	case "close-edit":
		if err := s.parser.SkipItems(); err != nil {
			return err
		}
		if ce.failed {
			ce.abort()
			return s.sendEmptySuccess()
		}
		return ce.finish(ctx, s)
	case "abort-edit":
		if err := s.parser.SkipItems(); err != nil {
			return err
		}
		ce.abort()
		return s.sendEmptySuccess()
	}

	// Any other command keeps the editor running.
	s.push(ce.step)
	if ce.failed {
		return s.parser.SkipItems()
	}

	if err := ce.handle(ctx, s, cmd); err != nil {
		var perr *protocol.Error
		if !asProtocolError(err, &perr) {
			ce.abort()
			return err
		}
		ce.failed = true
		ce.abort()
		return s.sendFailure(perr)
	}
	return nil
}

// abort rolls back the transaction; safe to call more than once.
func (ce *commitEditor) abort() {
	if ce.writer != nil {
		ce.writer.Abort()
		ce.writer = nil
	}
	ce.files = make(map[string]*repository.FileWriter)
}

// handle applies one editor command to the repository writer. The argument
// list and the command's outer list are fully consumed.
func (ce *commitEditor) handle(ctx context.Context, s *Session, cmd string) error {
	switch cmd {
	case "open-root":
		var args struct {
			Rev   *int
			Token string
		}
		if err := ce.parse(s, &args); err != nil {
			return err
		}
		if ce.writer != nil {
			return protocol.NewError(protocol.CodeRaSvnCmdErr, "root already open")
		}
		writer, err := s.branch.NewWriter(ctx, s.user.Name, ce.tokens, ce.keep)
		if err != nil {
			return err
		}
		ce.writer = writer
		return writer.OpenRoot(ctx)

	case "open-dir":
		var args struct {
			Path        string
			ParentToken string
			ChildToken  string
			Rev         *int
		}
		if err := ce.parse(s, &args); err != nil {
			return err
		}
		w, err := ce.openWriter()
		if err != nil {
			return err
		}
		return w.OpenDir(ctx, path.Base(normalizePath(args.Path)), args.Rev)

	case "add-dir":
		var args struct {
			Path        string
			ParentToken string
			ChildToken  string
			CopyPath    *string
			CopyRev     *int
		}
		if err := ce.parse(s, &args); err != nil {
			return err
		}
		w, err := ce.openWriter()
		if err != nil {
			return err
		}
		copyFrom, err := ce.copySource(s, args.CopyPath, args.CopyRev)
		if err != nil {
			return err
		}
		return w.AddDir(ctx, path.Base(normalizePath(args.Path)), copyFrom)

	case "close-dir":
		var args struct {
			Token string
		}
		if err := ce.parse(s, &args); err != nil {
			return err
		}
		w, err := ce.openWriter()
		if err != nil {
			return err
		}
		return w.CloseDir()

	case "delete-entry":
		var args struct {
			Path  string
			Rev   *int
			Token string
		}
		if err := ce.parse(s, &args); err != nil {
			return err
		}
		w, err := ce.openWriter()
		if err != nil {
			return err
		}
		return w.DeleteEntry(ctx, path.Base(normalizePath(args.Path)), args.Rev)

	case "add-file":
		var args struct {
			Path        string
			ParentToken string
			FileToken   string
			CopyPath    *string
			CopyRev     *int
		}
		if err := ce.parse(s, &args); err != nil {
			return err
		}
		w, err := ce.openWriter()
		if err != nil {
			return err
		}
		copyFrom, err := ce.copySource(s, args.CopyPath, args.CopyRev)
		if err != nil {
			return err
		}
		fw, err := w.AddFile(ctx, path.Base(normalizePath(args.Path)), copyFrom)
		if err != nil {
			return err
		}
		ce.files[args.FileToken] = fw
		return nil

	case "open-file":
		var args struct {
			Path        string
			ParentToken string
			FileToken   string
			Rev         *int
		}
		if err := ce.parse(s, &args); err != nil {
			return err
		}
		w, err := ce.openWriter()
		if err != nil {
			return err
		}
		fw, err := w.OpenFile(ctx, path.Base(normalizePath(args.Path)), args.Rev)
		if err != nil {
			return err
		}
		ce.files[args.FileToken] = fw
		return nil

	case "apply-textdelta":
		var args struct {
			FileToken    string
			BaseChecksum *string
		}
		if err := ce.parse(s, &args); err != nil {
			return err
		}
		fw, err := ce.file(args.FileToken)
		if err != nil {
			return err
		}
		return fw.ApplyDelta(ctx, args.BaseChecksum)

	case "textdelta-chunk":
		var args struct {
			FileToken string
			Chunk     []byte
		}
		if err := ce.parse(s, &args); err != nil {
			return err
		}
		fw, err := ce.file(args.FileToken)
		if err != nil {
			return err
		}
		return fw.DeltaChunk(args.Chunk)

	case "textdelta-end":
		var args struct {
			FileToken string
		}
		if err := ce.parse(s, &args); err != nil {
			return err
		}
		fw, err := ce.file(args.FileToken)
		if err != nil {
			return err
		}
		return fw.DeltaEnd()

	case "change-file-prop":
		var args struct {
			FileToken string
			Name      string
			Value     *string
		}
		if err := ce.parse(s, &args); err != nil {
			return err
		}
		fw, err := ce.file(args.FileToken)
		if err != nil {
			return err
		}
		fw.ChangeProp(args.Name, args.Value)
		return nil

	case "change-dir-prop":
		var args struct {
			Token string
			Name  string
			Value *string
		}
		if err := ce.parse(s, &args); err != nil {
			return err
		}
		w, err := ce.openWriter()
		if err != nil {
			return err
		}
		return w.ChangeDirProp(args.Name, args.Value)

	case "close-file":
		var args struct {
			FileToken    string
			TextChecksum *string
		}
		if err := ce.parse(s, &args); err != nil {
			return err
		}
		fw, err := ce.file(args.FileToken)
		if err != nil {
			return err
		}
		delete(ce.files, args.FileToken)
		return fw.Close(ctx, args.TextChecksum)

	case "absent-dir", "absent-file":
		return ce.session.parser.SkipItems()

	default:
		ce.session.log.Error("unsupported editor command", zap.String("command", cmd))
		if err := ce.session.parser.SkipItems(); err != nil {
			return err
		}
		return protocol.Errorf(protocol.CodeRaSvnUnknownCmd, "Unsupported editor command: %s", cmd)
	}
}

// parse reads the command's argument list and the enclosing list end.
func (ce *commitEditor) parse(s *Session, args any) error {
	if err := protocol.ParseMessage(s.parser, args); err != nil {
		return err
	}
	return s.parser.ReadListEnd()
}

func (ce *commitEditor) openWriter() (*repository.Writer, error) {
	if ce.writer == nil {
		return nil, protocol.NewError(protocol.CodeRaSvnCmdErr, "edit root is not open")
	}
	return ce.writer, nil
}

func (ce *commitEditor) file(token string) (*repository.FileWriter, error) {
	fw, ok := ce.files[token]
	if !ok {
		return nil, protocol.Errorf(protocol.CodeRaSvnCmdErr, "unknown file token %q", token)
	}
	return fw, nil
}

// copySource rebases an optional copy-from pair onto the branch.
func (ce *commitEditor) copySource(s *Session, copyPath *string, copyRev *int) (*repository.CopyFrom, error) {
	if copyPath == nil || copyRev == nil {
		return nil, nil
	}
	return &repository.CopyFrom{Path: normalizePath(*copyPath), Rev: *copyRev}, nil
}

// finish runs the commit and reports the new revision.
func (ce *commitEditor) finish(ctx context.Context, s *Session) error {
	w, err := ce.openWriter()
	if err != nil {
		return err
	}
	newRev, err := w.Commit(ctx, displayName(s), s.user.Email, ce.message)
	if err != nil {
		ce.abort()
		return err
	}
	ce.writer = nil

	view, err := s.branch.Revision(newRev)
	if err != nil {
		return err
	}

	if err := s.sendEmptySuccess(); err != nil {
		return err
	}
	date := view.DateString()
	author := view.Author()
	s.writer.ListBegin().Word("success").ListBegin().
		Number(newRev)
	s.writer.OptString(&date)
	if author == "" {
		s.writer.OptString(nil)
	} else {
		s.writer.OptString(&author)
	}
	s.writer.OptString(nil) // post-commit error slot
	s.writer.ListEnd().ListEnd()
	return s.writer.Flush()
}

func displayName(s *Session) string {
	if s.user.RealName != "" {
		return s.user.RealName
	}
	return s.user.Name
}
